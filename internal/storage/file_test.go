package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
)

func newTestFileStore(t *testing.T, dir string, savePeriod time.Duration) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, "Test", "alice", savePeriod, logger.Nop())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestFileStoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir, 0)
	long := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 100000, 25, model.Float(152), model.Float(149), "5m", nil, nil)
	short := model.NewPosition(model.Short, "USDJPY", model.Float(150), 2, 100000, 25, nil, nil, "", nil, nil)
	if err := s.StorePosition(long); err != nil {
		t.Fatalf("StorePosition: %v", err)
	}
	if err := s.StorePosition(short); err != nil {
		t.Fatalf("StorePosition: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestFileStore(t, dir, 0)
	defer reopened.Close()

	got, err := reopened.GetPosition(long.ID)
	if err != nil {
		t.Fatalf("GetPosition after restart: %v", err)
	}
	if *got.Price != 150 || *got.TP != 152 || *got.SL != 149 || got.TimeIndex != "5m" {
		t.Errorf("reloaded position lost fields: %+v", got)
	}

	longs, shorts, err := reopened.GetPositions()
	if err != nil {
		t.Fatal(err)
	}
	if len(longs) != 1 || len(shorts) != 1 {
		t.Errorf("reloaded %d longs and %d shorts, want 1 and 1", len(longs), len(shorts))
	}
}

func TestFileStoreDocumentLayout(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir, 0)
	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "positions_Test_alice.json"))
	if err != nil {
		t.Fatalf("positions file: %v", err)
	}
	var doc map[string]sideBuckets
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode positions file: %v", err)
	}
	b, ok := doc["Test"]
	if !ok {
		t.Fatal("document is not keyed by provider")
	}
	if len(b.Long) != 1 || len(b.Short) != 0 {
		t.Errorf("buckets hold %d LONG and %d SHORT", len(b.Long), len(b.Short))
	}
}

func TestFileStoreMergesOtherUsers(t *testing.T) {
	dir := t.TempDir()

	bob, err := NewFileStore(dir, "Test", "bob", 0, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := bob.StorePosition(p); err != nil {
		t.Fatal(err)
	}
	if err := bob.Close(); err != nil {
		t.Fatal(err)
	}

	alice := newTestFileStore(t, dir, 0)
	defer alice.Close()

	got, err := alice.GetPosition(p.ID)
	if err != nil {
		t.Fatalf("position of the same provider under another user not visible: %v", err)
	}
	if got.Symbol != "USDJPY" {
		t.Errorf("merged position = %+v", got)
	}
}

func TestFileStorePeriodicFlush(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir, 20*time.Millisecond)
	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(2 * time.Second)
	path := filepath.Join(dir, "positions_Test_alice.json")
	for {
		if raw, err := os.ReadFile(path); err == nil && len(raw) > 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("periodic flusher never wrote the positions file")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFileStoreCloseFlushesDirtyState(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir, time.Hour)
	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened := newTestFileStore(t, dir, 0)
	defer reopened.Close()
	if _, err := reopened.GetPosition(p.ID); err != nil {
		t.Errorf("state written before the first tick was lost: %v", err)
	}
}

func TestFileStoreDeleteRemovesFromDisk(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir, 0)
	p := model.NewPosition(model.Short, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DeletePosition(p.ID); err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTestFileStore(t, dir, 0)
	defer reopened.Close()
	if _, err := reopened.GetPosition(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted position came back after restart: %v", err)
	}
}

func TestFileStoreTradeLog(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir, 0)
	defer s.Close()

	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTrade(model.NewTradeRecord(p, model.TradeClose, 151, 1, 100, true)); err != nil {
		t.Fatalf("AppendTrade: %v", err)
	}

	now := time.Now().UTC()
	recs, err := s.TradesBetween(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("TradesBetween: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want open + close", len(recs))
	}
	if recs[1].Action != model.TradeClose || recs[1].Profit != 100 {
		t.Errorf("close record = %+v", recs[1])
	}

	recs, err = s.TradesBetween(now.Add(time.Hour), now.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("future window returned %d records", len(recs))
	}
}

func TestFileStoreTradeLogSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()

	s := newTestFileStore(t, dir, 0)
	defer s.Close()

	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.AppendTrade(model.NewTradeRecord(p, model.TradeOpen, 150, 1, 0, false)); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "trades_Test_alice.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("{not json\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	now := time.Now().UTC()
	recs, err := s.TradesBetween(now.Add(-time.Minute), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("TradesBetween: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("got %d records, want the one valid line", len(recs))
	}
}
