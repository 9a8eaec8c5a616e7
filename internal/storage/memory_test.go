package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/finchkit/trading-core/internal/model"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	s := NewMemoryStore("Test")

	long := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 100000, 25, nil, model.Float(149), "", nil, nil)
	short := model.NewPosition(model.Short, "EURUSD", model.Float(1.1), 2, 100000, 25, model.Float(1.05), nil, "", nil, nil)

	if err := s.StorePosition(long); err != nil {
		t.Fatalf("StorePosition: %v", err)
	}
	if err := s.StorePosition(short); err != nil {
		t.Fatalf("StorePosition: %v", err)
	}

	got, err := s.GetPosition(long.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Symbol != "USDJPY" || *got.Price != 150 || *got.SL != 149 {
		t.Errorf("got position %+v", got)
	}

	longs, shorts, err := s.GetPositions()
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(longs) != 1 || len(shorts) != 1 {
		t.Fatalf("got %d longs and %d shorts, want 1 and 1", len(longs), len(shorts))
	}

	longs, shorts, err = s.GetPositions("EURUSD")
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(longs) != 0 || len(shorts) != 1 {
		t.Errorf("symbol filter returned %d longs and %d shorts", len(longs), len(shorts))
	}
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore("Test")

	if _, err := s.GetPosition("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPosition error = %v, want ErrNotFound", err)
	}
	if _, err := s.DeletePosition("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeletePosition error = %v, want ErrNotFound", err)
	}
	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.UpdatePosition(p); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdatePosition error = %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreUpdateAndDelete(t *testing.T) {
	s := NewMemoryStore("Test")

	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatalf("StorePosition: %v", err)
	}

	p.SL = model.Float(149)
	p.Volume = 0.5
	if err := s.UpdatePosition(p); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}
	got, err := s.GetPosition(p.ID)
	if err != nil {
		t.Fatalf("GetPosition: %v", err)
	}
	if got.Volume != 0.5 || got.SL == nil || *got.SL != 149 {
		t.Errorf("update not applied: %+v", got)
	}

	deleted, err := s.DeletePosition(p.ID)
	if err != nil {
		t.Fatalf("DeletePosition: %v", err)
	}
	if deleted.ID != p.ID {
		t.Errorf("deleted id = %s, want %s", deleted.ID, p.ID)
	}
	if _, err := s.GetPosition(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("position still readable after delete: %v", err)
	}
}

func TestMemoryStoreListeningPositions(t *testing.T) {
	s := NewMemoryStore("Test")

	quiet := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	watched := model.NewPosition(model.Short, "USDJPY", model.Float(150), 1, 1, 1, nil, model.Float(151), "", nil, nil)
	if err := s.StorePosition(quiet); err != nil {
		t.Fatal(err)
	}
	if err := s.StorePosition(watched); err != nil {
		t.Fatal(err)
	}

	listening, err := s.ListeningPositions()
	if err != nil {
		t.Fatalf("ListeningPositions: %v", err)
	}
	if len(listening) != 1 {
		t.Fatalf("got %d listening positions, want 1", len(listening))
	}
	if _, ok := listening[watched.ID]; !ok {
		t.Error("listening map misses the position with sl set")
	}
}

func TestMemoryStoreCloneIsolation(t *testing.T) {
	s := NewMemoryStore("Test")

	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's struct after storing must not affect the store.
	p.Volume = 99
	got, err := s.GetPosition(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Volume != 1 {
		t.Errorf("store shares memory with the caller: volume = %v", got.Volume)
	}

	// Mutating a read result must not affect the store either.
	got.Volume = 42
	again, err := s.GetPosition(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Volume != 1 {
		t.Errorf("read result shares memory with the store: volume = %v", again.Volume)
	}
}

func TestMemoryStoreTradeLog(t *testing.T) {
	s := NewMemoryStore("Test")

	p := model.NewPosition(model.Long, "USDJPY", model.Float(150), 1, 1, 1, nil, nil, "", nil, nil)
	if err := s.StorePosition(p); err != nil {
		t.Fatal(err)
	}
	closeRec := model.NewTradeRecord(p, model.TradeClose, 151, 1, 100, true)
	if err := s.AppendTrade(closeRec); err != nil {
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
	if recs[0].Action != model.TradeOpen || recs[0].WithProfit {
		t.Errorf("first record should be an open without profit: %+v", recs[0])
	}
	if recs[1].Action != model.TradeClose || !recs[1].WithProfit || recs[1].Profit != 100 {
		t.Errorf("second record should be the close with profit: %+v", recs[1])
	}

	// The window is half-open: [from, to).
	recs, err = s.TradesBetween(now.Add(-2*time.Minute), now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 0 {
		t.Errorf("window before the trades returned %d records", len(recs))
	}
}
