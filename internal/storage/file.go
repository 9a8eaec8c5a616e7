package storage

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
)

var _ Store = (*FileStore)(nil)

// sideBuckets is the per-provider document layout on disk.
type sideBuckets struct {
	Long  []*model.Position `json:"LONG"`
	Short []*model.Position `json:"SHORT"`
}

// FileStore persists positions as one JSON document per provider+user and
// the trade log as JSON lines. With SavePeriod == 0 every mutation is
// flushed synchronously; otherwise mutations mark the store dirty and a
// background flusher writes the whole document every save period. The
// durability window of the periodic mode equals the save period.
type FileStore struct {
	provider string
	username string
	dir      string

	savePeriod time.Duration
	logger     logger.Logger

	posMu  sync.Mutex
	longs  map[string]*model.Position
	shorts map[string]*model.Position
	dirty  bool

	logMu sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

func NewFileStore(dir, provider, username string, savePeriod time.Duration, lg logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("can't create storage dir: %w", err)
	}

	s := &FileStore{
		provider:   provider,
		username:   username,
		dir:        dir,
		savePeriod: savePeriod,
		logger:     lg,
		longs:      make(map[string]*model.Position),
		shorts:     make(map[string]*model.Position),
		done:       make(chan struct{}),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	if savePeriod > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		go s.run(ctx)
	} else {
		close(s.done)
	}

	return s, nil
}

func (s *FileStore) positionsPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("positions_%s_%s.json", s.provider, s.username))
}

func (s *FileStore) tradesPath() string {
	return filepath.Join(s.dir, fmt.Sprintf("trades_%s_%s.jsonl", s.provider, s.username))
}

func readDocument(path string) (map[string]sideBuckets, error) {
	doc := make(map[string]sideBuckets)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return doc, nil
		}
		return nil, fmt.Errorf("can't read positions file %s: %w", path, err)
	}
	if len(raw) == 0 {
		return doc, nil
	}
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("can't decode positions file %s: %w", path, err)
	}
	return doc, nil
}

// load fills the buckets from this user's file and then merges positions of
// the same provider found in other users' files under the storage dir.
func (s *FileStore) load() error {
	own := s.positionsPath()
	doc, err := readDocument(own)
	if err != nil {
		return err
	}
	s.adopt(doc[s.provider])

	others, err := filepath.Glob(filepath.Join(s.dir, "positions_"+s.provider+"_*.json"))
	if err != nil {
		return fmt.Errorf("can't scan storage dir: %w", err)
	}
	for _, path := range others {
		if path == own {
			continue
		}
		otherDoc, err := readDocument(path)
		if err != nil {
			s.logger.Warnf("%s: skipping unreadable positions file %s", err, path)
			continue
		}
		s.adopt(otherDoc[s.provider])
	}
	return nil
}

func (s *FileStore) adopt(b sideBuckets) {
	for _, p := range b.Long {
		if _, ok := s.longs[p.ID]; !ok {
			s.longs[p.ID] = p
		}
	}
	for _, p := range b.Short {
		if _, ok := s.shorts[p.ID]; !ok {
			s.shorts[p.ID] = p
		}
	}
}

// flushLocked serializes the full in-memory state to disk. Caller holds
// posMu.
func (s *FileStore) flushLocked() error {
	doc, err := readDocument(s.positionsPath())
	if err != nil {
		return err
	}

	b := sideBuckets{
		Long:  make([]*model.Position, 0, len(s.longs)),
		Short: make([]*model.Position, 0, len(s.shorts)),
	}
	for _, p := range s.longs {
		b.Long = append(b.Long, p)
	}
	for _, p := range s.shorts {
		b.Short = append(b.Short, p)
	}
	doc[s.provider] = b

	raw, err := sonic.Marshal(doc)
	if err != nil {
		return fmt.Errorf("can't encode positions: %w", err)
	}
	if err := os.WriteFile(s.positionsPath(), raw, 0o644); err != nil {
		return fmt.Errorf("can't write positions file: %w", err)
	}
	s.dirty = false
	return nil
}

func (s *FileStore) afterMutateLocked() error {
	if s.savePeriod > 0 {
		s.dirty = true
		return nil
	}
	return s.flushLocked()
}

func (s *FileStore) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.savePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.posMu.Lock()
			if s.dirty {
				if err := s.flushLocked(); err != nil {
					s.logger.Errorf("%s: periodic flush failed, will retry", err)
				}
			}
			s.posMu.Unlock()
		}
	}
}

func (s *FileStore) bucket(side model.Side) map[string]*model.Position {
	if side == model.Short {
		return s.shorts
	}
	return s.longs
}

func (s *FileStore) StorePosition(p *model.Position) error {
	s.posMu.Lock()
	s.bucket(p.Side)[p.ID] = p.Clone()
	err := s.afterMutateLocked()
	s.posMu.Unlock()
	if err != nil {
		return err
	}

	price := 0.0
	if p.Price != nil {
		price = *p.Price
	}
	return s.AppendTrade(model.NewTradeRecord(p, model.TradeOpen, price, p.Volume, 0, false))
}

func (s *FileStore) GetPosition(id string) (*model.Position, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	if p, ok := s.longs[id]; ok {
		return p.Clone(), nil
	}
	if p, ok := s.shorts[id]; ok {
		return p.Clone(), nil
	}
	return nil, ErrNotFound
}

func (s *FileStore) GetPositions(symbols ...string) ([]*model.Position, []*model.Position, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	longs := make([]*model.Position, 0, len(s.longs))
	for _, p := range s.longs {
		if matchSymbols(p.Symbol, symbols) {
			longs = append(longs, p.Clone())
		}
	}
	shorts := make([]*model.Position, 0, len(s.shorts))
	for _, p := range s.shorts {
		if matchSymbols(p.Symbol, symbols) {
			shorts = append(shorts, p.Clone())
		}
	}
	return longs, shorts, nil
}

func (s *FileStore) UpdatePosition(p *model.Position) error {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	b := s.bucket(p.Side)
	if _, ok := b[p.ID]; !ok {
		return ErrNotFound
	}
	b[p.ID] = p.Clone()
	return s.afterMutateLocked()
}

func (s *FileStore) DeletePosition(id string) (*model.Position, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	for _, b := range []map[string]*model.Position{s.longs, s.shorts} {
		if p, ok := b[id]; ok {
			delete(b, id)
			if err := s.afterMutateLocked(); err != nil {
				return p, err
			}
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) ListeningPositions() (map[string]*model.Position, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	listening := make(map[string]*model.Position)
	for id, p := range s.longs {
		if p.Listening() {
			listening[id] = p.Clone()
		}
	}
	for id, p := range s.shorts {
		if p.Listening() {
			listening[id] = p.Clone()
		}
	}
	return listening, nil
}

func (s *FileStore) AppendTrade(rec model.TradeRecord) error {
	raw, err := sonic.Marshal(rec)
	if err != nil {
		return fmt.Errorf("can't encode trade record: %w", err)
	}

	s.logMu.Lock()
	defer s.logMu.Unlock()

	f, err := os.OpenFile(s.tradesPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("can't open trade log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("can't append trade record: %w", err)
	}
	return nil
}

func (s *FileStore) TradesBetween(from, to time.Time) ([]model.TradeRecord, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()

	f, err := os.Open(s.tradesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("can't open trade log: %w", err)
	}
	defer f.Close()

	var out []model.TradeRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec model.TradeRecord
		if err := sonic.Unmarshal(line, &rec); err != nil {
			s.logger.Warnf("%s: skipping corrupt trade log line", err)
			continue
		}
		if !rec.Timestamp.Before(from) && rec.Timestamp.Before(to) {
			out = append(out, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("can't read trade log: %w", err)
	}
	return out, nil
}

// Close stops the flusher and writes any pending state.
func (s *FileStore) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done

	s.posMu.Lock()
	defer s.posMu.Unlock()
	if s.dirty {
		return s.flushLocked()
	}
	return nil
}
