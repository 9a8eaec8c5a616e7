package storage

import (
	"sync"
	"time"

	"github.com/finchkit/trading-core/internal/model"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps positions in two side buckets without persistence.
// Used for tests and pure simulation runs.
type MemoryStore struct {
	provider string

	mu     sync.RWMutex
	longs  map[string]*model.Position
	shorts map[string]*model.Position
	trades []model.TradeRecord
}

func NewMemoryStore(provider string) *MemoryStore {
	return &MemoryStore{
		provider: provider,
		longs:    make(map[string]*model.Position),
		shorts:   make(map[string]*model.Position),
	}
}

func (s *MemoryStore) bucket(side model.Side) map[string]*model.Position {
	if side == model.Short {
		return s.shorts
	}
	return s.longs
}

func (s *MemoryStore) StorePosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bucket(p.Side)[p.ID] = p.Clone()

	price := 0.0
	if p.Price != nil {
		price = *p.Price
	}
	s.trades = append(s.trades, model.NewTradeRecord(p, model.TradeOpen, price, p.Volume, 0, false))
	return nil
}

func (s *MemoryStore) GetPosition(id string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.longs[id]; ok {
		return p.Clone(), nil
	}
	if p, ok := s.shorts[id]; ok {
		return p.Clone(), nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetPositions(symbols ...string) ([]*model.Position, []*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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

func (s *MemoryStore) UpdatePosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(p.Side)
	if _, ok := b[p.ID]; !ok {
		return ErrNotFound
	}
	b[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) DeletePosition(id string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.longs[id]; ok {
		delete(s.longs, id)
		return p, nil
	}
	if p, ok := s.shorts[id]; ok {
		delete(s.shorts, id)
		return p, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListeningPositions() (map[string]*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

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

func (s *MemoryStore) AppendTrade(rec model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, rec)
	return nil
}

func (s *MemoryStore) TradesBetween(from, to time.Time) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.TradeRecord
	for _, t := range s.trades {
		if !t.Timestamp.Before(from) && t.Timestamp.Before(to) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
