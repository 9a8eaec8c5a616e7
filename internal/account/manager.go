// Package account owns the budget, the risk configuration, and the
// listening-position index, and orchestrates every open/update/close
// against a PositionStore and a TradeLogStore.
package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
	"github.com/finchkit/trading-core/internal/storage"
)

const (
	_msgMissingIDOrPrice = "either id or price is None"
	_msgPositionNotFound = "position id is not found"
	_msgNoEntryPrice     = "position has no entry price yet"
)

type Manager struct {
	logger   logger.Logger
	provider string
	loc      *time.Location

	store  storage.PositionStore
	trades storage.TradeLogStore

	mu           sync.Mutex
	budget       float64
	riskConfig   *model.AccountRiskConfig
	dailyMaxLoss float64
	listening    map[string]*model.Position
}

// NewManager rebuilds the listening index from the store so the monitor's
// working set survives restarts.
func NewManager(budget float64, store storage.PositionStore, trades storage.TradeLogStore,
	provider string, loc *time.Location, lg logger.Logger) (*Manager, error) {
	if loc == nil {
		loc = time.UTC
	}

	listening, err := store.ListeningPositions()
	if err != nil {
		return nil, fmt.Errorf("can't rebuild listening index: %w", err)
	}

	lg.Infof("account manager initialized with budget %f, provider %s", budget, provider)
	return &Manager{
		logger:    lg,
		provider:  provider,
		loc:       loc,
		store:     store,
		trades:    trades,
		budget:    budget,
		listening: listening,
	}, nil
}

type OpenRequest struct {
	Side      model.Side
	Symbol    string
	Price     *float64 // nil: market open awaiting a fill
	Volume    float64
	TradeUnit float64 // defaults to 1
	Leverage  float64 // defaults to 1
	TP        *float64
	SL        *float64
	Index     string
	Option    json.RawMessage
	Result    json.RawMessage
}

func (m *Manager) OpenPosition(req OpenRequest) (*model.Position, error) {
	if req.Volume <= 0 {
		return nil, fmt.Errorf("%w: volume must be positive, got %f", model.ErrValidation, req.Volume)
	}
	if req.Side != model.Long && req.Side != model.Short {
		return nil, fmt.Errorf("%w: unknown side %d", model.ErrValidation, req.Side)
	}

	p := model.NewPosition(req.Side, req.Symbol, req.Price, req.Volume, req.TradeUnit, req.Leverage,
		req.TP, req.SL, req.Index, req.Option, req.Result)

	// A market open ordered while the market is closed has no price yet;
	// it is stored as-is and the budget is untouched until the fill.
	if req.Price == nil {
		if err := m.store.StorePosition(p); err != nil {
			return nil, fmt.Errorf("can't store pending position: %w", err)
		}
		m.logger.Debugf("pending market open stored: %s %s", p.Symbol, p.ID)
		return p, nil
	}

	requiredMargin := p.TradeUnit * p.Volume * (*req.Price) / p.Leverage

	m.mu.Lock()
	defer m.mu.Unlock()

	if requiredMargin > m.budget {
		m.logger.Warnf("budget %f is less than required margin %f, opening anyway", m.budget, requiredMargin)
	}

	if err := m.store.StorePosition(p); err != nil {
		return nil, fmt.Errorf("can't store position: %w", err)
	}

	m.budget -= requiredMargin
	m.recomputeDailyMaxLossLocked()

	if p.Listening() {
		m.listening[p.ID] = p.Clone()
		m.logger.Debugf("position %s added to listening list", p.ID)
	}

	m.logger.Infof("opened %s %s volume %f at %f, margin %f", p.Side, p.Symbol, p.Volume, *req.Price, requiredMargin)
	return p, nil
}

// Update distinguishes "not provided" from "explicitly cleared": a nil
// TP/SL with the matching Clear flag unset leaves the value untouched.
type Update struct {
	TP      *float64
	SL      *float64
	ClearTP bool
	ClearSL bool
}

func (m *Manager) UpdatePosition(id string, upd Update) (*model.Position, error) {
	p, err := m.store.GetPosition(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.logger.Warnf("can't update unknown position %s", id)
		}
		return nil, err
	}

	switch {
	case upd.ClearTP:
		p.TP = nil
	case upd.TP != nil:
		p.TP = upd.TP
	}
	switch {
	case upd.ClearSL:
		p.SL = nil
	case upd.SL != nil:
		p.SL = upd.SL
	}

	if err := m.store.UpdatePosition(p); err != nil {
		return nil, fmt.Errorf("can't persist position update: %w", err)
	}

	m.mu.Lock()
	if p.Listening() {
		m.listening[p.ID] = p.Clone()
	} else {
		delete(m.listening, p.ID)
	}
	m.mu.Unlock()

	price := 0.0
	if p.Price != nil {
		price = *p.Price
	}
	if err := m.trades.AppendTrade(model.NewTradeRecord(p, model.TradeUpdate, price, p.Volume, 0, false)); err != nil {
		return nil, fmt.Errorf("can't log position update: %w", err)
	}
	return p, nil
}

type CloseRequest struct {
	ID       string
	Price    *float64
	Volume   *float64 // nil: close the full remaining volume
	Position *model.Position
	Index    string
}

// ClosePosition settles volume at the given price, credits the budget
// exactly once, and removes the id from the listening index. Domain
// failures come back inside the ClosedResult; the error return carries
// storage failures only.
func (m *Manager) ClosePosition(req CloseRequest) (model.ClosedResult, error) {
	p := req.Position
	if p == nil {
		if req.ID == "" || req.Price == nil {
			m.logger.Errorf("%s: %q, %v", _msgMissingIDOrPrice, req.ID, req.Price)
			return model.FailedClose(req.ID, _msgMissingIDOrPrice), nil
		}
		var err error
		p, err = m.store.GetPosition(req.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.removeListening(req.ID)
				m.logger.Errorf("%s: %s", _msgPositionNotFound, req.ID)
				return model.FailedClose(req.ID, _msgPositionNotFound), nil
			}
			return model.FailedClose(req.ID, err.Error()), err
		}
	}
	if req.Price == nil {
		return model.FailedClose(p.ID, _msgMissingIDOrPrice), nil
	}
	if p.Price == nil {
		return model.FailedClose(p.ID, _msgNoEntryPrice), nil
	}

	price := *req.Price
	entry := *p.Price

	volume := p.Volume
	if req.Volume != nil {
		volume = *req.Volume
		if volume > p.Volume {
			m.logger.Infof("requested close volume %f exceeds position volume %f, clamping", volume, p.Volume)
			volume = p.Volume
		}
	}

	var priceDiff float64
	if p.Side == model.Long {
		priceDiff = price - entry
	} else {
		priceDiff = entry - price
	}

	profit := p.TradeUnit * volume * priceDiff
	returnBudget := p.TradeUnit*volume*entry/p.Leverage + profit

	if volume == p.Volume {
		if _, err := m.store.DeletePosition(p.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// Lost the race against another close; do not credit twice.
				m.removeListening(p.ID)
				return model.FailedClose(p.ID, _msgPositionNotFound), nil
			}
			return model.FailedClose(p.ID, err.Error()), fmt.Errorf("can't delete closed position: %w", err)
		}
	} else {
		p.Volume -= volume
		if err := m.store.UpdatePosition(p); err != nil {
			return model.FailedClose(p.ID, err.Error()), fmt.Errorf("can't persist partial close: %w", err)
		}
	}

	if err := m.trades.AppendTrade(model.NewTradeRecord(p, model.TradeClose, price, volume, profit, true)); err != nil {
		return model.FailedClose(p.ID, err.Error()), fmt.Errorf("can't log close: %w", err)
	}

	m.mu.Lock()
	m.budget += returnBudget
	m.recomputeDailyMaxLossLocked()
	delete(m.listening, p.ID)
	m.mu.Unlock()

	m.logger.Infof("closed %s %s volume %f at %f, profit %f, returned budget %f",
		p.Side, p.Symbol, volume, price, profit, returnBudget)

	return model.ClosedResult{
		ID:         p.ID,
		Price:      price,
		EntryPrice: entry,
		Volume:     volume,
		PriceDiff:  priceDiff,
		Profit:     profit,
	}, nil
}

func (m *Manager) GetPosition(id string) (*model.Position, error) {
	return m.store.GetPosition(id)
}

func (m *Manager) GetPositions(symbols ...string) ([]*model.Position, []*model.Position, error) {
	return m.store.GetPositions(symbols...)
}

// ListeningSnapshot copies the monitor's working set.
func (m *Manager) ListeningSnapshot() map[string]*model.Position {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := make(map[string]*model.Position, len(m.listening))
	for id, p := range m.listening {
		snapshot[id] = p.Clone()
	}
	return snapshot
}

func (m *Manager) removeListening(id string) {
	m.mu.Lock()
	delete(m.listening, id)
	m.mu.Unlock()
}

func (m *Manager) RemoveListening(id string) {
	m.removeListening(id)
}

// OpenPositionsRiskVolume sums trade_unit * volume * |entry - sl| over open
// positions carrying a stop loss. Positions without one are unmeasured risk
// and get flagged.
func (m *Manager) OpenPositionsRiskVolume() (float64, error) {
	longs, shorts, err := m.store.GetPositions()
	if err != nil {
		return 0, err
	}

	total := 0.0
	for _, p := range append(longs, shorts...) {
		if p.SL == nil || p.Price == nil {
			m.logger.Warnf("position %s has no stop loss, risk not measured", p.ID)
			continue
		}
		total += p.TradeUnit * p.Volume * math.Abs(*p.Price-*p.SL)
	}
	return total, nil
}

// DailyRealizedPnL sums close-record profits for the day containing date
// in the manager's timezone. A zero date means today.
func (m *Manager) DailyRealizedPnL(date time.Time) (float64, error) {
	if date.IsZero() {
		date = time.Now()
	}
	date = date.In(m.loc)
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, m.loc)
	end := start.Add(24 * time.Hour)

	records, err := m.trades.TradesBetween(start, end)
	if err != nil {
		return 0, fmt.Errorf("can't query trade log: %w", err)
	}

	pnl := 0.0
	for _, rec := range records {
		if rec.WithProfit {
			pnl += rec.Profit
		}
	}
	return pnl, nil
}

// SetRiskConfig validates and installs account risk limits. A zero daily
// max loss disables the daily limit.
func (m *Manager) SetRiskConfig(cfg model.AccountRiskConfig) error {
	daily, scaled, err := model.NormalizePercent(cfg.DailyMaxLossPercent)
	if err != nil {
		return err
	}
	if scaled {
		m.logger.Warnf("daily_max_loss_percent %f interpreted as fraction, scaled to %f",
			cfg.DailyMaxLossPercent, daily)
	}
	cfg.DailyMaxLossPercent = daily
	if daily == 0 {
		m.logger.Warnf("daily max loss percent is 0, daily loss limit disabled")
	}

	if cfg.MaxSingleTradePercent, _, err = model.NormalizePercent(cfg.MaxSingleTradePercent); err != nil {
		return err
	}
	if cfg.MaxTotalRiskPercent, _, err = model.NormalizePercent(cfg.MaxTotalRiskPercent); err != nil {
		return err
	}

	m.mu.Lock()
	m.riskConfig = &cfg
	m.recomputeDailyMaxLossLocked()
	m.mu.Unlock()
	return nil
}

func (m *Manager) RiskConfig() *model.AccountRiskConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.riskConfig == nil {
		return nil
	}
	cfg := *m.riskConfig
	return &cfg
}

func (m *Manager) recomputeDailyMaxLossLocked() {
	if m.riskConfig == nil {
		m.dailyMaxLoss = 0
		return
	}
	m.dailyMaxLoss = m.budget * m.riskConfig.DailyMaxLossPercent / 100
}

func (m *Manager) Budget() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

func (m *Manager) DailyMaxLoss() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyMaxLoss
}

// RemainingDailyLossCapacity returns how much more may be lost today before
// the daily limit is hit. The second value is false when no limit is set.
func (m *Manager) RemainingDailyLossCapacity() (float64, bool, error) {
	m.mu.Lock()
	limit := m.dailyMaxLoss
	m.mu.Unlock()
	if limit <= 0 {
		return 0, false, nil
	}

	pnl, err := m.DailyRealizedPnL(time.Time{})
	if err != nil {
		return 0, true, err
	}

	remaining := limit
	if pnl < 0 {
		remaining = limit + pnl
	}
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

func (m *Manager) Provider() string {
	return m.provider
}
