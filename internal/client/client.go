// Package client is the order/position lifecycle controller: it drives
// open/close calls against the account manager, keeps the pending-order
// book, and watches every incoming tick for TP/SL and pending-order
// triggers.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/finchkit/trading-core/internal/account"
	"github.com/finchkit/trading-core/internal/broker"
	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
	"github.com/finchkit/trading-core/internal/notify"
)

const _msgClosedByMonitor = "Position is closed by tp/sl"

type Config struct {
	TickQueueSize   int
	ClosedResultTTL time.Duration
	Symbols         map[string]model.SymbolRiskConfig
	Notifier        notify.Notifier
}

func (c *Config) Setup() {
	if c.TickQueueSize <= 0 {
		c.TickQueueSize = 64
	}
	if c.ClosedResultTTL <= 0 {
		c.ClosedResultTTL = 5 * time.Minute
	}
	if c.Symbols == nil {
		c.Symbols = make(map[string]model.SymbolRiskConfig)
	}
	for k := range c.Symbols {
		s := c.Symbols[k]
		s.Setup()
		c.Symbols[k] = s
	}
}

// Client coordinates the account manager, the broker adapter, and the tick
// monitor. One monitor goroutine consumes the tick queue, so monitor runs
// never overlap; HandleTick never blocks the feed.
type Client struct {
	logger  logger.Logger
	cfg     Config
	account *account.Manager
	broker  broker.Broker
	quoter  broker.Quoter

	closedByMonitor *resultCache

	mu      sync.Mutex
	pending map[int64]*model.Order

	ticks  chan model.Tick
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, acc *account.Manager, b broker.Broker, q broker.Quoter, lg logger.Logger) *Client {
	cfg.Setup()

	c := &Client{
		logger:          lg,
		cfg:             cfg,
		account:         acc,
		broker:          b,
		quoter:          q,
		closedByMonitor: newResultCache(cfg.ClosedResultTTL),
		pending:         make(map[int64]*model.Order),
		ticks:           make(chan model.Tick, cfg.TickQueueSize),
		done:            make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)

	return c
}

func (c *Client) symbolConfig(symbol string) model.SymbolRiskConfig {
	if s, ok := c.cfg.Symbols[symbol]; ok {
		return s
	}
	s := model.SymbolRiskConfig{Symbol: symbol}
	s.Setup()
	return s
}

type OpenTradeRequest struct {
	IsBuy     bool
	Symbol    string
	Volume    float64
	Price     *float64
	TP        *float64
	SL        *float64
	OrderType model.OrderType // defaults to market
	Index     string
	Option    json.RawMessage
}

// OpenTrade executes a market order through the broker and books the
// position, or registers a limit/stop order in the pending book. Exactly
// one of the returns is set on success.
func (c *Client) OpenTrade(req OpenTradeRequest) (*model.Position, *model.Order, error) {
	if req.OrderType == "" {
		req.OrderType = model.Market
	}
	side := model.Short
	if req.IsBuy {
		side = model.Long
	}
	symCfg := c.symbolConfig(req.Symbol)

	switch req.OrderType {
	case model.Market:
		price := req.Price
		if price == nil {
			var (
				rate float64
				err  error
			)
			if req.IsBuy {
				rate, err = c.quoter.CurrentAsk(req.Symbol)
			} else {
				rate, err = c.quoter.CurrentBid(req.Symbol)
			}
			if err != nil {
				return nil, nil, fmt.Errorf("can't fetch current rate for %s: %w", req.Symbol, err)
			}
			price = &rate
		}

		var (
			token json.RawMessage
			err   error
		)
		if req.IsBuy {
			token, err = c.broker.MarketBuy(req.Symbol, *price, req.Volume, req.TP, req.SL)
		} else {
			token, err = c.broker.MarketSell(req.Symbol, *price, req.Volume, req.TP, req.SL)
		}
		if err != nil {
			c.logger.Errorf("%s: market order failed for %s", err, req.Symbol)
			return nil, nil, fmt.Errorf("market order failed: %w", err)
		}

		p, err := c.account.OpenPosition(account.OpenRequest{
			Side:      side,
			Symbol:    req.Symbol,
			Price:     price,
			Volume:    req.Volume,
			TradeUnit: symCfg.TradeUnit,
			Leverage:  symCfg.Leverage,
			TP:        req.TP,
			SL:        req.SL,
			Index:     req.Index,
			Option:    req.Option,
			Result:    token,
		})
		if err != nil {
			return nil, nil, err
		}
		c.notifyOpened(p)
		return p, nil, nil

	case model.Limit, model.Stop:
		if req.Price == nil {
			return nil, nil, fmt.Errorf("%w: %s order requires a trigger price", model.ErrValidation, req.OrderType)
		}
		order := model.NewOrder(req.OrderType, side, req.Symbol, *req.Price, req.Volume, req.TP, req.SL, 0)

		ticket, err := c.broker.PlacePendingOrder(order)
		if err != nil {
			c.logger.Errorf("%s: pending order failed for %s", err, req.Symbol)
			return nil, nil, fmt.Errorf("pending order failed: %w", err)
		}
		order.MagicNumber = ticket

		c.mu.Lock()
		c.pending[ticket] = order
		c.mu.Unlock()

		c.logger.Infof("pending %s %s %s at %f registered, ticket %d",
			order.OrderType, order.Side, order.Symbol, order.Price, ticket)
		return nil, order, nil

	default:
		return nil, nil, fmt.Errorf("%w: order type %s is not supported", model.ErrValidation, req.OrderType)
	}
}

// CancelOrder removes a pending order by its broker ticket.
func (c *Client) CancelOrder(ticket int64) error {
	c.mu.Lock()
	_, ok := c.pending[ticket]
	delete(c.pending, ticket)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown pending ticket %d", ticket)
	}
	if err := c.broker.CancelPendingOrder(ticket); err != nil {
		return fmt.Errorf("can't cancel pending order %d: %w", ticket, err)
	}
	return nil
}

// PendingOrders snapshots the pending book.
func (c *Client) PendingOrders() []*model.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Order, 0, len(c.pending))
	for _, o := range c.pending {
		out = append(out, o)
	}
	return out
}

type CloseRequest struct {
	ID     string
	Price  *float64
	Volume *float64
	// Symbol+Side resolve the position when there is no local id, for
	// broker-driven flows.
	Symbol string
	Side   model.Side
	Index  string
}

// ClosePosition settles a position through the broker and the account
// manager. If the monitor already closed the id, the cached result comes
// back with Error set instead of a second settlement.
func (c *Client) ClosePosition(req CloseRequest) (model.ClosedResult, error) {
	if req.ID != "" {
		if cached, ok := c.closedByMonitor.pop(req.ID); ok {
			c.logger.Infof("position %s was already closed by the monitor", req.ID)
			cached.Error = true
			return cached, nil
		}
	}

	p, err := c.resolve(req)
	if err != nil {
		return model.FailedClose(req.ID, err.Error()), nil
	}

	price := req.Price
	if price == nil {
		var rate float64
		var qerr error
		if p.Side == model.Long {
			rate, qerr = c.quoter.CurrentBid(p.Symbol)
		} else {
			rate, qerr = c.quoter.CurrentAsk(p.Symbol)
		}
		if qerr != nil {
			return model.FailedClose(p.ID, qerr.Error()), nil
		}
		price = &rate
	}

	volume := p.Volume
	if req.Volume != nil {
		volume = *req.Volume
	}

	if err := c.settle(p, *price, volume); err != nil {
		c.logger.Errorf("%s: broker settlement failed for %s", err, p.ID)
		return model.FailedClose(p.ID, err.Error()), nil
	}

	result, err := c.account.ClosePosition(account.CloseRequest{
		ID:       p.ID,
		Price:    price,
		Volume:   req.Volume,
		Position: p,
		Index:    req.Index,
	})
	if err == nil && !result.Error {
		c.notifyClosed(result)
	}
	return result, err
}

func (c *Client) notifyOpened(p *model.Position) {
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.PositionOpened(p)
	}
}

func (c *Client) notifyClosed(r model.ClosedResult) {
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.PositionClosed(r)
	}
}

func (c *Client) resolve(req CloseRequest) (*model.Position, error) {
	if req.ID != "" {
		return c.account.GetPosition(req.ID)
	}
	if req.Symbol == "" || (req.Side != model.Long && req.Side != model.Short) {
		return nil, fmt.Errorf("%w: either id or symbol and side must be specified", model.ErrValidation)
	}
	longs, shorts, err := c.account.GetPositions(req.Symbol)
	if err != nil {
		return nil, err
	}
	bucket := longs
	if req.Side == model.Short {
		bucket = shorts
	}
	if len(bucket) == 0 {
		return nil, fmt.Errorf("no open %s position for %s", req.Side, req.Symbol)
	}
	return bucket[0], nil
}

func (c *Client) settle(p *model.Position, price, volume float64) error {
	if p.Side == model.Long {
		return c.broker.SellToClose(p.Symbol, price, volume, p.Option, p.Result)
	}
	return c.broker.BuyToClose(p.Symbol, price, volume, p.Option, p.Result)
}

// CloseAllPositions closes every open position, optionally filtered by
// symbols, and drains monitor results that nobody collected yet.
func (c *Client) CloseAllPositions(symbols ...string) []model.ClosedResult {
	longs, shorts, err := c.account.GetPositions(symbols...)
	if err != nil {
		c.logger.Errorf("%s: can't list positions for close-all", err)
		return nil
	}

	results := make([]model.ClosedResult, 0, len(longs)+len(shorts))
	for _, p := range append(longs, shorts...) {
		r, err := c.ClosePosition(CloseRequest{ID: p.ID})
		if err != nil {
			c.logger.Errorf("%s: close-all failed for %s", err, p.ID)
		}
		results = append(results, r)
	}

	for _, r := range c.closedByMonitor.drain() {
		r.Error = true
		results = append(results, r)
	}
	return results
}

func (c *Client) CloseLongPositions(symbols ...string) []model.ClosedResult {
	return c.closeSide(model.Long, symbols...)
}

func (c *Client) CloseShortPositions(symbols ...string) []model.ClosedResult {
	return c.closeSide(model.Short, symbols...)
}

func (c *Client) closeSide(side model.Side, symbols ...string) []model.ClosedResult {
	longs, shorts, err := c.account.GetPositions(symbols...)
	if err != nil {
		c.logger.Errorf("%s: can't list positions", err)
		return nil
	}
	bucket := longs
	if side == model.Short {
		bucket = shorts
	}

	results := make([]model.ClosedResult, 0, len(bucket))
	for _, p := range bucket {
		r, err := c.ClosePosition(CloseRequest{ID: p.ID})
		if err != nil {
			c.logger.Errorf("%s: close failed for %s", err, p.ID)
		}
		results = append(results, r)
	}
	return results
}

func (c *Client) UpdatePosition(id string, upd account.Update) (*model.Position, error) {
	return c.account.UpdatePosition(id, upd)
}

func (c *Client) GetPositions(symbols ...string) ([]*model.Position, []*model.Position, error) {
	return c.account.GetPositions(symbols...)
}

func (c *Client) Budget() float64 {
	return c.account.Budget()
}

// HandleTick queues a tick for the monitor without blocking the data feed.
// A full queue drops the tick; the next tick re-covers the same levels for
// still-open positions.
func (c *Client) HandleTick(t model.Tick) {
	select {
	case c.ticks <- t:
	default:
		c.logger.Warnf("monitor queue is full, dropping tick for %s", t.Symbol)
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-c.ticks:
			c.checkListeningPositions(t)
			c.checkPendingOrders(t)
		}
	}
}

// checkListeningPositions tests every listening position against the tick's
// range. SL is evaluated before TP: a bar that could satisfy both counts as
// stopped out.
func (c *Client) checkListeningPositions(t model.Tick) {
	positions := c.account.ListeningSnapshot()
	if len(positions) == 0 {
		return
	}
	c.logger.Debugf("checking tp/sl of %d positions", len(positions))

	for _, p := range positions {
		if t.Symbol != "" && p.Symbol != t.Symbol {
			continue
		}

		if p.SL != nil {
			sl := *p.SL
			if (p.Side == model.Long && sl >= t.Low) || (p.Side == model.Short && sl <= t.High) {
				c.closeByMonitor(p, sl, t.Index)
				continue
			}
		}
		if p.TP != nil {
			tp := *p.TP
			if (p.Side == model.Long && tp <= t.High) || (p.Side == model.Short && tp >= t.Low) {
				c.closeByMonitor(p, tp, t.Index)
			}
		}
	}
}

// closeByMonitor settles at the trigger price, never at the tick extreme.
func (c *Client) closeByMonitor(p *model.Position, price float64, index string) {
	if err := c.settle(p, price, p.Volume); err != nil {
		c.logger.Errorf("%s: broker settlement failed for %s, will retry next tick", err, p.ID)
		return
	}

	result, err := c.account.ClosePosition(account.CloseRequest{
		ID:       p.ID,
		Price:    &price,
		Position: p,
		Index:    index,
	})
	if err != nil {
		c.logger.Errorf("%s: monitor close failed for %s", err, p.ID)
	}
	c.account.RemoveListening(p.ID)
	if result.Error {
		return
	}

	result.Msg = _msgClosedByMonitor
	c.closedByMonitor.put(p.ID, result)
	c.notifyClosed(result)
	c.logger.Infof("position %s closed by monitor at %f, profit %f", p.ID, price, result.Profit)
}

// checkPendingOrders fills limit/stop orders whose trigger price falls
// inside the tick's range. A limit buy fills when price dips to the limit;
// a stop buy fills when price rises to the stop; sells mirror.
func (c *Client) checkPendingOrders(t model.Tick) {
	c.mu.Lock()
	orders := make(map[int64]*model.Order, len(c.pending))
	for ticket, o := range c.pending {
		orders[ticket] = o
	}
	c.mu.Unlock()

	for ticket, o := range orders {
		if t.Symbol != "" && o.Symbol != t.Symbol {
			continue
		}
		if !orderTriggered(o, t) {
			continue
		}

		symCfg := c.symbolConfig(o.Symbol)
		p, err := c.account.OpenPosition(account.OpenRequest{
			Side:      o.Side,
			Symbol:    o.Symbol,
			Price:     &o.Price,
			Volume:    o.Volume,
			TradeUnit: symCfg.TradeUnit,
			Leverage:  symCfg.Leverage,
			TP:        o.TP,
			SL:        o.SL,
			Index:     t.Index,
		})
		if err != nil {
			c.logger.Errorf("%s: can't open position for filled order %d", err, ticket)
			continue
		}

		c.mu.Lock()
		delete(c.pending, ticket)
		c.mu.Unlock()
		c.notifyOpened(p)
		c.logger.Infof("pending order %d filled into position %s at %f", ticket, p.ID, o.Price)
	}
}

func orderTriggered(o *model.Order, t model.Tick) bool {
	isBuy := o.Side == model.Long
	switch o.OrderType {
	case model.Limit:
		if isBuy {
			return t.Low <= o.Price
		}
		return t.High >= o.Price
	case model.Stop:
		if isBuy {
			return t.High >= o.Price
		}
		return t.Low <= o.Price
	default:
		return false
	}
}

// Close stops the monitor. The store shutdown is the owner's business.
func (c *Client) Close() {
	c.cancel()
	<-c.done
}
