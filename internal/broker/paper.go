package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/ratelimit"

	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
)

var _ Broker = (*PaperBroker)(nil)
var _ Quoter = (*PaperBroker)(nil)

type paperTicket struct {
	Ticket int64   `json:"ticket"`
	Price  float64 `json:"price"`
}

// PaperBroker fills everything it is asked to at the requested price. Order
// calls go through a rate limiter shaped like a real broker's quota so the
// controller's behavior under throttling stays observable in simulation.
type PaperBroker struct {
	logger logger.Logger

	ordersLimiter ratelimit.Limiter // 100 T/M

	mu         sync.Mutex
	spread     float64
	quotes     map[string]float64
	pending    map[int64]*model.Order
	nextTicket int64
}

func NewPaperBroker(spread float64, lg logger.Logger) *PaperBroker {
	return &PaperBroker{
		logger:        lg,
		ordersLimiter: ratelimit.New(100, ratelimit.Per(time.Minute)),
		spread:        spread,
		quotes:        make(map[string]float64),
		pending:       make(map[int64]*model.Order),
		nextTicket:    1,
	}
}

// SetQuote feeds the latest mid price for a symbol, usually from the tick
// stream driving the simulation.
func (b *PaperBroker) SetQuote(symbol string, mid float64) {
	b.mu.Lock()
	b.quotes[symbol] = mid
	b.mu.Unlock()
}

func (b *PaperBroker) CurrentAsk(symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mid, ok := b.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("no quote for symbol %s", symbol)
	}
	return mid + b.spread/2, nil
}

func (b *PaperBroker) CurrentBid(symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mid, ok := b.quotes[symbol]
	if !ok {
		return 0, fmt.Errorf("no quote for symbol %s", symbol)
	}
	return mid - b.spread/2, nil
}

func (b *PaperBroker) fill(symbol string, price float64) (json.RawMessage, error) {
	b.ordersLimiter.Take()

	b.mu.Lock()
	ticket := b.nextTicket
	b.nextTicket++
	b.mu.Unlock()

	token, err := sonic.Marshal(paperTicket{Ticket: ticket, Price: price})
	if err != nil {
		return nil, fmt.Errorf("can't encode broker token: %w", err)
	}
	b.logger.Debugf("paper fill %s at %f, ticket %d", symbol, price, ticket)
	return token, nil
}

func (b *PaperBroker) MarketBuy(symbol string, price, volume float64, tp, sl *float64) (json.RawMessage, error) {
	return b.fill(symbol, price)
}

func (b *PaperBroker) MarketSell(symbol string, price, volume float64, tp, sl *float64) (json.RawMessage, error) {
	return b.fill(symbol, price)
}

func (b *PaperBroker) BuyToClose(symbol string, price, volume float64, option, token json.RawMessage) error {
	_, err := b.fill(symbol, price)
	return err
}

func (b *PaperBroker) SellToClose(symbol string, price, volume float64, option, token json.RawMessage) error {
	_, err := b.fill(symbol, price)
	return err
}

func (b *PaperBroker) PlacePendingOrder(o *model.Order) (int64, error) {
	b.ordersLimiter.Take()

	b.mu.Lock()
	defer b.mu.Unlock()
	ticket := b.nextTicket
	b.nextTicket++
	b.pending[ticket] = o
	b.logger.Debugf("paper pending %s %s %s at %f, ticket %d", o.OrderType, o.Side, o.Symbol, o.Price, ticket)
	return ticket, nil
}

func (b *PaperBroker) CancelPendingOrder(ticket int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[ticket]; !ok {
		return fmt.Errorf("unknown pending ticket %d", ticket)
	}
	delete(b.pending, ticket)
	return nil
}
