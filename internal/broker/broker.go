// Package broker defines the collaborator interfaces the lifecycle
// controller drives. Real adapters (MT5 bridges, REST brokers) live outside
// this repo; the paper broker here serves simulation and tests.
package broker

import (
	"encoding/json"

	"github.com/finchkit/trading-core/internal/model"
)

// Quoter supplies current best quotes for market opens without a price.
type Quoter interface {
	CurrentAsk(symbol string) (float64, error)
	CurrentBid(symbol string) (float64, error)
}

// Broker executes orders. The returned token is the broker's correlation
// payload, stored opaquely on the position.
type Broker interface {
	MarketBuy(symbol string, price, volume float64, tp, sl *float64) (json.RawMessage, error)
	MarketSell(symbol string, price, volume float64, tp, sl *float64) (json.RawMessage, error)

	BuyToClose(symbol string, price, volume float64, option, token json.RawMessage) error
	SellToClose(symbol string, price, volume float64, option, token json.RawMessage) error

	// PlacePendingOrder registers a limit/stop order and returns the
	// broker ticket used as the order's magic number.
	PlacePendingOrder(o *model.Order) (int64, error)
	CancelPendingOrder(ticket int64) error
}
