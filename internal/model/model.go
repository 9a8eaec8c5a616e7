package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Side int

const (
	Long Side = iota + 1
	Short
)

func (s Side) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

func SideFromString(s string) (Side, error) {
	switch s {
	case "LONG":
		return Long, nil
	case "SHORT":
		return Short, nil
	default:
		return 0, fmt.Errorf("unknown side: %s", s)
	}
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
	Stop   OrderType = "stop"
)

// Position is an open (or pending-fill) trade. A nil Price means a market
// open ordered while the market is closed, waiting for a fill.
type Position struct {
	ID        string          `json:"id" db:"id"`
	Side      Side            `json:"side" db:"side"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     *float64        `json:"price" db:"price"`
	Volume    float64         `json:"volume" db:"volume"`
	TradeUnit float64         `json:"trade_unit" db:"trade_unit"`
	Leverage  float64         `json:"leverage" db:"leverage"`
	TP        *float64        `json:"tp" db:"tp"`
	SL        *float64        `json:"sl" db:"sl"`
	TimeIndex string          `json:"time_index" db:"time_index"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Option    json.RawMessage `json:"option" db:"option"`
	Result    json.RawMessage `json:"result" db:"result"`
}

func NewPosition(side Side, symbol string, price *float64, volume, tradeUnit, leverage float64,
	tp, sl *float64, index string, option, result json.RawMessage) *Position {
	if tradeUnit <= 0 {
		tradeUnit = 1
	}
	if leverage < 1 {
		leverage = 1
	}
	return &Position{
		ID:        uuid.NewString(),
		Side:      side,
		Symbol:    symbol,
		Price:     price,
		Volume:    volume,
		TradeUnit: tradeUnit,
		Leverage:  leverage,
		TP:        tp,
		SL:        sl,
		TimeIndex: index,
		Timestamp: time.Now().UTC(),
		Option:    option,
		Result:    result,
	}
}

// Listening reports whether the position has a TP or SL to watch per tick.
func (p *Position) Listening() bool {
	return p.TP != nil || p.SL != nil
}

func (p *Position) Clone() *Position {
	cp := *p
	cp.Price = cloneFloat(p.Price)
	cp.TP = cloneFloat(p.TP)
	cp.SL = cloneFloat(p.SL)
	if p.Option != nil {
		cp.Option = append(json.RawMessage(nil), p.Option...)
	}
	if p.Result != nil {
		cp.Result = append(json.RawMessage(nil), p.Result...)
	}
	return &cp
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Float is a convenience for building optional prices in one expression.
func Float(v float64) *float64 {
	return &v
}

// Order is a pending limit/stop order that has not been filled into a
// Position yet. MagicNumber correlates it with the broker ticket.
type Order struct {
	ID          string    `json:"id"`
	OrderType   OrderType `json:"order_type"`
	Side        Side      `json:"side"`
	Symbol      string    `json:"symbol"`
	Price       float64   `json:"price"`
	Volume      float64   `json:"volume"`
	TP          *float64  `json:"tp"`
	SL          *float64  `json:"sl"`
	MagicNumber int64     `json:"magic_number"`
	CreatedAt   time.Time `json:"created_at"`
}

func NewOrder(orderType OrderType, side Side, symbol string, price, volume float64, tp, sl *float64, magic int64) *Order {
	return &Order{
		ID:          uuid.NewString(),
		OrderType:   orderType,
		Side:        side,
		Symbol:      symbol,
		Price:       price,
		Volume:      volume,
		TP:          tp,
		SL:          sl,
		MagicNumber: magic,
		CreatedAt:   time.Now().UTC(),
	}
}

// ClosedResult is returned from every close attempt. Error marks failed or
// already-settled attempts; Msg is human-readable.
type ClosedResult struct {
	ID         string  `json:"id"`
	Price      float64 `json:"price"`
	EntryPrice float64 `json:"entry_price"`
	Volume     float64 `json:"volume"`
	PriceDiff  float64 `json:"price_diff"`
	Profit     float64 `json:"profit"`
	Error      bool    `json:"error"`
	Msg        string  `json:"msg"`
}

func FailedClose(id, msg string) ClosedResult {
	return ClosedResult{ID: id, Error: true, Msg: msg}
}

type TradeAction string

const (
	TradeOpen   TradeAction = "open"
	TradeClose  TradeAction = "close"
	TradeUpdate TradeAction = "update"
	TradeCancel TradeAction = "cancel"
)

// TradeRecord is one append-only trade-log entry. Profit is meaningful only
// when WithProfit is set (close records).
type TradeRecord struct {
	ID         string      `json:"id" db:"id"`
	PositionID string      `json:"position_id" db:"position_id"`
	Action     TradeAction `json:"action" db:"action"`
	Side       Side        `json:"side" db:"side"`
	Symbol     string      `json:"symbol" db:"symbol"`
	Price      float64     `json:"price" db:"price"`
	Volume     float64     `json:"volume" db:"volume"`
	Profit     float64     `json:"profit" db:"profit"`
	WithProfit bool        `json:"with_profit" db:"with_profit"`
	Timestamp  time.Time   `json:"timestamp" db:"timestamp"`
}

func NewTradeRecord(p *Position, action TradeAction, price, volume, profit float64, withProfit bool) TradeRecord {
	return TradeRecord{
		ID:         uuid.NewString(),
		PositionID: p.ID,
		Action:     action,
		Side:       p.Side,
		Symbol:     p.Symbol,
		Price:      price,
		Volume:     volume,
		Profit:     profit,
		WithProfit: withProfit,
		Timestamp:  time.Now().UTC(),
	}
}

// Tick is one OHLC bar handed to the lifecycle monitor.
type Tick struct {
	Symbol string    `json:"symbol"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Index  string    `json:"index"`
	Time   time.Time `json:"time"`
}
