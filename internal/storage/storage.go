// Package storage persists positions and the append-only trade log.
// Backends: in-memory, JSON file (write-behind optional), and SQL through
// sqlx (SQLite or PostgreSQL).
package storage

import (
	"errors"
	"time"

	"github.com/finchkit/trading-core/internal/model"
)

var ErrNotFound = errors.New("position not found")

// PositionStore is the authoritative holder of live positions. All backends
// satisfy the same contract; writes to a single instance are linearizable.
type PositionStore interface {
	// StorePosition inserts or overwrites by id and appends an "open"
	// record to the trade log.
	StorePosition(p *model.Position) error

	// GetPosition returns ErrNotFound for unknown ids.
	GetPosition(id string) (*model.Position, error)

	// GetPositions returns long and short buckets. An empty filter
	// returns everything.
	GetPositions(symbols ...string) (longs, shorts []*model.Position, err error)

	// UpdatePosition overwrites an existing position (TP/SL edits,
	// partial-close volume reduction). No trade-log entry is written.
	UpdatePosition(p *model.Position) error

	// DeletePosition removes and returns the position for log purposes.
	// Returns ErrNotFound for unknown ids.
	DeletePosition(id string) (*model.Position, error)

	// ListeningPositions returns the open positions with a TP or SL set,
	// keyed by id, across both sides.
	ListeningPositions() (map[string]*model.Position, error)

	// Close flushes pending writes and releases resources.
	Close() error
}

// TradeLogStore is the append-only open/close/update log, kept separate
// from live position state and queried for realized PnL.
type TradeLogStore interface {
	AppendTrade(rec model.TradeRecord) error

	// TradesBetween returns records with from <= timestamp < to.
	TradesBetween(from, to time.Time) ([]model.TradeRecord, error)
}

// Store is what every backend in this package implements.
type Store interface {
	PositionStore
	TradeLogStore
}

func matchSymbols(symbol string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, s := range filter {
		if s == symbol {
			return true
		}
	}
	return false
}
