package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
)

var _ Store = (*SQLStore)(nil)

const (
	_positionsDDL = `
	CREATE TABLE IF NOT EXISTS position (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		username TEXT NOT NULL,
		symbol TEXT,
		side INTEGER NOT NULL,
		price REAL,
		tp REAL,
		sl REAL,
		time_index TEXT,
		volume REAL,
		trade_unit REAL,
		leverage REAL,
		timestamp TIMESTAMP,
		result TEXT,
		option TEXT
	)`
	_tradesDDL = `
	CREATE TABLE IF NOT EXISTS trade (
		id TEXT PRIMARY KEY,
		position_id TEXT,
		provider TEXT NOT NULL,
		username TEXT NOT NULL,
		action TEXT NOT NULL,
		side INTEGER,
		symbol TEXT,
		price REAL,
		volume REAL,
		profit REAL,
		with_profit INTEGER,
		timestamp TIMESTAMP
	)`

	_upsertPosition = `
	INSERT INTO position (id, provider, username, symbol, side, price, tp, sl, time_index, volume, trade_unit, leverage, timestamp, result, option)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		symbol = EXCLUDED.symbol,
		side = EXCLUDED.side,
		price = EXCLUDED.price,
		tp = EXCLUDED.tp,
		sl = EXCLUDED.sl,
		time_index = EXCLUDED.time_index,
		volume = EXCLUDED.volume,
		trade_unit = EXCLUDED.trade_unit,
		leverage = EXCLUDED.leverage,
		timestamp = EXCLUDED.timestamp,
		result = EXCLUDED.result,
		option = EXCLUDED.option`

	_selectPosition   = `SELECT * FROM position WHERE id = ? AND provider = ? AND username = ?`
	_selectPositions  = `SELECT * FROM position WHERE provider = ? AND username = ?`
	_selectBySymbols  = `SELECT * FROM position WHERE provider = ? AND username = ? AND symbol IN (?)`
	_selectListening  = `SELECT * FROM position WHERE provider = ? AND username = ? AND (tp IS NOT NULL OR sl IS NOT NULL)`
	_deletePosition   = `DELETE FROM position WHERE id = ? AND provider = ? AND username = ?`
	_insertTrade      = `
	INSERT INTO trade (id, position_id, provider, username, action, side, symbol, price, volume, profit, with_profit, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_selectTradesSpan = `SELECT * FROM trade WHERE provider = ? AND username = ? AND timestamp >= ? AND timestamp < ? ORDER BY timestamp`
)

// SQLStore implements Store on top of sqlx. The same implementation serves
// SQLite and PostgreSQL; queries are written with ? placeholders and
// rebound per driver. A store-wide mutex serializes mutations because the
// SQLite driver connection is not safe for concurrent writers.
type SQLStore struct {
	db       *sqlx.DB
	provider string
	username string
	logger   logger.Logger

	mu sync.Mutex
}

func NewSQLiteStore(path, provider, username string, lg logger.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("can't open sqlite database: %w", err)
	}
	// The driver multiplies connections; one writer keeps SQLite happy.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, provider, username, lg)
}

type PostgresConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	DBName   string
	SSLMode  string
}

func NewPostgresConfigFromEnv() *PostgresConfig {
	return &PostgresConfig{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		Username: os.Getenv("POSTGRES_USERNAME"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		DBName:   os.Getenv("POSTGRES_DB_NAME"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}
}

// cmpOr mirrors cmp.Or from the Go 1.22+ standard library; the build
// toolchain here is Go 1.21, which lacks it.
func cmpOr[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}

func (c *PostgresConfig) Setup() *PostgresConfig {
	const (
		defaultHost     = "localhost"
		defaultPort     = "5432"
		defaultUsername = "postgres"
		defaultPassword = "postgres"
		defaultDBName   = "postgres"
		defaultSSLMode  = "disable"
	)

	c.Host = cmpOr(c.Host, defaultHost)
	c.Port = cmpOr(c.Port, defaultPort)
	if _, err := strconv.Atoi(c.Port); err != nil {
		c.Port = defaultPort
	}
	c.Username = cmpOr(c.Username, defaultUsername)
	c.Password = cmpOr(c.Password, defaultPassword)
	c.DBName = cmpOr(c.DBName, defaultDBName)
	c.SSLMode = cmpOr(c.SSLMode, defaultSSLMode)

	return c
}

func (c *PostgresConfig) String() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.DBName, c.Password, c.SSLMode,
	)
}

func NewPostgresStore(cfg *PostgresConfig, provider, username string, lg logger.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", cfg.String())
	if err != nil {
		return nil, fmt.Errorf("can't connect to postgres: %w", err)
	}
	return newSQLStore(db, provider, username, lg)
}

func newSQLStore(db *sqlx.DB, provider, username string, lg logger.Logger) (*SQLStore, error) {
	s := &SQLStore{
		db:       db,
		provider: provider,
		username: username,
		logger:   lg,
	}
	for _, ddl := range []string{_positionsDDL, _tradesDDL} {
		if _, err := db.Exec(ddl); err != nil {
			return nil, fmt.Errorf("can't init schema: %w", err)
		}
	}
	return s, nil
}

type positionRow struct {
	ID        string          `db:"id"`
	Provider  string          `db:"provider"`
	Username  string          `db:"username"`
	Symbol    sql.NullString  `db:"symbol"`
	Side      int             `db:"side"`
	Price     sql.NullFloat64 `db:"price"`
	TP        sql.NullFloat64 `db:"tp"`
	SL        sql.NullFloat64 `db:"sl"`
	TimeIndex sql.NullString  `db:"time_index"`
	Volume    sql.NullFloat64 `db:"volume"`
	TradeUnit sql.NullFloat64 `db:"trade_unit"`
	Leverage  sql.NullFloat64 `db:"leverage"`
	Timestamp time.Time       `db:"timestamp"`
	Result    sql.NullString  `db:"result"`
	Option    sql.NullString  `db:"option"`
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullJSON(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func jsonRaw(v sql.NullString) []byte {
	if !v.Valid || v.String == "" {
		return nil
	}
	return []byte(v.String)
}

func (r positionRow) toPosition() *model.Position {
	return &model.Position{
		ID:        r.ID,
		Side:      model.Side(r.Side),
		Symbol:    r.Symbol.String,
		Price:     floatPtr(r.Price),
		Volume:    r.Volume.Float64,
		TradeUnit: r.TradeUnit.Float64,
		Leverage:  r.Leverage.Float64,
		TP:        floatPtr(r.TP),
		SL:        floatPtr(r.SL),
		TimeIndex: r.TimeIndex.String,
		Timestamp: r.Timestamp.UTC(),
		Option:    jsonRaw(r.Option),
		Result:    jsonRaw(r.Result),
	}
}

func (s *SQLStore) upsert(p *model.Position) error {
	_, err := s.db.Exec(s.db.Rebind(_upsertPosition),
		p.ID, s.provider, s.username, p.Symbol, int(p.Side),
		nullFloat(p.Price), nullFloat(p.TP), nullFloat(p.SL),
		p.TimeIndex, p.Volume, p.TradeUnit, p.Leverage,
		p.Timestamp.UTC(), nullJSON(p.Result), nullJSON(p.Option),
	)
	return err
}

func (s *SQLStore) StorePosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.upsert(p); err != nil {
		return fmt.Errorf("can't store position %s: %w", p.ID, err)
	}

	price := 0.0
	if p.Price != nil {
		price = *p.Price
	}
	return s.appendTradeLocked(model.NewTradeRecord(p, model.TradeOpen, price, p.Volume, 0, false))
}

func (s *SQLStore) GetPosition(id string) (*model.Position, error) {
	var row positionRow
	err := s.db.Get(&row, s.db.Rebind(_selectPosition), id, s.provider, s.username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("can't query position %s: %w", id, err)
	}
	return row.toPosition(), nil
}

func (s *SQLStore) GetPositions(symbols ...string) ([]*model.Position, []*model.Position, error) {
	var (
		rows  []positionRow
		query string
		args  []interface{}
		err   error
	)
	if len(symbols) == 0 {
		query, args = _selectPositions, []interface{}{s.provider, s.username}
	} else {
		query, args, err = sqlx.In(_selectBySymbols, s.provider, s.username, symbols)
		if err != nil {
			return nil, nil, fmt.Errorf("can't build symbols query: %w", err)
		}
	}
	if err := s.db.Select(&rows, s.db.Rebind(query), args...); err != nil {
		return nil, nil, fmt.Errorf("can't query positions: %w", err)
	}

	longs := make([]*model.Position, 0, len(rows))
	shorts := make([]*model.Position, 0, len(rows))
	for _, r := range rows {
		p := r.toPosition()
		if p.Side == model.Short {
			shorts = append(shorts, p)
		} else {
			longs = append(longs, p)
		}
	}
	return longs, shorts, nil
}

func (s *SQLStore) UpdatePosition(p *model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetPosition(p.ID); err != nil {
		return err
	}
	if err := s.upsert(p); err != nil {
		return fmt.Errorf("can't update position %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLStore) DeletePosition(id string) (*model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.GetPosition(id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(s.db.Rebind(_deletePosition), id, s.provider, s.username); err != nil {
		return nil, fmt.Errorf("can't delete position %s: %w", id, err)
	}
	return p, nil
}

func (s *SQLStore) ListeningPositions() (map[string]*model.Position, error) {
	var rows []positionRow
	if err := s.db.Select(&rows, s.db.Rebind(_selectListening), s.provider, s.username); err != nil {
		return nil, fmt.Errorf("can't query listening positions: %w", err)
	}

	listening := make(map[string]*model.Position, len(rows))
	for _, r := range rows {
		p := r.toPosition()
		listening[p.ID] = p
	}
	return listening, nil
}

type tradeRow struct {
	ID         string         `db:"id"`
	PositionID sql.NullString `db:"position_id"`
	Provider   string         `db:"provider"`
	Username   string         `db:"username"`
	Action     string         `db:"action"`
	Side       int            `db:"side"`
	Symbol     sql.NullString `db:"symbol"`
	Price      float64        `db:"price"`
	Volume     float64        `db:"volume"`
	Profit     float64        `db:"profit"`
	WithProfit int            `db:"with_profit"`
	Timestamp  time.Time      `db:"timestamp"`
}

func (s *SQLStore) appendTradeLocked(rec model.TradeRecord) error {
	withProfit := 0
	if rec.WithProfit {
		withProfit = 1
	}
	if _, err := s.db.Exec(s.db.Rebind(_insertTrade),
		rec.ID, rec.PositionID, s.provider, s.username, string(rec.Action),
		int(rec.Side), rec.Symbol, rec.Price, rec.Volume, rec.Profit,
		withProfit, rec.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("can't append trade record: %w", err)
	}
	return nil
}

func (s *SQLStore) AppendTrade(rec model.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendTradeLocked(rec)
}

func (s *SQLStore) TradesBetween(from, to time.Time) ([]model.TradeRecord, error) {
	var rows []tradeRow
	if err := s.db.Select(&rows, s.db.Rebind(_selectTradesSpan), s.provider, s.username, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("can't query trade log: %w", err)
	}

	out := make([]model.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.TradeRecord{
			ID:         r.ID,
			PositionID: r.PositionID.String,
			Action:     model.TradeAction(r.Action),
			Side:       model.Side(r.Side),
			Symbol:     r.Symbol.String,
			Price:      r.Price,
			Volume:     r.Volume,
			Profit:     r.Profit,
			WithProfit: r.WithProfit != 0,
			Timestamp:  r.Timestamp.UTC(),
		})
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
