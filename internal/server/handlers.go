package server

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"github.com/finchkit/trading-core/internal/account"
	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
)

// StatusHandler exposes the engine's bookkeeping read-only: budget, open
// positions, and today's realized PnL.
type StatusHandler struct {
	account *account.Manager
	logger  logger.Logger
}

func NewStatusHandler(acc *account.Manager, lg logger.Logger) *StatusHandler {
	return &StatusHandler{
		account: acc,
		logger:  lg,
	}
}

func (h *StatusHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /portfolio", h.portfolio)
	mux.HandleFunc("GET /positions", h.positions)
	mux.HandleFunc("GET /pnl/daily", h.dailyPnL)
	return mux
}

type portfolioResponse struct {
	Provider     string  `json:"provider"`
	Budget       float64 `json:"budget"`
	DailyMaxLoss float64 `json:"daily_max_loss"`
}

func (h *StatusHandler) portfolio(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, portfolioResponse{
		Provider:     h.account.Provider(),
		Budget:       h.account.Budget(),
		DailyMaxLoss: h.account.DailyMaxLoss(),
	})
}

type positionsResponse struct {
	Long  []*model.Position `json:"long"`
	Short []*model.Position `json:"short"`
}

func (h *StatusHandler) positions(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	if s := r.URL.Query().Get("symbol"); s != "" {
		symbols = append(symbols, s)
	}

	longs, shorts, err := h.account.GetPositions(symbols...)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, positionsResponse{Long: longs, Short: shorts})
}

type dailyPnLResponse struct {
	Date   string  `json:"date"`
	Profit float64 `json:"profit"`
}

func (h *StatusHandler) dailyPnL(w http.ResponseWriter, r *http.Request) {
	date := time.Now()
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			http.Error(w, "date must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		date = parsed
	}

	pnl, err := h.account.DailyRealizedPnL(date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, dailyPnLResponse{
		Date:   date.Format("2006-01-02"),
		Profit: pnl,
	})
}

func (h *StatusHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(raw); err != nil {
		h.logger.Errorf("%s: can't write response", err)
	}
}

func (h *StatusHandler) writeError(w http.ResponseWriter, err error) {
	h.logger.Errorf("%s: request failed", err)
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
