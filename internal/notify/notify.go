// Package notify pushes trade events to an external webhook. The engine
// works fine without one; a nil notifier drops everything.
package notify

import (
	"context"
	"time"

	"resty.dev/v3"

	"github.com/finchkit/trading-core/internal/logger"
	"github.com/finchkit/trading-core/internal/model"
)

type Notifier interface {
	PositionOpened(p *model.Position)
	PositionClosed(r model.ClosedResult)
}

type event struct {
	Type     string              `json:"type"`
	Position *model.Position     `json:"position,omitempty"`
	Result   *model.ClosedResult `json:"result,omitempty"`
	Time     time.Time           `json:"time"`
}

// Webhook POSTs events as JSON. Sends are fire-and-forget with a short
// timeout so a slow receiver never stalls the close path.
type Webhook struct {
	c      *resty.Client
	logger logger.Logger
}

func NewWebhook(url string, lg logger.Logger) *Webhook {
	if url == "" {
		return nil
	}
	c := resty.New().
		SetLogger(lg).
		SetBaseURL(url).
		SetTimeout(5 * time.Second)

	return &Webhook{
		c:      c,
		logger: lg,
	}
}

func (w *Webhook) PositionOpened(p *model.Position) {
	if w == nil {
		return
	}
	go w.post(event{Type: "position_opened", Position: p, Time: time.Now().UTC()})
}

func (w *Webhook) PositionClosed(r model.ClosedResult) {
	if w == nil {
		return
	}
	go w.post(event{Type: "position_closed", Result: &r, Time: time.Now().UTC()})
}

func (w *Webhook) post(e event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := w.c.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(e).
		Post("")
	if err != nil {
		w.logger.Warnf("%s: can't deliver %s event", err, e.Type)
		return
	}
	if resp.IsError() {
		w.logger.Warnf("webhook returned %s for %s event", resp.Status(), e.Type)
	}
}
