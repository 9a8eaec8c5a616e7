package client

import (
	"testing"
	"time"

	"github.com/finchkit/trading-core/internal/model"
)

func TestResultCachePop(t *testing.T) {
	c := newResultCache(time.Minute)
	c.put("a", model.ClosedResult{ID: "a", Price: 90})

	got, ok := c.pop("a")
	if !ok {
		t.Fatal("entry not found")
	}
	if got.Price != 90 {
		t.Errorf("price = %f", got.Price)
	}
	if _, ok := c.pop("a"); ok {
		t.Error("pop should consume the entry")
	}
	if _, ok := c.pop("missing"); ok {
		t.Error("unknown id returned a result")
	}
}

func TestResultCacheExpiry(t *testing.T) {
	c := newResultCache(10 * time.Millisecond)
	c.put("a", model.ClosedResult{ID: "a"})

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.pop("a"); ok {
		t.Error("expired entry survived")
	}
}

func TestResultCacheDrain(t *testing.T) {
	c := newResultCache(time.Minute)
	c.put("a", model.ClosedResult{ID: "a"})
	c.put("b", model.ClosedResult{ID: "b"})

	got := c.drain()
	if len(got) != 2 {
		t.Fatalf("drained %d entries, want 2", len(got))
	}
	if len(c.drain()) != 0 {
		t.Error("drain should empty the cache")
	}
}
