// Package connectivity polls reachability and reports online/offline
// transitions.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/user/rollcall/internal/metrics"
)

// CheckFunc returns nil when the network is reachable.
type CheckFunc func(ctx context.Context) error

// ChangeFunc is called once per transition.
type ChangeFunc func(ctx context.Context, online bool)

// Monitor remembers the last observed state and calls its handlers only
// when the state changes. The first check after start always counts as a
// change.
type Monitor struct {
	check CheckFunc

	mu       sync.Mutex
	known    bool
	online   bool
	handlers []ChangeFunc
}

// NewMonitor creates a Monitor using check.
func NewMonitor(check CheckFunc) *Monitor {
	return &Monitor{check: check}
}

// OnChange registers a transition handler.
func (m *Monitor) OnChange(fn ChangeFunc) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// Poll runs one check and fires the handlers on a transition. It returns
// the observed state.
func (m *Monitor) Poll(ctx context.Context) bool {
	err := m.check(ctx)
	return m.Set(ctx, err == nil)
}

// Set records an externally observed state, e.g. from an OS network event.
func (m *Monitor) Set(ctx context.Context, online bool) bool {
	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	handlers := append([]ChangeFunc(nil), m.handlers...)
	m.mu.Unlock()

	if !changed {
		return online
	}
	metrics.SetOnline(online)
	if online {
		slog.Info("connectivity restored")
	} else {
		slog.Info("connectivity lost")
	}
	for _, fn := range handlers {
		fn(ctx, online)
	}
	return online
}

// Online returns the last observed state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.known && m.online
}

// HTTPCheck treats any HTTP response below 500 from url as reachable.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("connectivity check %s: HTTP %d", url, resp.StatusCode)
		}
		return nil
	}
}
