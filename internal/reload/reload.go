// Package reload asks a live page context to refresh itself. A graceful
// in-page refresh request is tried first; a page with no listener yet
// gets a forced hard reload instead. Having no matching page at all is
// a normal outcome, not an error.
package reload

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/AchmadFathoni/wplacer/internal/bus"
)

type Status int

const (
	StatusReloaded Status = iota
	StatusForced
	StatusNoneFound
)

func (s Status) String() string {
	switch s {
	case StatusReloaded:
		return "reloaded"
	case StatusForced:
		return "forced"
	case StatusNoneFound:
		return "none-found"
	}
	return "unknown"
}

// Transport moves refresh commands to one page context.
type Transport interface {
	// Refresh asks the page to reload itself and waits for its ack.
	Refresh(ctx context.Context) error
	// ForceReload hard-reloads without waiting for anyone.
	ForceReload() error
}

// Session is one live page context known to the daemon.
type Session struct {
	ID        string
	URL       string
	Focused   bool
	Transport Transport
}

// Registry tracks sessions in arrival order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.ID]; !exists {
		r.order = append(r.order, s.ID)
	}
	r.sessions[s.ID] = s
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; !exists {
		return
	}
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Registry) SetFocused(id string, focused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.Focused = focused
	}
}

// List returns session snapshots in arrival order. Copies keep callers
// off the live records, which the read loop keeps mutating.
func (r *Registry) List() []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.sessions[id])
	}
	return out
}

type Orchestrator struct {
	reg      *Registry
	bus      *bus.Bus
	siteHost string
	log      *zap.Logger
}

func NewOrchestrator(reg *Registry, b *bus.Bus, siteURL string, log *zap.Logger) (*Orchestrator, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{reg: reg, bus: b, siteHost: u.Host, log: log}, nil
}

// Reload finds the page context for the target site, preferring the
// focused one, and refreshes it. Status notifications go out at each
// phase; their delivery is best-effort.
func (o *Orchestrator) Reload(ctx context.Context) Status {
	o.notify("start")

	s, ok := o.target()
	if !ok {
		o.log.Info("reload: no matching page context")
		o.notify("none-found")
		return StatusNoneFound
	}

	if err := s.Transport.Refresh(ctx); err != nil {
		// typically the page has no listener installed yet
		o.log.Warn("reload: graceful refresh failed, forcing",
			zap.String("session", s.ID), zap.Error(err))
		if err := s.Transport.ForceReload(); err != nil {
			o.log.Warn("reload: forced refresh failed", zap.Error(err))
		}
		o.notify("success")
		return StatusForced
	}

	o.log.Info("reload: page refreshed", zap.String("session", s.ID))
	o.notify("success")
	return StatusReloaded
}

// target picks the first session on the site host, upgrading to the
// focused one when present.
func (o *Orchestrator) target() (Session, bool) {
	var first Session
	var found bool
	for _, s := range o.reg.List() {
		u, err := url.Parse(s.URL)
		if err != nil || u.Host != o.siteHost {
			continue
		}
		if s.Focused {
			return s, true
		}
		if !found {
			first = s
			found = true
		}
	}
	return first, found
}

func (o *Orchestrator) notify(phase string) {
	o.bus.Publish(bus.ReloadStatus{Action: "statusUpdate", Phase: phase})
}
