package mail

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

var _ Transport = (*Router)(nil)

// Router forwards to the currently selected provider. The selection can be
// swapped at runtime on config reload.
type Router struct {
	mu       sync.RWMutex
	provider string
	byName   map[string]Transport
}

func NewRouter(provider string, transports ...Transport) *Router {
	r := &Router{byName: make(map[string]Transport, len(transports))}
	for _, t := range transports {
		if t != nil {
			r.byName[t.Name()] = t
		}
	}
	r.provider = strings.ToLower(strings.TrimSpace(provider))
	return r
}

// Use selects provider for subsequent sends.
func (r *Router) Use(provider string) error {
	p := strings.ToLower(strings.TrimSpace(provider))
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[p]; !ok {
		return fmt.Errorf("unknown mail provider %q", provider)
	}
	r.provider = p
	return nil
}

// Replace installs or swaps a transport under its own name.
func (r *Router) Replace(t Transport) {
	if t == nil {
		return
	}
	r.mu.Lock()
	r.byName[t.Name()] = t
	r.mu.Unlock()
}

func (r *Router) Name() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.provider
}

func (r *Router) Send(ctx context.Context, env Envelope) Result {
	r.mu.RLock()
	t, ok := r.byName[r.provider]
	name := r.provider
	r.mu.RUnlock()
	if !ok {
		return Failed(fmt.Errorf("mail provider %q not configured", name))
	}
	return t.Send(ctx, env)
}
