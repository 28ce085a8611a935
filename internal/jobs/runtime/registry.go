package runtime

import (
	"fmt"
	"sort"
	"sync"
)

// Handler executes one kind of job run.
type Handler interface {
	Type() string
	Run(ctx *Context) error
}

// Registry maps job types to handlers. Build jobs use a single type today.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(hs ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, h := range hs {
		if h == nil {
			return fmt.Errorf("register handler: nil")
		}
		t := h.Type()
		if t == "" {
			return fmt.Errorf("register handler: empty job type")
		}
		if _, exists := r.handlers[t]; exists {
			return fmt.Errorf("register handler: job type %q already taken", t)
		}
		r.handlers[t] = h
	}
	return nil
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
