// Package cancel tracks cancellation tokens for running build jobs.
//
// Tokens are keyed by (job, resource key). The empty key is the job-level
// token held for the duration of a run. Tokens live only in memory, which is
// what lets the orphan sweep tell a live job from one left behind by a crash.
package cancel

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// JobKey is the resource key of the job-level token.
const JobKey = ""

var (
	ErrManualAbort = errors.New("manually aborted")
	ErrHandoff     = errors.New("job handed off")
	ErrSuperseded  = errors.New("superseded by a newer task")
)

type entry struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelCauseFunc
}

type Registry struct {
	mu     sync.Mutex
	gen    uint64
	tokens map[uuid.UUID]map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{tokens: make(map[uuid.UUID]map[string]*entry)}
}

// Token is a handle on one issued cancellation scope.
type Token struct {
	r     *Registry
	jobID uuid.UUID
	key   string
	gen   uint64
}

// Issue derives a cancellable context from parent for (jobID, key). An
// existing token for the same key is cancelled with ErrSuperseded first.
func (r *Registry) Issue(parent context.Context, jobID uuid.UUID, key string) (context.Context, Token) {
	ctx, cancel := context.WithCancelCause(parent)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen++
	keys, ok := r.tokens[jobID]
	if !ok {
		keys = make(map[string]*entry)
		r.tokens[jobID] = keys
	}
	if old, exists := keys[key]; exists {
		old.cancel(ErrSuperseded)
	}
	keys[key] = &entry{gen: r.gen, ctx: ctx, cancel: cancel}
	return ctx, Token{r: r, jobID: jobID, key: key, gen: r.gen}
}

// Release drops the token if it is still the current one for its key and
// releases its context resources.
func (t Token) Release() {
	if t.r == nil {
		return
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	keys := t.r.tokens[t.jobID]
	e, ok := keys[t.key]
	if !ok || e.gen != t.gen {
		return
	}
	e.cancel(context.Canceled)
	delete(keys, t.key)
	if len(keys) == 0 {
		delete(t.r.tokens, t.jobID)
	}
}

// Current reports whether t is still the live token for its key.
func (t Token) Current() bool {
	if t.r == nil {
		return false
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	e, ok := t.r.tokens[t.jobID][t.key]
	return ok && e.gen == t.gen
}

// Cancel cancels the live token for (jobID, key) with cause. It reports
// whether a token existed.
func (r *Registry) Cancel(jobID uuid.UUID, key string, cause error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[jobID][key]
	if !ok {
		return false
	}
	e.cancel(cause)
	return true
}

// CancelAll cancels every token of the job, the job-level token included.
func (r *Registry) CancelAll(jobID uuid.UUID, cause error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.tokens[jobID] {
		e.cancel(cause)
		n++
	}
	return n
}

// Context returns the context of the live token, if any.
func (r *Registry) Context(jobID uuid.UUID, key string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tokens[jobID][key]
	if !ok {
		return nil, false
	}
	return e.ctx, true
}

// HasLive reports whether any token for the job is registered and not yet cancelled.
func (r *Registry) HasLive(jobID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.tokens[jobID] {
		if e.ctx.Err() == nil {
			return true
		}
	}
	return false
}
