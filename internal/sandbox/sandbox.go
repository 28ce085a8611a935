// Package sandbox executes generated collector scripts under resource limits.
//
// A script must define a synchronous collect() function returning an array of
// item objects. The only I/O it gets is fetch(url), restricted to the hosts in
// Limits.AllowedHosts.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable means the sandbox itself could not run anything. Callers
// treat it as "could not verify", never as a script failure.
var ErrUnavailable = errors.New("sandbox unavailable")

type Limits struct {
	MaxCalls         int
	MaxResponseBytes int64
	Timeout          time.Duration
	AllowedHosts     []string
}

func DefaultLimits() Limits {
	return Limits{
		MaxCalls:         20,
		MaxResponseBytes: 2 << 20,
		Timeout:          30 * time.Second,
	}
}

// ForURL returns l restricted to the host of raw.
func (l Limits) ForURL(raw string) Limits {
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		l.AllowedHosts = []string{strings.ToLower(u.Hostname())}
	}
	return l
}

func (l Limits) allows(host string) bool {
	if len(l.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, h := range l.AllowedHosts {
		h = strings.ToLower(strings.TrimPrefix(h, "www."))
		bare := strings.TrimPrefix(host, "www.")
		if bare == h || strings.HasSuffix(bare, "."+h) {
			return true
		}
	}
	return false
}

type Result struct {
	Items    []map[string]any `json:"items"`
	Logs     []string         `json:"logs,omitempty"`
	Calls    int              `json:"calls"`
	Duration time.Duration    `json:"duration"`
}

type ErrorKind string

const (
	KindExecution ErrorKind = "execution_error"
	KindTimeout   ErrorKind = "timeout"
	KindLimit     ErrorKind = "limit_exceeded"
	KindContract  ErrorKind = "contract_violation"
)

// ExecError is a failure of the script itself.
type ExecError struct {
	Kind    ErrorKind
	Message string
}

func (e *ExecError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

type Runner interface {
	Run(ctx context.Context, script string, lim Limits) (Result, error)
}

// Disabled is a Runner for deployments without a sandbox.
type Disabled struct{}

func (Disabled) Run(context.Context, string, Limits) (Result, error) {
	return Result{}, ErrUnavailable
}
