package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

// Remote delegates execution to an external sandbox service over HTTP.
// Transport failures and 5xx responses map to ErrUnavailable.
type Remote struct {
	baseURL string
	http    *http.Client
	log     *logger.Logger
}

func NewRemote(baseURL string, client *http.Client, baseLog *logger.Logger) *Remote {
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    client,
		log:     baseLog.With("component", "RemoteSandbox"),
	}
}

type remoteRequest struct {
	Script           string   `json:"script"`
	MaxCalls         int      `json:"max_calls"`
	MaxResponseBytes int64    `json:"max_response_bytes"`
	TimeoutMS        int64    `json:"timeout_ms"`
	AllowedHosts     []string `json:"allowed_hosts"`
}

type remoteResponse struct {
	Items     []map[string]any `json:"items"`
	Logs      []string         `json:"logs"`
	Calls     int              `json:"calls"`
	ErrorKind string           `json:"error_kind"`
	Error     string           `json:"error"`
}

func (r *Remote) Run(ctx context.Context, script string, lim Limits) (Result, error) {
	start := time.Now()
	body, err := json.Marshal(remoteRequest{
		Script:           script,
		MaxCalls:         lim.MaxCalls,
		MaxResponseBytes: lim.MaxResponseBytes,
		TimeoutMS:        lim.Timeout.Milliseconds(),
		AllowedHosts:     lim.AllowedHosts,
	})
	if err != nil {
		return Result{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		r.log.Warn("Sandbox service unreachable", "error", err)
		return Result{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, &ExecError{Kind: KindContract, Message: fmt.Sprintf("sandbox rejected script: %d %s", resp.StatusCode, strings.TrimSpace(string(raw)))}
	}

	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("%w: bad response: %v", ErrUnavailable, err)
	}
	res := Result{Items: out.Items, Logs: out.Logs, Calls: out.Calls, Duration: time.Since(start)}
	if out.Error != "" {
		kind := ErrorKind(out.ErrorKind)
		if kind == "" {
			kind = KindExecution
		}
		return res, &ExecError{Kind: kind, Message: out.Error}
	}
	return res, nil
}
