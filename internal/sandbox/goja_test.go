package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/releases.json":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `[{"title":"v1.2.0","url":"/r/1.2.0"},{"title":"v1.1.0","url":"/r/1.1.0"}]`)
		case "/big":
			fmt.Fprint(w, strings.Repeat("x", 4096))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func limitsFor(srv *httptest.Server) Limits {
	lim := DefaultLimits()
	lim.Timeout = 2 * time.Second
	return lim.ForURL(srv.URL)
}

func TestGojaCollectsItems(t *testing.T) {
	srv := newSite(t)
	script := fmt.Sprintf(`
function collect() {
  var res = fetch(%q + "/releases.json");
  console.log("status", res.status);
  return JSON.parse(res.body).map(function (r) { return { title: r.title, url: r.url }; });
}`, srv.URL)

	res, err := NewGoja(srv.Client(), logger.Nop()).Run(context.Background(), script, limitsFor(srv))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Items) != 2 || res.Items[0]["title"] != "v1.2.0" {
		t.Fatalf("items: got=%v", res.Items)
	}
	if res.Calls != 1 {
		t.Fatalf("calls: want=1 got=%d", res.Calls)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "status 200" {
		t.Fatalf("logs: got=%v", res.Logs)
	}
}

func TestGojaRejectsOffOriginFetch(t *testing.T) {
	srv := newSite(t)
	lim := limitsFor(srv)
	lim.AllowedHosts = []string{"elsewhere.example"}
	script := fmt.Sprintf(`function collect() { fetch(%q + "/releases.json"); return []; }`, srv.URL)

	_, err := NewGoja(srv.Client(), logger.Nop()).Run(context.Background(), script, lim)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != KindContract {
		t.Fatalf("off-origin: want contract ExecError got=%v", err)
	}
}

func TestGojaEnforcesLimits(t *testing.T) {
	srv := newSite(t)
	g := NewGoja(srv.Client(), logger.Nop())

	lim := limitsFor(srv)
	lim.MaxCalls = 2
	script := fmt.Sprintf(`function collect() { for (var i = 0; i < 3; i++) { fetch(%q + "/releases.json"); } return []; }`, srv.URL)
	_, err := g.Run(context.Background(), script, lim)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != KindLimit {
		t.Fatalf("call limit: want limit ExecError got=%v", err)
	}

	lim = limitsFor(srv)
	lim.MaxResponseBytes = 1024
	script = fmt.Sprintf(`function collect() { fetch(%q + "/big"); return []; }`, srv.URL)
	_, err = g.Run(context.Background(), script, lim)
	if !errors.As(err, &execErr) || execErr.Kind != KindLimit {
		t.Fatalf("size limit: want limit ExecError got=%v", err)
	}
}

func TestGojaTimeout(t *testing.T) {
	lim := DefaultLimits()
	lim.Timeout = 100 * time.Millisecond
	_, err := NewGoja(nil, logger.Nop()).Run(context.Background(), `function collect() { while (true) {} }`, lim)
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != KindTimeout {
		t.Fatalf("timeout: want timeout ExecError got=%v", err)
	}
}

func TestGojaContract(t *testing.T) {
	g := NewGoja(nil, logger.Nop())
	cases := map[string]string{
		"missing collect": `var x = 1;`,
		"not an array":    `function collect() { return 42; }`,
		"non-object item": `function collect() { return ["a"]; }`,
	}
	for name, script := range cases {
		_, err := g.Run(context.Background(), script, DefaultLimits())
		var execErr *ExecError
		if !errors.As(err, &execErr) || execErr.Kind != KindContract {
			t.Fatalf("%s: want contract ExecError got=%v", name, err)
		}
	}

	_, err := g.Run(context.Background(), `function collect() { throw new Error("boom"); }`, DefaultLimits())
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != KindExecution {
		t.Fatalf("throw: want execution ExecError got=%v", err)
	}
}

func TestRemoteUnavailable(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer down.Close()

	_, err := NewRemote(down.URL, down.Client(), logger.Nop()).Run(context.Background(), "x", DefaultLimits())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("5xx: want ErrUnavailable got=%v", err)
	}

	u, _ := url.Parse(down.URL)
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()
	_, err = NewRemote(closedURL, nil, logger.Nop()).Run(context.Background(), "x", DefaultLimits().ForURL(u.String()))
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("connection refused: want ErrUnavailable got=%v", err)
	}

	if _, err := (Disabled{}).Run(context.Background(), "x", DefaultLimits()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("disabled: want ErrUnavailable got=%v", err)
	}
}

func TestRemoteScriptError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"items":[],"error_kind":"execution_error","error":"ReferenceError: x is not defined"}`)
	}))
	defer srv.Close()

	_, err := NewRemote(srv.URL, srv.Client(), logger.Nop()).Run(context.Background(), "x", DefaultLimits())
	var execErr *ExecError
	if !errors.As(err, &execErr) || execErr.Kind != KindExecution {
		t.Fatalf("script error: want ExecError got=%v", err)
	}
}
