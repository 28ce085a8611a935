package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/yungbote/feedforge-backend/internal/platform/logger"
)

const userAgent = "feedforge-sandbox/1.0"

// Goja runs scripts in an embedded JavaScript VM, one fresh VM per run.
type Goja struct {
	http *http.Client
	log  *logger.Logger
}

func NewGoja(client *http.Client, baseLog *logger.Logger) *Goja {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Goja{http: client, log: baseLog.With("component", "GojaSandbox")}
}

type fetchResponse struct {
	Status int               `json:"status"`
	URL    string            `json:"url"`
	Body   string            `json:"body"`
	Header map[string]string `json:"headers"`
}

func (g *Goja) Run(ctx context.Context, script string, lim Limits) (Result, error) {
	if lim.Timeout <= 0 {
		lim.Timeout = DefaultLimits().Timeout
	}
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, lim.Timeout)
	defer cancel()

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	var (
		mu    sync.Mutex
		logs  []string
		calls int
	)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, a := range call.Arguments {
			parts = append(parts, a.String())
		}
		mu.Lock()
		if len(logs) < 200 {
			logs = append(logs, strings.Join(parts, " "))
		}
		mu.Unlock()
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	_ = vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		calls++
		if lim.MaxCalls > 0 && calls > lim.MaxCalls {
			panic(vm.NewGoError(&ExecError{Kind: KindLimit, Message: fmt.Sprintf("more than %d fetch calls", lim.MaxCalls)}))
		}
		resp, err := g.fetch(runCtx, call.Argument(0).String(), lim)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(resp)
	})

	stop := context.AfterFunc(runCtx, func() { vm.Interrupt("deadline") })
	defer stop()

	res := Result{}
	items, err := g.execute(vm, script)
	res.Calls = calls
	res.Duration = time.Since(start)
	mu.Lock()
	res.Logs = logs
	mu.Unlock()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, &ExecError{Kind: KindTimeout, Message: fmt.Sprintf("exceeded %s", lim.Timeout)}
		}
		var execErr *ExecError
		if errors.As(err, &execErr) {
			return res, execErr
		}
		return res, &ExecError{Kind: KindExecution, Message: err.Error()}
	}
	res.Items = items
	return res, nil
}

func (g *Goja) execute(vm *goja.Runtime, script string) ([]map[string]any, error) {
	if _, err := vm.RunString(script); err != nil {
		return nil, unwrapJSError(err)
	}
	collect, ok := goja.AssertFunction(vm.Get("collect"))
	if !ok {
		return nil, &ExecError{Kind: KindContract, Message: "script must define a collect() function"}
	}
	out, err := collect(goja.Undefined())
	if err != nil {
		return nil, unwrapJSError(err)
	}
	return toItems(out.Export())
}

func (g *Goja) fetch(ctx context.Context, raw string, lim Limits) (*fetchResponse, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &ExecError{Kind: KindContract, Message: fmt.Sprintf("invalid url %q", raw)}
	}
	if !lim.allows(u.Hostname()) {
		return nil, &ExecError{Kind: KindContract, Message: fmt.Sprintf("host %s is outside the allowed origin", u.Hostname())}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := g.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.String(), err)
	}
	defer resp.Body.Close()

	max := lim.MaxResponseBytes
	if max <= 0 {
		max = DefaultLimits().MaxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", u.String(), err)
	}
	if int64(len(body)) > max {
		return nil, &ExecError{Kind: KindLimit, Message: fmt.Sprintf("response from %s larger than %d bytes", u.Hostname(), max)}
	}
	headers := map[string]string{}
	for k := range resp.Header {
		headers[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return &fetchResponse{Status: resp.StatusCode, URL: resp.Request.URL.String(), Body: string(body), Header: headers}, nil
}

// unwrapJSError surfaces a Go error thrown through the VM, if there is one.
func unwrapJSError(err error) error {
	var exc *goja.Exception
	if !errors.As(err, &exc) {
		return err
	}
	if obj, ok := exc.Value().(*goja.Object); ok {
		if v := obj.Get("value"); v != nil {
			if goErr, ok := v.Export().(error); ok {
				return goErr
			}
		}
	}
	return err
}

func toItems(v any) ([]map[string]any, error) {
	if v == nil {
		return nil, &ExecError{Kind: KindContract, Message: "collect() returned nothing"}
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &ExecError{Kind: KindContract, Message: fmt.Sprintf("collect() must return an array, got %T", v)}
	}
	items := make([]map[string]any, 0, len(list))
	for i, raw := range list {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, &ExecError{Kind: KindContract, Message: fmt.Sprintf("item %d is not an object", i)}
		}
		items = append(items, obj)
	}
	return items, nil
}
