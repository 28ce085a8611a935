package observability

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveAPI("GET", "/healthz", "200", time.Millisecond)
	m.ObservePhase("discover", "ok", time.Second)
	m.ObserveLLMTokens(10, 2)
	if err := m.WritePrometheus(&bytes.Buffer{}); err != nil {
		t.Fatalf("WritePrometheus on nil: %v", err)
	}
}

func TestWritePrometheusText(t *testing.T) {
	m := Init(true)
	if m == nil || Current() != m {
		t.Fatalf("Init did not install the registry")
	}
	m.ObserveAPI("get", "/api/source-jobs/:id", "200", 30*time.Millisecond)
	m.ObservePhase("generate", "ok", 12*time.Second)
	m.ObserveResult("unverified")
	m.ObserveLLMTokens(100, 20)
	m.SetQueued(3)

	var buf bytes.Buffer
	if err := m.WritePrometheus(&buf); err != nil {
		t.Fatalf("WritePrometheus: %v", err)
	}
	out := buf.String()
	for _, want := range []string{
		`feedforge_http_requests_total{method="GET",route="/api/source-jobs/:id",status="200"} 1`,
		`feedforge_phase_seconds_bucket{phase="generate",le="15"} 1`,
		`feedforge_phase_seconds_bucket{phase="generate",le="5"} 0`,
		`feedforge_resource_results_total{outcome="unverified"} 1`,
		`feedforge_llm_tokens_total{kind="prompt"} 100`,
		`feedforge_jobs_queued 3`,
		"# TYPE feedforge_sandbox_seconds histogram",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in:\n%s", want, out)
		}
	}
}

func TestLabelEscaping(t *testing.T) {
	got := labelString([]string{"route"}, []string{`a"b\c`})
	if got != `{route="a\"b\\c"}` {
		t.Fatalf("labelString: got=%s", got)
	}
	if withLe("", "+Inf") != `{le="+Inf"}` {
		t.Fatalf("withLe without labels")
	}
}

func TestParseHeaders(t *testing.T) {
	h := ParseHeaders("api-key=abc, x = y ,broken,=v")
	if len(h) != 2 || h["api-key"] != "abc" || h["x"] != "y" {
		t.Fatalf("ParseHeaders: got=%v", h)
	}
	if ParseHeaders("") != nil {
		t.Fatalf("empty header list should be nil")
	}
}
