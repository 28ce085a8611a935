package observability

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Metrics is a small Prometheus text-format registry. A nil *Metrics is valid
// and records nothing, so call sites never check whether metrics are enabled.
type Metrics struct {
	apiRequests *vec
	apiLatency  *histVec
	apiInflight *vec

	phaseRuns    *vec
	phaseLatency *histVec
	resourceRuns *vec
	llmTokens    *vec
	sandboxRuns  *vec
	sandboxTime  *histVec
	jobsQueued   *vec
	sweptOrphans *vec
}

var (
	initOnce sync.Once
	instance *Metrics
)

// Init builds the process-wide registry. Disabled metrics leave Current nil.
func Init(enabled bool) *Metrics {
	if !enabled {
		return nil
	}
	initOnce.Do(func() {
		instance = &Metrics{
			apiRequests: newVec("feedforge_http_requests_total", "HTTP requests by method, route and status.", counter, "method", "route", "status"),
			apiLatency:  newHistVec("feedforge_http_request_seconds", "HTTP request latency.", nil, "method", "route"),
			apiInflight: newVec("feedforge_http_inflight", "HTTP requests in flight.", gauge),

			phaseRuns:    newVec("feedforge_phase_runs_total", "Build phases by outcome.", counter, "phase", "status"),
			phaseLatency: newHistVec("feedforge_phase_seconds", "Build phase duration.", []float64{1, 5, 15, 30, 60, 120, 300, 600}, "phase"),
			resourceRuns: newVec("feedforge_resource_results_total", "Per-resource generation outcomes.", counter, "outcome"),
			llmTokens:    newVec("feedforge_llm_tokens_total", "LLM tokens by kind.", counter, "kind"),
			sandboxRuns:  newVec("feedforge_sandbox_runs_total", "Sandbox executions by result.", counter, "result"),
			sandboxTime:  newHistVec("feedforge_sandbox_seconds", "Sandbox execution time.", []float64{0.1, 0.5, 1, 2, 5, 10, 30}),
			jobsQueued:   newVec("feedforge_jobs_queued", "Build runs waiting for a worker.", gauge),
			sweptOrphans: newVec("feedforge_orphans_swept_total", "Jobs failed by the orphan sweep.", counter),
		}
	})
	return instance
}

func Current() *Metrics { return instance }

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	for _, s := range []series{
		m.apiRequests, m.apiLatency, m.apiInflight,
		m.phaseRuns, m.phaseLatency, m.resourceRuns, m.llmTokens,
		m.sandboxRuns, m.sandboxTime, m.jobsQueued, m.sweptOrphans,
	} {
		if err := s.write(w); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.add(1, strings.ToUpper(method), route, status)
	m.apiLatency.observe(dur.Seconds(), strings.ToUpper(method), route)
}

func (m *Metrics) APIInflight(delta float64) {
	if m == nil {
		return
	}
	m.apiInflight.add(delta)
}

// ObservePhase records one phase attempt; status is ok, failed or cancelled.
func (m *Metrics) ObservePhase(phase, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.phaseRuns.add(1, phase, status)
	m.phaseLatency.observe(dur.Seconds(), phase)
}

func (m *Metrics) ObserveResult(outcome string) {
	if m == nil {
		return
	}
	m.resourceRuns.add(1, outcome)
}

func (m *Metrics) ObserveLLMTokens(prompt, completion int) {
	if m == nil {
		return
	}
	if prompt > 0 {
		m.llmTokens.add(float64(prompt), "prompt")
	}
	if completion > 0 {
		m.llmTokens.add(float64(completion), "completion")
	}
}

func (m *Metrics) ObserveSandbox(result string, dur time.Duration) {
	if m == nil {
		return
	}
	m.sandboxRuns.add(1, result)
	if dur > 0 {
		m.sandboxTime.observe(dur.Seconds())
	}
}

func (m *Metrics) SetQueued(n int) {
	if m == nil {
		return
	}
	m.jobsQueued.set(float64(n))
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptOrphans.add(float64(n))
}
