// Package usage keeps an in-memory tally of LLM token usage per job and resource.
// Counts are lost on restart.
package usage

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkoukk/tiktoken-go"
)

type Record struct {
	ResourceKey      string `json:"resource_key"`
	Calls            int    `json:"calls"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	// Estimated is set when any contributing call lacked provider counts.
	Estimated bool `json:"estimated"`
}

func (r Record) Total() int { return r.PromptTokens + r.CompletionTokens }

type Summary struct {
	JobID     uuid.UUID `json:"job_id"`
	Total     Record    `json:"total"`
	Resources []Record  `json:"resources"`
}

type Ledger struct {
	mu      sync.Mutex
	records map[uuid.UUID]map[string]*Record
}

func NewLedger() *Ledger {
	return &Ledger{records: make(map[uuid.UUID]map[string]*Record)}
}

func (l *Ledger) Add(jobID uuid.UUID, key string, prompt, completion int, estimated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byKey, ok := l.records[jobID]
	if !ok {
		byKey = make(map[string]*Record)
		l.records[jobID] = byKey
	}
	rec, ok := byKey[key]
	if !ok {
		rec = &Record{ResourceKey: key}
		byKey[key] = rec
	}
	rec.Calls++
	rec.PromptTokens += prompt
	rec.CompletionTokens += completion
	rec.Estimated = rec.Estimated || estimated
}

func (l *Ledger) Summary(jobID uuid.UUID) Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := Summary{JobID: jobID, Resources: []Record{}}
	for _, rec := range l.records[jobID] {
		out.Resources = append(out.Resources, *rec)
		out.Total.Calls += rec.Calls
		out.Total.PromptTokens += rec.PromptTokens
		out.Total.CompletionTokens += rec.CompletionTokens
		out.Total.Estimated = out.Total.Estimated || rec.Estimated
	}
	sort.Slice(out.Resources, func(i, j int) bool {
		return out.Resources[i].ResourceKey < out.Resources[j].ResourceKey
	})
	return out
}

func (l *Ledger) Forget(jobID uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, jobID)
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// EstimateTokens counts tokens with the cl100k encoding, falling back to a
// four-characters-per-token heuristic when the encoding cannot be loaded.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}
