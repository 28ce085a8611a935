package agent

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\n(.*?)```")

// FencedBlock returns the last fenced code block in text whose language tag is
// one of langs. With no langs any block matches.
func FencedBlock(text string, langs ...string) (string, bool) {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		lang := strings.ToLower(strings.TrimSpace(matches[i][1]))
		if len(langs) > 0 && !containsFold(langs, lang) {
			continue
		}
		body := strings.TrimSpace(matches[i][2])
		if body != "" {
			return body, true
		}
	}
	return "", false
}

// FencedExtractor builds a Task.Extract that takes the newest matching block.
func FencedExtractor(langs ...string) func([]string) (string, bool) {
	return func(texts []string) (string, bool) {
		for i := len(texts) - 1; i >= 0; i-- {
			if block, ok := FencedBlock(texts[i], langs...); ok {
				return block, true
			}
		}
		return "", false
	}
}

// JSONObject finds the first decodable JSON object in text, preferring a
// fenced json block, and decodes it into v.
func JSONObject(text string, v any) bool {
	if block, ok := FencedBlock(text, "json"); ok {
		if json.Unmarshal([]byte(block), v) == nil {
			return true
		}
	}
	for start := strings.Index(text, "{"); start >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[start:]))
		if err := dec.Decode(v); err == nil {
			return true
		}
		next := strings.Index(text[start+1:], "{")
		if next < 0 {
			break
		}
		start += next + 1
	}
	return false
}

var (
	scheduleLine = regexp.MustCompile(`(?im)^\s*(?:schedule|cron)\s*[:=]\s*["'` + "`" + `]?([^"'` + "`" + `\n]+?)["'` + "`" + `]?\s*$`)
	cronLike     = regexp.MustCompile(`(?m)(?:^|\s)((?:[\d*/,-]+\s+){4}[\d*/,-]+)(?:\s|$)`)
)

// Schedule pulls a five-field cron expression out of agent text. Anything
// that does not parse as a standard cron spec yields def.
func Schedule(text, def string) string {
	var candidates []string
	for _, m := range scheduleLine.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	for _, m := range cronLike.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	for _, c := range candidates {
		if ValidSchedule(c) {
			return c
		}
	}
	return def
}

func ValidSchedule(spec string) bool {
	if len(strings.Fields(spec)) != 5 {
		return false
	}
	_, err := cron.ParseStandard(spec)
	return err == nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
