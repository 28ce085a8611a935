package agent

import "testing"

func TestFencedBlockPicksLastMatchingLanguage(t *testing.T) {
	text := "first\n```js\nold()\n```\nthen\n```python\nnope()\n```\nfinally\n```javascript\nfunction collect() { return [] }\n```\n"
	got, ok := FencedBlock(text, "js", "javascript")
	if !ok {
		t.Fatalf("FencedBlock: want match")
	}
	if got != "function collect() { return [] }" {
		t.Fatalf("FencedBlock: got=%q", got)
	}
	if _, ok := FencedBlock("no code here", "js"); ok {
		t.Fatalf("FencedBlock: want no match")
	}
}

func TestFencedExtractorScansNewestFirst(t *testing.T) {
	extract := FencedExtractor("js")
	got, ok := extract([]string{"```js\nv1\n```", "thinking", "```js\nv2\n```", "no block"})
	if !ok || got != "v2" {
		t.Fatalf("extract: want=v2 got=%q ok=%v", got, ok)
	}
}

func TestJSONObject(t *testing.T) {
	var v struct {
		Valid  bool   `json:"valid"`
		Reason string `json:"reason"`
	}
	if !JSONObject("Verdict follows {\"valid\": true, \"reason\": \"ok\"} done", &v) {
		t.Fatalf("JSONObject: want decode")
	}
	if !v.Valid || v.Reason != "ok" {
		t.Fatalf("JSONObject: got=%+v", v)
	}
	if JSONObject("nothing {here", &v) {
		t.Fatalf("JSONObject: want false for broken json")
	}
}

func TestSchedule(t *testing.T) {
	cases := []struct {
		text string
		want string
	}{
		{"schedule: \"*/30 * * * *\"", "*/30 * * * *"},
		{"Run it at 0 8 * * 1-5 on weekdays", "0 8 * * 1-5"},
		{"schedule: every hour", "0 */6 * * *"},
		{"schedule: 99 * * * *", "0 */6 * * *"},
	}
	for _, tc := range cases {
		if got := Schedule(tc.text, "0 */6 * * *"); got != tc.want {
			t.Fatalf("Schedule(%q): want=%q got=%q", tc.text, tc.want, got)
		}
	}
}
