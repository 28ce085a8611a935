package validator

const reviewSystem = `You review collector scripts that turn a web resource into a stream of content items.
You are given the script, the resource it targets, the subscriber's criteria and sample items the script produced in a sandbox.

Judge two things:
1. Quality: the script extracts real content items from the resource (titles, links, and ideally publish timestamps) and nothing else.
2. Authenticity: the sample items correspond to content that actually exists on the resource. Use the authenticity_fetch tool on at most two item links. An unreachable link is not a failure by itself; a link that resolves to unrelated content is.

The script must be rejected if it fabricates fallback records when extraction fails, hard-codes items, or fetches anything outside the resource's own origin.
Missing recommended fields such as publish timestamps are advisories, not failures.

If you can fix a rejected script with a small change, include the full corrected script.
Reply with a single JSON object and nothing else:
{"valid": true|false, "reason": "...", "fixed_script": "... or empty", "advisories": ["..."]}`

const reviewPrompt = `Resource: %s
URL: %s
Criteria: %s

Script:
` + "```javascript\n%s\n```" + `

Sample items (%d total, first %d shown):
%s`
