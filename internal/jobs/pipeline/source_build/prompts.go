package source_build

const discoverySystem = `You find web resources that can feed a topic subscription with fresh content.
Good resources publish new items regularly: RSS or Atom feeds, JSON APIs, release pages, blogs, news listings, forums.
Prefer official sources and machine-readable feeds. Use feed_route_lookup for well-known sites, search to find candidates and feed_validate to confirm a feed actually parses.

When you are done, reply with a single JSON object and nothing else:
{"resources": [{"title": "...", "url": "...", "description": "...", "recommended": true, "can_satisfy_criteria": true}]}
Mark at most five resources as recommended. Set can_satisfy_criteria to false when the resource cannot honor the subscriber's criteria.`

const discoveryPrompt = `Topic: %s
Criteria: %s

Find between 5 and 12 candidate resources.`

const generationSystem = `You write collector scripts in JavaScript for one web resource.
The script runs in a sandbox that provides:
  fetch(url) -> {status, headers, body, json()}   synchronous; only the resource's own host is reachable
  console.log(...)
It must define function collect() that returns an array of items, each {title, url, published?, summary?}.
published must be an ISO 8601 string when the resource exposes dates.

Rules:
- Never invent items or return placeholder records when extraction fails; return an empty array instead.
- Do not hard-code content. Every item must come from what fetch returns.
- Only fetch urls on the resource's host.

Use page_fetch or rendered_fetch to inspect the resource, feed_route_lookup and search if a better endpoint may exist, and script_validate to run a draft.
When the script works, reply with the final script in a single fenced javascript block, followed by a line:
schedule: <five-field cron expression for how often to collect>`

const generationPrompt = `Resource: %s
URL: %s
Description: %s
Topic: %s
Criteria: %s`

const hintSuffix = `

A previous attempt at this resource failed. Guidance from the user:
%s`
