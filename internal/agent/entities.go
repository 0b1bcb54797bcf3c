package agent

import (
	"regexp"
	"strings"
)

// Entity extraction feeds IntentState.recentEntities: ticker-like
// tokens and capitalized multi-word labels ("Apple Inc", "Vanguard
// Total Market") pulled from the user message, the final answer, and
// tool output snippets.

var (
	entityTicker = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
	entityLabel  = regexp.MustCompile(`\b[A-Z][a-z]+(?:\s+[A-Z][a-z]+)+\b`)
)

// Words that match the ticker pattern but are ordinary prose.
var entityDenylist = map[string]bool{
	"OK": true, "US": true, "USA": true, "AM": true, "PM": true,
	"TV": true, "FYI": true, "ASAP": true, "YTD": true, "USD": true,
	"EUR": true, "GBP": true, "AND": true, "THE": true, "FOR": true,
	"NOT": true, "YES": true, "NO": true, "ID": true, "API": true,
}

// extractEntities returns deduplicated entities from the given texts,
// first-seen order, capped at limit.
func extractEntities(limit int, texts ...string) []string {
	var out []string
	seen := make(map[string]bool)

	add := func(e string) {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] || len(out) >= limit {
			return
		}
		seen[e] = true
		out = append(out, e)
	}

	for _, text := range texts {
		for _, tok := range entityTicker.FindAllString(text, -1) {
			if !entityDenylist[tok] {
				add(tok)
			}
		}
		for _, label := range entityLabel.FindAllString(text, -1) {
			add(label)
		}
	}
	return out
}
