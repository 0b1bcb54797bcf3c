// Package intent decides whether an incoming message should reach the
// tool-calling loop. Deterministic heuristics run first and can only
// push toward on-topic; when none fire, an LLM classification pass (or
// two) makes the call, with refusal requiring a materially higher
// confidence bar than mere doubt.
package intent

import (
	"regexp"
	"strings"

	"github.com/openfolio/advisor-agent/internal/convstore"
)

// Heuristic signals computed from the message and conversation state.
// A true field means "strong evidence the message is in-domain."
type Heuristics struct {
	KeywordHit    bool // domain vocabulary present
	EntityHint    bool // ticker-like token or known entity mention
	ShortFollowUp bool // terse continuation of an on-topic thread
}

// Any reports whether at least one heuristic fired.
func (h Heuristics) Any() bool {
	return h.KeywordHit || h.EntityHint || h.ShortFollowUp
}

var domainKeywords = regexp.MustCompile(`\b(portfolio|allocation|allocations|holding|holdings|position|positions|performance|return|returns|dividend|dividends|activity|activities|order|orders|trade|trades|price|prices|quote|quotes|stock|stocks|share|shares|ticker|market|balance|balances|cash|transfer|deposit|withdraw|withdrawal|report|invest|investment|investing|asset|assets|fund|funds|etf|crypto|bitcoin|gain|gains|loss|losses|symbol|valuation)\b`)

// offDomainWords disables the short-follow-up heuristic: a terse message
// that names one of these is a topic change, not a continuation.
var offDomainWords = regexp.MustCompile(`\b(weather|recipe|recipes|movie|movies|film|song|songs|music|joke|jokes|poem|game|games|sports|football|soccer|travel|vacation|restaurant|cooking)\b`)

var (
	tickerToken = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
	anaphora    = regexp.MustCompile(`(?i)\b(it|that|this|those|them)\b`)
)

// Tokens that look like tickers but never are.
var tickerDenylist = map[string]bool{
	"OK": true, "US": true, "USA": true, "AM": true, "PM": true,
	"TV": true, "FYI": true, "ASAP": true, "LOL": true, "IDK": true,
	"AND": true, "THE": true, "FOR": true, "NOT": true, "WHAT": true,
}

// Evaluate computes the deterministic gate heuristics for a message.
// shortFollowUpMaxWords is the word-count threshold for the terse
// continuation rule.
func Evaluate(message string, state convstore.IntentState, shortFollowUpMaxWords int) Heuristics {
	var h Heuristics
	lower := strings.ToLower(message)

	h.KeywordHit = domainKeywords.MatchString(lower)
	h.EntityHint = entityHint(message, state.RecentEntities)
	h.ShortFollowUp = shortFollowUp(message, lower, state, shortFollowUpMaxWords)
	return h
}

func entityHint(message string, entities []string) bool {
	hasTicker := false
	for _, tok := range tickerToken.FindAllString(message, -1) {
		if !tickerDenylist[tok] {
			hasTicker = true
			break
		}
	}
	// A ticker alone is enough; the date token only strengthens it.
	if hasTicker {
		return true
	}

	lower := strings.ToLower(message)
	for _, e := range entities {
		if e != "" && strings.Contains(lower, strings.ToLower(e)) {
			return true
		}
	}
	return false
}

func shortFollowUp(message, lower string, state convstore.IntentState, maxWords int) bool {
	if state.LastIntent != convstore.IntentOnTopic {
		return false
	}
	if offDomainWords.MatchString(lower) {
		return false
	}
	if len(strings.Fields(message)) <= maxWords {
		return true
	}
	return anaphora.MatchString(message)
}
