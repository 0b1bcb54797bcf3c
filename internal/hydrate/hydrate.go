// Package hydrate fills in tool arguments the model tends to omit on
// terse follow-ups: the ticker symbol, the date range, and the market
// data source. It enriches from the current message and recent
// conversation context, and never overwrites a field the model supplied.
//
// This is best-effort enrichment, not validation — the tool itself still
// rejects genuinely missing or invalid arguments.
package hydrate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/openfolio/advisor-agent/internal/convstore"
)

// Market data source identifiers understood by the backend.
const (
	SourceEquity = "YAHOO"
	SourceCrypto = "COINGECKO"
)

// cryptoTickers route to the crypto provider; everything else defaults
// to the equities provider.
var cryptoTickers = map[string]bool{
	"BTC": true, "ETH": true, "SOL": true, "ADA": true,
	"XRP": true, "DOGE": true, "DOT": true, "AVAX": true,
	"MATIC": true, "LTC": true, "BNB": true, "LINK": true,
}

var (
	upperToken = regexp.MustCompile(`\b[A-Z]{2,5}\b`)
	lowerToken = regexp.MustCompile(`\b[a-z]{2,5}\b`)
	yearToken  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	monthDay   = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|jan|feb|mar|apr|jun|jul|aug|sep|sept|oct|nov|dec)\.?\s+(\d{1,2})(?:st|nd|rd|th)?\b`)
)

var monthNumbers = map[string]int{
	"january": 1, "jan": 1,
	"february": 2, "feb": 2,
	"march": 3, "mar": 3,
	"april": 4, "apr": 4,
	"may": 5,
	"june": 6, "jun": 6,
	"july": 7, "jul": 7,
	"august": 8, "aug": 8,
	"september": 9, "sep": 9, "sept": 9,
	"october": 10, "oct": 10,
	"november": 11, "nov": 11,
	"december": 12, "dec": 12,
}

// wordDenylist filters the lowercase fallback for symbol inference:
// short common words that would otherwise look like tickers.
var wordDenylist = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "from": true,
	"what": true, "how": true, "was": true, "is": true, "are": true,
	"of": true, "my": true, "me": true, "it": true, "on": true,
	"in": true, "at": true, "to": true, "show": true, "get": true,
	"about": true, "last": true, "this": true, "that": true, "did": true,
	"do": true, "does": true, "year": true, "month": true, "week": true,
	"day": true, "today": true, "price": true, "much": true, "worth": true,
	"stock": true, "share": true, "since": true, "until": true, "over": true,
	"data": true, "not": true, "now": true, "can": true, "you": true,
	"your": true, "his": true, "her": true, "has": true, "had": true,
	"have": true, "will": true, "when": true, "where": true, "there": true,
	"doing": true, "going": true, "give": true, "tell": true, "want": true,
	"know": true, "look": true, "like": true, "please": true, "been": true,
	"up": true, "down": true, "some": true, "any": true, "all": true,
	"jan": true, "feb": true, "mar": true, "apr": true, "may": true,
	"jun": true, "jul": true, "aug": true, "sep": true, "sept": true,
	"oct": true, "nov": true, "dec": true,
}

// Hydrate returns a copy of args with missing symbol, from/to, and
// dataSource fields inferred from the message and prior user turns.
// Supplied fields are never overwritten.
func Hydrate(args map[string]any, message string, history []convstore.Turn) map[string]any {
	out := make(map[string]any, len(args)+4)
	for k, v := range args {
		out[k] = v
	}

	priorUser := priorUserText(history)

	if !hasString(out, "symbol") {
		if sym := inferSymbol(message, priorUser); sym != "" {
			out["symbol"] = sym
		}
	}

	inferDates(out, message, priorUser)

	if !hasString(out, "dataSource") {
		if sym, ok := out["symbol"].(string); ok && sym != "" {
			out["dataSource"] = sourceFor(sym)
		}
	}

	return out
}

// sourceFor maps a symbol to its market data provider.
func sourceFor(symbol string) string {
	if cryptoTickers[strings.ToUpper(symbol)] {
		return SourceCrypto
	}
	return SourceEquity
}

func hasString(m map[string]any, key string) bool {
	s, ok := m[key].(string)
	return ok && strings.TrimSpace(s) != ""
}

func priorUserText(history []convstore.Turn) string {
	var parts []string
	for _, t := range history {
		if t.Role == convstore.RoleHuman {
			parts = append(parts, t.Text)
		}
	}
	return strings.Join(parts, " ")
}

// inferSymbol looks for a ticker in the message, then in prior user
// turns, then falls back to lowercase tokens filtered by the denylist.
func inferSymbol(message, priorUser string) string {
	for _, text := range []string{message, priorUser} {
		for _, tok := range upperToken.FindAllString(text, -1) {
			if !wordDenylist[strings.ToLower(tok)] {
				return tok
			}
		}
	}
	for _, text := range []string{message, priorUser} {
		for _, tok := range lowerToken.FindAllString(text, -1) {
			if !wordDenylist[tok] {
				return strings.ToUpper(tok)
			}
		}
	}
	return ""
}

// inferDates fills the from/to pair. Precedence: an explicit month+day
// in the message (year inferred from message, then prior turns, then
// the current year) becomes a single-day range; a bare year in the
// message becomes both bounds; a lone supplied bound is copied to the
// other side as a single-day query.
func inferDates(args map[string]any, message, priorUser string) {
	hasFrom := hasString(args, "from")
	hasTo := hasString(args, "to")
	if hasFrom && hasTo {
		return
	}

	if m := monthDay.FindStringSubmatch(message); m != nil {
		month := monthNumbers[strings.ToLower(m[1])]
		day, err := strconv.Atoi(m[2])
		if err == nil && month > 0 && day >= 1 && day <= 31 {
			date := fmt.Sprintf("%04d-%02d-%02d", inferYear(message, priorUser), month, day)
			if !hasFrom {
				args["from"] = date
			}
			if !hasTo {
				args["to"] = date
			}
			return
		}
	}

	if y := yearToken.FindString(message); y != "" {
		if !hasFrom {
			args["from"] = y
		}
		if !hasTo {
			args["to"] = y
		}
		return
	}

	if hasFrom && !hasTo {
		args["to"] = args["from"]
	} else if hasTo && !hasFrom {
		args["from"] = args["to"]
	}
}

func inferYear(message, priorUser string) int {
	for _, text := range []string{message, priorUser} {
		if y := yearToken.FindString(text); y != "" {
			n, err := strconv.Atoi(y)
			if err == nil {
				return n
			}
		}
	}
	return time.Now().Year()
}
