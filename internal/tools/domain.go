package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/openfolio/advisor-agent/internal/backend"
)

// Tool names. The orchestrator special-cases MarketHistoryToolName for
// clarification short-circuits.
const (
	PortfolioToolName     = "get_portfolio"
	HoldingsToolName      = "get_holdings"
	PerformanceToolName   = "get_performance"
	ReportToolName        = "get_portfolio_report"
	ActivitiesToolName    = "list_activities"
	MarketHistoryToolName = "get_market_history"
	BalancesToolName      = "get_account_balances"
	TransferToolName      = "transfer_cash"
)

// Backend is the slice of backend.Client the domain tools call.
type Backend interface {
	Portfolio(ctx context.Context, userID string) (*backend.Portfolio, error)
	Holdings(ctx context.Context, userID string) ([]backend.Holding, error)
	Performance(ctx context.Context, userID, rng string) (*backend.Performance, error)
	Report(ctx context.Context, userID string) (*backend.Report, error)
	Activities(ctx context.Context, userID string, limit int) ([]backend.Activity, error)
	MarketHistory(ctx context.Context, userID string, query backend.MarketHistoryQuery) ([]backend.PricePoint, error)
	Balances(ctx context.Context, userID string) ([]backend.Balance, error)
	TransferCash(ctx context.Context, userID string, req backend.TransferRequest) (*backend.TransferResult, error)
}

// Argument-shape failure markers for the market history tool. The
// orchestrator matches on these to ask a clarifying question instead of
// dumping the error into the model loop.
const (
	errMissingArgument = "missing required argument"
	errInvalidDate     = "invalid date"
	errInvalidRange    = "invalid range"
)

// IsClarifiableMarketError reports whether a market-history result is an
// argument-shape failure the user can fix by restating the question.
func IsClarifiableMarketError(result string) bool {
	if !strings.HasPrefix(result, "Error:") {
		return false
	}
	return strings.Contains(result, errMissingArgument) ||
		strings.Contains(result, errInvalidDate) ||
		strings.Contains(result, errInvalidRange)
}

// NewDomainRegistry builds the registry of portfolio tools backed by b.
func NewDomainRegistry(b Backend, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)

	r.Register(&Tool{
		Name:        PortfolioToolName,
		Description: "Get the user's portfolio overview: total value, currency, and asset class allocation.",
		Parameters:  objectSchema(nil, nil),
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			p, err := b.Portfolio(ctx, userID)
			if err != nil {
				return "", err
			}
			return formatPortfolio(p), nil
		},
	})

	r.Register(&Tool{
		Name:        HoldingsToolName,
		Description: "List the user's current holdings with quantities, values, and portfolio weights.",
		Parameters:  objectSchema(nil, nil),
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			hs, err := b.Holdings(ctx, userID)
			if err != nil {
				return "", err
			}
			return formatHoldings(hs), nil
		},
	})

	r.Register(&Tool{
		Name:        PerformanceToolName,
		Description: "Get the portfolio's return over a period. Supported ranges: ytd, 1m, 3m, 1y, max.",
		Parameters: objectSchema(map[string]any{
			"range": map[string]any{
				"type":        "string",
				"description": "Period to report on, e.g. ytd, 1m, 3m, 1y, max. Defaults to ytd.",
			},
		}, nil),
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			rng := stringArg(args, "range")
			if rng == "" {
				rng = "ytd"
			}
			p, err := b.Performance(ctx, userID, rng)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Over %s the portfolio returned %+.2f%%, moving from %.2f to %.2f.",
				p.Range, p.ReturnPct, p.StartValue, p.EndValue), nil
		},
	})

	r.Register(&Tool{
		Name:        ReportToolName,
		Description: "Generate the full portfolio report: valuation, year-to-date return, and top holdings.",
		Parameters:  objectSchema(nil, nil),
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			rep, err := b.Report(ctx, userID)
			if err != nil {
				return "", err
			}
			return formatReport(rep), nil
		},
	})

	r.Register(&Tool{
		Name:        ActivitiesToolName,
		Description: "List recent account activity: orders, dividends, deposits, and withdrawals.",
		Parameters: objectSchema(map[string]any{
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of activities to return. Defaults to 10.",
			},
		}, nil),
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			limit := intArg(args, "limit")
			if limit <= 0 {
				limit = 10
			}
			acts, err := b.Activities(ctx, userID, limit)
			if err != nil {
				return "", err
			}
			return formatActivities(acts), nil
		},
	})

	r.Register(&Tool{
		Name:        MarketHistoryToolName,
		Description: "Get historical market prices for a symbol over a date range.",
		Parameters: objectSchema(map[string]any{
			"symbol": map[string]any{
				"type":        "string",
				"description": "Ticker symbol, e.g. AAPL or BTC.",
			},
			"from": map[string]any{
				"type":        "string",
				"description": "Start date (YYYY-MM-DD) or a bare year.",
			},
			"to": map[string]any{
				"type":        "string",
				"description": "End date (YYYY-MM-DD) or a bare year.",
			},
			"dataSource": map[string]any{
				"type":        "string",
				"description": "Market data provider: YAHOO for equities, COINGECKO for crypto.",
			},
		}, []string{"symbol", "from", "to"}),
		Hydrate: true,
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			return marketHistory(ctx, b, userID, args)
		},
	})

	r.Register(&Tool{
		Name:        BalancesToolName,
		Description: "Get the user's cash balances across accounts.",
		Parameters:  objectSchema(nil, nil),
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			bs, err := b.Balances(ctx, userID)
			if err != nil {
				return "", err
			}
			return formatBalances(bs), nil
		},
	})

	r.Register(&Tool{
		Name:        TransferToolName,
		Description: "Transfer cash between the user's own accounts.",
		Parameters: objectSchema(map[string]any{
			"fromAccount": map[string]any{"type": "string", "description": "Source account name."},
			"toAccount":   map[string]any{"type": "string", "description": "Destination account name."},
			"amount":      map[string]any{"type": "number", "description": "Amount to transfer."},
			"currency":    map[string]any{"type": "string", "description": "Currency code, e.g. USD."},
		}, []string{"fromAccount", "toAccount", "amount"}),
		Handler: func(ctx context.Context, userID string, args map[string]any) (string, error) {
			return transferCash(ctx, b, userID, args)
		},
	})

	return r
}

// marketHistory validates the argument shape itself so that failures
// produce the recognizable markers the orchestrator inspects.
func marketHistory(ctx context.Context, b Backend, userID string, args map[string]any) (string, error) {
	symbol := strings.ToUpper(stringArg(args, "symbol"))
	from := stringArg(args, "from")
	to := stringArg(args, "to")
	source := stringArg(args, "dataSource")

	var missing []string
	if symbol == "" {
		missing = append(missing, "symbol")
	}
	if from == "" {
		missing = append(missing, "from")
	}
	if to == "" {
		missing = append(missing, "to")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%s: %s", errMissingArgument, strings.Join(missing, ", "))
	}

	fromDate, err := parseDateBound(from, false)
	if err != nil {
		return "", fmt.Errorf("%s %q: expected YYYY-MM-DD or a year", errInvalidDate, from)
	}
	toDate, err := parseDateBound(to, true)
	if err != nil {
		return "", fmt.Errorf("%s %q: expected YYYY-MM-DD or a year", errInvalidDate, to)
	}
	if fromDate.After(toDate) {
		return "", fmt.Errorf("%s: from %s is after to %s", errInvalidRange, from, to)
	}

	points, err := b.MarketHistory(ctx, userID, backend.MarketHistoryQuery{
		Symbol:     symbol,
		From:       fromDate.Format("2006-01-02"),
		To:         toDate.Format("2006-01-02"),
		DataSource: source,
	})
	if err != nil {
		return "", err
	}
	return formatPricePoints(symbol, points), nil
}

// parseDateBound accepts YYYY-MM-DD or a bare year. A bare year expands
// to the start of the year for the lower bound and the end for the upper.
func parseDateBound(s string, upper bool) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006", s)
	if err != nil {
		return time.Time{}, err
	}
	if upper {
		return time.Date(t.Year(), 12, 31, 0, 0, 0, 0, time.UTC), nil
	}
	return t, nil
}

func transferCash(ctx context.Context, b Backend, userID string, args map[string]any) (string, error) {
	req := backend.TransferRequest{
		FromAccount: stringArg(args, "fromAccount"),
		ToAccount:   stringArg(args, "toAccount"),
		Amount:      floatArg(args, "amount"),
		Currency:    stringArg(args, "currency"),
	}
	if req.Currency == "" {
		req.Currency = "USD"
	}

	var missing []string
	if req.FromAccount == "" {
		missing = append(missing, "fromAccount")
	}
	if req.ToAccount == "" {
		missing = append(missing, "toAccount")
	}
	if req.Amount <= 0 {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%s: %s", errMissingArgument, strings.Join(missing, ", "))
	}

	res, err := b.TransferCash(ctx, userID, req)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Transfer of %.2f %s from %s to %s submitted (id %s, status %s).",
		req.Amount, req.Currency, req.FromAccount, req.ToAccount, res.ID, res.Status), nil
}

func formatPortfolio(p *backend.Portfolio) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Total portfolio value: %.2f %s.", p.TotalValue, p.Currency)
	if len(p.Allocation) > 0 {
		classes := make([]string, 0, len(p.Allocation))
		for c := range p.Allocation {
			classes = append(classes, c)
		}
		sort.Strings(classes)
		b.WriteString(" Allocation:")
		for _, c := range classes {
			fmt.Fprintf(&b, " %s %.0f%%,", c, p.Allocation[c]*100)
		}
		return strings.TrimSuffix(b.String(), ",") + "."
	}
	return b.String()
}

func formatHoldings(hs []backend.Holding) string {
	if len(hs) == 0 {
		return "No holdings found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d holdings:\n", len(hs))
	for _, h := range hs {
		fmt.Fprintf(&b, "- %s (%s): %.2f units, value %.2f, %.1f%% of portfolio\n",
			h.Symbol, h.Name, h.Quantity, h.Value, h.Weight*100)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatReport(r *backend.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Portfolio report as of %s: total value %.2f, YTD return %+.2f%%.",
		r.AsOf, r.TotalValue, r.ReturnYTD)
	if len(r.TopHoldings) > 0 {
		b.WriteString(" Top holdings:")
		for _, h := range r.TopHoldings {
			fmt.Fprintf(&b, " %s (%.1f%%),", h.Symbol, h.Weight*100)
		}
		return strings.TrimSuffix(b.String(), ",") + "."
	}
	return b.String()
}

func formatActivities(acts []backend.Activity) string {
	if len(acts) == 0 {
		return "No recent account activity."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d recent activities:\n", len(acts))
	for _, a := range acts {
		if a.Symbol != "" {
			fmt.Fprintf(&b, "- %s %s %s: %.2f\n", a.Date, a.Type, a.Symbol, a.Amount)
		} else {
			fmt.Fprintf(&b, "- %s %s: %.2f\n", a.Date, a.Type, a.Amount)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPricePoints(symbol string, points []backend.PricePoint) string {
	switch len(points) {
	case 0:
		return fmt.Sprintf("No price data found for %s in that period.", symbol)
	case 1:
		return fmt.Sprintf("%s closed at %.2f on %s.", symbol, points[0].Close, points[0].Date)
	default:
		first, last := points[0], points[len(points)-1]
		change := 0.0
		if first.Close != 0 {
			change = (last.Close - first.Close) / first.Close * 100
		}
		return fmt.Sprintf("%s: %d data points from %s (%.2f) to %s (%.2f), a change of %+.2f%%.",
			symbol, len(points), first.Date, first.Close, last.Date, last.Close, change)
	}
}

func formatBalances(bs []backend.Balance) string {
	if len(bs) == 0 {
		return "No account balances found."
	}
	var b strings.Builder
	b.WriteString("Account balances:\n")
	for _, bal := range bs {
		fmt.Fprintf(&b, "- %s: %.2f %s\n", bal.Account, bal.Amount, bal.Currency)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Argument helpers. The model sends JSON, so numbers arrive as float64
// and everything may be missing or the wrong type.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func floatArg(args map[string]any, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func objectSchema(properties map[string]any, required []string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
