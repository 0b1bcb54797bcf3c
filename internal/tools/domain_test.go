package tools

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openfolio/advisor-agent/internal/backend"
)

// fakeBackend returns canned domain objects and records calls.
type fakeBackend struct {
	lastQuery backend.MarketHistoryQuery
	points    []backend.PricePoint
	failWith  error
}

func (f *fakeBackend) Portfolio(ctx context.Context, userID string) (*backend.Portfolio, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &backend.Portfolio{
		TotalValue: 100000,
		Currency:   "USD",
		Allocation: map[string]float64{"equity": 0.6, "bonds": 0.4},
	}, nil
}

func (f *fakeBackend) Holdings(ctx context.Context, userID string) ([]backend.Holding, error) {
	return []backend.Holding{
		{Symbol: "AAPL", Name: "Apple Inc.", Quantity: 10, Value: 1850, Weight: 0.2},
	}, nil
}

func (f *fakeBackend) Performance(ctx context.Context, userID, rng string) (*backend.Performance, error) {
	return &backend.Performance{Range: rng, ReturnPct: 8.5, StartValue: 92000, EndValue: 100000}, nil
}

func (f *fakeBackend) Report(ctx context.Context, userID string) (*backend.Report, error) {
	return &backend.Report{AsOf: "2024-06-30", TotalValue: 100000, ReturnYTD: 8.5}, nil
}

func (f *fakeBackend) Activities(ctx context.Context, userID string, limit int) ([]backend.Activity, error) {
	return []backend.Activity{{Date: "2024-06-01", Type: "dividend", Symbol: "AAPL", Amount: 24.5}}, nil
}

func (f *fakeBackend) MarketHistory(ctx context.Context, userID string, q backend.MarketHistoryQuery) ([]backend.PricePoint, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	f.lastQuery = q
	return f.points, nil
}

func (f *fakeBackend) Balances(ctx context.Context, userID string) ([]backend.Balance, error) {
	return []backend.Balance{{Account: "brokerage", Currency: "USD", Amount: 5000}}, nil
}

func (f *fakeBackend) TransferCash(ctx context.Context, userID string, req backend.TransferRequest) (*backend.TransferResult, error) {
	return &backend.TransferResult{ID: "tr-1", Status: "pending"}, nil
}

func TestUnknownToolReturnsErrorString(t *testing.T) {
	r := NewDomainRegistry(&fakeBackend{}, nil)
	result := r.Execute(context.Background(), "launch_rocket", "u1", nil)
	if !strings.HasPrefix(result, "Error:") || !strings.Contains(result, "launch_rocket") {
		t.Errorf("expected error string naming the tool, got %q", result)
	}
}

func TestHandlerFailureBecomesErrorString(t *testing.T) {
	b := &fakeBackend{failWith: errors.New("backend down")}
	r := NewDomainRegistry(b, nil)
	result := r.Execute(context.Background(), PortfolioToolName, "u1", nil)
	if result != "Error: backend down" {
		t.Errorf("expected wrapped error string, got %q", result)
	}
}

func TestMarketHistoryMissingArguments(t *testing.T) {
	r := NewDomainRegistry(&fakeBackend{}, nil)
	result := r.Execute(context.Background(), MarketHistoryToolName, "u1", map[string]any{})
	if !strings.Contains(result, "missing required argument") {
		t.Errorf("expected missing-argument marker, got %q", result)
	}
	for _, field := range []string{"symbol", "from", "to"} {
		if !strings.Contains(result, field) {
			t.Errorf("missing field %q not named in %q", field, result)
		}
	}
	if !IsClarifiableMarketError(result) {
		t.Error("missing-argument error should be clarifiable")
	}
}

func TestMarketHistoryInvalidDate(t *testing.T) {
	r := NewDomainRegistry(&fakeBackend{}, nil)
	result := r.Execute(context.Background(), MarketHistoryToolName, "u1", map[string]any{
		"symbol": "AAPL", "from": "last tuesday", "to": "2024-01-31",
	})
	if !strings.Contains(result, "invalid date") {
		t.Errorf("expected invalid-date marker, got %q", result)
	}
	if !IsClarifiableMarketError(result) {
		t.Error("invalid-date error should be clarifiable")
	}
}

func TestMarketHistoryInvalidRange(t *testing.T) {
	r := NewDomainRegistry(&fakeBackend{}, nil)
	result := r.Execute(context.Background(), MarketHistoryToolName, "u1", map[string]any{
		"symbol": "AAPL", "from": "2024-06-01", "to": "2024-01-01",
	})
	if !strings.Contains(result, "invalid range") {
		t.Errorf("expected invalid-range marker, got %q", result)
	}
	if !IsClarifiableMarketError(result) {
		t.Error("invalid-range error should be clarifiable")
	}
}

func TestMarketHistoryBareYearExpands(t *testing.T) {
	b := &fakeBackend{points: []backend.PricePoint{{Date: "2024-01-02", Close: 100}}}
	r := NewDomainRegistry(b, nil)
	result := r.Execute(context.Background(), MarketHistoryToolName, "u1", map[string]any{
		"symbol": "aapl", "from": "2024", "to": "2024",
	})
	if strings.HasPrefix(result, "Error:") {
		t.Fatalf("unexpected error: %q", result)
	}
	if b.lastQuery.From != "2024-01-01" || b.lastQuery.To != "2024-12-31" {
		t.Errorf("year not expanded: %+v", b.lastQuery)
	}
	if b.lastQuery.Symbol != "AAPL" {
		t.Errorf("symbol not normalized: %q", b.lastQuery.Symbol)
	}
}

func TestMarketHistoryFormatsRange(t *testing.T) {
	b := &fakeBackend{points: []backend.PricePoint{
		{Date: "2024-01-02", Close: 100},
		{Date: "2024-06-28", Close: 110},
	}}
	r := NewDomainRegistry(b, nil)
	result := r.Execute(context.Background(), MarketHistoryToolName, "u1", map[string]any{
		"symbol": "AAPL", "from": "2024-01-01", "to": "2024-06-30",
	})
	if !strings.Contains(result, "AAPL") || !strings.Contains(result, "+10.00%") {
		t.Errorf("unexpected formatting: %q", result)
	}
}

func TestIsClarifiableMarketError(t *testing.T) {
	tests := []struct {
		result string
		want   bool
	}{
		{"Error: missing required argument: symbol", true},
		{"Error: invalid date \"foo\": expected YYYY-MM-DD or a year", true},
		{"Error: invalid range: from 2024-06-01 is after to 2024-01-01", true},
		{"Error: backend down", false},
		{"AAPL closed at 185.92 on 2024-01-15.", false},
		{"the response mentions missing required argument casually", false},
	}
	for _, tt := range tests {
		if got := IsClarifiableMarketError(tt.result); got != tt.want {
			t.Errorf("IsClarifiableMarketError(%q) = %v, want %v", tt.result, got, tt.want)
		}
	}
}

func TestSchemasWireFormat(t *testing.T) {
	r := NewDomainRegistry(&fakeBackend{}, nil)
	schemas := r.Schemas()
	if len(schemas) != 8 {
		t.Fatalf("expected 8 tool schemas, got %d", len(schemas))
	}
	for _, s := range schemas {
		if s["type"] != "function" {
			t.Errorf("schema missing function type: %v", s)
		}
		fn, ok := s["function"].(map[string]any)
		if !ok || fn["name"] == "" || fn["parameters"] == nil {
			t.Errorf("malformed function schema: %v", s)
		}
	}
}

func TestOnlyMarketHistoryNeedsHydration(t *testing.T) {
	r := NewDomainRegistry(&fakeBackend{}, nil)
	if !r.NeedsHydration(MarketHistoryToolName) {
		t.Error("market history should request hydration")
	}
	for _, name := range []string{PortfolioToolName, HoldingsToolName, TransferToolName} {
		if r.NeedsHydration(name) {
			t.Errorf("%s should not request hydration", name)
		}
	}
}

func TestTransferValidatesArguments(t *testing.T) {
	r := NewDomainRegistry(&fakeBackend{}, nil)
	result := r.Execute(context.Background(), TransferToolName, "u1", map[string]any{
		"fromAccount": "checking",
	})
	if !strings.Contains(result, "missing required argument") {
		t.Errorf("expected missing-argument error, got %q", result)
	}

	result = r.Execute(context.Background(), TransferToolName, "u1", map[string]any{
		"fromAccount": "checking", "toAccount": "brokerage", "amount": float64(500),
	})
	if !strings.Contains(result, "tr-1") || !strings.Contains(result, "pending") {
		t.Errorf("expected transfer acknowledgement, got %q", result)
	}
}
