package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPortfolioFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/portfolio" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("X-User-ID"); got != "u1" {
			t.Errorf("missing user header, got %q", got)
		}
		fmt.Fprint(w, `{"totalValue": 125000.50, "currency": "USD", "allocation": {"equity": 0.7, "bonds": 0.3}}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	p, err := c.Portfolio(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Portfolio failed: %v", err)
	}
	if p.TotalValue != 125000.50 || p.Currency != "USD" {
		t.Errorf("wrong portfolio: %+v", p)
	}
	if p.Allocation["equity"] != 0.7 {
		t.Errorf("allocation not decoded: %+v", p.Allocation)
	}
}

func TestMarketHistoryQueryParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("symbol") != "AAPL" || q.Get("from") != "2024-01-15" || q.Get("to") != "2024-01-15" {
			t.Errorf("unexpected query %v", q)
		}
		if q.Get("dataSource") != "YAHOO" {
			t.Errorf("dataSource not forwarded: %v", q)
		}
		fmt.Fprint(w, `[{"date": "2024-01-15", "close": 185.92}]`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	points, err := c.MarketHistory(context.Background(), "u1", MarketHistoryQuery{
		Symbol: "AAPL", From: "2024-01-15", To: "2024-01-15", DataSource: "YAHOO",
	})
	if err != nil {
		t.Fatalf("MarketHistory failed: %v", err)
	}
	if len(points) != 1 || points[0].Close != 185.92 {
		t.Errorf("wrong points: %+v", points)
	}
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error": "unknown symbol ZZZZ"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	_, err := c.MarketHistory(context.Background(), "u1", MarketHistoryQuery{Symbol: "ZZZZ"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unknown symbol") {
		t.Errorf("error should carry body, got %v", err)
	}
}

func TestTransferCashPostsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var req TransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if req.FromAccount != "checking" || req.Amount != 500 {
			t.Errorf("wrong request body: %+v", req)
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id": "tr-1", "status": "pending"}`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	res, err := c.TransferCash(context.Background(), "u1", TransferRequest{
		FromAccount: "checking", ToAccount: "brokerage", Amount: 500, Currency: "USD",
	})
	if err != nil {
		t.Fatalf("TransferCash failed: %v", err)
	}
	if res.ID != "tr-1" || res.Status != "pending" {
		t.Errorf("wrong result: %+v", res)
	}
}

func TestActivitiesLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit not forwarded, got %q", got)
		}
		fmt.Fprint(w, `[{"date": "2024-06-01", "type": "dividend", "symbol": "AAPL", "amount": 24.50}]`)
	}))
	defer server.Close()

	c := NewClient(server.URL, "", nil)
	acts, err := c.Activities(context.Background(), "u1", 5)
	if err != nil {
		t.Fatalf("Activities failed: %v", err)
	}
	if len(acts) != 1 || acts[0].Type != "dividend" {
		t.Errorf("wrong activities: %+v", acts)
	}
}
