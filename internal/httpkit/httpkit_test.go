package httpkit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

// flakyTransport fails the first n attempts with err, then delegates.
type flakyTransport struct {
	base     http.RoundTripper
	failures int
	err      error
	attempts int
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.attempts++
	if t.attempts <= t.failures {
		return nil, t.err
	}
	return t.base.RoundTrip(req)
}

func TestRetryOnTransientError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "ok")
	}))
	defer server.Close()

	flaky := &flakyTransport{
		base:     http.DefaultTransport,
		failures: 2,
		err:      syscall.ECONNREFUSED,
	}
	rt := &retryTransport{base: flaky, count: 3, baseWait: time.Millisecond}

	req, _ := http.NewRequest("GET", server.URL, nil)
	resp, err := rt.RoundTrip(req)
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if flaky.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", flaky.attempts)
	}
}

func TestNoRetryOnNonTransientError(t *testing.T) {
	flaky := &flakyTransport{
		base:     http.DefaultTransport,
		failures: 10,
		err:      errors.New("certificate expired"),
	}
	rt := &retryTransport{base: flaky, count: 3, baseWait: time.Millisecond}

	req, _ := http.NewRequest("GET", "http://example.invalid", nil)
	if _, err := rt.RoundTrip(req); err == nil {
		t.Fatal("expected error")
	}
	if flaky.attempts != 1 {
		t.Errorf("non-transient error should not retry, got %d attempts", flaky.attempts)
	}
}

func TestRetryRespectsContextCancellation(t *testing.T) {
	flaky := &flakyTransport{
		base:     http.DefaultTransport,
		failures: 10,
		err:      syscall.ECONNREFUSED,
	}
	rt := &retryTransport{base: flaky, count: 5, baseWait: time.Hour}

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, "GET", "http://example.invalid", nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context cancellation, got %v", err)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout", &net.OpError{Err: timeoutErr{}}, true},
		{"connection refused", syscall.ECONNREFUSED, true},
		{"host unreachable", syscall.EHOSTUNREACH, true},
		{"network unreachable", syscall.ENETUNREACH, true},
		{"connection reset", syscall.ECONNRESET, false},
		{"generic", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestUserAgentInjected(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := NewClient()
	resp, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(gotUA, "advisor-agent/") {
		t.Errorf("expected advisor user agent, got %q", gotUA)
	}
}

func TestReadErrorBodyLimitsSize(t *testing.T) {
	body := strings.NewReader(strings.Repeat("x", 100))
	got := ReadErrorBody(nopCloser{body}, 10)
	if len(got) != 10 {
		t.Errorf("expected 10 bytes, got %d", len(got))
	}
}

type nopCloser struct{ r *strings.Reader }

func (n nopCloser) Read(p []byte) (int, error) { return n.r.Read(p) }
func (n nopCloser) Close() error               { return nil }
