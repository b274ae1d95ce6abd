package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPChecker(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "topo-probe", r.UserAgent())
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/starting", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/docs", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://192.0.2.1/elsewhere", http.StatusFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tests := []struct {
		name    string
		checker *HTTPChecker
		healthy bool
	}{
		{"ok", NewHTTPChecker(server.URL + "/healthz"), true},
		{"not found", NewHTTPChecker(server.URL + "/missing"), false},
		{"unavailable", NewHTTPChecker(server.URL + "/starting"), false},
		{"redirect counts as ready", NewHTTPChecker(server.URL + "/docs"), true},
		{"redirect outside range", NewHTTPChecker(server.URL+"/docs").WithStatusRange(200, 299), false},
		{"timeout", NewHTTPChecker(server.URL + "/slow").WithTimeout(50 * time.Millisecond), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.checker.Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.Positive(t, result.Duration)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func TestHTTPChecker_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := NewHTTPChecker(server.URL).Check(ctx)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Message, "canceled")
	assert.Equal(t, CheckTypeHTTP, NewHTTPChecker(server.URL).Type())
}
