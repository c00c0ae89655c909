package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/foxzi/outreach/internal/ipfilter"
)

func TestServerHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.SentCurrentDay.Set(3)

	s := NewServer(m, "", "", nil, logger)
	h := s.Handler()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "outreach_sent_current_day 3") {
		t.Errorf("metrics output missing gauge:\n%s", rec.Body.String())
	}

	req = httptest.NewRequest("GET", "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestServerIPFilter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	filter, err := ipfilter.New(ipfilter.Options{Allowed: []string{"10.0.0.0/8"}}, logger)
	if err != nil {
		t.Fatal(err)
	}

	s := NewServer(New(), ":0", "/metrics", filter, logger)
	h := s.Handler()

	tests := []struct {
		path       string
		remoteAddr string
		want       int
	}{
		{"/metrics", "10.1.2.3:5555", http.StatusOK},
		{"/metrics", "192.168.1.1:5555", http.StatusForbidden},
		{"/health", "192.168.1.1:5555", http.StatusOK},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", tt.path, nil)
		req.RemoteAddr = tt.remoteAddr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		if rec.Code != tt.want {
			t.Errorf("%s from %s: status = %d, want %d", tt.path, tt.remoteAddr, rec.Code, tt.want)
		}
	}
}
