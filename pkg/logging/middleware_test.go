package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequestLogger(t *testing.T) {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)

	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)

	var seenID string
	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenID = RequestID(r.Context())
		FromContext(r.Context()).Debug().Msg("inside handler")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/items", nil))

	if seenID == "" {
		t.Fatal("Expected request ID in context")
	}
	if got := rec.Header().Get(RequestIDHeader); got != seenID {
		t.Errorf("Expected response header %q, got %q", seenID, got)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("Expected 2 log lines, got %d: %q", len(lines), buf.String())
	}

	var inner map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &inner); err != nil {
		t.Fatalf("Invalid log line: %v", err)
	}
	if inner["request_id"] != seenID {
		t.Errorf("Expected handler log to carry request_id, got %v", inner["request_id"])
	}

	var access map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &access); err != nil {
		t.Fatalf("Invalid log line: %v", err)
	}
	if access["level"] != "warn" {
		t.Errorf("Expected warn level for 418, got %v", access["level"])
	}
	if access["status_code"] != float64(http.StatusTeapot) {
		t.Errorf("Expected status_code 418, got %v", access["status_code"])
	}
	if access["bytes"] != float64(len("short and stout")) {
		t.Errorf("Expected bytes %d, got %v", len("short and stout"), access["bytes"])
	}
}

func TestRequestLogger_KeepsIncomingID(t *testing.T) {
	handler := RequestLogger(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := RequestID(r.Context()); got != "abc-123" {
			t.Errorf("Expected incoming request ID, got %q", got)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(RequestIDHeader); got != "abc-123" {
		t.Errorf("Expected echoed request ID, got %q", got)
	}
}

func TestRequestID_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := RequestID(req.Context()); got != "" {
		t.Errorf("Expected empty request ID, got %q", got)
	}
}
