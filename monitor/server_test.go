package monitor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/tsawler/go-deepspeech/training"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestServer(t *testing.T) (*Server, *training.StatusTracker) {
	t.Helper()
	tracker := training.NewStatusTracker("run-1")
	server, err := NewServer("127.0.0.1:0", tracker, log.New(io.Discard))
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, tracker
}

func TestHealthz(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Unexpected body %v", body)
	}
}

func TestStatusReflectsTracker(t *testing.T) {
	server, tracker := newTestServer(t)
	tracker.Update(func(s *training.Status) {
		s.Epoch = 3
		s.GlobalStep = 120
		s.Loss = 1.25
		s.BestErrorRate = 0.2
		s.HasBest = true
		s.Phase = "training"
	})

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var status training.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if status.RunID != "run-1" || status.Epoch != 3 || status.GlobalStep != 120 || status.Phase != "training" {
		t.Errorf("Unexpected status %+v", status)
	}
	if !status.HasBest || status.BestErrorRate != 0.2 || status.LastErrorRate != -1 {
		t.Errorf("Unexpected error rates %+v", status)
	}
}

func TestUnknownRoute(t *testing.T) {
	server, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	server, _ := newTestServer(t)
	if err := server.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer(":0", nil, nil); err == nil {
		t.Error("Expected error for nil tracker")
	}
}
