package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ridebook/gateway/pkg/dispatch"
	"github.com/ridebook/gateway/pkg/session"
)

type nopLogger struct{}

func (nopLogger) Debug(msg string, args ...interface{}) {}
func (nopLogger) Info(msg string, args ...interface{})  {}
func (nopLogger) Warn(msg string, args ...interface{})  {}
func (nopLogger) Error(msg string, args ...interface{}) {}

func newTestRouter() *Router {
	dial := func(ctx context.Context) (session.UpstreamClient, error) { return nil, nil }
	factory := func(callID, webhookURL string) session.DispatchCoordinator { return nil }
	return &Router{
		dialUpstream: dial,
		newDispatch:  factory,
		logger:       nopLogger{},
		config:       session.DefaultConfig(),
	}
}

func TestHealthHandler_ReportsZeroActiveCallsInitially(t *testing.T) {
	r := newTestRouter()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	r.HealthHandler(rec, req)

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if body["active_calls"].(float64) != 0 {
		t.Errorf("expected zero active calls, got %v", body["active_calls"])
	}
}

func TestActiveCallCount_ReflectsRegistry(t *testing.T) {
	r := newTestRouter()
	r.calls.Store("call-1", &session.Engine{})
	r.calls.Store("call-2", &session.Engine{})

	if n := r.activeCallCount(); n != 2 {
		t.Fatalf("expected 2 active calls, got %d", n)
	}
}

func TestNewRedisDispatchFactory_BuildsPerCallCoordinator(t *testing.T) {
	factory := NewRedisDispatchFactory(nil, http.DefaultClient)
	coord := factory("call-1", "https://dispatch.example.com/webhook")
	if coord == nil {
		t.Fatal("expected a non-nil coordinator")
	}
	if _, ok := coord.(*dispatch.Coordinator); !ok {
		t.Fatalf("expected a *dispatch.Coordinator, got %T", coord)
	}
}
