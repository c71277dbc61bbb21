// Package router accepts the bridge-facing WebSocket upgrade, resolves the
// call metadata off the request, dials the upstream Realtime connection and
// hands both off to a new session.Engine. Query parsing follows
// other_examples/7d45fab1_zamorofthat-elida__internal-websocket-handler.go.go's
// handler-struct shape; the accept/health mux is the plain net/http idiom
// other_examples/28922ab6_askidmobile-AIWisper's api server uses.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/ridebook/gateway/pkg/dispatch"
	"github.com/ridebook/gateway/pkg/orchestrator"
	"github.com/ridebook/gateway/pkg/persistence"
	"github.com/ridebook/gateway/pkg/session"
	"github.com/ridebook/gateway/pkg/upstream"
)

// UpstreamDialer opens a new upstream Realtime connection for one call.
// Satisfied by a closure wrapping upstream.Dial with the production URL and
// auth headers; tests substitute one returning a fake.
type UpstreamDialer func(ctx context.Context) (session.UpstreamClient, error)

// DispatchFactory builds a per-call dispatch.Coordinator. Satisfied by a
// closure over the webhook URL template, the redis broadcaster and the
// shared *http.Client; tests substitute one returning a fake.
type DispatchFactory func(callID, webhookURL string) session.DispatchCoordinator

// Router owns the live-call registry and wires together a bridge
// connection, an upstream connection and a dispatch coordinator into a
// session.Engine for each accepted call.
type Router struct {
	dialUpstream UpstreamDialer
	newDispatch  DispatchFactory
	persist      session.PersistenceStore
	logger       orchestrator.Logger
	config       session.Config
	webhookURL   string

	calls sync.Map // callID -> *session.Engine
}

// New builds a Router. webhookURL is the dispatch backend endpoint passed to
// every call's DispatchCoordinator.
func New(dialUpstream UpstreamDialer, newDispatch DispatchFactory, persist *persistence.Store, logger orchestrator.Logger, config session.Config, webhookURL string) *Router {
	return &Router{
		dialUpstream: dialUpstream,
		newDispatch:  newDispatch,
		persist:      persist,
		logger:       logger,
		config:       config,
		webhookURL:   webhookURL,
	}
}

// ServeHTTP implements the bridge-facing WebSocket upgrade at "/voice".
// Query parameters: call_id, caller_phone, language, resume_call_id.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	callID := q.Get("call_id")
	callerPhone := q.Get("caller_phone")
	language := q.Get("language")
	if language == "" {
		language = "auto"
	}

	if resumeID := q.Get("resume_call_id"); resumeID != "" {
		// By the time a resume arrives the original engine's bridge has
		// already errored out and Engine.Run has returned, deleting the
		// registry entry; a live match here would mean two connections
		// racing for the same call, which is never valid. Either way the
		// correct move is the same: log and start a fresh engine.
		if _, ok := r.calls.Load(resumeID); ok {
			r.logger.Warn("router: resume requested while a call with that id is still live; starting fresh anyway", "resume_call_id", resumeID)
		} else {
			r.logger.Warn("router: resume requested for a call with no live engine; starting fresh", "resume_call_id", resumeID)
		}
	}

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		r.logger.Warn("router: websocket upgrade failed", "error", err)
		return
	}

	ctx := req.Context()
	up, err := r.dialUpstream(ctx)
	if err != nil {
		r.logger.Error("router: upstream dial failed", "call_id", callID, "error", err)
		conn.Close(websocket.StatusInternalError, "upstream unavailable")
		return
	}

	bridge := session.NewWebSocketBridge(conn)
	dispatchCoord := r.newDispatch(callID, r.webhookURL)
	engine := session.New(callID, callerPhone, language, bridge, up, dispatchCoord, r.persist, r.logger, r.config)

	if callID != "" {
		r.calls.Store(callID, engine)
		defer r.calls.Delete(callID)
	}

	if err := engine.Run(ctx); err != nil {
		r.logger.Debug("router: call ended", "call_id", callID, "error", err)
	}
}

// activeCallCount reports the live-call registry size for the health
// endpoint.
func (r *Router) activeCallCount() int {
	n := 0
	r.calls.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// HealthHandler serves GET /health with the active call count.
func (r *Router) HealthHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":       "ok",
		"active_calls": r.activeCallCount(),
	})
}

// NewRedisDispatchFactory builds a DispatchFactory backed by a shared
// dispatch.Broadcaster and http.Client, one dispatch.Coordinator per call.
func NewRedisDispatchFactory(broadcaster dispatch.Broadcaster, httpClient *http.Client) DispatchFactory {
	return func(callID, webhookURL string) session.DispatchCoordinator {
		return dispatch.New(callID, webhookURL, broadcaster, httpClient)
	}
}

// NewUpstreamDialer builds an UpstreamDialer that dials url with the given
// auth header on every call.
func NewUpstreamDialer(url, authHeader string) UpstreamDialer {
	return func(ctx context.Context) (session.UpstreamClient, error) {
		opts := &websocket.DialOptions{
			HTTPHeader: http.Header{"Authorization": []string{authHeader}},
		}
		client, err := upstream.Dial(ctx, url, opts)
		if err != nil {
			return nil, fmt.Errorf("router: dial upstream: %w", err)
		}
		return client, nil
	}
}
