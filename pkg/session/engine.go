// Package session implements the per-call session engine: the actor that
// owns one call's bridge WebSocket, upstream Realtime connection, booking
// state machine, protection windows and dispatch coordinator. All state
// mutation happens on the single goroutine running Engine.Run, a
// single-writer-via-message-passing model.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ridebook/gateway/pkg/booking"
	"github.com/ridebook/gateway/pkg/dispatch"
	"github.com/ridebook/gateway/pkg/orchestrator"
	"github.com/ridebook/gateway/pkg/persistence"
	"github.com/ridebook/gateway/pkg/protection"
	"github.com/ridebook/gateway/pkg/upstream"
)

// MaxSessionDuration closes a call gracefully after this much wall-clock
// time, regardless of dialog progress.
const MaxSessionDuration = 10 * time.Minute

// KeepAliveInterval is how often a keepalive ping is sent to the bridge to
// defeat idle-timeout disconnects. Fixed at a flat interval rather than
// jittered.
const KeepAliveInterval = 10 * time.Second

const bookTaxiDedupeWindow = 15 * time.Second
const endCallBuffer = 2 * time.Second

// UpstreamClient is the subset of *upstream.Client the engine needs; an
// interface so tests can substitute a fake instead of a live connection.
type UpstreamClient interface {
	UpdateSession(ctx context.Context, cfg upstream.SessionConfig) error
	AppendAudio(ctx context.Context, pcm16 []byte) error
	ClearInputAudio(ctx context.Context) error
	InjectSystemNote(ctx context.Context, text string) error
	CreateResponse(ctx context.Context, instructions string) error
	CancelResponse(ctx context.Context) error
	SendFunctionCallOutput(ctx context.Context, callID string, output any) error
	ReadEvent(ctx context.Context) (upstream.EventType, json.RawMessage, error)
	Close() error
}

// DispatchCoordinator is the subset of *dispatch.Coordinator the engine
// needs.
type DispatchCoordinator interface {
	Events() <-chan dispatch.Event
	RequestQuote(ctx context.Context, booking dispatch.BookingPayload) error
	Confirm(ctx context.Context, booking dispatch.BookingPayload) error
	Cancel()
}

// PersistenceStore is the subset of *persistence.Store the engine needs.
type PersistenceStore interface {
	ScheduleFlush(callID string, snapshot persistence.Snapshot)
	ImmediateFlush(callID string, snapshot persistence.Snapshot)
}

// Engine is the per-call session actor.
type Engine struct {
	bridge        BridgeConn
	upstream      UpstreamClient
	dispatchCoord DispatchCoordinator
	persist       PersistenceStore
	logger        orchestrator.Logger
	config        Config

	store   *booking.Store
	windows protection.Windows
	timers  *TimerSet
	events  chan engineEvent

	callID            string
	callerPhone       string
	language          string
	inboundSampleRate int

	responseActive            bool
	audioStartedThisResponse  bool
	bargedInThisResponse      bool
	confirmedToolThisTurn     bool
	legacyAudioEnvelope       bool
	quoteInFlight             bool
	quoteDelivered            bool
	awaitingConfirmation      bool
	bookingConfirmed          bool
	silence                   bool
	greetingSent              bool
	closed                    bool
	gotInit                   bool
	hasQuestionSnapshot       bool
	questionSnapshot          booking.Step
	pendingResponseInstr      *string
	lastQuote                 dispatch.Quote
	lastQuoteRequestAt        time.Time
	lastUserTranscript        string
	transcriptAcc             strings.Builder
	transcripts               []TranscriptEntry
}

// New constructs an Engine for one call. language may be "auto" or an ISO
// code, per the bridge upgrade query.
func New(callID, callerPhone, language string, bridge BridgeConn, up UpstreamClient, dispatchCoord DispatchCoordinator, persist PersistenceStore, logger orchestrator.Logger, config Config) *Engine {
	return &Engine{
		bridge:            bridge,
		upstream:          up,
		dispatchCoord:     dispatchCoord,
		persist:           persist,
		logger:            logger,
		config:            config,
		store:             booking.NewStore(),
		timers:            NewTimerSet(),
		callID:            callID,
		callerPhone:       callerPhone,
		language:          language,
		inboundSampleRate: 8000,
	}
}

// engineEvent is the union type flowing through the actor's single events
// channel; exactly one of the payload fields is set per source.
type engineEvent struct {
	source string // "bridge", "upstream", "dispatch", "timer"

	bridgeBinary []byte
	bridgeJSON   []byte
	bridgeErr    error

	upstreamType upstream.EventType
	upstreamRaw  json.RawMessage
	upstreamErr  error

	dispatchEvent dispatch.Event

	timerID string
}

// Run drives the call until the bridge or upstream connection closes, a
// fatal error occurs, or ctx is cancelled. It always calls cleanup before
// returning.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	e.events = make(chan engineEvent, 64)

	g.Go(func() error { e.pumpBridge(gctx); return nil })
	g.Go(func() error { e.pumpUpstream(gctx); return nil })
	if e.dispatchCoord != nil {
		g.Go(func() error { e.pumpDispatch(gctx); return nil })
	}

	e.armKeepAlive()
	e.timers.Start("max-session", MaxSessionDuration, func() { e.postTimer("max-session") })

	var runErr error
	for !e.closed {
		select {
		case <-gctx.Done():
			runErr = gctx.Err()
			e.closed = true
		case ev := <-e.events:
			e.handleEvent(gctx, ev)
		}
	}

	// Cancelling here, before cleanup closes the bridge/upstream connections,
	// lets the pump goroutines unwind on ctx.Done() rather than on a read
	// error racing the close.
	cancel()
	_ = g.Wait()

	e.cleanup()
	return runErr
}

func (e *Engine) pumpBridge(ctx context.Context) {
	for {
		isBinary, data, err := e.bridge.ReadMessage(ctx)
		if err != nil {
			e.sendEvent(engineEvent{source: "bridge", bridgeErr: err})
			return
		}
		if isBinary {
			e.sendEvent(engineEvent{source: "bridge", bridgeBinary: data})
		} else {
			e.sendEvent(engineEvent{source: "bridge", bridgeJSON: data})
		}
	}
}

func (e *Engine) pumpUpstream(ctx context.Context) {
	for {
		t, raw, err := e.upstream.ReadEvent(ctx)
		if err != nil {
			e.sendEvent(engineEvent{source: "upstream", upstreamErr: err})
			return
		}
		e.sendEvent(engineEvent{source: "upstream", upstreamType: t, upstreamRaw: raw})
	}
}

func (e *Engine) pumpDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.dispatchCoord.Events():
			if !ok {
				return
			}
			e.sendEvent(engineEvent{source: "dispatch", dispatchEvent: ev})
		}
	}
}

func (e *Engine) sendEvent(ev engineEvent) {
	select {
	case e.events <- ev:
	default:
		// the actor loop has stopped draining (already closed); drop rather
		// than block a pump goroutine forever.
	}
}

func (e *Engine) postTimer(id string) {
	e.sendEvent(engineEvent{source: "timer", timerID: id})
}

func (e *Engine) armKeepAlive() {
	e.timers.Start("keepalive", KeepAliveInterval, func() { e.postTimer("keepalive") })
}

func (e *Engine) handleEvent(ctx context.Context, ev engineEvent) {
	switch ev.source {
	case "bridge":
		if ev.bridgeErr != nil {
			e.logger.Debug("session: bridge closed", "call_id", e.callID, "error", ev.bridgeErr)
			e.closed = true
			return
		}
		if ev.bridgeBinary != nil {
			e.handleBridgeBinary(ctx, ev.bridgeBinary)
		} else {
			e.handleBridgeJSON(ctx, ev.bridgeJSON)
		}
	case "upstream":
		if ev.upstreamErr != nil {
			e.logger.Error("session: upstream connection lost", "call_id", e.callID, "error", ev.upstreamErr)
			_ = e.bridge.WriteJSON(ctx, errorOut{Type: "error", Message: "upstream connection lost"})
			e.closed = true
			return
		}
		e.handleUpstreamEvent(ctx, ev.upstreamType, ev.upstreamRaw)
	case "dispatch":
		e.handleDispatchEvent(ctx, ev.dispatchEvent)
	case "timer":
		e.handleTimer(ctx, ev.timerID)
	}
}

func (e *Engine) handleTimer(ctx context.Context, id string) {
	switch id {
	case "greeting-fallback":
		e.sendGreeting(ctx)
	case "keepalive":
		_ = e.bridge.WriteJSON(ctx, keepaliveOut{Type: "keepalive"})
		e.armKeepAlive()
	case "max-session":
		e.logger.Info("session: max session duration reached", "call_id", e.callID)
		e.windows.StartSummary(time.Now(), protection.SummaryGoodbye)
		e.requestResponse(ctx, "Tell the caller this call has reached its time limit and say goodbye.")
		e.timers.Start("end-call", protection.GoodbyeDuration+endCallBuffer, func() { e.postTimer("end-call") })
	case "end-call":
		e.finalizeClose(ctx, "call_complete")
	}
}

func (e *Engine) cleanup() {
	e.timers.CancelAll()
	if e.dispatchCoord != nil {
		e.dispatchCoord.Cancel()
	}
	e.persistSnapshot(true)
	_ = e.upstream.Close()
	_ = e.bridge.Close()
}

func (e *Engine) finalizeClose(ctx context.Context, reason string) {
	_ = e.bridge.WriteJSON(ctx, hangupOut{Type: "hangup", Reason: reason})
	e.persistSnapshot(true)
	e.closed = true
}

func (e *Engine) sendGreeting(ctx context.Context) {
	if e.greetingSent {
		return
	}
	e.greetingSent = true
	e.timers.Cancel("greeting-fallback")
	e.sendOrQueueResponse(ctx, greetingInstruction())
}

// requestResponse is the silence-checked response.create path: it is a no-op
// while the engine is in silence mode.
func (e *Engine) requestResponse(ctx context.Context, instructions string) {
	if e.silence {
		return
	}
	e.sendOrQueueResponse(ctx, instructions)
}

// sendOrQueueResponse bypasses the silence check. sendGreeting, a tool
// follow-up marked bypassSilence and priceGuardTrip call it directly, since
// each is itself the action that legitimately proceeds regardless of (or
// establishes) silence mode; a response queued here is also flushed through
// it on response.done.
func (e *Engine) sendOrQueueResponse(ctx context.Context, instructions string) {
	if e.responseActive {
		copied := instructions
		e.pendingResponseInstr = &copied
		return
	}
	if err := e.upstream.CreateResponse(ctx, instructions); err != nil {
		e.logger.Warn("session: response.create failed", "call_id", e.callID, "error", err)
	}
}

func (e *Engine) exitSilence() {
	e.silence = false
}

// userTranscriptTexts returns every caller transcript line recorded so far,
// in order, for the dispatch webhook's user_transcripts field.
func (e *Engine) userTranscriptTexts() []string {
	var out []string
	for _, t := range e.transcripts {
		if t.Role == RoleUser {
			out = append(out, t.Text)
		}
	}
	return out
}

func (e *Engine) appendTranscript(role Role, text string) {
	e.transcripts = append(e.transcripts, TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()})
}

func (e *Engine) persistSnapshot(immediate bool) {
	if e.persist == nil || e.callID == "" {
		return
	}
	b := e.store.Booking()
	lines := make([]persistence.TranscriptLine, len(e.transcripts))
	for i, t := range e.transcripts {
		lines[i] = persistence.TranscriptLine{Role: string(t.Role), Text: t.Text, Timestamp: t.Timestamp}
	}
	snapshot := persistence.Snapshot{
		CallID:           e.callID,
		CallerPhone:      e.callerPhone,
		Pickup:           b.Pickup,
		Destination:      b.Destination,
		Passengers:       b.Passengers,
		PickupTime:       b.PickupTime,
		Step:             string(e.store.Step()),
		Fare:             e.lastQuote.Fare,
		ETA:              e.lastQuote.ETA,
		BookingConfirmed: e.bookingConfirmed,
		Transcripts:      lines,
	}
	if immediate {
		e.persist.ImmediateFlush(e.callID, snapshot)
	} else {
		e.persist.ScheduleFlush(e.callID, snapshot)
	}
}

func closingScript(language string) string {
	base := "Thank the caller, confirm their driver is on the way, and say goodbye."
	if language != "" && language != "auto" {
		return fmt.Sprintf("%s Speak in the language with ISO code %q.", base, language)
	}
	return base
}
