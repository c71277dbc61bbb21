package session

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ridebook/gateway/pkg/booking"
	"github.com/ridebook/gateway/pkg/dispatch"
	"github.com/ridebook/gateway/pkg/persistence"
	"github.com/ridebook/gateway/pkg/upstream"
)

type fakeBridge struct {
	mu      sync.Mutex
	jsonMsgs []any
	binMsgs  [][]byte
	closed   bool
}

func (f *fakeBridge) WriteBinary(ctx context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.binMsgs = append(f.binMsgs, data)
	return nil
}

func (f *fakeBridge) WriteJSON(ctx context.Context, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jsonMsgs = append(f.jsonMsgs, v)
	return nil
}

func (f *fakeBridge) ReadMessage(ctx context.Context) (bool, []byte, error) {
	<-ctx.Done()
	return false, nil, ctx.Err()
}

func (f *fakeBridge) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeBridge) last() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.jsonMsgs) == 0 {
		return nil
	}
	return f.jsonMsgs[len(f.jsonMsgs)-1]
}

func (f *fakeBridge) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jsonMsgs)
}

type fakeUpstream struct {
	mu             sync.Mutex
	sessionConfigs []upstream.SessionConfig
	appended       [][]byte
	clearCalls     int
	notes          []string
	responses      []string
	cancelCalls    int
	functionCalls  map[string]any
	closed         bool
	order          []string
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{functionCalls: make(map[string]any)}
}

func (f *fakeUpstream) UpdateSession(ctx context.Context, cfg upstream.SessionConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionConfigs = append(f.sessionConfigs, cfg)
	return nil
}
func (f *fakeUpstream) AppendAudio(ctx context.Context, pcm16 []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, pcm16)
	return nil
}
func (f *fakeUpstream) ClearInputAudio(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearCalls++
	return nil
}
func (f *fakeUpstream) InjectSystemNote(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, text)
	return nil
}
func (f *fakeUpstream) CreateResponse(ctx context.Context, instructions string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, instructions)
	f.order = append(f.order, "response.create")
	return nil
}
func (f *fakeUpstream) CancelResponse(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}
func (f *fakeUpstream) SendFunctionCallOutput(ctx context.Context, callID string, output any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.functionCalls[callID] = output
	f.order = append(f.order, "function_call_output")
	return nil
}
func (f *fakeUpstream) ReadEvent(ctx context.Context) (upstream.EventType, json.RawMessage, error) {
	<-ctx.Done()
	return "", nil, ctx.Err()
}
func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeUpstream) responseCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.responses)
}

func (f *fakeUpstream) lastResponse() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.responses) == 0 {
		return ""
	}
	return f.responses[len(f.responses)-1]
}

type fakeDispatch struct {
	mu                  sync.Mutex
	eventsCh            chan dispatch.Event
	requestQuoteCalls   []dispatch.BookingPayload
	confirmCalls        []dispatch.BookingPayload
	confirmErr          error
	requestErr          error
	cancelCalls         int
	requestQuoteSignal  chan dispatch.BookingPayload
}

func newFakeDispatch() *fakeDispatch {
	return &fakeDispatch{
		eventsCh:           make(chan dispatch.Event, 8),
		requestQuoteSignal: make(chan dispatch.BookingPayload, 8),
	}
}

func (f *fakeDispatch) Events() <-chan dispatch.Event { return f.eventsCh }

func (f *fakeDispatch) RequestQuote(ctx context.Context, b dispatch.BookingPayload) error {
	f.mu.Lock()
	f.requestQuoteCalls = append(f.requestQuoteCalls, b)
	err := f.requestErr
	f.mu.Unlock()
	f.requestQuoteSignal <- b
	return err
}

func (f *fakeDispatch) Confirm(ctx context.Context, b dispatch.BookingPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmCalls = append(f.confirmCalls, b)
	return f.confirmErr
}

func (f *fakeDispatch) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
}

func (f *fakeDispatch) confirmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.confirmCalls)
}

type fakePersist struct {
	mu        sync.Mutex
	scheduled []persistence.Snapshot
	immediate []persistence.Snapshot
}

func (f *fakePersist) ScheduleFlush(callID string, snapshot persistence.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, snapshot)
}

func (f *fakePersist) ImmediateFlush(callID string, snapshot persistence.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.immediate = append(f.immediate, snapshot)
}

type testLogger struct{}

func (testLogger) Debug(msg string, args ...interface{}) {}
func (testLogger) Info(msg string, args ...interface{})  {}
func (testLogger) Warn(msg string, args ...interface{})  {}
func (testLogger) Error(msg string, args ...interface{}) {}

type harness struct {
	engine   *Engine
	bridge   *fakeBridge
	upstream *fakeUpstream
	dispatch *fakeDispatch
	persist  *fakePersist
}

func newHarness() *harness {
	b := &fakeBridge{}
	u := newFakeUpstream()
	d := newFakeDispatch()
	p := &fakePersist{}
	e := New("call-1", "+15555550100", "en", b, u, d, p, testLogger{}, DefaultConfig())
	return &harness{engine: e, bridge: b, upstream: u, dispatch: d, persist: p}
}

func TestHandleInit_SendsSessionReady(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.handleInit(ctx, initMessage{CallID: "call-1", Phone: "+1", InboundSampleRate: 8000})

	if h.bridge.count() != 1 {
		t.Fatalf("expected one outbound message, got %d", h.bridge.count())
	}
	msg, ok := h.bridge.last().(sessionReadyOut)
	if !ok || msg.Type != "session_ready" {
		t.Fatalf("expected session_ready message, got %+v", h.bridge.last())
	}
	if h.engine.windows.GreetingUntil.IsZero() {
		t.Error("expected greeting protection window to be armed")
	}
}

func TestIngestAudio_DroppedDuringGreeting(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.windows.StartGreeting(time.Now())

	h.engine.ingestAudio(ctx, make([]int16, 160), 24000)
	if len(h.upstream.appended) != 0 {
		t.Fatalf("expected audio to be dropped during the greeting window, got %d frames", len(h.upstream.appended))
	}
}

func TestIngestAudio_PassesThroughOutsideProtectionWindows(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.ingestAudio(ctx, make([]int16, 160), 24000)
	if len(h.upstream.appended) != 1 {
		t.Fatalf("expected one appended frame, got %d", len(h.upstream.appended))
	}
}

func TestHandleUserTranscript_PhantomIsDropped(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.handleUserTranscript(ctx, "http://spam.example.com/x")

	if len(h.engine.transcripts) != 0 {
		t.Fatalf("expected phantom transcript not to be appended, got %d entries", len(h.engine.transcripts))
	}
}

func TestHandleUserTranscript_RoutesPickupAnswer(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.handleUserTranscript(ctx, "42 Baker Street")

	b := h.engine.store.Booking()
	if b.Pickup != "42 Baker Street" {
		t.Fatalf("expected pickup to be recorded, got %+v", b)
	}
	if h.engine.store.Step() != booking.StepDestination {
		t.Fatalf("expected step to advance to destination, got %s", h.engine.store.Step())
	}
	if len(h.upstream.notes) == 0 {
		t.Error("expected a context-pairing system note to be injected")
	}
}

func TestHandleUserTranscript_QuestionSnapshotBindsOutOfOrderAnswer(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	// Fill pickup and destination so the store's live step is "passengers",
	// but the caller's speech began while the engine still believed it was
	// asking about the destination (e.g. a slow transcript race).
	h.engine.store.SetField(booking.FieldPickup, "1 A St", booking.SourceUserTruth)
	h.engine.store.SetField(booking.FieldDestination, "2 B St", booking.SourceUserTruth)
	h.engine.questionSnapshot = booking.StepDestination
	h.engine.hasQuestionSnapshot = true

	h.engine.handleUserTranscript(ctx, "the airport")

	b := h.engine.store.Booking()
	if b.Destination != "the airport" {
		t.Fatalf("expected the answer to bind to the snapshotted destination question, got %+v", b)
	}
	if h.engine.hasQuestionSnapshot {
		t.Error("expected the snapshot flag to be consumed")
	}
}

func TestHandleDispatchEvent_QuoteAnnouncesFareAndArmsConfirmation(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.silence = true

	h.engine.handleDispatchEvent(ctx, dispatch.Event{Type: dispatch.EventQuote, Quote: dispatch.Quote{Fare: "£10.00", ETA: "5 minutes"}})

	if h.engine.silence {
		t.Error("expected silence mode to be cleared once a quote is delivered")
	}
	if !h.engine.awaitingConfirmation {
		t.Error("expected awaitingConfirmation to be set")
	}
	if h.upstream.responseCount() != 1 {
		t.Fatalf("expected exactly one response requested, got %d", h.upstream.responseCount())
	}
	if !strings.Contains(h.upstream.lastResponse(), "£10.00") || !strings.Contains(h.upstream.lastResponse(), "5 minutes") {
		t.Fatalf("expected the fare and ETA to be named verbatim, got %q", h.upstream.lastResponse())
	}
}

func TestHandleDispatchEvent_WebhookFailedClearsInFlightAndSilence(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.quoteInFlight = true
	h.engine.silence = true

	h.engine.handleDispatchEvent(ctx, dispatch.Event{Type: dispatch.EventWebhookFailed})

	if h.engine.quoteInFlight {
		t.Error("expected quoteInFlight to be cleared")
	}
	if h.engine.silence {
		t.Error("expected silence mode to be exited")
	}
}

func TestToolSyncBookingData_ReturnsFieldSavedAndNextInstruction(t *testing.T) {
	h := newHarness()

	result := h.engine.toolSyncBookingData(map[string]any{"pickup_address": "52A David Road"})

	if ok, _ := result["success"].(bool); !ok {
		t.Fatalf("expected success, got %+v", result)
	}
	if saved, _ := result["field_saved"].(string); saved != "pickup" {
		t.Fatalf("expected field_saved=pickup, got %+v", result)
	}
	if next, _ := result["next_step"].(string); next != string(booking.StepDestination) {
		t.Fatalf("expected next_step=destination, got %+v", result)
	}
	instr, _ := result["instruction"].(string)
	if !strings.Contains(instr, "going") {
		t.Fatalf("expected the destination instruction, got %q", instr)
	}
	if _, ok := result["current_state"]; !ok {
		t.Fatalf("expected current_state in result, got %+v", result)
	}
}

func TestToolSyncBookingData_UnrecognizedFieldLeavesFieldSavedEmpty(t *testing.T) {
	h := newHarness()

	result := h.engine.toolSyncBookingData(map[string]any{"favourite_color": "blue"})

	if saved, _ := result["field_saved"].(string); saved != "" {
		t.Fatalf("expected empty field_saved, got %+v", result)
	}
}

func TestToolBookTaxi_RequestQuote_RejectsMissingFields(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	result, _ := h.engine.toolBookTaxi(ctx, map[string]any{"action": "request_quote"})

	if ok, _ := result["ok"].(bool); ok {
		t.Fatalf("expected rejection for missing fields, got %+v", result)
	}
	if h.engine.quoteInFlight {
		t.Error("expected quoteInFlight to remain false")
	}
}

func TestToolBookTaxi_RequestQuote_DispatchesWhenComplete(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.store.SetField(booking.FieldPickup, "1 A St", booking.SourceUserTruth)
	h.engine.store.SetField(booking.FieldDestination, "2 B St", booking.SourceUserTruth)
	h.engine.store.SetPassengers(2, "two", booking.SourceUserTruth)
	h.engine.store.SetField(booking.FieldTime, booking.ASAP, booking.SourceUserTruth)

	result, _ := h.engine.toolBookTaxi(ctx, map[string]any{"action": "request_quote"})
	if ok, _ := result["ok"].(bool); !ok {
		t.Fatalf("expected acceptance, got %+v", result)
	}
	if !h.engine.quoteInFlight {
		t.Error("expected quoteInFlight to be set")
	}
	if !h.engine.silence {
		t.Error("expected the engine to enter silence while the quote is in flight")
	}

	select {
	case <-h.dispatch.requestQuoteSignal:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestQuote to be called")
	}
}

func TestToolBookTaxi_RequestQuote_RejectsDuplicateWhileInFlight(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.quoteInFlight = true

	result, _ := h.engine.toolBookTaxi(ctx, map[string]any{"action": "request_quote"})
	if ok, _ := result["ok"].(bool); ok {
		t.Fatalf("expected rejection while a quote is already in flight, got %+v", result)
	}
}

func TestToolBookTaxi_Confirmed_RequiresPriorQuote(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	result, _ := h.engine.toolBookTaxi(ctx, map[string]any{"action": "confirmed"})

	if ok, _ := result["ok"].(bool); ok {
		t.Fatalf("expected rejection without a delivered quote, got %+v", result)
	}
	if h.dispatch.confirmCount() != 0 {
		t.Error("expected Confirm not to be called")
	}
}

func TestToolBookTaxi_Confirmed_IsIdempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.store.SetField(booking.FieldPickup, "1 A St", booking.SourceUserTruth)
	h.engine.store.SetField(booking.FieldDestination, "2 B St", booking.SourceUserTruth)
	h.engine.store.SetPassengers(2, "two", booking.SourceUserTruth)
	h.engine.awaitingConfirmation = true
	h.engine.quoteDelivered = true

	first, _ := h.engine.toolBookTaxi(ctx, map[string]any{"action": "confirmed"})
	if ok, _ := first["ok"].(bool); !ok {
		t.Fatalf("expected first confirm to succeed, got %+v", first)
	}
	second, _ := h.engine.toolBookTaxi(ctx, map[string]any{"action": "confirmed"})
	if already, _ := second["already_confirmed"].(bool); !already {
		t.Fatalf("expected the second confirm to report already_confirmed, got %+v", second)
	}
	if h.dispatch.confirmCount() != 1 {
		t.Fatalf("expected dispatch Confirm to be called exactly once, got %d", h.dispatch.confirmCount())
	}
}

func TestHandleFunctionCall_OutputPrecedesResponseCreate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.store.SetField(booking.FieldPickup, "1 A St", booking.SourceUserTruth)
	h.engine.store.SetField(booking.FieldDestination, "2 B St", booking.SourceUserTruth)
	h.engine.store.SetPassengers(2, "two", booking.SourceUserTruth)
	h.engine.awaitingConfirmation = true
	h.engine.quoteDelivered = true

	h.engine.handleFunctionCall(ctx, upstream.FunctionCallDone{
		CallID:    "call-abc",
		Name:      "book_taxi",
		Arguments: `{"action":"confirmed"}`,
	})

	h.upstream.mu.Lock()
	order := append([]string(nil), h.upstream.order...)
	h.upstream.mu.Unlock()

	if len(order) != 2 || order[0] != "function_call_output" || order[1] != "response.create" {
		t.Fatalf("expected function_call_output then response.create, got %v", order)
	}
}

func TestHandleFunctionCall_RequestQuoteOutputPrecedesResponseCreate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.store.SetField(booking.FieldPickup, "1 A St", booking.SourceUserTruth)
	h.engine.store.SetField(booking.FieldDestination, "2 B St", booking.SourceUserTruth)
	h.engine.store.SetPassengers(2, "two", booking.SourceUserTruth)
	h.engine.store.SetField(booking.FieldTime, booking.ASAP, booking.SourceUserTruth)

	h.engine.handleFunctionCall(ctx, upstream.FunctionCallDone{
		CallID:    "call-xyz",
		Name:      "book_taxi",
		Arguments: `{"action":"request_quote"}`,
	})

	h.upstream.mu.Lock()
	order := append([]string(nil), h.upstream.order...)
	h.upstream.mu.Unlock()

	if len(order) != 2 || order[0] != "function_call_output" || order[1] != "response.create" {
		t.Fatalf("expected function_call_output then response.create, got %v", order)
	}
}

func TestToolCancelBooking_RequiresCancelIntent(t *testing.T) {
	h := newHarness()
	h.engine.lastUserTranscript = "it's actually 221B Baker Street"

	result := h.engine.toolCancelBooking(nil)
	if ok, _ := result["ok"].(bool); ok {
		t.Fatalf("expected an address correction not to be treated as a cancellation, got %+v", result)
	}
	if h.dispatch.cancelCalls != 0 {
		t.Error("expected dispatch.Cancel not to be called")
	}
}

func TestToolCancelBooking_CancelsOnExplicitIntent(t *testing.T) {
	h := newHarness()
	h.engine.lastUserTranscript = "actually never mind, cancel the booking"
	h.engine.quoteInFlight = true

	result := h.engine.toolCancelBooking(nil)
	if ok, _ := result["ok"].(bool); !ok {
		t.Fatalf("expected cancellation to succeed, got %+v", result)
	}
	if h.dispatch.cancelCalls != 1 {
		t.Errorf("expected dispatch.Cancel to be called once, got %d", h.dispatch.cancelCalls)
	}
	if h.engine.quoteInFlight {
		t.Error("expected quoteInFlight to be cleared")
	}
}

func TestRunAssistantGuards_PriceHallucinationCancelsResponse(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.quoteDelivered = false
	h.engine.responseActive = true
	h.engine.transcriptAcc.WriteString("Your fare will be £12.00 and arrival is in 5 minutes")

	h.engine.runAssistantGuards(ctx)

	if h.upstream.cancelCalls != 1 {
		t.Fatalf("expected the hallucinated quote to cancel the response, got %d cancels", h.upstream.cancelCalls)
	}
	if h.engine.transcriptAcc.Len() != 0 {
		t.Error("expected the in-progress transcript accumulator to be cleared")
	}
	if h.upstream.clearCalls != 1 {
		t.Errorf("expected the input audio buffer to be cleared once, got %d", h.upstream.clearCalls)
	}
	if !h.engine.silence {
		t.Error("expected the engine to remain in silence mode until a quote arrives")
	}
	if h.upstream.responseCount() != 1 {
		t.Fatalf("expected exactly the corrective response to be requested, got %d", h.upstream.responseCount())
	}
}

func TestRunAssistantGuards_AllowsPriceAfterRealQuote(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.quoteDelivered = true
	h.engine.transcriptAcc.WriteString("Your fare will be £12.00 and arrival is in 5 minutes")

	h.engine.runAssistantGuards(ctx)

	if h.upstream.cancelCalls != 0 {
		t.Fatalf("expected no cancellation once a real quote has been delivered, got %d", h.upstream.cancelCalls)
	}
}

func TestRunAssistantGuards_ConfirmationWithoutToolCallTrips(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.confirmedToolThisTurn = false
	h.engine.transcriptAcc.WriteString("Great, your booking is confirmed!")

	h.engine.runAssistantGuards(ctx)

	if h.upstream.cancelCalls != 1 {
		t.Fatalf("expected the response to be cancelled, got %d cancels", h.upstream.cancelCalls)
	}
	foundCorrective := false
	for _, note := range h.upstream.notes {
		if strings.Contains(note, "book_taxi") {
			foundCorrective = true
		}
	}
	if !foundCorrective {
		t.Error("expected a corrective note instructing the model to call book_taxi")
	}
}

func TestHandleUpstreamEvent_SpeechStartedSnapshotsCurrentStep(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.store.SetStep(booking.StepTime)

	h.engine.handleUpstreamEvent(ctx, upstream.EventSpeechStarted, nil)

	if !h.engine.hasQuestionSnapshot {
		t.Fatal("expected a question snapshot to be captured")
	}
	if h.engine.questionSnapshot != booking.StepTime {
		t.Fatalf("expected the snapshot to capture step time, got %s", h.engine.questionSnapshot)
	}
}

func TestRequestResponse_NoOpDuringSilence(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.silence = true

	h.engine.requestResponse(ctx, "hello")
	if h.upstream.responseCount() != 0 {
		t.Fatalf("expected no response while silenced, got %d", h.upstream.responseCount())
	}
}

func TestSendOrQueueResponse_QueuesWhileResponseActive(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	h.engine.responseActive = true

	h.engine.sendOrQueueResponse(ctx, "queued instructions")
	if h.upstream.responseCount() != 0 {
		t.Fatalf("expected the response to be queued, not sent immediately, got %d", h.upstream.responseCount())
	}
	if h.engine.pendingResponseInstr == nil || *h.engine.pendingResponseInstr != "queued instructions" {
		t.Fatalf("expected the instructions to be queued, got %+v", h.engine.pendingResponseInstr)
	}
}

func TestPersistSnapshot_ImmediateIncludesConfirmedFare(t *testing.T) {
	h := newHarness()
	h.engine.bookingConfirmed = true
	h.engine.lastQuote = dispatch.Quote{Fare: "£9.00", ETA: "4 minutes"}

	h.engine.persistSnapshot(true)

	if len(h.persist.immediate) != 1 {
		t.Fatalf("expected one immediate flush, got %d", len(h.persist.immediate))
	}
	snap := h.persist.immediate[0]
	if snap.Fare != "£9.00" || !snap.BookingConfirmed {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}
