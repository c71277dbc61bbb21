// Package dispatch sends a booking to the external dispatch backend and
// reconciles its answer, which arrives either as an asynchronous broadcast
// on a per-call channel or as a fallback synthesized locally if no broadcast
// shows up in time. The webhook's response body is not read. The webhook/
// broadcast split and its call-scoped state are grounded in
// other_examples/188cca17_agentplexus-agentcall__pkg-callmanager-manager.go.go's
// CallState pattern; the broadcast transport is redis/go-redis/v9, grounded
// in the BaSui01-agentflow manifest.
package dispatch

import (
	"errors"
	"time"
)

// FallbackDelay is how long requestQuote waits for a real broadcast before
// synthesizing a fallback quote.
const FallbackDelay = 4000 * time.Millisecond

// FallbackFare/FallbackETA are the fixed defaults used when a fallback quote
// is synthesized.
const (
	FallbackFare = "£12.50"
	FallbackETA  = "6 minutes"
)

const webhookRetries = 2
const webhookRetryDelay = 1 * time.Second
const webhookAttemptTimeout = 30 * time.Second

var (
	// ErrAlreadyConfirmed is returned by Confirm once a call's booking has
	// already been confirmed; the caller must not send a second webhook.
	ErrAlreadyConfirmed = errors.New("dispatch: booking already confirmed")
	// ErrNoQuote is returned by Confirm when called before any quote was
	// delivered for the call.
	ErrNoQuote = errors.New("dispatch: confirm requested before a quote was delivered")
)

// EventType discriminates the messages a Coordinator emits to its caller.
type EventType int

const (
	// EventQuote carries a delivered quote, real or fallback. At most one
	// is ever emitted per call.
	EventQuote EventType = iota
	// EventSay carries a plain message the assistant should relay verbatim.
	EventSay
	// EventConfirmAck carries the dispatch backend's acknowledgement of a
	// confirmed booking.
	EventConfirmAck
	// EventHangup instructs the engine to end the call.
	EventHangup
	// EventWebhookFailed reports that the initial webhook POST could not be
	// delivered after retries; the engine must surface this rather than
	// sit silently waiting for a broadcast that will never come paired
	// with a real backend response (a fallback quote still arrives).
	EventWebhookFailed
)

// Quote is the fare/eta/booking-ref/callback-url tuple the assistant must
// recite verbatim, either supplied by the dispatch backend or synthesized
// as a fallback.
type Quote struct {
	Fare        string
	ETA         string
	BookingRef  string
	CallbackURL string
	Fallback    bool
}

// Event is one message from a Coordinator's Events channel.
type Event struct {
	Type       EventType
	Quote      Quote
	Message    string
	BookingRef string
	Err        error
}

// BookingPayload is the booking snapshot serialized into the dispatch
// webhook body. JobID, CallID, Action and Timestamp are stamped by the
// Coordinator; the caller only fills in the booking-specific fields.
type BookingPayload struct {
	JobID           string   `json:"job_id"`
	CallID          string   `json:"call_id"`
	CallerPhone     string   `json:"caller_phone"`
	ADAPickup       string   `json:"ada_pickup"`
	ADADestination  string   `json:"ada_destination"`
	UserTranscripts []string `json:"user_transcripts"`
	Passengers      int      `json:"passengers"`
	PickupTime      string   `json:"pickup_time"`
	Action          string   `json:"action"`
	Timestamp       string   `json:"timestamp"`
	BookingRef      string   `json:"booking_ref,omitempty"`
}

// broadcastMessage is the shape of one event on the dispatch_<callId>
// channel.
type broadcastMessage struct {
	Event       string `json:"event"`
	Message     string `json:"message"`
	Fare        string `json:"fare"`
	ETA         string `json:"eta"`
	ETAMinutes  any    `json:"eta_minutes"`
	CallbackURL string `json:"callback_url"`
	BookingRef  string `json:"booking_ref"`
}
