package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator owns the dispatch lifecycle for exactly one call: the
// webhook request, the broadcast subscription, the fallback timer and the
// confirm/cancel follow-ups. It is safe for its Events channel to be
// consumed from a different goroutine than the one driving RequestQuote,
// but RequestQuote/Confirm/Cancel must not be called concurrently with each
// other for the same Coordinator — the session engine's single-writer
// actor already guarantees that.
type Coordinator struct {
	callID      string
	webhookURL  string
	jobID       string
	http        *http.Client
	broadcaster Broadcaster

	events chan Event

	mu             sync.Mutex
	quoteDelivered bool
	bookingConfirmed bool
	quote          Quote
	sub            Subscription
	fallbackTimer  *time.Timer
	cancelPump     context.CancelFunc
}

// New creates a Coordinator for one call. webhookURL is the dispatch
// backend's quote-request endpoint.
func New(callID, webhookURL string, broadcaster Broadcaster, httpClient *http.Client) *Coordinator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Coordinator{
		callID:      callID,
		webhookURL:  webhookURL,
		jobID:       uuid.NewString(),
		http:        httpClient,
		broadcaster: broadcaster,
		events:      make(chan Event, 8),
	}
}

// Events returns the channel the session engine drains for quote/say/
// confirm-ack/hangup/webhook-failure notifications.
func (c *Coordinator) Events() <-chan Event { return c.events }

// RequestQuote POSTs the booking to the webhook, subscribes to
// dispatch_<callId> for the backend's async answer, and arms the 4 s
// fallback timer. It returns once the webhook POST has been attempted
// (success or exhausted retries); the quote itself always arrives later, on
// Events.
func (c *Coordinator) RequestQuote(ctx context.Context, booking BookingPayload) error {
	return c.subscribeAndPost(ctx, booking, FallbackDelay)
}

// subscribeAndPost is RequestQuote's implementation with an injectable
// fallback delay, so tests don't have to wait out the production 4s window.
func (c *Coordinator) subscribeAndPost(ctx context.Context, booking BookingPayload, fallbackDelay time.Duration) error {
	booking.JobID = c.jobID
	booking.CallID = c.callID
	booking.Action = "request_quote"
	booking.Timestamp = time.Now().UTC().Format(time.RFC3339)

	channel := fmt.Sprintf("dispatch_%s", c.callID)
	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := c.broadcaster.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return fmt.Errorf("dispatch: subscribe to %s: %w", channel, err)
	}

	c.mu.Lock()
	c.sub = sub
	c.cancelPump = cancel
	c.mu.Unlock()

	go c.pumpBroadcast(sub)
	c.armFallbackTimer(fallbackDelay)

	if err := postJSON(ctx, c.http, c.webhookURL, booking); err != nil {
		c.emit(Event{Type: EventWebhookFailed, Err: err})
		return err
	}
	return nil
}

func (c *Coordinator) armFallbackTimer(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
	}
	c.fallbackTimer = time.AfterFunc(delay, c.deliverFallback)
}

func (c *Coordinator) deliverFallback() {
	c.deliverQuote(Quote{Fare: FallbackFare, ETA: FallbackETA, Fallback: true})
}

func (c *Coordinator) pumpBroadcast(sub Subscription) {
	for raw := range sub.Messages() {
		var msg broadcastMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		c.handleBroadcast(msg)
	}
}

func (c *Coordinator) handleBroadcast(msg broadcastMessage) {
	switch msg.Event {
	case "ask_confirm":
		eta := msg.ETA
		if eta == "" && msg.ETAMinutes != nil {
			eta = fmt.Sprintf("%v minutes", msg.ETAMinutes)
		}
		c.deliverQuote(Quote{
			Fare:        msg.Fare,
			ETA:         eta,
			BookingRef:  msg.BookingRef,
			CallbackURL: msg.CallbackURL,
		})
	case "say":
		c.emit(Event{Type: EventSay, Message: msg.Message})
	case "confirm":
		c.emit(Event{Type: EventConfirmAck, Message: msg.Message, BookingRef: msg.BookingRef})
	case "hangup":
		c.emit(Event{Type: EventHangup, Message: msg.Message})
	}
}

// deliverQuote enforces "at most one delivered quote per call" and "no
// quotes once confirmed". Whichever of {real, fallback} arrives first wins;
// the other is silently dropped, and the fallback timer is unconditionally
// cancelled.
func (c *Coordinator) deliverQuote(q Quote) {
	c.mu.Lock()
	if c.quoteDelivered || c.bookingConfirmed {
		c.mu.Unlock()
		return
	}
	c.quoteDelivered = true
	c.quote = q
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
	}
	c.mu.Unlock()

	c.emit(Event{Type: EventQuote, Quote: q})
}

// Confirm POSTs the confirmed-action webhook and, if the delivered quote
// carried a callback URL, a confirmation envelope to it.
func (c *Coordinator) Confirm(ctx context.Context, booking BookingPayload) error {
	c.mu.Lock()
	if !c.quoteDelivered {
		c.mu.Unlock()
		return ErrNoQuote
	}
	if c.bookingConfirmed {
		c.mu.Unlock()
		return ErrAlreadyConfirmed
	}
	c.bookingConfirmed = true
	callbackURL := c.quote.CallbackURL
	c.mu.Unlock()

	booking.JobID = c.jobID
	booking.CallID = c.callID
	booking.Action = "confirmed"
	booking.Timestamp = time.Now().UTC().Format(time.RFC3339)

	if err := postJSON(ctx, c.http, c.webhookURL, booking); err != nil {
		return err
	}

	if callbackURL != "" {
		envelope := map[string]string{
			"event":       "confirmed",
			"call_id":     c.callID,
			"booking_ref": c.quote.BookingRef,
		}
		// A failed callback POST does not unwind the confirmation: the
		// primary webhook already recorded it.
		_ = postJSON(ctx, c.http, callbackURL, envelope)
	}
	return nil
}

// Cancel unsubscribes from the broadcast channel and disarms the fallback
// timer. Safe to call more than once.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.fallbackTimer != nil {
		c.fallbackTimer.Stop()
		c.fallbackTimer = nil
	}
	sub := c.sub
	cancelPump := c.cancelPump
	c.sub = nil
	c.cancelPump = nil
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
	if cancelPump != nil {
		cancelPump()
	}
}

func (c *Coordinator) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		// the engine must keep up with its own coordinator; a full buffer
		// here means it has stopped draining, in which case dropping is
		// preferable to blocking the broadcast pump goroutine forever.
	}
}
