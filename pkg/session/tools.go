package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ridebook/gateway/pkg/booking"
	"github.com/ridebook/gateway/pkg/dispatch"
	"github.com/ridebook/gateway/pkg/upstream"
)

// toolFollowUp is a response.create the handler wants issued once the
// function-call output for this turn has gone out on the wire. bypassSilence
// is set by handlers that just put the engine into silence mode themselves
// and need their own instructions to go out despite it.
type toolFollowUp struct {
	instructions  string
	bypassSilence bool
}

// handleFunctionCall always sends the function-call output before any
// response.create the handler asked for: every tool-call must be answered
// with its output first so the model can see the result before a new turn
// is unblocked.
func (e *Engine) handleFunctionCall(ctx context.Context, fc upstream.FunctionCallDone) {
	var args map[string]any
	if fc.Arguments != "" {
		if err := json.Unmarshal([]byte(fc.Arguments), &args); err != nil {
			e.logger.Warn("session: malformed tool arguments", "call_id", e.callID, "tool", fc.Name, "error", err)
			args = map[string]any{}
		}
	}

	var result map[string]any
	var followUp *toolFollowUp
	switch fc.Name {
	case "sync_booking_data":
		result = e.toolSyncBookingData(args)
	case "book_taxi":
		result, followUp = e.toolBookTaxi(ctx, args)
	case "cancel_booking":
		result = e.toolCancelBooking(args)
	case "end_call":
		result = e.toolEndCall(ctx, args)
	case "save_customer_name", "save_location", "find_nearby_places", "verify_booking":
		result = e.toolPassthrough(fc.Name, args)
	default:
		result = map[string]any{"ok": false, "error": "unknown tool"}
	}

	if err := e.upstream.SendFunctionCallOutput(ctx, fc.CallID, result); err != nil {
		e.logger.Warn("session: sending function call output failed", "call_id", e.callID, "tool", fc.Name, "error", err)
	}

	if followUp != nil {
		if followUp.bypassSilence {
			e.sendOrQueueResponse(ctx, followUp.instructions)
		} else {
			e.requestResponse(ctx, followUp.instructions)
		}
	}
}

func fieldFromName(name string) (booking.Field, bool) {
	switch name {
	case "pickup", "pickup_address":
		return booking.FieldPickup, true
	case "destination", "destination_address":
		return booking.FieldDestination, true
	case "passengers", "passenger_count":
		return booking.FieldPassengers, true
	case "time", "pickup_time":
		return booking.FieldTime, true
	}
	return "", false
}

// toolSyncBookingData lets the model push any field(s) it believes it has
// gathered; every write goes in at SourceToolArg, one rank below a corrected
// user transcript, so a later UserTruth write always wins a conflict. The
// result always names the field that was actually accepted (if any), the
// resulting booking snapshot, and the canonical instruction for the next
// question, so the model never has to guess what to ask next.
func (e *Engine) toolSyncBookingData(args map[string]any) map[string]any {
	// The advertised schema sends {"field": name, "value": v}; fold that
	// shape into the per-field form handled below.
	if name, ok := args["field"].(string); ok {
		args = map[string]any{name: args["value"]}
	}
	var fieldSaved string
	for key, raw := range args {
		field, ok := fieldFromName(key)
		if !ok {
			continue
		}
		if field == booking.FieldPassengers {
			switch v := raw.(type) {
			case float64:
				if e.store.SetPassengers(int(v), "", booking.SourceToolArg) {
					fieldSaved = string(field)
				}
			case string:
				if count, ok := parsePassengerCount(v); ok && e.store.SetPassengers(count, v, booking.SourceToolArg) {
					fieldSaved = string(field)
				}
			}
			continue
		}
		if s, ok := raw.(string); ok && s != "" {
			if e.store.SetField(field, s, booking.SourceToolArg) {
				fieldSaved = string(field)
			}
		}
	}
	e.schedulePersist()

	step := e.store.Step()
	b := e.store.Booking()
	return map[string]any{
		"success":       true,
		"field_saved":   fieldSaved,
		"current_state": b,
		"next_step":     string(step),
		"instruction":   booking.GetInstruction(step, b),
	}
}

// toolBookTaxi handles both phases of the dispatch handshake: a
// request_quote action kicks off the async quote request (gated by missing
// fields, an existing in-flight or delivered quote, and a short dedupe
// window against repeated tool calls); a confirmed action finalizes the
// booking with the dispatch backend, provided a quote was already delivered
// and the caller has not already confirmed. Any response.create the handler
// wants is returned as a followUp rather than sent here, so the caller can
// send the function-call output first.
func (e *Engine) toolBookTaxi(ctx context.Context, args map[string]any) (map[string]any, *toolFollowUp) {
	action, _ := args["action"].(string)

	switch action {
	case "confirmed":
		e.confirmedToolThisTurn = true
		if e.bookingConfirmed {
			return map[string]any{"ok": true, "already_confirmed": true}, nil
		}
		if !e.awaitingConfirmation || !e.quoteDelivered {
			return map[string]any{"ok": false, "error": "no quote has been delivered yet"}, nil
		}
		b := e.store.Booking()
		if missing := b.MissingRequiredFields(); len(missing) > 0 {
			return map[string]any{"ok": false, "error": "booking details incomplete"}, nil
		}

		payload := dispatch.BookingPayload{
			ADAPickup:       b.Pickup,
			ADADestination:  b.Destination,
			Passengers:      b.Passengers,
			PickupTime:      b.PickupTime,
			CallerPhone:     e.callerPhone,
			UserTranscripts: e.userTranscriptTexts(),
		}
		if err := e.dispatchCoord.Confirm(ctx, payload); err != nil {
			e.logger.Warn("session: dispatch confirm failed", "call_id", e.callID, "error", err)
			return map[string]any{"ok": false, "error": "could not confirm booking with dispatch"}, nil
		}

		e.bookingConfirmed = true
		e.awaitingConfirmation = false
		e.store.SetStep(booking.StepConfirmed)
		e.persistSnapshot(true)
		return map[string]any{"ok": true}, &toolFollowUp{instructions: closingScript(e.language)}

	default: // "request_quote" or empty
		if e.bookingConfirmed {
			return map[string]any{"ok": false, "error": "booking already confirmed"}, nil
		}
		if e.quoteInFlight || e.quoteDelivered {
			return map[string]any{"ok": false, "error": "a quote has already been requested for this call"}, nil
		}
		if !e.lastQuoteRequestAt.IsZero() && time.Since(e.lastQuoteRequestAt) < bookTaxiDedupeWindow {
			return map[string]any{"ok": false, "error": "quote request already in progress"}, nil
		}
		b := e.store.Booking()
		if missing := b.MissingRequiredFields(); len(missing) > 0 {
			return map[string]any{"ok": false, "error": "booking details incomplete", "missing": missing}, nil
		}

		e.quoteInFlight = true
		e.lastQuoteRequestAt = time.Now()
		e.silence = true

		payload := dispatch.BookingPayload{
			ADAPickup:       b.Pickup,
			ADADestination:  b.Destination,
			Passengers:      b.Passengers,
			PickupTime:      b.PickupTime,
			CallerPhone:     e.callerPhone,
			UserTranscripts: e.userTranscriptTexts(),
		}
		go func() {
			if err := e.dispatchCoord.RequestQuote(context.Background(), payload); err != nil {
				e.logger.Warn("session: dispatch request failed", "call_id", e.callID, "error", err)
			}
		}()
		return map[string]any{"ok": true, "status": "quote_requested"}, &toolFollowUp{
			instructions:  "Tell the caller you're checking on pricing and availability now, briefly, then stop talking.",
			bypassSilence: true,
		}
	}
}

// toolCancelBooking only honors a cancel when the caller's most recent
// transcript actually reads as cancel intent rather than an address
// correction that happens to contain a word like "stop"; this guards
// against the model calling the tool reflexively mid-correction.
func (e *Engine) toolCancelBooking(args map[string]any) map[string]any {
	if LooksLikeAddressCorrection(e.lastUserTranscript) && !HasCancelIntent(e.lastUserTranscript) {
		return map[string]any{"ok": false, "error": "ambiguous: does not look like a cancellation"}
	}
	if !HasCancelIntent(e.lastUserTranscript) {
		return map[string]any{"ok": false, "error": "no cancel intent detected in the caller's last statement"}
	}

	e.dispatchCoord.Cancel()
	e.quoteInFlight = false
	e.quoteDelivered = false
	e.awaitingConfirmation = false
	e.bookingConfirmed = false
	e.silence = false
	e.store = booking.NewStore()
	e.persistSnapshot(true)
	return map[string]any{"ok": true}
}

func (e *Engine) toolEndCall(ctx context.Context, args map[string]any) map[string]any {
	reason, _ := args["reason"].(string)
	e.persistSnapshot(true)
	e.timers.Start("end-call", 1*time.Second, func() { e.postTimer("end-call") })
	return map[string]any{"ok": true, "reason": reason}
}

// toolPassthrough covers the auxiliary tools whose effects are entirely on
// the model side (naming, location lookups, verification copy); the engine
// has no state of its own to update for them.
func (e *Engine) toolPassthrough(name string, args map[string]any) map[string]any {
	return map[string]any{"ok": true, "tool": name}
}
