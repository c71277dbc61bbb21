package session

import (
	"context"

	"github.com/ridebook/gateway/pkg/transcriptnorm"
)

// runAssistantGuards inspects the transcript accumulated so far for the
// current assistant turn and cancels the response in progress if it trips
// either anti-hallucination guard. Called on every transcript delta so the
// cut happens mid-sentence rather than after the model has finished talking.
func (e *Engine) runAssistantGuards(ctx context.Context) {
	text := e.transcriptAcc.String()
	if text == "" {
		return
	}

	if transcriptnorm.IsPriceOrETAHallucination(text, e.quoteDelivered) {
		e.priceGuardTrip(ctx)
		return
	}

	if !e.confirmedToolThisTurn && IsConfirmationPhrase(text) {
		e.confirmationGuardTrip(ctx)
	}
}

// priceGuardTrip fires when the model states a fare or ETA before a real
// quote has been delivered for the call: cancel the in-flight response, drop
// whatever audio the caller already heard, clear the upstream input buffer
// so nothing half-spoken leaks into the next turn, inject the corrective
// note, and request exactly that one corrective response. The engine then
// stays in silence mode — requestResponse becomes a no-op — until a real or
// fallback quote arrives and exitSilence runs.
func (e *Engine) priceGuardTrip(ctx context.Context) {
	e.cancelResponseAndNote(ctx, "You do not know the fare yet. Say only: I'm just checking that for you now.")
	_ = e.upstream.ClearInputAudio(ctx)
	e.silence = true
	e.sendOrQueueResponse(ctx, "Say exactly: I'm just checking that for you now.")
}

// confirmationGuardTrip fires when the model tells the caller their booking
// is confirmed without having actually called book_taxi(confirmed) this
// turn. Unlike priceGuardTrip this does not enter silence mode: the fix is
// to immediately make the model call the tool for real, not to wait.
func (e *Engine) confirmationGuardTrip(ctx context.Context) {
	e.cancelResponseAndNote(ctx, "You told the caller their booking was confirmed but did not call book_taxi with action confirmed. Call it now before saying anything else.")
	e.requestResponse(ctx, "")
}

// cancelResponseAndNote cancels the response in progress, clears any audio
// the caller has already started hearing, removes the in-progress assistant
// transcript entry (it must never be treated as something actually said),
// and injects a corrective system note for the next response.
func (e *Engine) cancelResponseAndNote(ctx context.Context, note string) {
	_ = e.upstream.CancelResponse(ctx)
	_ = e.bridge.WriteJSON(ctx, aiInterruptedOut{Type: "ai_interrupted"})
	_ = e.bridge.WriteJSON(ctx, stopAudioOut{Type: "stop_audio"})
	e.transcriptAcc.Reset()
	e.responseActive = false
	_ = e.upstream.InjectSystemNote(ctx, note)
}
