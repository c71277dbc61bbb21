package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ridebook/gateway/pkg/audiocodec"
	"github.com/ridebook/gateway/pkg/booking"
	"github.com/ridebook/gateway/pkg/dispatch"
	"github.com/ridebook/gateway/pkg/protection"
	"github.com/ridebook/gateway/pkg/transcriptnorm"
	"github.com/ridebook/gateway/pkg/upstream"
)

func (e *Engine) handleBridgeBinary(ctx context.Context, data []byte) {
	if len(data) == 160 || len(data) == 320 {
		e.ingestAudio(ctx, audiocodec.DecodeUlaw(data), 8000)
		return
	}
	samples, err := audiocodec.BytesToPCM16(data)
	if err != nil {
		e.logger.Warn("session: dropped malformed audio frame", "call_id", e.callID, "error", err)
		return
	}
	e.ingestAudio(ctx, samples, e.inboundSampleRate)
}

func (e *Engine) handleBridgeJSON(ctx context.Context, data []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		e.logger.Warn("session: malformed bridge message", "call_id", e.callID, "error", err)
		return
	}

	switch env.Type {
	case "init":
		var msg initMessage
		_ = json.Unmarshal(data, &msg)
		e.handleInit(ctx, msg)
	case "pre_connect":
		var msg preConnectMessage
		_ = json.Unmarshal(data, &msg)
		if e.callID == "" {
			e.callID = msg.CallID
		}
		if e.callerPhone == "" {
			e.callerPhone = msg.Phone
		}
		if msg.Language != "" {
			e.language = msg.Language
		}
	case "audio":
		e.legacyAudioEnvelope = true
		var msg audioEnvelopeMessage
		_ = json.Unmarshal(data, &msg)
		raw, err := decodeBase64Audio(msg.Audio)
		if err != nil {
			e.logger.Warn("session: malformed base64 audio envelope", "call_id", e.callID, "error", err)
			return
		}
		rate := msg.SampleRate
		if rate == 0 {
			rate = e.inboundSampleRate
		}
		if msg.Format == "ulaw" {
			e.ingestAudio(ctx, audiocodec.DecodeUlaw(raw), 8000)
			return
		}
		samples, err := audiocodec.BytesToPCM16(raw)
		if err != nil {
			e.logger.Warn("session: dropped malformed base64 audio", "call_id", e.callID, "error", err)
			return
		}
		e.ingestAudio(ctx, samples, rate)
	case "input_audio_buffer.append":
		var msg appendAudioMessage
		_ = json.Unmarshal(data, &msg)
		raw, err := decodeBase64Audio(msg.Audio)
		if err != nil {
			e.logger.Warn("session: malformed pre-encoded audio", "call_id", e.callID, "error", err)
			return
		}
		samples, err := audiocodec.BytesToPCM16(raw)
		if err != nil {
			e.logger.Warn("session: dropped malformed pre-encoded audio", "call_id", e.callID, "error", err)
			return
		}
		e.ingestAudio(ctx, samples, 24000)
	case "update_phone":
		var msg struct {
			Phone string `json:"phone"`
		}
		_ = json.Unmarshal(data, &msg)
		e.callerPhone = msg.Phone
	case "update_format", "gps_update":
		// late metadata the engine logs but does not otherwise act on.
		e.logger.Debug("session: late metadata update", "call_id", e.callID, "type", env.Type)
	case "hangup":
		e.finalizeClose(ctx, "bridge_hangup")
	case "keepalive_ack":
		// heartbeat acknowledged; nothing to do.
	default:
		e.logger.Debug("session: unknown bridge message type", "call_id", e.callID, "type", env.Type)
	}
}

func (e *Engine) handleInit(ctx context.Context, msg initMessage) {
	e.callID = msg.CallID
	e.callerPhone = msg.Phone
	if msg.InboundSampleRate > 0 {
		e.inboundSampleRate = msg.InboundSampleRate
	}
	if msg.Resume {
		e.logger.Warn("session: resume requested for a call with no live subscription; starting fresh",
			"call_id", e.callID, "resume_call_id", msg.ResumeCallID)
	}
	e.gotInit = true
	e.windows.StartGreeting(time.Now())
	_ = e.bridge.WriteJSON(ctx, sessionReadyOut{Type: "session_ready", Pipeline: "realtime"})
}

// ingestAudio is the shared tail of every inbound-audio path: resample to
// 24kHz, apply auto-gain, apply protection/barge-in decisions, then forward
// upstream in receive order.
func (e *Engine) ingestAudio(ctx context.Context, samples []int16, rate int) {
	if rate != 24000 {
		samples = audiocodec.Resample(samples, rate)
	}
	samples = audiocodec.AutoGain(samples)
	rms := audiocodec.RMS(samples)
	now := time.Now()

	inConfirmation := e.store.Step() == booking.StepConfirmation
	if e.windows.ShouldDropInbound(now, inConfirmation, e.awaitingConfirmation) {
		return
	}

	if e.responseActive && !e.bargedInThisResponse && e.windows.ShouldBargeIn(now, e.responseActive, rms) {
		e.bargedInThisResponse = true
		_ = e.upstream.CancelResponse(ctx)
		_ = e.bridge.WriteJSON(ctx, aiInterruptedOut{Type: "ai_interrupted"})
		_ = e.bridge.WriteJSON(ctx, stopAudioOut{Type: "stop_audio"})
	}

	_ = e.upstream.AppendAudio(ctx, audiocodec.PCM16ToBytes(samples))
}

func (e *Engine) handleUpstreamEvent(ctx context.Context, t upstream.EventType, raw json.RawMessage) {
	switch t {
	case upstream.EventSessionCreated:
		cfg := e.BuildSessionConfig()
		if err := e.upstream.UpdateSession(ctx, cfg); err != nil {
			e.logger.Warn("session: session.update failed", "call_id", e.callID, "error", err)
		}
		e.timers.Start("greeting-fallback", 2*time.Second, func() { e.postTimer("greeting-fallback") })

	case upstream.EventSessionUpdated:
		e.sendGreeting(ctx)

	case upstream.EventResponseCreated:
		e.responseActive = true
		e.audioStartedThisResponse = false
		e.bargedInThisResponse = false

	case upstream.EventResponseDone:
		e.responseActive = false
		e.confirmedToolThisTurn = false
		e.transcriptAcc.Reset()
		if e.pendingResponseInstr != nil {
			instr := *e.pendingResponseInstr
			e.pendingResponseInstr = nil
			e.sendOrQueueResponse(ctx, instr)
		}

	case upstream.EventResponseAudioDelta:
		var delta upstream.ResponseAudioDelta
		if err := json.Unmarshal(raw, &delta); err == nil {
			if e.legacyAudioEnvelope {
				_ = e.bridge.WriteJSON(ctx, audioTextOut{Type: "audio", Audio: base64.StdEncoding.EncodeToString(delta.Delta)})
			} else {
				_ = e.bridge.WriteBinary(ctx, delta.Delta)
			}
		}
		if !e.audioStartedThisResponse {
			e.audioStartedThisResponse = true
			e.windows.StartLeadIn(time.Now())
		}

	case upstream.EventResponseAudioDone:
		e.windows.StartEchoGuard(time.Now())

	case upstream.EventResponseTranscriptDelta:
		var delta upstream.TranscriptDelta
		if err := json.Unmarshal(raw, &delta); err == nil {
			e.transcriptAcc.WriteString(delta.Delta)
			e.runAssistantGuards(ctx)
		}

	case upstream.EventResponseTranscriptDone:
		var done upstream.TranscriptDone
		_ = json.Unmarshal(raw, &done)
		text := done.Transcript
		if text == "" {
			text = e.transcriptAcc.String()
		}
		e.appendTranscript(RoleAssistant, text)
		e.schedulePersist()
		if step, ok := ClassifyQuestion(text); ok {
			if !booking.Less(step, e.store.Step()) {
				e.store.SetStep(step)
			}
		}
		if IsSilenceCue(text) {
			e.silence = true
		}
		_ = e.bridge.WriteJSON(ctx, transcriptOut{Type: "transcript", Text: text, Role: "assistant"})

	case upstream.EventUserTranscriptCompleted:
		var completed upstream.UserTranscriptCompleted
		_ = json.Unmarshal(raw, &completed)
		e.handleUserTranscript(ctx, completed.Transcript)

	case upstream.EventSpeechStarted:
		e.questionSnapshot = e.store.Step()
		e.hasQuestionSnapshot = true

	case upstream.EventSpeechStopped:
		// Purely informational: the snapshot captured at speech-start already
		// carries everything needed once the completed transcript arrives.

	case upstream.EventFunctionCallDone:
		var fc upstream.FunctionCallDone
		_ = json.Unmarshal(raw, &fc)
		e.handleFunctionCall(ctx, fc)

	case upstream.EventError:
		var detail upstream.ErrorDetail
		_ = json.Unmarshal(raw, &detail)
		if upstream.TransientErrorCodes[detail.Code] {
			e.logger.Warn("session: transient upstream error suppressed", "call_id", e.callID, "code", detail.Code)
			return
		}
		e.logger.Error("session: fatal upstream error", "call_id", e.callID, "code", detail.Code, "message", detail.Message)
		_ = e.bridge.WriteJSON(ctx, errorOut{Type: "error", Message: detail.Message})
		e.closed = true

	default:
		e.logger.Debug("session: unhandled upstream event", "call_id", e.callID, "type", string(t))
	}
}

func (e *Engine) schedulePersist() {
	e.persistSnapshot(false)
}

// handleUserTranscript is the heart of the dialog's text-side logic:
// normalize, drop phantoms, bind to the question that was active at
// speech-start, route corrections and confirmation answers, then nudge the
// model with a context-pairing note.
func (e *Engine) handleUserTranscript(ctx context.Context, raw string) {
	normalized := transcriptnorm.Correct(transcriptnorm.JoinAlphaNumeric(raw))
	if transcriptnorm.IsPhantom(normalized) {
		e.logger.Debug("session: dropped phantom transcript", "call_id", e.callID, "text", raw)
		return
	}

	e.appendTranscript(RoleUser, normalized)
	e.lastUserTranscript = normalized
	e.schedulePersist()

	if e.bookingConfirmed {
		lower := strings.ToLower(normalized)
		if !strings.Contains(lower, "new booking") && !HasCancelIntent(normalized) {
			_ = e.upstream.InjectSystemNote(ctx, "The caller's booking is already confirmed; give a brief acknowledgement or say goodbye. Do not ask booking questions again.")
			e.requestResponse(ctx, "")
			return
		}
	}

	effectiveStep := e.store.Step()
	if e.hasQuestionSnapshot {
		effectiveStep = e.questionSnapshot
		e.hasQuestionSnapshot = false
	}

	if effectiveStep == booking.StepConfirmation {
		e.handleConfirmationAnswer(ctx, normalized)
		return
	}

	if corrected, ok := ExtractCorrection(normalized); ok {
		e.routeAnswer(effectiveStep, corrected)
	} else {
		e.routeAnswer(effectiveStep, normalized)
	}

	note := fmt.Sprintf("The caller was asked about %s and answered %q.", effectiveStep, normalized)
	_ = e.upstream.InjectSystemNote(ctx, note)
	e.requestResponse(ctx, "")
}

func (e *Engine) routeAnswer(step booking.Step, value string) {
	switch step {
	case booking.StepPickup:
		e.store.SetField(booking.FieldPickup, value, booking.SourceUserTruth)
	case booking.StepDestination:
		e.store.SetField(booking.FieldDestination, value, booking.SourceUserTruth)
	case booking.StepPassengers:
		if count, ok := parsePassengerCount(value); ok {
			e.store.SetPassengers(count, value, booking.SourceUserTruth)
		}
	case booking.StepTime:
		v := value
		lower := strings.ToLower(value)
		if strings.Contains(lower, "now") || strings.Contains(lower, "asap") || strings.Contains(lower, "as soon as possible") {
			v = booking.ASAP
		}
		e.store.SetField(booking.FieldTime, v, booking.SourceUserTruth)
	}
}

func (e *Engine) handleConfirmationAnswer(ctx context.Context, text string) {
	affirmative, ok := YesNo(text)
	if !ok {
		_ = e.upstream.InjectSystemNote(ctx, "The caller's confirmation answer was unclear; politely ask them to say yes or no.")
		e.requestResponse(ctx, "")
		return
	}
	if !affirmative {
		_ = e.upstream.InjectSystemNote(ctx, "The caller did not confirm; ask what they would like to change.")
		e.requestResponse(ctx, "")
		return
	}

	if e.awaitingConfirmation {
		_ = e.upstream.InjectSystemNote(ctx, "The caller accepted the quote. Call book_taxi with action confirmed now.")
	} else {
		_ = e.upstream.InjectSystemNote(ctx, "The caller confirmed the booking summary. Call book_taxi with action request_quote now.")
	}
	e.requestResponse(ctx, "")
}

func (e *Engine) handleDispatchEvent(ctx context.Context, ev dispatch.Event) {
	switch ev.Type {
	case dispatch.EventQuote:
		e.quoteInFlight = false
		e.quoteDelivered = true
		e.lastQuote = ev.Quote
		e.awaitingConfirmation = true
		e.exitSilence()
		now := time.Now()
		e.windows.StartBargeInCooldown(now)
		e.windows.StartSummary(now, protection.SummaryBookingConfirm)
		instructions := fmt.Sprintf("Tell the caller: The trip fare will be %s, and the estimated arrival time is %s. Then ask them to confirm.", ev.Quote.Fare, ev.Quote.ETA)
		e.requestResponse(ctx, instructions)
		e.schedulePersist()

	case dispatch.EventSay:
		e.requestResponse(ctx, ev.Message)

	case dispatch.EventConfirmAck:
		e.logger.Debug("session: dispatch confirm acknowledged", "call_id", e.callID, "booking_ref", ev.BookingRef)

	case dispatch.EventHangup:
		e.windows.StartSummary(time.Now(), protection.SummaryGoodbye)
		e.requestResponse(ctx, ev.Message)
		e.timers.Start("end-call", protection.GoodbyeDuration+endCallBuffer, func() { e.postTimer("end-call") })

	case dispatch.EventWebhookFailed:
		e.quoteInFlight = false
		e.exitSilence()
		e.requestResponse(ctx, "Apologize that you're having trouble reaching dispatch right now and offer to try again shortly.")
	}
}

// parsePassengerCount accepts either a digit string or a small English
// number word.
func parsePassengerCount(text string) (int, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if n, err := strconv.Atoi(trimmed); err == nil {
		return n, true
	}
	words := map[string]int{
		"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
		"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	}
	for word, n := range words {
		if strings.Contains(trimmed, word) {
			return n, true
		}
	}
	return 0, false
}
