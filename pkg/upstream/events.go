// Package upstream is a thin client for the upstream Realtime conversational
// API: wide-band PCM16 audio in, synthesized audio + streamed transcripts +
// function-call requests out. The wire shape mirrors the OpenAI Realtime API
// event protocol, grounded in
// other_examples/fd1d95cd_haivivi-giztoy__go-pkg-openai-realtime-session.go.go
// and other_examples/d1a0eb9e_Mliviu79-openai-realtime-go, transported over
// coder/websocket as the rest of this repo's stack already does.
package upstream

import "encoding/json"

// EventType is the discriminator on every server/client event envelope.
type EventType string

const (
	// Server -> client events the session engine reacts to.
	EventSessionCreated           EventType = "session.created"
	EventSessionUpdated           EventType = "session.updated"
	EventResponseCreated          EventType = "response.created"
	EventResponseDone             EventType = "response.done"
	EventResponseAudioDelta       EventType = "response.audio.delta"
	EventResponseAudioDone        EventType = "response.audio.done"
	EventResponseTranscriptDelta  EventType = "response.audio_transcript.delta"
	EventResponseTranscriptDone   EventType = "response.audio_transcript.done"
	EventUserTranscriptCompleted  EventType = "conversation.item.input_audio_transcription.completed"
	EventFunctionCallDone         EventType = "response.function_call_arguments.done"
	EventSpeechStarted            EventType = "input_audio_buffer.speech_started"
	EventSpeechStopped            EventType = "input_audio_buffer.speech_stopped"
	EventError                    EventType = "error"

	// Client -> server events the engine sends.
	EventSessionUpdate       EventType = "session.update"
	EventInputAudioAppend    EventType = "input_audio_buffer.append"
	EventInputAudioClear     EventType = "input_audio_buffer.clear"
	EventConversationCreate  EventType = "conversation.item.create"
	EventResponseCreate      EventType = "response.create"
	EventResponseCancel      EventType = "response.cancel"
)

// typeEnvelope sniffs just the discriminator field out of a raw server
// message; callers then re-decode the same bytes into the specific struct
// for that Type. Unknown types are logged and dropped by the session engine
// rather than rejected here.
type typeEnvelope struct {
	Type EventType `json:"type"`
}

// PeekType extracts the discriminator from a raw server message.
func PeekType(raw json.RawMessage) (EventType, error) {
	var env typeEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// ResponseAudioDelta carries one base64-free chunk of assistant PCM16 audio.
type ResponseAudioDelta struct {
	Delta []byte `json:"delta"`
}

// TranscriptDelta carries one streamed chunk of transcript text, for either
// the assistant's own speech or a live partial of the caller's speech.
type TranscriptDelta struct {
	Delta string `json:"delta"`
}

// TranscriptDone carries the finalized transcript text for a turn.
type TranscriptDone struct {
	Transcript string `json:"transcript"`
}

// UserTranscriptCompleted is the finalized caller transcript for one turn.
type UserTranscriptCompleted struct {
	Transcript string `json:"transcript"`
}

// FunctionCallDone carries one completed tool invocation's name, call id and
// raw JSON arguments.
type FunctionCallDone struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ErrorDetail carries an upstream-reported error code/message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransientErrorCodes are upstream error codes the engine suppresses and
// logs rather than treating as fatal.
var TransientErrorCodes = map[string]bool{
	"response_cancel_not_active": true,
}

// SessionConfig is sent on session.update: language-aware prompt, voice,
// audio formats, transcription model, VAD thresholds, and the tool schema.
type SessionConfig struct {
	Instructions            string         `json:"instructions"`
	Voice                   string         `json:"voice"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription map[string]any `json:"input_audio_transcription"`
	TurnDetection           TurnDetection  `json:"turn_detection"`
	Tools                   []ToolSpec     `json:"tools"`
	ToolChoice              string         `json:"tool_choice"`
	Temperature             float64        `json:"temperature"`
	Modalities              []string       `json:"modalities"`
}

// TurnDetection is the server-VAD configuration block.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

// ToolSpec is one entry in the tool schema advertised to the model.
type ToolSpec struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// DefaultTurnDetection returns the production server-VAD tuning.
func DefaultTurnDetection() TurnDetection {
	return TurnDetection{
		Type:              "server_vad",
		Threshold:         0.5,
		PrefixPaddingMs:   300,
		SilenceDurationMs: 1000,
	}
}

// ToolNames are the exact tool names the upstream model must be offered.
var ToolNames = []string{
	"sync_booking_data",
	"book_taxi",
	"cancel_booking",
	"end_call",
	"save_customer_name",
	"save_location",
	"find_nearby_places",
	"verify_booking",
}
