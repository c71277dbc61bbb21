package session

import (
	"fmt"

	"github.com/ridebook/gateway/pkg/upstream"
)

// versionTag is spoken at the start of the greeting so call recordings can
// be matched back to the engine build that handled them.
const versionTag = "v1"

// Config carries the process-wide, per-language tunables the session engine
// needs to build an upstream session and greeting. It is initialized once at
// startup and shared read-only across calls.
type Config struct {
	Voice             string
	InputAudioFormat  string
	OutputAudioFormat string
	Temperature       float64
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Voice:             "alloy",
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Temperature:       0.6,
	}
}

func systemPrompt(language string) string {
	base := "You are a taxi booking assistant speaking with a caller over the phone. " +
		"Collect, in order, their pickup address, destination, number of passengers, and pickup time. " +
		"Use the sync_booking_data tool every time you learn a field. Never state a fare or arrival time " +
		"unless you have just received it from book_taxi's result. Ask exactly one question at a time."
	if language != "" && language != "auto" {
		return fmt.Sprintf("%s Respond in the language with ISO code %q unless the caller switches language first.", base, language)
	}
	return base
}

func greetingInstruction() string {
	return fmt.Sprintf("Say %q, then greet the caller warmly, then ask for their pickup address.", versionTag)
}

// toolDescriptions/toolParameters hold the JSON-Schema body for each name in
// upstream.ToolNames; toolSchema assembles the two by name from that list
// rather than duplicating it. handleFunctionCall dispatches on its own
// literal tool names.
var toolDescriptions = map[string]string{
	"sync_booking_data":  "Record a booking field the caller just confirmed.",
	"book_taxi":          "Request a fare quote, or confirm the booking once the caller accepts the quote.",
	"cancel_booking":     "Cancel the in-progress booking, only when the caller explicitly asks to.",
	"end_call":           "End the call after the closing script has been spoken.",
	"save_customer_name": "Record the caller's name if offered.",
	"save_location":      "Record a named place (home, work, a saved favourite) for reuse in a future call.",
	"find_nearby_places": "Look up points of interest near a named area, to help disambiguate a vague pickup/destination.",
	"verify_booking":     "Read back the current booking snapshot for the assistant to double-check before confirming.",
}

var toolParameters = map[string]map[string]any{
	"sync_booking_data": {
		"type": "object",
		"properties": map[string]any{
			"field":             map[string]any{"type": "string", "enum": []string{"pickup", "destination", "passengers", "time"}},
			"value":             map[string]any{"type": "string"},
			"is_field_complete": map[string]any{"type": "boolean"},
		},
		"required": []string{"field", "value"},
	},
	"book_taxi": {
		"type": "object",
		"properties": map[string]any{
			"action": map[string]any{"type": "string", "enum": []string{"request_quote", "confirmed"}},
		},
		"required": []string{"action"},
	},
	"cancel_booking": {"type": "object", "properties": map[string]any{}},
	"end_call":       {"type": "object", "properties": map[string]any{}},
	"save_customer_name": {
		"type":       "object",
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
	},
	"save_location": {
		"type": "object",
		"properties": map[string]any{
			"label":   map[string]any{"type": "string"},
			"address": map[string]any{"type": "string"},
		},
	},
	"find_nearby_places": {
		"type":       "object",
		"properties": map[string]any{"query": map[string]any{"type": "string"}},
	},
	"verify_booking": {"type": "object", "properties": map[string]any{}},
}

// toolSchema builds the JSON-Schema-shaped tool definitions advertised to
// the upstream model, one per name in upstream.ToolNames.
func toolSchema() []upstream.ToolSpec {
	specs := make([]upstream.ToolSpec, 0, len(upstream.ToolNames))
	for _, name := range upstream.ToolNames {
		specs = append(specs, upstream.ToolSpec{
			Type:        "function",
			Name:        name,
			Description: toolDescriptions[name],
			Parameters:  toolParameters[name],
		})
	}
	return specs
}

// BuildSessionConfig assembles the upstream.SessionConfig sent on
// session-created.
func (e *Engine) BuildSessionConfig() upstream.SessionConfig {
	return upstream.SessionConfig{
		Instructions:      systemPrompt(e.language),
		Voice:             e.config.Voice,
		InputAudioFormat:  e.config.InputAudioFormat,
		OutputAudioFormat: e.config.OutputAudioFormat,
		InputAudioTranscription: map[string]any{
			"model": "whisper-1",
		},
		TurnDetection: upstream.DefaultTurnDetection(),
		Tools:         toolSchema(),
		ToolChoice:    "auto",
		Temperature:   e.config.Temperature,
		Modalities:    []string{"audio", "text"},
	}
}
