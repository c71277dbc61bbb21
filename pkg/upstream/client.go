package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Client is a connection to the upstream Realtime API for exactly one call.
// It is owned and written to only by the session engine's actor goroutine.
type Client struct {
	conn *websocket.Conn
}

// Dial opens the upstream WebSocket connection. opts carries authentication
// (e.g. an API key) the way coder/websocket.DialOptions expects it.
func Dial(ctx context.Context, url string, opts *websocket.DialOptions) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("upstream: dial failed: %w", err)
	}
	conn.SetReadLimit(32 << 20) // audio deltas can be large base64 blobs
	return &Client{conn: conn}, nil
}

// Close closes the upstream connection with a normal closure status.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// ReadEvent blocks for the next server event and returns its discriminator
// plus the raw message bytes for further decoding.
func (c *Client) ReadEvent(ctx context.Context) (EventType, json.RawMessage, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return "", nil, err
	}
	raw := json.RawMessage(data)
	t, err := PeekType(raw)
	if err != nil {
		return "", raw, err
	}
	return t, raw, nil
}

func (c *Client) send(ctx context.Context, msg any) error {
	if err := wsjson.Write(ctx, c.conn, msg); err != nil {
		return fmt.Errorf("upstream: send failed: %w", err)
	}
	return nil
}

// UpdateSession sends session.update with the language-aware system prompt,
// voice, audio formats, transcription model, VAD thresholds, tool schema and
// tool_choice=auto. Sent exactly once per call, right after session.created.
func (c *Client) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	return c.send(ctx, map[string]any{
		"type":    EventSessionUpdate,
		"session": cfg,
	})
}

// AppendAudio appends a chunk of PCM16 @24kHz audio to the upstream input
// buffer. Callers must call this from the single engine goroutine to
// preserve receive order.
func (c *Client) AppendAudio(ctx context.Context, pcm16 []byte) error {
	return c.send(ctx, map[string]any{
		"type":  EventInputAudioAppend,
		"audio": pcm16,
	})
}

// ClearInputAudio empties the upstream input buffer, used by the
// anti-hallucination guards to discard audio tied to a cancelled response.
func (c *Client) ClearInputAudio(ctx context.Context) error {
	return c.send(ctx, map[string]any{"type": EventInputAudioClear})
}

// InjectSystemNote adds a system-role conversation item the model will see
// on its next turn, used for context-pairing notes and anti-hallucination
// corrections.
func (c *Client) InjectSystemNote(ctx context.Context, text string) error {
	return c.send(ctx, map[string]any{
		"type": EventConversationCreate,
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// CreateResponse requests the model generate a response. When instructions
// is non-empty it is passed as a one-shot override so the model says exactly
// that and nothing else (used by the price/ETA corrective response and the
// "one moment" silence-mode acknowledgement).
func (c *Client) CreateResponse(ctx context.Context, instructions string) error {
	payload := map[string]any{"type": EventResponseCreate}
	if instructions != "" {
		payload["response"] = map[string]any{"instructions": instructions}
	}
	return c.send(ctx, payload)
}

// CancelResponse cancels the in-flight assistant response, used by the
// barge-in and anti-hallucination guards.
func (c *Client) CancelResponse(ctx context.Context) error {
	return c.send(ctx, map[string]any{"type": EventResponseCancel})
}

// SendFunctionCallOutput answers a tool call with its structured result
// before any subsequent response.create for that turn.
func (c *Client) SendFunctionCallOutput(ctx context.Context, callID string, output any) error {
	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("upstream: marshal function_call_output: %w", err)
	}
	return c.send(ctx, map[string]any{
		"type": EventConversationCreate,
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  string(encoded),
		},
	})
}
