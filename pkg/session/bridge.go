package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"
)

// BridgeConn is the telephony bridge's half of the proxy. WebSocketBridge is
// the production implementation over coder/websocket, the same library this
// repo's upstream client already uses; tests substitute a channel-backed
// fake.
type BridgeConn interface {
	WriteBinary(ctx context.Context, data []byte) error
	WriteJSON(ctx context.Context, v any) error
	// ReadMessage returns isBinary=true for a raw audio frame, false for a
	// JSON control envelope.
	ReadMessage(ctx context.Context) (isBinary bool, data []byte, err error)
	Close() error
}

// WebSocketBridge wraps a *websocket.Conn as a BridgeConn.
type WebSocketBridge struct {
	conn *websocket.Conn
}

// NewWebSocketBridge wraps an already-upgraded connection.
func NewWebSocketBridge(conn *websocket.Conn) *WebSocketBridge {
	conn.SetReadLimit(8 << 20)
	return &WebSocketBridge{conn: conn}
}

func (b *WebSocketBridge) WriteBinary(ctx context.Context, data []byte) error {
	return b.conn.Write(ctx, websocket.MessageBinary, data)
}

func (b *WebSocketBridge) WriteJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bridge: marshal outbound message: %w", err)
	}
	return b.conn.Write(ctx, websocket.MessageText, data)
}

func (b *WebSocketBridge) ReadMessage(ctx context.Context) (bool, []byte, error) {
	kind, data, err := b.conn.Read(ctx)
	if err != nil {
		return false, nil, err
	}
	return kind == websocket.MessageBinary, data, nil
}

func (b *WebSocketBridge) Close() error {
	return b.conn.Close(websocket.StatusNormalClosure, "")
}

// Inbound bridge message shapes.

type inboundEnvelope struct {
	Type string `json:"type"`
}

type initMessage struct {
	CallID            string `json:"call_id"`
	Phone             string `json:"phone"`
	InboundFormat     string `json:"inbound_format"`
	InboundSampleRate int    `json:"inbound_sample_rate"`
	Resume            bool   `json:"resume"`
	ResumeCallID      string `json:"resume_call_id"`
}

type preConnectMessage struct {
	CallID   string `json:"call_id"`
	Phone    string `json:"phone"`
	Language string `json:"language"`
}

type audioEnvelopeMessage struct {
	Audio      string `json:"audio"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
}

type appendAudioMessage struct {
	Audio string `json:"audio"`
}

// Outbound bridge message shapes.

type sessionReadyOut struct {
	Type     string `json:"type"`
	Pipeline string `json:"pipeline"`
}

type audioTextOut struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type transcriptOut struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Role string `json:"role"`
}

type aiInterruptedOut struct {
	Type string `json:"type"`
}

type stopAudioOut struct {
	Type string `json:"type"`
}

type hangupOut struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type keepaliveOut struct {
	Type string `json:"type"`
}

type errorOut struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func decodeBase64Audio(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
