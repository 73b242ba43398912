package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates tunnel frames.
type MessageType string

const (
	// Relay to client.
	TypeTunnelEstablished MessageType = "tunnel_established"
	TypeRequest           MessageType = "request"
	TypePing              MessageType = "ping"
	TypeError             MessageType = "error"
	TypeURLChanged        MessageType = "url_changed"

	// Client to relay.
	TypeResponse MessageType = "response"
	TypePong     MessageType = "pong"
)

// ErrUnknownMessageType is returned by DecodeServerMessage for frames whose
// type is not one the relay is allowed to send.
var ErrUnknownMessageType = errors.New("unknown message type")

// TunnelEstablished completes the handshake and advertises the public URL.
type TunnelEstablished struct {
	Type      MessageType `json:"type"`
	URL       string      `json:"url"`
	ExpiresAt string      `json:"expiresAt,omitempty"`
}

// Request is an inbound call forwarded by the relay.
type Request struct {
	Type      MessageType       `json:"type"`
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers"`
	Body      json.RawMessage   `json:"body,omitempty"`
}

// Ping is a relay heartbeat. The client answers with a Pong echoing Timestamp.
type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorMessage is a non-fatal notice from the relay. It never closes the
// connection on its own.
type ErrorMessage struct {
	Type    MessageType     `json:"type"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

// URLChanged reports that the relay reassigned the public URL of a live tunnel.
type URLChanged struct {
	Type   MessageType `json:"type"`
	OldURL string      `json:"oldUrl"`
	NewURL string      `json:"newUrl"`
}

// Response answers a Request.
type Response struct {
	Type       MessageType       `json:"type"`
	RequestID  string            `json:"requestId"`
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       json.RawMessage   `json:"body,omitempty"`
}

// Pong answers a Ping.
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// Envelope wraps every client to relay frame.
type Envelope struct {
	Event MessageType `json:"event"`
	Data  any         `json:"data"`
}

// NewResponseEnvelope builds the frame answering requestID.
func NewResponseEnvelope(requestID string, statusCode int, headers map[string]string, body json.RawMessage) Envelope {
	if headers == nil {
		headers = map[string]string{}
	}
	return Envelope{
		Event: TypeResponse,
		Data: Response{
			Type:       TypeResponse,
			RequestID:  requestID,
			StatusCode: statusCode,
			Headers:    headers,
			Body:       body,
		},
	}
}

// NewPongEnvelope builds the frame answering a ping.
func NewPongEnvelope(timestamp int64) Envelope {
	return Envelope{
		Event: TypePong,
		Data:  Pong{Type: TypePong, Timestamp: timestamp},
	}
}

// DecodeServerMessage parses a relay frame into one of *TunnelEstablished,
// *Request, *Ping, *ErrorMessage or *URLChanged.
func DecodeServerMessage(data []byte) (any, error) {
	var head struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to decode tunnel frame: %w", err)
	}

	var msg any
	switch head.Type {
	case TypeTunnelEstablished:
		msg = &TunnelEstablished{}
	case TypeRequest:
		msg = &Request{}
	case TypePing:
		msg = &Ping{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypeURLChanged:
		msg = &URLChanged{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, head.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s frame: %w", head.Type, err)
	}
	return msg, nil
}
