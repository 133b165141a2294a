// Package wire defines the framed message protocol spoken over the
// broker<->agent control channel: a discriminated JSON union of the ten
// message kinds (auth, unary request/response, streaming, heartbeat).
package wire

import (
	"encoding/json"
	"fmt"
)

// Type is the wire discriminator carried by every frame.
type Type string

const (
	TypeAuth        Type = "AUTH"
	TypeAuthOK      Type = "AUTH_OK"
	TypeAuthError   Type = "AUTH_ERROR"
	TypeRequest     Type = "REQUEST"
	TypeResponse    Type = "RESPONSE"
	TypeStreamStart Type = "STREAM_START"
	TypeStreamChunk Type = "STREAM_CHUNK"
	TypeStreamEnd   Type = "STREAM_END"
	TypePing        Type = "PING"
	TypePong        Type = "PONG"
)

// MaxFrameBytes is the default per-frame size ceiling; frames larger than
// this are rejected and the session is closed with a protocol error.
const MaxFrameBytes = 8 * 1024 * 1024

// Auth is sent once by the agent immediately after the websocket handshake.
type Auth struct {
	Token         string `json:"token"`
	ClientVersion string `json:"client_version,omitempty"`
	Force         bool   `json:"force,omitempty"`
}

// AuthOK confirms a successful bind and tells the agent which domain and
// tunnel id it was bound to.
type AuthOK struct {
	Domain        string `json:"domain"`
	TunnelID      string `json:"tunnel_id"`
	ServerVersion string `json:"server_version,omitempty"`
}

// AuthError rejects an AUTH frame. Code is one of the semantic error kinds
// (auth_failed, tunnel_disabled, already_connected, auth_timeout,
// protocol_error).
type AuthError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Request carries one forwarded HTTP request. Headers are case-insensitive
// and pre-stripped of hop-by-hop header names by the broker. Body is a
// string: text bodies are transported verbatim, non-text bodies are
// base64-encoded, keyed off the request's own Content-Type header.
type Request struct {
	ID        string            `json:"id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      string            `json:"body,omitempty"`
	Timeout   float64           `json:"timeout,omitempty"`
	Timestamp float64           `json:"timestamp,omitempty"`
}

// Response is a complete unary reply to a Request.
type Response struct {
	ID         string            `json:"id"`
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMs float64           `json:"duration_ms,omitempty"`
	Timestamp  float64           `json:"timestamp,omitempty"`
}

// StreamStart opens a streamed reply; it must precede every StreamChunk and
// StreamEnd sharing its ID.
type StreamStart struct {
	ID        string            `json:"id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Timestamp float64           `json:"timestamp,omitempty"`
}

// StreamChunk carries one piece of a streamed body. Sequence counts from 0
// and is contiguous within one stream, in send order.
type StreamChunk struct {
	ID        string  `json:"id"`
	Data      string  `json:"data"`
	Sequence  int     `json:"sequence,omitempty"`
	Timestamp float64 `json:"timestamp,omitempty"`
}

// StreamEnd terminates a stream. A non-empty Error means the stream failed
// mid-body; since the HTTP status was already committed to the public
// client, the only recourse on HTTP/1.1 is to close the connection without
// a trailer.
type StreamEnd struct {
	ID          string  `json:"id"`
	Error       string  `json:"error,omitempty"`
	DurationMs  float64 `json:"duration_ms,omitempty"`
	TotalChunks int     `json:"total_chunks,omitempty"`
	Timestamp   float64 `json:"timestamp,omitempty"`
}

// Ping and Pong carry no semantic payload beyond an optional timestamp;
// either side may send a Ping, the receiver answers immediately with Pong.
type Ping struct {
	Timestamp float64 `json:"timestamp,omitempty"`
}

type Pong struct {
	Timestamp float64 `json:"timestamp,omitempty"`
}

// Frame is the envelope every control-channel message travels in: a type
// tag plus the type-specific payload marshalled into Data. Unknown fields
// inside Data are ignored by the receiver (encoding/json's default
// behaviour); an unknown Type is logged and dropped by the caller rather
// than treated as fatal.
type Frame struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrUnknownType is returned by Decode for a Type the codec does not
// recognise; callers are expected to log and drop rather than propagate.
var ErrUnknownType = fmt.Errorf("wire: unknown frame type")

// Encode wraps a typed payload into a Frame ready for the codec to write.
func Encode(t Type, payload any) (*Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshalling %s payload: %w", t, err)
	}
	return &Frame{Type: t, Data: data}, nil
}

// Decode unmarshals f.Data into a fresh value of the type associated with
// f.Type, returned as an any for the caller to type-switch on.
func Decode(f *Frame) (any, error) {
	var v any
	switch f.Type {
	case TypeAuth:
		v = &Auth{}
	case TypeAuthOK:
		v = &AuthOK{}
	case TypeAuthError:
		v = &AuthError{}
	case TypeRequest:
		v = &Request{}
	case TypeResponse:
		v = &Response{}
	case TypeStreamStart:
		v = &StreamStart{}
	case TypeStreamChunk:
		v = &StreamChunk{}
	case TypeStreamEnd:
		v = &StreamEnd{}
	case TypePing:
		v = &Ping{}
	case TypePong:
		v = &Pong{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	if len(f.Data) > 0 {
		if err := json.Unmarshal(f.Data, v); err != nil {
			return nil, fmt.Errorf("wire: unmarshalling %s payload: %w", f.Type, err)
		}
	}
	return v, nil
}
