package wire

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Codec handles reading and writing Frames over a websocket connection.
// Writes are serialized under writeMu so concurrent producers (dispatcher,
// heartbeater, pong-replier) never interleave a frame mid-message.
type Codec struct {
	conn        *websocket.Conn
	writeMu     sync.Mutex
	maxFrameLen int64
}

// NewCodec wraps a websocket connection with frame encoding/decoding.
// maxFrameLen of 0 falls back to MaxFrameBytes.
func NewCodec(conn *websocket.Conn, maxFrameLen int64) *Codec {
	if maxFrameLen <= 0 {
		maxFrameLen = MaxFrameBytes
	}
	conn.SetReadLimit(maxFrameLen)
	return &Codec{conn: conn, maxFrameLen: maxFrameLen}
}

// WriteFrame serialises and sends a frame over the websocket.
func (c *Codec) WriteFrame(f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("wire: marshalling frame: %w", err)
	}
	if int64(len(data)) > c.maxFrameLen {
		return fmt.Errorf("wire: frame of %d bytes exceeds max %d", len(data), c.maxFrameLen)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame reads and deserialises the next frame from the websocket.
// gorilla/websocket enforces the read limit set in NewCodec and surfaces
// an error once it is exceeded, which callers treat as a protocol error.
func (c *Codec) ReadFrame() (*Frame, error) {
	msgType, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("wire: reading websocket message: %w", err)
	}
	if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("wire: unexpected websocket message type: %d", msgType)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("wire: decoding frame: %w", err)
	}
	return &f, nil
}

// Close closes the underlying websocket connection.
func (c *Codec) Close() error {
	return c.conn.Close()
}
