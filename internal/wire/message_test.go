package wire

import (
	"encoding/json"
	"testing"
)

func Test_encode_decode_request_round_trip(t *testing.T) {
	original := &Request{
		ID:      "req-1",
		Method:  "GET",
		Path:    "/ping",
		Headers: map[string]string{"Accept": "text/plain"},
		Body:    "",
		Timeout: 30,
	}

	frame, err := Encode(TypeRequest, original)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if frame.Type != TypeRequest {
		t.Fatalf("type mismatch: got %s", frame.Type)
	}

	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	req, ok := decoded.(*Request)
	if !ok {
		t.Fatalf("decoded value has wrong type: %T", decoded)
	}
	if req.ID != original.ID || req.Method != original.Method || req.Path != original.Path {
		t.Errorf("round trip mismatch: got %+v, want %+v", req, original)
	}
}

func Test_frame_json_shape_has_type_discriminator(t *testing.T) {
	frame, err := Encode(TypePing, &Ping{Timestamp: 1.0})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := raw["type"]; !ok {
		t.Fatal("expected a type field in the wire representation")
	}
}

func Test_decode_rejects_unknown_type(t *testing.T) {
	frame := &Frame{Type: Type("BOGUS")}
	_, err := Decode(frame)
	if err == nil {
		t.Fatal("expected error for unknown frame type")
	}
}

func Test_all_message_types_round_trip(t *testing.T) {
	cases := []struct {
		typ     Type
		payload any
	}{
		{TypeAuth, &Auth{Token: "t", Force: true}},
		{TypeAuthOK, &AuthOK{Domain: "demo", TunnelID: "tun-1"}},
		{TypeAuthError, &AuthError{Error: "nope", Code: "auth_failed"}},
		{TypeRequest, &Request{ID: "1", Method: "GET", Path: "/"}},
		{TypeResponse, &Response{ID: "1", Status: 200}},
		{TypeStreamStart, &StreamStart{ID: "1", Status: 200}},
		{TypeStreamChunk, &StreamChunk{ID: "1", Data: "chunk", Sequence: 2}},
		{TypeStreamEnd, &StreamEnd{ID: "1", TotalChunks: 3}},
		{TypePing, &Ping{}},
		{TypePong, &Pong{}},
	}

	for _, c := range cases {
		frame, err := Encode(c.typ, c.payload)
		if err != nil {
			t.Fatalf("%s: encode failed: %v", c.typ, err)
		}
		decoded, err := Decode(frame)
		if err != nil {
			t.Fatalf("%s: decode failed: %v", c.typ, err)
		}
		if decoded == nil {
			t.Fatalf("%s: decoded nil", c.typ)
		}
	}
}

func Test_decode_stream_chunk_sequence(t *testing.T) {
	frame, _ := Encode(TypeStreamChunk, &StreamChunk{ID: "s1", Data: "data: 0\n\n", Sequence: 0})
	decoded, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	chunk := decoded.(*StreamChunk)
	if chunk.Sequence != 0 || chunk.Data != "data: 0\n\n" {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
}
