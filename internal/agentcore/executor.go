package agentcore

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tunely/tunely/internal/wire"
)

// chunkReadSize is the read buffer size used while draining a streamed
// target response; it bounds how much text accumulates before a CHUNK is
// emitted, not the chunk's logical size.
const chunkReadSize = 4096

// Sender delivers one outbound control-channel frame. Executor uses it to
// emit STREAM_START/CHUNK/END incrementally without owning the session's
// single outbound queue itself.
type Sender func(t wire.Type, payload any) error

// Executor performs the local HTTP call a REQUEST names, against one fixed
// backend target.
type Executor struct {
	targetURL      string
	client         *http.Client
	defaultTimeout time.Duration
}

// NewExecutor creates an Executor that forwards to targetURL.
func NewExecutor(targetURL string, defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Executor{
		targetURL:      strings.TrimRight(targetURL, "/"),
		client:         &http.Client{Timeout: 0},
		defaultTimeout: defaultTimeout,
	}
}

// Execute runs req against the backend and emits either a single RESPONSE
// or a STREAM_START/CHUNK*/END sequence via send, per spec.md §4.6.
func (e *Executor) Execute(req *wire.Request, send Sender) {
	timeout := e.defaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	start := time.Now()
	url := e.targetURL + req.Path

	body, err := decodeBody(req.Body, headerValue(req.Headers, "Content-Type"))
	if err != nil {
		e.sendFailure(send, req.ID, 400, err, start)
		return
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, bytes.NewReader(body))
	if err != nil {
		e.sendFailure(send, req.ID, 503, err, start)
		return
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Host = httpReq.URL.Host

	resp, err := e.client.Do(httpReq)
	if err != nil {
		status, msg := classifyDoErr(ctx, err)
		e.sendFailureMsg(send, req.ID, status, msg, start)
		return
	}
	defer resp.Body.Close()

	if isEventStream(resp.Header.Get("Content-Type")) {
		e.streamReply(req.ID, resp, send, start)
		return
	}
	e.unaryReply(req.ID, resp, send, start)
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

// isTextContentType decides whether a body transported under contentType can
// cross the control channel verbatim as UTF-8 text, per the Base64 encoding
// rule in spec §3. An absent Content-Type is treated as opaque (non-text):
// with nothing declared, there is no basis for assuming the bytes are safe
// to carry as a JSON string.
func isTextContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "" {
		return false
	}
	if semi := strings.IndexByte(ct, ';'); semi >= 0 {
		ct = ct[:semi]
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	for _, marker := range []string{"json", "xml", "javascript", "x-www-form-urlencoded", "graphql"} {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// headerValue looks up name in h case-insensitively, per spec §3's header
// matching rule.
func headerValue(h map[string]string, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// decodeBody reverses the public envelope's encoding convention: text
// bodies pass through unchanged, non-text bodies are Base64-decoded.
func decodeBody(body, contentType string) ([]byte, error) {
	if body == "" || isTextContentType(contentType) {
		return []byte(body), nil
	}
	return base64.StdEncoding.DecodeString(body)
}

// encodeBody applies the same convention in the outbound direction: binary
// response bodies are Base64-encoded rather than stuffed into a JSON string,
// which would silently corrupt them (invalid UTF-8 gets replaced on
// marshal).
func encodeBody(body []byte, contentType string) string {
	if isTextContentType(contentType) {
		return string(body)
	}
	return base64.StdEncoding.EncodeToString(body)
}

func (e *Executor) unaryReply(id string, resp *http.Response, send Sender, start time.Time) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		e.sendFailure(send, id, 503, err, start)
		return
	}
	_ = send(wire.TypeResponse, &wire.Response{
		ID:         id,
		Status:     resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       encodeBody(body, resp.Header.Get("Content-Type")),
		DurationMs: float64(time.Since(start).Milliseconds()),
	})
}

// streamReply emits STREAM_START immediately, then a CHUNK per non-empty
// read from the body, decoding as UTF-8 with replacement for invalid
// sequences, then a terminal END.
func (e *Executor) streamReply(id string, resp *http.Response, send Sender, start time.Time) {
	if err := send(wire.TypeStreamStart, &wire.StreamStart{
		ID:      id,
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
	}); err != nil {
		return
	}

	seq := 0
	buf := make([]byte, chunkReadSize)
	var readErr error
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			text := toValidUTF8(buf[:n])
			if text != "" {
				if sendErr := send(wire.TypeStreamChunk, &wire.StreamChunk{ID: id, Data: text, Sequence: seq}); sendErr != nil {
					return
				}
				seq++
			}
		}
		if err != nil {
			if err != io.EOF {
				readErr = err
			}
			break
		}
	}

	end := &wire.StreamEnd{
		ID:          id,
		TotalChunks: seq,
		DurationMs:  float64(time.Since(start).Milliseconds()),
	}
	if readErr != nil {
		end.Error = readErr.Error()
	}
	_ = send(wire.TypeStreamEnd, end)
}

// toValidUTF8 decodes b as UTF-8, replacing invalid byte sequences per
// Unicode replacement rules rather than rejecting the chunk outright.
func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[len(v)-1]
		}
	}
	return out
}

func classifyDoErr(ctx context.Context, err error) (int, string) {
	if ctx.Err() == context.DeadlineExceeded {
		return 504, "target timeout"
	}
	return 503, err.Error()
}

func (e *Executor) sendFailure(send Sender, id string, status int, err error, start time.Time) {
	e.sendFailureMsg(send, id, status, err.Error(), start)
}

func (e *Executor) sendFailureMsg(send Sender, id string, status int, msg string, start time.Time) {
	_ = send(wire.TypeResponse, &wire.Response{
		ID:         id,
		Status:     status,
		Error:      msg,
		DurationMs: float64(time.Since(start).Milliseconds()),
	})
}
