package broker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tunely/tunely/internal/metrics"
	"github.com/tunely/tunely/internal/store"
	"github.com/tunely/tunely/internal/wire"
)

// hopByHop lists the header names stripped before a request crosses the
// tunnel, case-insensitively. Proxy-Authorization and Proxy-Connection are
// included because the broker itself acts as the proxy hop.
var hopByHop = map[string]struct{}{
	"host":                {},
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"te":                  {},
	"trailer":             {},
	"upgrade":             {},
	"proxy-authorization": {},
	"proxy-connection":    {},
}

// ForwardEnvelope is the public JSON request shape accepted at
// POST /api/tunnels/{domain}/forward. It mirrors the control-channel
// REQUEST shape field-for-field (see SPEC_FULL.md's open-question
// resolution): Body is a raw string, base64-encoded by the caller when the
// forwarded Content-Type is not text, and passed through unmodified.
type ForwardEnvelope struct {
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
	Timeout float64           `json:"timeout,omitempty"`
}

// ForwardResponse is the public unary JSON reply shape.
type ForwardResponse struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	DurationMs float64           `json:"duration_ms,omitempty"`
}

const defaultRequestTimeout = 300 * time.Second

// Dispatcher implements the public Forward(domain, req) operation: look up
// the bound session, strip hop-by-hop headers, dispatch a REQUEST, and wait
// for either a unary RESPONSE or a STREAM_START/CHUNK*/END sequence.
type Dispatcher struct {
	registry       *Registry
	store          *store.Store
	defaultTimeout time.Duration
}

// NewDispatcher creates a Dispatcher bound to registry and the request-log
// sink. defaultTimeout of 0 falls back to 300s.
func NewDispatcher(registry *Registry, st *store.Store, defaultTimeout time.Duration) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultRequestTimeout
	}
	return &Dispatcher{registry: registry, store: st, defaultTimeout: defaultTimeout}
}

// ServeHTTP implements POST /api/tunnels/{domain}/forward.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	domain := r.PathValue("domain")
	if domain == "" {
		http.Error(w, "missing domain", http.StatusBadRequest)
		return
	}

	var env ForwardEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	unary, streamStart, chunks, closed, err := d.forward(r.Context(), domain, &env)
	status := 0
	var forwardErr string
	defer func() {
		d.logOutcome(domain, env, status, time.Since(start), forwardErr)
	}()

	if err != nil {
		status, forwardErr = d.writeError(w, err)
		return
	}

	if unary != nil {
		status = unary.Status
		d.writeUnary(w, unary)
		return
	}

	status = streamStart.Status
	d.writeStream(w, streamStart, chunks, closed)
}

// forward performs the core Forward(domain, req) operation described in
// spec.md §4.5, returning either a unary response or a stream handle.
func (d *Dispatcher) forward(ctx context.Context, domain string, env *ForwardEnvelope) (*wire.Response, *wire.StreamStart, <-chan streamMsg, <-chan struct{}, error) {
	active := d.registry.Lookup(domain)
	if active == nil {
		return nil, nil, nil, nil, ErrDomainUnavailable
	}

	headers := stripHopByHop(env.Headers)
	timeout := d.defaultTimeout
	if env.Timeout > 0 {
		timeout = time.Duration(env.Timeout * float64(time.Second))
	}

	req := &wire.Request{
		Method:  env.Method,
		Path:    env.Path,
		Headers: headers,
		Body:    env.Body,
		Timeout: timeout.Seconds(),
	}

	entry, err := active.Session.SendRequest(req, timeout)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}

	resp, streamStart, chunks, err := awaitFirst(ctx, entry)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return resp, streamStart, chunks, entry.Closed(), nil
}

// awaitFirst races the entry's first frame against ctx cancellation (a
// public-client disconnect). On cancellation the entry is cancelled so no
// later frame for this id affects any observer.
func awaitFirst(ctx context.Context, entry *PendingEntry) (*wire.Response, *wire.StreamStart, <-chan streamMsg, error) {
	type result struct {
		resp  *wire.Response
		start *wire.StreamStart
		ch    <-chan streamMsg
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, start, ch, err := entry.Await()
		resCh <- result{resp, start, ch, err}
	}()

	select {
	case res := <-resCh:
		return res.resp, res.start, res.ch, res.err
	case <-ctx.Done():
		entry.Cancel(ctx.Err())
		return nil, nil, nil, ctx.Err()
	}
}

func stripHopByHop(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if _, skip := hopByHop[strings.ToLower(k)]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

func (d *Dispatcher) writeUnary(w http.ResponseWriter, resp *wire.Response) {
	out := ForwardResponse{
		Status:     resp.Status,
		Headers:    resp.Headers,
		Body:       resp.Body,
		DurationMs: resp.DurationMs,
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(out)
}

// writeStream drains chunks onto w until a terminal frame arrives or the
// entry is cancelled out from under it. chunkCh is never closed (see
// PendingEntry.Closed), so chunks is preferred whenever both it and closed
// are ready, to avoid discarding already-buffered output.
func (d *Dispatcher) writeStream(w http.ResponseWriter, start *wire.StreamStart, chunks <-chan streamMsg, closed <-chan struct{}) {
	flusher, ok := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Tunnel-Status", fmt.Sprintf("%d", start.Status))
	w.WriteHeader(http.StatusOK)
	if ok {
		flusher.Flush()
	}

	bw := bufio.NewWriter(w)
	for {
		var msg streamMsg
		select {
		case m, open := <-chunks:
			if !open {
				return
			}
			msg = m
		default:
			select {
			case m, open := <-chunks:
				if !open {
					return
				}
				msg = m
			case <-closed:
				return
			}
		}

		if msg.chunk != nil {
			bw.WriteString(msg.chunk.Data)
			bw.Flush()
			if ok {
				flusher.Flush()
			}
		}
		if msg.end != nil {
			// HTTP/1.1 cannot signal a mid-body error once status is
			// committed; a non-empty Error simply stops the stream here.
			if msg.end.Error != "" {
				slog.Warn("stream ended with error", "id", msg.end.ID, "err", msg.end.Error)
			}
			return
		}
	}
}

func (d *Dispatcher) writeError(w http.ResponseWriter, err error) (int, string) {
	switch {
	case errors.Is(err, ErrDomainUnavailable):
		http.Error(w, "no agent bound to this domain", http.StatusBadGateway)
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, context.DeadlineExceeded), isTimeout(err):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
		return http.StatusGatewayTimeout, "request_timeout"
	case errors.Is(err, context.Canceled):
		return 499, "client_disconnected"
	case isSessionClosed(err):
		http.Error(w, "tunnel closed mid-request", http.StatusBadGateway)
		return http.StatusBadGateway, "session_closed"
	default:
		http.Error(w, "tunnel error: "+err.Error(), http.StatusBadGateway)
		return http.StatusBadGateway, err.Error()
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout)
}

func isSessionClosed(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

func (d *Dispatcher) logOutcome(domain string, env ForwardEnvelope, status int, dur time.Duration, forwardErr string) {
	metrics.ForwardRequests.WithLabelValues(domain, fmt.Sprintf("%d", status)).Inc()
	metrics.ForwardDuration.WithLabelValues(domain).Observe(dur.Seconds())
	if d.store == nil {
		return
	}
	_ = d.store.RecordRequest(context.Background(), store.RequestLog{
		Domain:     domain,
		Method:     env.Method,
		Path:       env.Path,
		Status:     status,
		DurationMs: float64(dur.Milliseconds()),
		Error:      forwardErr,
		CreatedAt:  time.Now(),
	})
}
