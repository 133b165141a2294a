package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/tunely/tunely/internal/metrics"
	"github.com/tunely/tunely/internal/store"
	"github.com/tunely/tunely/internal/wire"
)

// sessionState models the broker-side agent connection's lifecycle:
// AwaitingAuth -> Authenticated -> Closing -> Closed.
type sessionState int

const (
	stateAwaitingAuth sessionState = iota
	stateAuthenticated
	stateClosing
	stateClosed
)

// Session wraps one accepted control channel. It authenticates the first
// frame, then runs a Reader and a Heartbeater concurrently for its
// lifetime. The outbound queue/writer pair is its single-writer
// discipline, generalizing the teacher's Tunnel.codec + writeMu mutex into
// an explicit producer/consumer queue so the dispatcher, heartbeater, and
// the reader's pong-replier never race on the same websocket connection.
type Session struct {
	id      string
	codec   *wire.Codec
	pending *PendingTable

	heartbeatInterval time.Duration
	authTimeout       time.Duration

	out  chan *wire.Frame
	done chan struct{}

	mu        sync.Mutex
	state     sessionState
	active    *ActiveConnection
	closeOnce sync.Once
}

// NewSession wraps an accepted websocket connection. Call Run to drive it.
func NewSession(conn *websocket.Conn, pending *PendingTable, heartbeatInterval, authTimeout time.Duration, maxFrameBytes int64) *Session {
	return &Session{
		id:                uuid.NewString(),
		codec:             wire.NewCodec(conn, maxFrameBytes),
		pending:           pending,
		heartbeatInterval: heartbeatInterval,
		authTimeout:       authTimeout,
		out:               make(chan *wire.Frame, 32),
		done:              make(chan struct{}),
	}
}

// ID returns the session's tunnel id.
func (s *Session) ID() string { return s.id }

// Run drives the session to completion: authentication, then the
// authenticated reader/heartbeater/writer pumps, then teardown. It returns
// once the session has fully closed.
func (s *Session) Run(registry *Registry) {
	defer s.teardown(registry)

	rec, conn, authErr := s.authenticate(registry)
	if authErr != nil {
		s.sendAuthError(authErr)
		return
	}

	s.mu.Lock()
	s.active = conn
	s.state = stateAuthenticated
	s.mu.Unlock()

	if err := s.enqueue(wire.TypeAuthOK, &wire.AuthOK{Domain: rec.Domain, TunnelID: s.id}); err != nil {
		slog.Error("sending AUTH_OK failed", "tunnel_id", s.id, "err", err)
		return
	}
	metrics.TunnelsConnected.Inc()
	defer metrics.TunnelsConnected.Dec()
	slog.Info("agent bound", "domain", rec.Domain, "tunnel_id", s.id)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s.writerLoop() }()
	go func() { defer wg.Done(); s.heartbeaterLoop(registry) }()

	s.readerLoop(registry)
	wg.Wait()
}

// authenticate implements the AwaitingAuth state: exactly one frame within
// authTimeout, which must be AUTH. On success it binds through the
// registry and returns the resolved domain record and ActiveConnection.
func (s *Session) authenticate(registry *Registry) (*store.DomainRecord, *ActiveConnection, error) {
	type result struct {
		frame *wire.Frame
		err   error
	}
	resCh := make(chan result, 1)
	go func() {
		f, err := s.codec.ReadFrame()
		resCh <- result{f, err}
	}()

	var res result
	select {
	case res = <-resCh:
	case <-time.After(s.authTimeout):
		return nil, nil, fmt.Errorf("%w: no AUTH frame within %s", ErrAuthTimeout, s.authTimeout)
	}
	if res.err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTransport, res.err)
	}

	msg, err := wire.Decode(res.frame)
	if err != nil || res.frame.Type != wire.TypeAuth {
		return nil, nil, fmt.Errorf("%w: first frame must be AUTH", ErrProtocol)
	}
	auth := msg.(*wire.Auth)

	conn, rec, err := registry.Bind(context.Background(), auth.Token, auth.Force, s)
	if err != nil {
		return nil, nil, err
	}
	return rec, conn, nil
}

func (s *Session) sendAuthError(authErr error) {
	code, msg := classifyAuthError(authErr)
	frame, err := wire.Encode(wire.TypeAuthError, &wire.AuthError{Error: msg, Code: code})
	if err != nil {
		return
	}
	_ = s.codec.WriteFrame(frame)
}

func classifyAuthError(err error) (code, msg string) {
	switch {
	case errors.Is(err, ErrAuthFailed):
		return "auth_failed", "unknown token"
	case errors.Is(err, ErrTunnelDisabled):
		return "tunnel_disabled", "domain is disabled"
	case errors.Is(err, ErrAlreadyConnected):
		return "already_connected", "domain already has an active tunnel"
	case errors.Is(err, ErrAuthTimeout):
		return "auth_timeout", "no AUTH frame received in time"
	default:
		return "protocol_error", err.Error()
	}
}

func (s *Session) teardown(registry *Registry) {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return
	}
	s.state = stateClosing
	active := s.active
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })

	if active != nil {
		registry.Unbind(active)
	}
	s.pending.FailAllOwnedBy(s, ErrSessionClosed)
	s.codec.Close()

	s.mu.Lock()
	s.state = stateClosed
	s.mu.Unlock()
	slog.Info("session closed", "tunnel_id", s.id)
}

// preempt asynchronously signals this session to terminate; used by the
// Registry when a forcing AUTH replaces it.
func (s *Session) preempt() {
	s.closeOnce.Do(func() { close(s.done) })
	if s.codec != nil {
		s.codec.Close()
	}
}

// enqueue encodes and places a frame on the single-writer outbound queue.
func (s *Session) enqueue(t wire.Type, payload any) error {
	frame, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	return s.send(frame)
}

func (s *Session) send(f *wire.Frame) error {
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

func (s *Session) writerLoop() {
	for {
		select {
		case f := <-s.out:
			if err := s.codec.WriteFrame(f); err != nil {
				slog.Error("session write failed", "tunnel_id", s.id, "err", err)
				s.closeOnce.Do(func() { close(s.done) })
				return
			}
		case <-s.done:
			return
		}
	}
}

// heartbeaterLoop both originates periodic PINGs and watches for the
// heartbeat deadline lapsing. The deadline is tracked with its own timer,
// re-armed for the remaining duration on every wakeup, rather than only
// checked on the ping ticker's cadence: a session that goes silent right
// after a ping is otherwise only noticed a full heartbeat_interval late.
func (s *Session) heartbeaterLoop(registry *Registry) {
	pingTicker := time.NewTicker(s.heartbeatInterval)
	defer pingTicker.Stop()

	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if active == nil {
		return
	}
	deadlineTimer := time.NewTimer(time.Until(active.HeartbeatDeadline))
	defer deadlineTimer.Stop()

	for {
		select {
		case <-pingTicker.C:
			if err := s.enqueue(wire.TypePing, &wire.Ping{}); err != nil {
				return
			}
		case <-deadlineTimer.C:
			s.mu.Lock()
			active := s.active
			s.mu.Unlock()
			if active == nil {
				return
			}
			remaining := time.Until(active.HeartbeatDeadline)
			if remaining <= 0 {
				slog.Warn("heartbeat timeout, closing session", "tunnel_id", s.id)
				s.closeOnce.Do(func() { close(s.done) })
				// unblock the reader so Run proceeds to teardown
				s.codec.Close()
				return
			}
			deadlineTimer.Reset(remaining)
		case <-s.done:
			return
		}
	}
}

func (s *Session) readerLoop(registry *Registry) {
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				slog.Warn("session read failed", "tunnel_id", s.id, "err", err)
				return
			}
		}

		msg, err := wire.Decode(frame)
		if err != nil {
			slog.Warn("dropping frame with unknown type", "tunnel_id", s.id, "err", err)
			continue
		}

		// any decoded frame is evidence of liveness, not only a PONG
		s.mu.Lock()
		active := s.active
		s.mu.Unlock()
		if active != nil {
			registry.touchHeartbeat(active, s.heartbeatInterval)
		}

		switch m := msg.(type) {
		case *wire.Pong:
			// liveness already recorded above
		case *wire.Ping:
			if err := s.enqueue(wire.TypePong, &wire.Pong{}); err != nil {
				return
			}
		case *wire.Response:
			s.pending.DeliverResponse(m)
		case *wire.StreamStart:
			s.pending.DeliverStreamStart(m)
		case *wire.StreamChunk:
			s.pending.DeliverStreamChunk(m)
		case *wire.StreamEnd:
			s.pending.DeliverStreamEnd(m)
		default:
			slog.Warn("unexpected frame from agent, protocol error", "tunnel_id", s.id, "type", frame.Type)
			return
		}
	}
}

// SendRequest creates a pending entry owned by this session, encodes req as
// a REQUEST frame, and enqueues it for delivery.
func (s *Session) SendRequest(req *wire.Request, timeout time.Duration) (*PendingEntry, error) {
	entry := s.pending.Create(s, timeout)
	frame, err := wire.Encode(wire.TypeRequest, req)
	if err != nil {
		s.pending.Cancel(entry.ID, err)
		return nil, fmt.Errorf("broker: encoding request: %w", err)
	}
	if err := s.send(frame); err != nil {
		s.pending.Cancel(entry.ID, err)
		return nil, err
	}
	return entry, nil
}
