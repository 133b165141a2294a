package agentcore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/tunely/tunely/internal/wire"
)

// Session owns one agent-side control channel connection: it authenticates,
// then runs a Reader that dispatches inbound REQUEST/PING frames and a
// single writer goroutine that serialises outbound frames, mirroring the
// broker's single-writer discipline.
type Session struct {
	codec    *wire.Codec
	executor *Executor

	out  chan *wire.Frame
	done chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// connectResult is what Connect returns: either a usable session or an
// error that Connect classifies as permanent or transient from the
// AUTH_ERROR code; the caller's reconnect loop acts on that classification.
type connectResult struct {
	session *Session
	err     error
	perm    bool // true when the caller should stop retrying entirely
}

// Connect dials the broker, sends AUTH, and waits for AUTH_OK or
// AUTH_ERROR.
func Connect(ctx context.Context, cfg *Config, dialer *ProxyDialer, executor *Executor) connectResult {
	wsDialer := websocket.Dialer{}
	if dialer != nil {
		wsDialer.NetDialContext = dialer.DialContext
	}

	slog.Info("connecting to broker", "url", cfg.Broker.URL)
	conn, _, err := wsDialer.DialContext(ctx, cfg.Broker.URL, nil)
	if err != nil {
		return connectResult{err: fmt.Errorf("dialling broker: %w", err)}
	}

	codec := wire.NewCodec(conn, wire.MaxFrameBytes)
	authFrame, err := wire.Encode(wire.TypeAuth, &wire.Auth{Token: cfg.Auth.Token, Force: cfg.Auth.Force})
	if err != nil {
		codec.Close()
		return connectResult{err: err}
	}
	if err := codec.WriteFrame(authFrame); err != nil {
		codec.Close()
		return connectResult{err: fmt.Errorf("sending auth: %w", err)}
	}

	reply, err := codec.ReadFrame()
	if err != nil {
		codec.Close()
		return connectResult{err: fmt.Errorf("reading auth reply: %w", err)}
	}

	msg, err := wire.Decode(reply)
	if err != nil {
		codec.Close()
		return connectResult{err: err}
	}

	switch m := msg.(type) {
	case *wire.AuthOK:
		slog.Info("authenticated", "domain", m.Domain, "tunnel_id", m.TunnelID)
		return connectResult{session: &Session{
			codec:    codec,
			executor: executor,
			out:      make(chan *wire.Frame, 32),
			done:     make(chan struct{}),
		}}
	case *wire.AuthError:
		codec.Close()
		perm := m.Code == "auth_failed" || m.Code == "tunnel_disabled"
		return connectResult{err: fmt.Errorf("auth rejected: %s (%s)", m.Error, m.Code), perm: perm}
	default:
		codec.Close()
		return connectResult{err: fmt.Errorf("unexpected reply to AUTH: %T", msg)}
	}
}

// Run drives the session until the control channel closes. It blocks.
func (s *Session) Run() error {
	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.writerLoop() }()

	err := s.readerLoop()
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return err
}

// Close shuts the session down from outside Run, e.g. on a user-initiated
// stop; in-flight requests are abandoned per spec.md §4.6.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.codec.Close()
}

func (s *Session) send(t wire.Type, payload any) error {
	frame, err := wire.Encode(t, payload)
	if err != nil {
		return err
	}
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return fmt.Errorf("agent: session closed")
	}
}

func (s *Session) writerLoop() {
	for {
		select {
		case f := <-s.out:
			if err := s.codec.WriteFrame(f); err != nil {
				slog.Error("agent write failed", "err", err)
				s.closeOnce.Do(func() { close(s.done) })
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readerLoop() error {
	for {
		frame, err := s.codec.ReadFrame()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				return fmt.Errorf("reading frame: %w", err)
			}
		}

		msg, err := wire.Decode(frame)
		if err != nil {
			slog.Warn("dropping frame with unknown type", "err", err)
			continue
		}

		switch m := msg.(type) {
		case *wire.Ping:
			if err := s.send(wire.TypePong, &wire.Pong{Timestamp: m.Timestamp}); err != nil {
				return err
			}
		case *wire.Pong:
			// the agent need not originate pings; a stray PONG is ignored.
		case *wire.Request:
			go s.executor.Execute(m, s.send)
		default:
			slog.Warn("unexpected frame from broker, protocol error", "type", frame.Type)
			return fmt.Errorf("agent: unexpected frame type %s", frame.Type)
		}
	}
}
