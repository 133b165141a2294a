package agentcore

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Agent manages the lifecycle of the agent's connection to the broker,
// including proxy verification and reconnect/backoff.
type Agent struct {
	cfg      *Config
	dialer   *ProxyDialer
	executor *Executor
}

// New creates a new agent from the given configuration.
func New(cfg *Config) (*Agent, error) {
	var dialer *ProxyDialer
	if cfg.Proxy.URL != "" {
		var err error
		dialer, err = NewProxyDialer(cfg.Proxy.URL, cfg.Proxy.HealthTimeout)
		if err != nil {
			return nil, err
		}
	}
	executor := NewExecutor(cfg.Backend.TargetURL, cfg.Backend.RequestTimeout)
	return &Agent{cfg: cfg, dialer: dialer, executor: executor}, nil
}

// Run verifies proxy routing if configured, then enters the reconnect
// loop. It blocks until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	if a.dialer != nil && a.cfg.Proxy.VerifyRouting {
		slog.Info("verifying proxy routing before connecting")
		verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout)
		if err := verifier.VerifyRouting(ctx); err != nil {
			return err
		}
	}
	return a.reconnectLoop(ctx)
}

// reconnectLoop implements the connect loop: a permanent AUTH_ERROR (code
// auth_failed or tunnel_disabled) exits immediately; anything else backs
// off and retries. The backoff factor combines the reconnect attempt count
// and the authentication-reject count into one counter capped at
// ReconnectFactorCap, reset on every successful AUTH_OK.
func (a *Agent) reconnectLoop(ctx context.Context) error {
	factor := 0
	for {
		res := Connect(ctx, a.cfg, a.dialer, a.executor)
		if res.err == nil {
			factor = 0
			err := a.runSession(ctx, res.session)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("tunnel disconnected, reconnecting", "err", err)
		} else {
			if res.perm {
				slog.Error("authentication rejected permanently, exiting", "err", res.err)
				return res.err
			}
			slog.Warn("connect failed, retrying", "err", res.err)
			factor++
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoffDelay(a.cfg.Tunnel, factor)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession runs one connected session alongside any configured periodic
// proxy health check, returning when either ends or ctx is cancelled.
func (a *Agent) runSession(ctx context.Context, sess *Session) error {
	defer sess.Close()

	var stopCheck func()
	var checkFailed <-chan error
	if a.dialer != nil && a.cfg.Proxy.RecheckInterval > 0 {
		verifier := NewVerifier(a.dialer, a.cfg.Proxy.HealthTimeout)
		stopCheck, checkFailed = StartPeriodicCheck(verifier, a.cfg.Proxy.RecheckInterval)
		defer stopCheck()
	}

	sessErr := make(chan error, 1)
	go func() { sessErr <- sess.Run() }()

	select {
	case err := <-sessErr:
		return err
	case err := <-checkFailed:
		slog.Error("proxy health check failed, closing session", "err", err)
		sess.Close()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// backoffDelay computes base*2^min(factor,cap) seconds, capped at maxS,
// with +/-20% jitter.
func backoffDelay(cfg TunnelConfig, factor int) time.Duration {
	capFactor := cfg.ReconnectFactorCap
	if capFactor <= 0 {
		capFactor = 8
	}
	if factor > capFactor {
		factor = capFactor
	}
	seconds := cfg.ReconnectBaseS * math.Pow(2, float64(factor))
	if cfg.ReconnectMaxS > 0 && seconds > cfg.ReconnectMaxS {
		seconds = cfg.ReconnectMaxS
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(seconds * jitter * float64(time.Second))
}
