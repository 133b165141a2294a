package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tunely/tunely/internal/store"
)

// ActiveConnection is the registry's record of one bound agent session. Its
// lifetime is bounded by the control channel: created on successful
// authentication, destroyed on close or preemption.
type ActiveConnection struct {
	Domain            string
	TunnelID          string
	Session           *Session
	BoundAt           time.Time
	HeartbeatDeadline time.Time
}

// DomainLookup is the subset of the store the registry needs to resolve a
// token at bind time.
type DomainLookup interface {
	LookupByToken(ctx context.Context, token string) (*store.DomainRecord, error)
}

// Registry is the process-wide domain -> active-connection map. It
// enforces at-most-one active agent per domain, generalizing the teacher's
// round-robin agent Pool (which served any of several interchangeable
// agents) into a keyed single-owner map with forced preemption.
type Registry struct {
	mu    sync.Mutex
	byDom map[string]*ActiveConnection
	store DomainLookup
}

// NewRegistry creates an empty registry backed by the given domain store.
func NewRegistry(s DomainLookup) *Registry {
	return &Registry{byDom: make(map[string]*ActiveConnection), store: s}
}

// Bind authenticates a token and, on success, installs sess as the domain's
// active connection. If another connection already owns the domain: with
// force=false the bind is rejected with ErrAlreadyConnected; with
// force=true the existing connection is preempted (told to close) and
// replaced atomically — no interleaving Bind can observe two connections
// for the same domain, since the check-and-install step holds r.mu (the
// token lookup before it does not).
func (r *Registry) Bind(ctx context.Context, token string, force bool, sess *Session) (*ActiveConnection, *store.DomainRecord, error) {
	rec, err := r.store.LookupByToken(ctx, token)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: looking up token: %w", err)
	}
	if rec == nil {
		return nil, nil, ErrAuthFailed
	}
	if !rec.Enabled {
		return nil, nil, ErrTunnelDisabled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byDom[rec.Domain]
	if ok {
		if !force {
			return nil, nil, ErrAlreadyConnected
		}
		slog.Warn("preempting existing tunnel", "domain", rec.Domain, "tunnel_id", existing.TunnelID)
		existing.Session.preempt()
	}

	conn := &ActiveConnection{
		Domain:            rec.Domain,
		TunnelID:          sess.id,
		Session:           sess,
		BoundAt:           time.Now(),
		HeartbeatDeadline: time.Now().Add(heartbeatDeadlineWindow(sess.heartbeatInterval)),
	}
	r.byDom[rec.Domain] = conn
	return conn, rec, nil
}

// Lookup returns the active connection for domain, or nil if none is bound.
func (r *Registry) Lookup(domain string) *ActiveConnection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDom[domain]
}

// Unbind removes conn from the registry, but only if it is still the
// current owner of its domain; idempotent, and a no-op if conn has already
// been replaced by a preemptor.
func (r *Registry) Unbind(conn *ActiveConnection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byDom[conn.Domain]; ok && cur == conn {
		delete(r.byDom, conn.Domain)
	}
}

// Size returns the number of domains currently bound to an agent.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byDom)
}

// touchHeartbeat refreshes conn's heartbeat deadline; called by the owning
// Session whenever it observes liveness (a PONG, or any other frame).
func (r *Registry) touchHeartbeat(conn *ActiveConnection, interval time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byDom[conn.Domain]; ok && cur == conn {
		conn.HeartbeatDeadline = time.Now().Add(heartbeatDeadlineWindow(interval))
	}
}

// heartbeatDeadlineWindow is the spec's K≈2.5 liveness multiplier: a
// session is considered dead if no evidence of liveness (a PONG, or any
// other frame) arrives within this many heartbeat intervals.
const heartbeatDeadlineFactor = 2.5

func heartbeatDeadlineWindow(interval time.Duration) time.Duration {
	return time.Duration(float64(interval) * heartbeatDeadlineFactor)
}
