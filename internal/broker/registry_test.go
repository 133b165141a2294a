package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tunely/tunely/internal/store"
)

type fakeLookup struct {
	records map[string]*store.DomainRecord
}

func (f *fakeLookup) LookupByToken(_ context.Context, token string) (*store.DomainRecord, error) {
	return f.records[token], nil
}

func Test_bind_rejects_unknown_token(t *testing.T) {
	reg := NewRegistry(&fakeLookup{records: map[string]*store.DomainRecord{}})
	sess := &Session{id: "s1", done: make(chan struct{})}

	_, _, err := reg.Bind(context.Background(), "nope", false, sess)
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func Test_bind_rejects_disabled_domain(t *testing.T) {
	reg := NewRegistry(&fakeLookup{records: map[string]*store.DomainRecord{
		"tok": {Domain: "demo", Enabled: false},
	}})
	sess := &Session{id: "s1", done: make(chan struct{})}

	_, _, err := reg.Bind(context.Background(), "tok", false, sess)
	if !errors.Is(err, ErrTunnelDisabled) {
		t.Fatalf("expected ErrTunnelDisabled, got %v", err)
	}
}

func Test_bind_without_force_rejects_duplicate(t *testing.T) {
	reg := NewRegistry(&fakeLookup{records: map[string]*store.DomainRecord{
		"tok": {Domain: "demo", Enabled: true},
	}})
	sess1 := &Session{id: "s1", done: make(chan struct{}), heartbeatInterval: time.Second}
	sess2 := &Session{id: "s2", done: make(chan struct{}), heartbeatInterval: time.Second}

	if _, _, err := reg.Bind(context.Background(), "tok", false, sess1); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	_, _, err := reg.Bind(context.Background(), "tok", false, sess2)
	if !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if reg.Lookup("demo").TunnelID != "s1" {
		t.Error("expected original session to remain bound")
	}
}

func Test_bind_with_force_preempts_existing(t *testing.T) {
	reg := NewRegistry(&fakeLookup{records: map[string]*store.DomainRecord{
		"tok": {Domain: "demo", Enabled: true},
	}})
	sess1 := &Session{id: "s1", done: make(chan struct{}), heartbeatInterval: time.Second}
	sess2 := &Session{id: "s2", done: make(chan struct{}), heartbeatInterval: time.Second}

	if _, _, err := reg.Bind(context.Background(), "tok", false, sess1); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if _, _, err := reg.Bind(context.Background(), "tok", true, sess2); err != nil {
		t.Fatalf("forced bind: %v", err)
	}

	select {
	case <-sess1.done:
	default:
		t.Error("expected preempted session's done channel to be closed")
	}
	if reg.Lookup("demo").TunnelID != "s2" {
		t.Error("expected new session to own the domain")
	}
}

func Test_unbind_is_noop_after_preemption(t *testing.T) {
	reg := NewRegistry(&fakeLookup{records: map[string]*store.DomainRecord{
		"tok": {Domain: "demo", Enabled: true},
	}})
	sess1 := &Session{id: "s1", done: make(chan struct{}), heartbeatInterval: time.Second}
	sess2 := &Session{id: "s2", done: make(chan struct{}), heartbeatInterval: time.Second}

	conn1, _, _ := reg.Bind(context.Background(), "tok", false, sess1)
	reg.Bind(context.Background(), "tok", true, sess2)

	reg.Unbind(conn1)
	if reg.Lookup("demo") == nil {
		t.Error("unbinding the stale connection must not remove the current owner")
	}
}

func Test_heartbeat_deadline_window_uses_spec_factor(t *testing.T) {
	got := heartbeatDeadlineWindow(10 * time.Second)
	want := 25 * time.Second
	if got != want {
		t.Errorf("heartbeatDeadlineWindow(10s) = %v, want %v", got, want)
	}
}
