package store

import (
	"context"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func Test_create_and_lookup_domain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	domain, token, err := s.CreateDomain(ctx, "demo", "Demo", "", ModeHTTP)
	if err != nil {
		t.Fatalf("create domain: %v", err)
	}
	if domain != "demo" || token == "" {
		t.Fatalf("unexpected create result: domain=%q token=%q", domain, token)
	}

	rec, err := s.LookupByToken(ctx, token)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	if rec.Domain != "demo" || !rec.Enabled || rec.Mode != ModeHTTP {
		t.Errorf("unexpected record: %+v", rec)
	}
}

func Test_lookup_unknown_token_returns_nil(t *testing.T) {
	s := newTestStore(t)
	rec, err := s.LookupByToken(context.Background(), "nope")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec != nil {
		t.Fatalf("expected nil record, got %+v", rec)
	}
}

func Test_disable_domain_rejects_lookup_enabled_flag(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, token, _ := s.CreateDomain(ctx, "demo", "", "", ModeHTTP)

	if err := s.SetEnabled(ctx, "demo", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	rec, err := s.LookupByToken(ctx, token)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.Enabled {
		t.Error("expected record to be disabled")
	}
}

func Test_regenerate_token_invalidates_old_token(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, oldToken, _ := s.CreateDomain(ctx, "demo", "", "", ModeHTTP)

	newToken, err := s.RegenerateToken(ctx, "demo")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if newToken == oldToken {
		t.Fatal("expected a new token")
	}

	if rec, _ := s.LookupByToken(ctx, oldToken); rec != nil {
		t.Error("old token should no longer resolve")
	}
	rec, err := s.LookupByToken(ctx, newToken)
	if err != nil || rec == nil {
		t.Fatalf("new token should resolve: rec=%v err=%v", rec, err)
	}
}

func Test_token_unique_across_domains(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	_, t1, _ := s.CreateDomain(ctx, "a", "", "", ModeHTTP)
	_, t2, _ := s.CreateDomain(ctx, "b", "", "", ModeHTTP)
	if t1 == t2 {
		t.Fatal("expected distinct tokens")
	}
}

func Test_record_request_log(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordRequest(context.Background(), RequestLog{
		Domain:     "demo",
		Method:     "GET",
		Path:       "/ping",
		Status:     200,
		DurationMs: 5,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("record request: %v", err)
	}
}
