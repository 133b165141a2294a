package broker

import (
	"errors"
	"testing"
	"time"

	"github.com/tunely/tunely/internal/wire"
)

func Test_pending_unary_response_delivers_to_await(t *testing.T) {
	table := NewPendingTable(4)
	entry := table.Create(nil, time.Second)

	go table.DeliverResponse(&wire.Response{ID: entry.ID, Status: 200, Body: "ok"})

	resp, start, _, err := entry.Await()
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if start != nil {
		t.Fatal("expected nil stream start for a unary entry")
	}
	if resp == nil || resp.Status != 200 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func Test_pending_stream_start_before_chunks(t *testing.T) {
	table := NewPendingTable(4)
	entry := table.Create(nil, time.Second)

	go func() {
		table.DeliverStreamStart(&wire.StreamStart{ID: entry.ID, Status: 200})
	}()

	_, start, chunks, err := entry.Await()
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if start == nil || start.Status != 200 {
		t.Fatalf("unexpected stream start: %+v", start)
	}

	go func() {
		table.DeliverStreamChunk(&wire.StreamChunk{ID: entry.ID, Data: "data: 0\n\n", Sequence: 0})
		table.DeliverStreamChunk(&wire.StreamChunk{ID: entry.ID, Data: "data: 1\n\n", Sequence: 1})
		table.DeliverStreamEnd(&wire.StreamEnd{ID: entry.ID, TotalChunks: 2})
	}()

	var seqs []int
	for msg := range chunks {
		if msg.chunk != nil {
			seqs = append(seqs, msg.chunk.Sequence)
		}
		if msg.end != nil {
			if msg.end.TotalChunks != 2 {
				t.Errorf("expected total_chunks=2, got %d", msg.end.TotalChunks)
			}
			break
		}
	}
	if len(seqs) != 2 || seqs[0] != 0 || seqs[1] != 1 {
		t.Errorf("unexpected chunk ordering: %v", seqs)
	}
}

func Test_pending_stream_outlives_request_deadline(t *testing.T) {
	table := NewPendingTable(4)
	entry := table.Create(nil, 10*time.Millisecond)

	table.DeliverStreamStart(&wire.StreamStart{ID: entry.ID, Status: 200})
	_, start, chunks, err := entry.Await()
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if start == nil {
		t.Fatal("expected a stream start")
	}

	// The STREAM_START-armed deadline timer is stopped, so a stream
	// running well past the original request's timeout must still be able
	// to deliver chunks without the entry being cancelled out from under
	// it.
	time.Sleep(30 * time.Millisecond)
	table.DeliverStreamChunk(&wire.StreamChunk{ID: entry.ID, Data: "data: late\n\n"})
	table.DeliverStreamEnd(&wire.StreamEnd{ID: entry.ID, TotalChunks: 1})

	var sawChunk bool
	for msg := range chunks {
		if msg.chunk != nil {
			sawChunk = true
		}
		if msg.end != nil {
			if msg.end.Error != "" {
				t.Fatalf("expected clean end, got error: %s", msg.end.Error)
			}
			break
		}
	}
	if !sawChunk {
		t.Fatal("expected the late chunk to be delivered, not dropped by a stale deadline")
	}
}

func Test_pending_chunk_before_start_is_dropped(t *testing.T) {
	table := NewPendingTable(4)
	entry := table.Create(nil, time.Second)

	// a chunk with no preceding start must not panic or deadlock; it is
	// dropped and logged.
	table.DeliverStreamChunk(&wire.StreamChunk{ID: entry.ID, Data: "x"})

	table.Cancel(entry.ID, ErrRequestTimeout)
	_, _, _, err := entry.Await()
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func Test_pending_cancel_is_idempotent(t *testing.T) {
	table := NewPendingTable(4)
	entry := table.Create(nil, time.Second)

	entry.Cancel(ErrSessionClosed)
	entry.Cancel(ErrSessionClosed) // must not panic on double-close

	_, _, _, err := entry.Await()
	if !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func Test_pending_timeout_fires_after_deadline(t *testing.T) {
	table := NewPendingTable(4)
	entry := table.Create(nil, 10*time.Millisecond)

	_, _, _, err := entry.Await()
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("expected ErrRequestTimeout, got %v", err)
	}
}

func Test_pending_fail_all_owned_by_only_affects_owner(t *testing.T) {
	table := NewPendingTable(4)
	ownerA := &Session{id: "a"}
	ownerB := &Session{id: "b"}

	entryA := table.Create(ownerA, time.Second)
	entryB := table.Create(ownerB, time.Second)

	table.FailAllOwnedBy(ownerA, ErrSessionClosed)

	_, _, _, errA := entryA.Await()
	if !errors.Is(errA, ErrSessionClosed) {
		t.Fatalf("expected ownerA's entry to fail, got %v", errA)
	}

	table.Cancel(entryB.ID, ErrRequestTimeout)
	_, _, _, errB := entryB.Await()
	if !errors.Is(errB, ErrRequestTimeout) {
		t.Fatalf("expected ownerB's entry to still be independently cancellable, got %v", errB)
	}
}

func Test_pending_frame_for_unknown_id_is_dropped_not_fatal(t *testing.T) {
	table := NewPendingTable(4)
	// none of these must panic: the id was never created.
	table.DeliverResponse(&wire.Response{ID: "ghost"})
	table.DeliverStreamStart(&wire.StreamStart{ID: "ghost"})
	table.DeliverStreamChunk(&wire.StreamChunk{ID: "ghost"})
	table.DeliverStreamEnd(&wire.StreamEnd{ID: "ghost"})
}
