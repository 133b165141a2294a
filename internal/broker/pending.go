package broker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tunely/tunely/internal/wire"
)

// Kind distinguishes whether a pending entry ultimately resolves to a
// single RESPONSE or a START/CHUNK*/END stream. It is unset until the
// first reply frame for the id arrives.
type Kind int

const (
	kindUnset Kind = iota
	KindUnary
	KindStream
)

// firstFrame is delivered exactly once: either the unary response, the
// stream's START, or a terminal error (timeout, session loss, cancel).
type firstFrame struct {
	response *wire.Response
	start    *wire.StreamStart
	err      error
}

// streamMsg carries one post-START event: a chunk, or the terminal end
// (possibly carrying an error).
type streamMsg struct {
	chunk *wire.StreamChunk
	end   *wire.StreamEnd
}

// PendingEntry is broker-side bookkeeping for one in-flight forwarded
// request, alive for exactly the interval between dispatching REQUEST and
// completion (response delivered, stream ended, timeout, or session loss).
type PendingEntry struct {
	ID      string
	Owner   *Session
	mu      sync.Mutex
	kind    Kind
	firstCh chan firstFrame
	chunkCh chan streamMsg
	closed  chan struct{}
	depth   int
	done    bool
	timer   *time.Timer
	table   *PendingTable
}

// PendingTable is the process-wide id -> PendingEntry map.
type PendingTable struct {
	mu      sync.Mutex
	entries map[string]*PendingEntry
	depth   int
}

// NewPendingTable creates an empty table. chunkQueueDepth bounds each
// stream's chunk channel (spec suggests 64-256).
func NewPendingTable(chunkQueueDepth int) *PendingTable {
	if chunkQueueDepth <= 0 {
		chunkQueueDepth = 128
	}
	return &PendingTable{entries: make(map[string]*PendingEntry), depth: chunkQueueDepth}
}

// Create allocates a fresh, collision-resistant request id, registers an
// entry owned by sess, and arms a deadline timer that cancels the entry
// with ErrRequestTimeout when it fires.
func (t *PendingTable) Create(sess *Session, deadline time.Duration) *PendingEntry {
	e := &PendingEntry{
		ID:      uuid.NewString(),
		Owner:   sess,
		firstCh: make(chan firstFrame, 1),
		closed:  make(chan struct{}),
		depth:   t.depth,
		table:   t,
	}
	t.mu.Lock()
	t.entries[e.ID] = e
	t.mu.Unlock()

	e.timer = time.AfterFunc(deadline, func() {
		t.Cancel(e.ID, ErrRequestTimeout)
	})
	return e
}

func (t *PendingTable) get(id string) *PendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.entries[id]
}

func (t *PendingTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// DeliverResponse handles an inbound RESPONSE frame. If the id is unknown
// it is dropped and logged. If the entry had already committed to
// streaming (a STREAM_START arrived first), the RESPONSE is a protocol
// violation and the stream is failed instead.
func (t *PendingTable) DeliverResponse(resp *wire.Response) {
	e := t.get(resp.ID)
	if e == nil {
		slog.Warn("response for unknown pending id dropped", "id", resp.ID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	switch e.kind {
	case kindUnset:
		e.kind = KindUnary
		e.done = true
		e.timer.Stop()
		t.remove(e.ID)
		e.firstCh <- firstFrame{response: resp}
	case KindStream:
		slog.Warn("unary response arrived for a streaming entry, protocol error", "id", resp.ID)
		t.failLocked(e, ErrProtocol)
	default:
		// already unary and done; nothing to do
	}
}

// DeliverStreamStart handles an inbound STREAM_START. A duplicate START for
// an entry already committed to streaming is dropped and logged.
func (t *PendingTable) DeliverStreamStart(start *wire.StreamStart) {
	e := t.get(start.ID)
	if e == nil {
		slog.Warn("stream start for unknown pending id dropped", "id", start.ID)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	if e.kind != kindUnset {
		slog.Warn("duplicate stream start dropped", "id", start.ID)
		return
	}
	e.kind = KindStream
	e.chunkCh = make(chan streamMsg, e.depth)
	// A stream's lifetime isn't bounded by the unary request deadline that
	// armed this timer; event streams routinely outlive it. Further
	// termination is driven by STREAM_END or session teardown only: a public
	// client disconnecting after this point does not cancel the entry
	// (awaitFirst watches the client only until the first frame arrives).
	e.timer.Stop()
	e.firstCh <- firstFrame{start: start}
}

// DeliverStreamChunk handles an inbound STREAM_CHUNK. A chunk arriving
// before START is dropped and logged (ordering violation). Sending into
// the bounded chunk channel is the back-pressure point: if the consumer
// (the public HTTP writer) is slow, this call blocks, which stalls the
// session's reader loop and, transitively, the agent's writer. The send
// races against e.closed rather than against chunkCh being closed out from
// under it: chunkCh itself is never closed, so a concurrent failLocked can
// never turn this send into a panic.
func (t *PendingTable) DeliverStreamChunk(chunk *wire.StreamChunk) {
	e := t.get(chunk.ID)
	if e == nil {
		slog.Warn("stream chunk for unknown pending id dropped", "id", chunk.ID)
		return
	}

	e.mu.Lock()
	if e.done || e.kind != KindStream {
		e.mu.Unlock()
		slog.Warn("stream chunk before start dropped", "id", chunk.ID)
		return
	}
	ch := e.chunkCh
	closed := e.closed
	e.mu.Unlock()

	select {
	case ch <- streamMsg{chunk: chunk}:
	case <-closed:
	}
}

// DeliverStreamEnd handles an inbound STREAM_END, terminating the entry.
func (t *PendingTable) DeliverStreamEnd(end *wire.StreamEnd) {
	e := t.get(end.ID)
	if e == nil {
		slog.Warn("stream end for unknown pending id dropped", "id", end.ID)
		return
	}

	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	if e.kind != KindStream {
		// END with no preceding START: treat like a lone error termination.
		e.kind = KindStream
		e.chunkCh = make(chan streamMsg, e.depth)
	}
	e.done = true
	e.timer.Stop()
	ch := e.chunkCh
	closed := e.closed
	e.mu.Unlock()

	t.remove(e.ID)
	ch <- streamMsg{end: end}
	close(closed)
}

// Cancel removes the entry and fails any waiter with reason. A no-op if the
// entry has already completed.
func (t *PendingTable) Cancel(id string, reason error) {
	e := t.get(id)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t.failLocked(e, reason)
}

// failLocked fails e with reason; caller must hold e.mu.
func (t *PendingTable) failLocked(e *PendingEntry, reason error) {
	if e.done {
		return
	}
	e.done = true
	e.timer.Stop()
	t.remove(e.ID)

	switch e.kind {
	case kindUnset:
		e.firstCh <- firstFrame{err: reason}
	case KindStream:
		select {
		case e.chunkCh <- streamMsg{end: &wire.StreamEnd{ID: e.ID, Error: reason.Error()}}:
		default:
			// Buffer full: the consumer will learn of the failure via
			// e.closed instead, since chunkCh is never closed directly.
		}
	}
	close(e.closed)
}

// FailAllOwnedBy fails every entry owned by sess with reason. Called from a
// Session's teardown path on close or preemption.
func (t *PendingTable) FailAllOwnedBy(sess *Session, reason error) {
	t.mu.Lock()
	owned := make([]*PendingEntry, 0)
	for _, e := range t.entries {
		if e.Owner == sess {
			owned = append(owned, e)
		}
	}
	t.mu.Unlock()

	for _, e := range owned {
		e.mu.Lock()
		t.failLocked(e, reason)
		e.mu.Unlock()
	}
}

// Cancel fails this entry with reason; a no-op if it has already completed.
func (e *PendingEntry) Cancel(reason error) {
	e.table.Cancel(e.ID, reason)
}

// Await blocks until the entry's first frame arrives (response or stream
// start) or it is failed/cancelled.
func (e *PendingEntry) Await() (response *wire.Response, streamStart *wire.StreamStart, streamCh <-chan streamMsg, err error) {
	first := <-e.firstCh
	if first.err != nil {
		return nil, nil, nil, first.err
	}
	if first.response != nil {
		return first.response, nil, nil, nil
	}
	return nil, first.start, e.chunkCh, nil
}

// Closed returns a channel that is closed once the entry has been failed or
// cancelled. A stream consumer selects on it alongside streamCh so it can
// stop even if a terminal frame never made it into the (never-closed,
// bounded) chunk channel.
func (e *PendingEntry) Closed() <-chan struct{} {
	return e.closed
}
