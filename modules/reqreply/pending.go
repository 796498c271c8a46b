package reqreply

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	statePending int32 = iota
	stateFilled
	stateExpired
)

// PendingReply tracks one outstanding request until it settles with a
// reply or an error. Settlement is terminal: exactly one of resolve and
// expire wins, every later attempt is a no-op.
type PendingReply struct {
	corrID string
	table  *pendingTable

	// state transitions Pending -> Filled|Expired exactly once.
	state atomic.Int32
	reply Reply
	err   error
	done  chan struct{}
}

// CorrelationID returns the id the reply will be matched by.
func (p *PendingReply) CorrelationID() string { return p.corrID }

// Done is closed once the reply settles.
func (p *PendingReply) Done() <-chan struct{} { return p.done }

// Wait blocks until the reply settles or ctx ends.
func (p *PendingReply) Wait(ctx context.Context) (Reply, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// Result returns the settled outcome. Before Done is closed it
// returns ErrPending.
func (p *PendingReply) Result() (Reply, error) {
	switch p.state.Load() {
	case stateFilled:
		if p.reply.OK {
			return p.reply, nil
		}
		if p.reply.Error != "" {
			return p.reply, fmt.Errorf("%w: %s", ErrHandlerFailure, p.reply.Error)
		}
		return p.reply, ErrHandlerFailure
	case stateExpired:
		return Reply{}, p.err
	default:
		return Reply{}, ErrPending
	}
}

// Cancel expires the pending reply and removes it from the table.
// It reports false if the reply already settled.
func (p *PendingReply) Cancel() bool {
	return p.table.expire(p.corrID, ErrCanceled)
}

// resolve fills the reply. The outcome is written before the state
// transition, so a Result poll that observes Filled reads a complete
// reply. The table hands each entry to exactly one settler, so the
// write cannot race another settlement.
func (p *PendingReply) resolve(r Reply) bool {
	p.reply = r
	if !p.state.CompareAndSwap(statePending, stateFilled) {
		return false
	}
	close(p.done)
	return true
}

func (p *PendingReply) expire(cause error) bool {
	p.err = cause
	if !p.state.CompareAndSwap(statePending, stateExpired) {
		return false
	}
	close(p.done)
	return true
}

// pendingTable maps correlation ids to their unsettled replies. Whoever
// removes an entry settles it, so a reply and an expiry racing for the
// same id cannot both win.
type pendingTable struct {
	mu     sync.Mutex
	m      map[string]*PendingReply
	closed bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*PendingReply)}
}

func (t *pendingTable) register(corrID string) (*PendingReply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if _, ok := t.m[corrID]; ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateCorrelationID, corrID)
	}
	p := &PendingReply{
		corrID: corrID,
		table:  t,
		done:   make(chan struct{}),
	}
	t.m[corrID] = p
	return p, nil
}

// resolve settles the entry with a reply. It reports false for unknown,
// already settled or expired ids.
func (t *pendingTable) resolve(corrID string, r Reply) bool {
	p, ok := t.remove(corrID)
	if !ok {
		return false
	}
	return p.resolve(r)
}

// expire settles the entry with an error. It reports false for unknown
// or already settled ids.
func (t *pendingTable) expire(corrID string, cause error) bool {
	p, ok := t.remove(corrID)
	if !ok {
		return false
	}
	return p.expire(cause)
}

// expireAll settles every entry and rejects future registrations.
func (t *pendingTable) expireAll(cause error) {
	t.mu.Lock()
	t.closed = true
	pending := make([]*PendingReply, 0, len(t.m))
	for _, p := range t.m {
		pending = append(pending, p)
	}
	clear(t.m)
	t.mu.Unlock()

	for _, p := range pending {
		p.expire(cause)
	}
}

func (t *pendingTable) remove(corrID string) (*PendingReply, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.m[corrID]
	if ok {
		delete(t.m, corrID)
	}
	return p, ok
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
