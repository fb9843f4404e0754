package channel

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// result is what a blocked Request caller wakes up to: the raw response
// payload, or the error that ended the wait.
type result struct {
	payload []byte
	err     error
}

// pending is the request table: the rendezvous between Tx.Request (install,
// block) and the receive loop (complete, poison). Each outstanding request
// owns a one-shot slot realized as a buffered channel of capacity one, so the
// completing side never blocks on a caller that hasn't reached its receive
// yet.
//
// A single mutex guards the map. Contention is bounded by the rate of request
// initiation and completion, not of payload handling; no payload bytes are
// touched under the lock.
type pending struct {
	mu     sync.Mutex
	slots  map[uuid.UUID]chan result
	failed error // set once by poison; install fails from then on
	max    int   // 0 = unbounded
}

func newPending(max int) *pending {
	return &pending{
		slots: make(map[uuid.UUID]chan result),
		max:   max,
	}
}

// install claims a slot for id. It must happen before the request frame is
// written: the response can arrive on the receive loop before the sender
// returns from its write.
func (p *pending) install(id uuid.UUID) (chan result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoisoned, p.failed)
	}
	if p.max > 0 && len(p.slots) >= p.max {
		return nil, ErrTooManyInflight
	}
	if _, dup := p.slots[id]; dup {
		return nil, fmt.Errorf("%w: duplicate request id %s", ErrProtocol, id)
	}
	ch := make(chan result, 1)
	p.slots[id] = ch
	return ch, nil
}

// remove discards an installed slot after the request frame failed to write.
func (p *pending) remove(id uuid.UUID) {
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}

// complete transfers the raw response payload into id's slot and wakes the
// waiter. Reports whether a slot was present.
func (p *pending) complete(id uuid.UUID, payload []byte) bool {
	return p.deliver(id, result{payload: payload})
}

// fail wakes id's waiter with an error instead of a payload. Reports whether
// a slot was present.
func (p *pending) fail(id uuid.UUID, err error) bool {
	return p.deliver(id, result{err: err})
}

func (p *pending) deliver(id uuid.UUID, res result) bool {
	p.mu.Lock()
	ch, ok := p.slots[id]
	delete(p.slots, id)
	p.mu.Unlock()
	if ok {
		ch <- res
	}
	return ok
}

// poison wakes every present waiter with the cause and rejects all future
// installs. The first cause wins; later calls are no-ops for the flag but
// still drain any slot installed in between.
func (p *pending) poison(cause error) {
	p.mu.Lock()
	if p.failed == nil {
		p.failed = cause
	}
	cause = p.failed
	slots := p.slots
	p.slots = make(map[uuid.UUID]chan result)
	p.mu.Unlock()

	for _, ch := range slots {
		ch <- result{err: fmt.Errorf("%w: %w", ErrPoisoned, cause)}
	}
}

// inflight reports the number of outstanding requests.
func (p *pending) inflight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
