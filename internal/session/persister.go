package session

import (
	"context"
	"log"
	"sync"
	"time"
)

// persistOp is one store write. after runs once the write was attempted,
// whatever the outcome.
type persistOp struct {
	name      string
	sessionID string
	fn        func(ctx context.Context) error
	after     func()
}

// persister applies store writes in the order they were enqueued
// ARCHITECTURAL DISCOVERY: in-memory state changes first and never waits on
// the store; a single goroutine replays the writes so the durable record
// sees the same order the coordinator did
type persister struct {
	mu         sync.Mutex
	queue      []persistOp
	closed     bool
	wake       chan struct{}
	done       chan struct{}
	retryDelay time.Duration
	opTimeout  time.Duration
}

func newPersister(retryDelay, opTimeout time.Duration) *persister {
	p := &persister{
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		retryDelay: retryDelay,
		opTimeout:  opTimeout,
	}
	go p.run()
	return p
}

// enqueue never blocks. It reports false when the persister is closed.
func (p *persister) enqueue(op persistOp) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Printf("Persist %s dropped after shutdown session=%s", op.name, op.sessionID)
		return false
	}
	p.queue = append(p.queue, op)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

func (p *persister) run() {
	defer close(p.done)
	for {
		op, ok := p.next()
		if !ok {
			return
		}
		p.apply(op)
	}
}

func (p *persister) next() (persistOp, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			op := p.queue[0]
			p.queue[0] = persistOp{}
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return op, true
		}
		if p.closed {
			p.mu.Unlock()
			return persistOp{}, false
		}
		p.mu.Unlock()
		<-p.wake
	}
}

// apply retries a failed write once. A write that still fails is logged with
// enough context to reconcile the store later.
func (p *persister) apply(op persistOp) {
	if op.after != nil {
		defer op.after()
	}
	if op.fn == nil {
		return
	}

	err := p.attempt(op)
	if err != nil {
		log.Printf("Persist %s failed, retrying in %s session=%s: %v", op.name, p.retryDelay, op.sessionID, err)
		time.Sleep(p.retryDelay)
		err = p.attempt(op)
	}
	if err != nil {
		log.Printf("Persist %s failed after retry session=%s: %v", op.name, op.sessionID, err)
	}
}

func (p *persister) attempt(op persistOp) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.opTimeout)
	defer cancel()
	return op.fn(ctx)
}

// flush waits until every write enqueued before the call has been attempted
func (p *persister) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	if !p.enqueue(persistOp{name: "flush", after: func() { close(barrier) }}) {
		return nil
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the writer
func (p *persister) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.done
}
