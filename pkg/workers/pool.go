package workers

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolClosed is returned by Spawn after DrainAll has begun.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool is a registry of background workers keyed by stable ids. Every
// worker runs with a context derived from the pool's parent context;
// cancelling the pool cancels them all. DrainAll stops admission, cancels
// outstanding workers and waits for them to return.
type Pool struct {
	parent context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	nextID  int64
	cancels map[int64]context.CancelFunc
	closed  bool

	wg sync.WaitGroup
}

// NewPool returns a Pool whose workers inherit from parent.
func NewPool(parent context.Context) *Pool {
	ctx, cancel := context.WithCancel(parent)
	return &Pool{
		parent:  ctx,
		cancel:  cancel,
		cancels: make(map[int64]context.CancelFunc),
	}
}

// Spawn runs fn on a new goroutine and returns its worker id. The worker's
// context is cancelled by Cancel(id), CancelAll or DrainAll. fn must return
// promptly once its context is done.
func (p *Pool) Spawn(fn func(ctx context.Context)) (int64, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPoolClosed
	}
	p.nextID++
	id := p.nextID
	ctx, cancel := context.WithCancel(p.parent)
	p.cancels[id] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			p.remove(id)
			p.wg.Done()
		}()
		fn(ctx)
	}()
	return id, nil
}

// Cancel cancels one worker. Unknown ids are ignored.
func (p *Pool) Cancel(id int64) {
	p.mu.Lock()
	cancel, ok := p.cancels[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// CancelAll cancels every outstanding worker without closing the pool.
func (p *Pool) CancelAll() {
	p.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(p.cancels))
	for _, cancel := range p.cancels {
		cancels = append(cancels, cancel)
	}
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// DrainAll stops admitting new workers, cancels the outstanding ones and
// waits for them to return. The pool cannot be reused afterwards.
func (p *Pool) DrainAll() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

// Len returns the number of live workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cancels)
}

func (p *Pool) remove(id int64) {
	p.mu.Lock()
	if cancel, ok := p.cancels[id]; ok {
		cancel()
		delete(p.cancels, id)
	}
	p.mu.Unlock()
}
