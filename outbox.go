package snapshot

import (
	"context"
	"sync"
)

// outbox queues deliveries produced under the write lock. They run once the
// lock is released, in commit order, by one goroutine at a time. A callback
// that mutates the store queues its own events behind the current one
// instead of waiting on the lock its caller holds.
type outbox struct {
	mu       sync.Mutex
	pending  []delivery
	draining bool
}

type delivery struct {
	ctx  context.Context
	call func(context.Context)
}

func (o *outbox) push(d delivery) {
	o.mu.Lock()
	o.pending = append(o.pending, d)
	o.mu.Unlock()
}

// next pops the oldest delivery. It reports false, and gives up the drainer
// role, once the queue is empty.
func (o *outbox) next() (delivery, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		o.draining = false
		return delivery{}, false
	}
	d := o.pending[0]
	o.pending[0] = delivery{}
	o.pending = o.pending[1:]
	return d, true
}

func (o *outbox) claim() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.draining || len(o.pending) == 0 {
		return false
	}
	o.draining = true
	return true
}

// deliver queues call. ctx is handed to it without this store's visit mark
// so subscribers may write back to the store.
func (s *Store[T, M]) deliver(ctx context.Context, call func(context.Context)) {
	s.outbox.push(delivery{ctx: leaveStore(ctx, s), call: call})
}

// flush runs queued deliveries unless another goroutine is already doing so;
// that goroutine picks up whatever is queued here.
func (s *Store[T, M]) flush() {
	if !s.outbox.claim() {
		return
	}
	for {
		d, ok := s.outbox.next()
		if !ok {
			return
		}
		s.run(d)
	}
}

func (s *Store[T, M]) run(d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Errorw("event delivery panicked", "store", s.name, "panic", rec)
		}
	}()
	d.call(d.ctx)
}
