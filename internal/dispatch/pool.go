package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/nextlevelbuilder/mmrelay/internal/bus"
)

// ErrPoolClosed is returned by Submit once the pool has stopped.
var ErrPoolClosed = errors.New("worker pool closed")

// HandlerFunc processes one admitted event.
type HandlerFunc func(ctx context.Context, ev bus.InboundEvent)

// Pool runs a fixed number of workers over an unbounded FIFO queue. Submit
// never waits for a worker, so the receive loop keeps reading frames however
// long generation takes. Events are started in submission order; completion
// order across workers is not guaranteed.
type Pool struct {
	workers  int
	backlog  int
	handle   HandlerFunc
	ready    chan struct{}
	done     chan struct{}
	once     sync.Once
	mu       sync.Mutex
	queue    []bus.InboundEvent
	overfull bool
}

// NewPool creates a pool with the given number of workers. backlog is the
// queue length above which a warning is logged; it does not bound the queue.
func NewPool(workers, backlog int, handle HandlerFunc) *Pool {
	return &Pool{
		workers: max(workers, 1),
		backlog: max(backlog, 1),
		handle:  handle,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Submit appends ev to the queue and returns immediately.
func (p *Pool) Submit(ctx context.Context, ev bus.InboundEvent) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	p.queue = append(p.queue, ev)
	n := len(p.queue)
	warn := n > p.backlog && !p.overfull
	if warn {
		p.overfull = true
	}
	p.mu.Unlock()

	if warn {
		slog.Warn("worker pool backlog growing", "pending", n, "workers", p.workers)
	}
	p.signal()
	return nil
}

// Pending returns the number of queued events not yet picked up.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has returned. Cancelling ctx also cancels in-flight handlers.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := range p.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.work(ctx, i)
		}()
	}
	slog.Debug("worker pool started", "workers", p.workers, "backlog_warn", p.backlog)

	<-ctx.Done()
	p.once.Do(func() { close(p.done) })
	wg.Wait()

	if n := p.Pending(); n > 0 {
		slog.Warn("worker pool stopped with queued events", "dropped", n)
	}
	return nil
}

func (p *Pool) signal() {
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// next pops the oldest event. When more remain it wakes another worker, since
// ready holds at most one token.
func (p *Pool) next() (bus.InboundEvent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return bus.InboundEvent{}, false
	}
	ev := p.queue[0]
	p.queue[0] = bus.InboundEvent{}
	p.queue = p.queue[1:]
	if len(p.queue) > 0 {
		p.signal()
	} else {
		p.overfull = false
		p.queue = nil
	}
	return ev, true
}

func (p *Pool) work(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if ev, ok := p.next(); ok {
			p.safeHandle(ctx, id, ev)
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-p.ready:
		}
	}
}

func (p *Pool) safeHandle(ctx context.Context, id int, ev bus.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "worker", id, "post", ev.PostID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	p.handle(ctx, ev)
}
