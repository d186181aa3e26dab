package reactor

import (
	"fmt"
	"log/slog"
	"sync"
)

// LoopPool owns the set of worker EventLoops a TcpServer hands accepted
// connections to. With Size() == 0 the pool degenerates to "single
// reactor": NextLoop always returns the base loop the acceptor itself
// runs on, so small deployments pay for exactly one OS thread.
type LoopPool struct {
	baseLoop *EventLoop
	logger   *slog.Logger

	mu      sync.Mutex
	loops   []*EventLoop
	started bool
	next    int
}

// NewLoopPool creates a pool that will spin up numLoops additional
// worker loops when Start is called, distinct from baseLoop (which
// typically only runs the Acceptor).
func NewLoopPool(baseLoop *EventLoop, logger *slog.Logger, numLoops int) (*LoopPool, error) {
	p := &LoopPool{baseLoop: baseLoop, logger: logger}
	for i := 0; i < numLoops; i++ {
		l, err := New(logger)
		if err != nil {
			for _, created := range p.loops {
				created.Close()
			}
			return nil, fmt.Errorf("creating worker loop %d/%d: %w", i+1, numLoops, err)
		}
		p.loops = append(p.loops, l)
	}
	return p, nil
}

// Start launches each worker loop's Loop method on its own goroutine
// and blocks until all of them have returned from this call (the loops
// themselves keep running; Start only waits for them to begin).
func (p *LoopPool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	var wg sync.WaitGroup
	for _, l := range p.loops {
		wg.Add(1)
		// Queued before Loop starts, so it runs on the first pending-task
		// drain; the explicit wakeup keeps the first poll from blocking.
		l.QueueInLoop(wg.Done)
		l.wakeup()
		go l.Loop()
	}
	wg.Wait()
}

// NextLoop returns the next worker loop in round-robin order, or the
// base loop if the pool has no workers of its own.
func (p *LoopPool) NextLoop() *EventLoop {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	l := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return l
}

// Size returns the number of dedicated worker loops (0 means
// single-reactor mode).
func (p *LoopPool) Size() int {
	return len(p.loops)
}

// Stop asks every worker loop to quit.
func (p *LoopPool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range p.loops {
		l.Quit()
	}
}

// Close releases every worker loop's descriptors. Call after each
// loop's Loop has returned.
func (p *LoopPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, l := range p.loops {
		if err := l.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
