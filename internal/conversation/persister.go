package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const persistQueueSize = 256

type persistOp struct {
	name  string
	run   func(ctx context.Context) error
	flush chan struct{} // non-nil for flush markers
}

// persister applies repository writes in submission order on one goroutine.
type persister struct {
	ops    chan persistOp
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func newPersister() *persister {
	ctx, cancel := context.WithCancel(context.Background())
	p := &persister{
		ops:    make(chan persistOp, persistQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// enqueue blocks when the queue is full; writes are never dropped.
func (p *persister) enqueue(name string, run func(ctx context.Context) error) {
	select {
	case p.ops <- persistOp{name: name, run: run}:
	case <-p.ctx.Done():
		slog.Warn("Conversation persister closed, dropping write", "op", name)
	}
}

// flush waits until every op enqueued before the call has been applied.
func (p *persister) flush(ctx context.Context) error {
	done := make(chan struct{})
	select {
	case p.ops <- persistOp{name: "flush", flush: done}:
	case <-p.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-p.ctx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *persister) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case op := <-p.ops:
			p.apply(op)
		}
	}
}

func (p *persister) apply(op persistOp) {
	if op.flush != nil {
		close(op.flush)
		return
	}
	start := time.Now()
	if err := op.run(p.ctx); err != nil {
		slog.Error("Failed to persist conversation state", "op", op.name, "error", err)
		return
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		slog.Warn("Slow conversation write", "op", op.name, "duration_ms", d.Milliseconds())
	}
}

// close drains queued writes, then stops the goroutine.
func (p *persister) close(ctx context.Context) error {
	var err error
	p.once.Do(func() {
		err = p.flush(ctx)
		p.cancel()
		p.wg.Wait()
	})
	return err
}
