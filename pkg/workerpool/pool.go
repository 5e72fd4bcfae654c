// Package workerpool fans a batch of independent items out over a fixed
// number of goroutines and returns the outcomes in input order.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrPanicked wraps a panic raised by a worker function.
var ErrPanicked = errors.New("worker panicked")

// Func processes one item.
type Func[T, R any] func(ctx context.Context, item T) (R, error)

// Outcome is the result of one item. Err is set when the function failed,
// panicked, or never ran because the context was done.
type Outcome[R any] struct {
	Value R
	Err   error
}

type Config struct {
	Workers int
}

func DefaultConfig() Config {
	return Config{Workers: 8}
}

// Pool runs batches with bounded concurrency. A Pool holds no per-batch
// state, so batches may run sequentially or concurrently.
type Pool[T, R any] struct {
	workers int
	fn      Func[T, R]
	logger  *zap.Logger

	processed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

func New[T, R any](cfg Config, fn Func[T, R], logger *zap.Logger) (*Pool[T, R], error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Pool[T, R]{workers: cfg.Workers, fn: fn, logger: logger}, nil
}

// Run processes every item and blocks until all are done. outcomes[i]
// belongs to items[i].
func (p *Pool[T, R]) Run(ctx context.Context, items []T) []Outcome[R] {
	out := make([]Outcome[R], len(items))
	if len(items) == 0 {
		return out
	}

	workers := min(p.workers, len(items))
	next := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range next {
				out[i] = p.do(ctx, i, items[i])
			}
		}()
	}
	for i := range items {
		next <- i
	}
	close(next)
	wg.Wait()

	p.logger.Debug("batch finished", zap.Int("items", len(items)), zap.Int("workers", workers))
	return out
}

func (p *Pool[T, R]) do(ctx context.Context, index int, item T) (o Outcome[R]) {
	defer func() {
		if v := recover(); v != nil {
			p.panicked.Add(1)
			o = Outcome[R]{Err: fmt.Errorf("%w: item %d: %v", ErrPanicked, index, v)}
		}
		p.processed.Add(1)
		if o.Err != nil {
			p.failed.Add(1)
			p.logger.Error("item failed", zap.Int("index", index), zap.Error(o.Err))
		}
	}()

	if err := ctx.Err(); err != nil {
		return Outcome[R]{Err: err}
	}
	v, err := p.fn(ctx, item)
	return Outcome[R]{Value: v, Err: err}
}

// Stats are cumulative over the pool's lifetime.
type Stats struct {
	Processed int64
	Failed    int64
	Panicked  int64
	Workers   int
}

func (p *Pool[T, R]) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Workers:   p.workers,
	}
}
