package llm

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

// pool bounds the number of provider calls in flight. Each call runs on its
// own goroutine so a caller whose context ends is released immediately.
type pool struct {
	sem *semaphore.Weighted
}

func newPool(workers int) *pool {
	if workers < 1 {
		workers = 1
	}
	return &pool{sem: semaphore.NewWeighted(int64(workers))}
}

type result struct {
	text string
	err  error
}

func (p *pool) run(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	done := make(chan result, 1)
	go func() {
		defer p.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: errors.Errorf("provider panic: %v", r)}
			}
		}()
		text, err := fn(ctx)
		done <- result{text: text, err: err}
	}()
	select {
	case r := <-done:
		return r.text, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
