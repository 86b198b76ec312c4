// Package workerpool bounds how many blocking provider calls run at once.
package workerpool

import (
	"context"
	"errors"

	"golang.org/x/sync/semaphore"
)

// ErrBusy is returned by TryGo when the pool has no free slot.
var ErrBusy = errors.New("workerpool: no free worker")

// Pool runs functions on at most Size goroutines at a time. A Pool is shared
// by every session in the process; callers block in Do until a slot frees or
// their context is done.
type Pool struct {
	sem  *semaphore.Weighted
	size int64
}

// New returns a pool with size workers. Sizes below 1 are treated as 1.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Size returns the configured number of workers.
func (p *Pool) Size() int { return int(p.size) }

// Do runs fn on a worker and waits for it. The context only bounds the wait
// for a free worker; fn is expected to honor ctx itself.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn(ctx)
}

// TryGo starts fn in the background if a worker is free right now.
func (p *Pool) TryGo(ctx context.Context, fn func(ctx context.Context)) error {
	if !p.sem.TryAcquire(1) {
		return ErrBusy
	}
	go func() {
		defer p.sem.Release(1)
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every running function has returned or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	if err := p.sem.Acquire(ctx, p.size); err != nil {
		return err
	}
	p.sem.Release(p.size)
	return nil
}

// Do runs fn on pool and returns its result.
func Do[T any](ctx context.Context, p *Pool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
