package serial

import (
	"context"
	"sync"
)

// Future is the eventual outcome of one enqueued item.
type Future[T any] struct {
	id   string
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) settle(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// ID is the item id handed to hooks. Empty for items rejected at enqueue.
func (f *Future[T]) ID() string { return f.id }

// Done is closed once the item has settled.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the item settles or ctx ends. Cancelling ctx does not
// cancel the item.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome and true once settled.
func (f *Future[T]) Result() (T, error, bool) {
	select {
	case <-f.done:
		return f.val, f.err, true
	default:
		var zero T
		return zero, nil, false
	}
}
