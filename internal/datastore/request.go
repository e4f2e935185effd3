package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tonimelisma/docsync/internal/remote"
)

// Source tells which leg produced a result.
type Source int

const (
	SourceLocal Source = iota
	SourceNetwork
)

func (s Source) String() string {
	if s == SourceNetwork {
		return "network"
	}

	return "local"
}

// Result is one completion of a Request.
type Result[T any] struct {
	Value  T
	Err    error
	Source Source
}

type mode int

const (
	modeLocal mode = iota
	modeNetwork
	modeBoth
)

// strategy is the policy-independent body of an operation. run decides
// which legs execute and in what order.
type strategy[T any] interface {
	executeLocal(ctx context.Context, p *Progress) (T, error)
	executeNetwork(ctx context.Context, p *Progress) (T, error)
}

// legs adapts two functions to strategy. A nil leg fails with
// ErrInvalidStoreType when selected.
type legs[T any] struct {
	local   func(ctx context.Context, p *Progress) (T, error)
	network func(ctx context.Context, p *Progress) (T, error)
}

func (l legs[T]) executeLocal(ctx context.Context, p *Progress) (T, error) {
	if l.local == nil {
		var zero T
		return zero, fmt.Errorf("%w: no local execution", ErrInvalidStoreType)
	}

	return l.local(ctx, p)
}

func (l legs[T]) executeNetwork(ctx context.Context, p *Progress) (T, error) {
	if l.network == nil {
		var zero T
		return zero, fmt.Errorf("%w: no network execution", ErrInvalidStoreType)
	}

	return l.network(ctx, p)
}

// Progress counts units of work (pages, chunks, operations) of a request.
type Progress struct {
	done  atomic.Int64
	total atomic.Int64
}

func (p *Progress) addTotal(n int) {
	p.total.Add(int64(n))
}

func (p *Progress) step() {
	p.done.Add(1)
}

// Request is the handle of an operation in flight.
type Request[T any] struct {
	cancel   context.CancelFunc
	results  chan Result[T]
	done     chan struct{}
	progress Progress

	mu   sync.Mutex
	last Result[T]
}

// Results delivers every completion, local first, and is closed after the
// last one.
func (r *Request[T]) Results() <-chan Result[T] {
	return r.results
}

// Done is closed once every completion has been delivered.
func (r *Request[T]) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the request finishes and returns its last, most
// authoritative completion.
func (r *Request[T]) Wait() (T, error) {
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.last.Value, r.last.Err
}

// Cancel aborts every outstanding leg and sub-request.
func (r *Request[T]) Cancel() {
	r.cancel()
}

// Progress reports completed and total units of work.
func (r *Request[T]) Progress() (done, total int64) {
	return r.progress.done.Load(), r.progress.total.Load()
}

// run starts s under mode m. Exactly one completion is delivered for
// modeLocal and modeNetwork and exactly two, local first, for modeBoth.
func run[T any](parent context.Context, m mode, s strategy[T]) *Request[T] {
	ctx, cancel := context.WithCancel(parent)

	r := &Request[T]{
		cancel:  cancel,
		results: make(chan Result[T], 2),
		done:    make(chan struct{}),
	}

	go func() {
		defer cancel()
		defer close(r.done)
		defer close(r.results)

		if m == modeLocal || m == modeBoth {
			v, err := s.executeLocal(ctx, &r.progress)
			r.deliver(Result[T]{Value: v, Err: cancelled(ctx, err), Source: SourceLocal})
		}

		if m == modeNetwork || m == modeBoth {
			var (
				v   T
				err error
			)

			if ctx.Err() != nil {
				err = cancelled(ctx, ctx.Err())
			} else {
				v, err = s.executeNetwork(ctx, &r.progress)
			}

			r.deliver(Result[T]{Value: v, Err: cancelled(ctx, err), Source: SourceNetwork})
		}
	}()

	return r
}

// failed returns a request that completes once with err.
func failed[T any](err error) *Request[T] {
	return run[T](context.Background(), modeLocal, legs[T]{
		local: func(context.Context, *Progress) (T, error) {
			var zero T
			return zero, err
		},
	})
}

func (r *Request[T]) deliver(res Result[T]) {
	r.mu.Lock()
	r.last = res
	r.mu.Unlock()

	r.results <- res
}

// cancelled maps context cancellation to the RequestCancelled kind.
func cancelled(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, remote.ErrRequestCancelled) {
		return err
	}

	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%w: %w", remote.ErrRequestCancelled, err)
	}

	return err
}
