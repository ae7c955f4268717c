package engine

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/haivivi/nexus/pkg/buffer"
)

// InvocationOptions configures NewInvocation.
type InvocationOptions struct {
	// Engine tags failures raised by the invocation.
	Engine ID

	// IdleTimeout bounds the wait for each fragment. Zero disables it.
	IdleTimeout time.Duration
}

// Invocation is one in-flight streaming call.
//
// Next is intended for a single consumer goroutine. Cancel may be called
// from any goroutine at any time.
type Invocation struct {
	engine ID
	idle   time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	queue  *buffer.Queue[string]

	mu        sync.Mutex
	failure   *Failure
	finished  bool
	cancelled bool
	received  int
}

// NewInvocation returns an invocation and the Emitter its producer writes
// to. The producer must end the stream with exactly one Done or Fail, and
// should stop as soon as Emitter.Context is done.
func NewInvocation(ctx context.Context, opts InvocationOptions) (*Invocation, *Emitter) {
	ctx, cancel := context.WithCancel(ctx)
	inv := &Invocation{
		engine: opts.Engine,
		idle:   opts.IdleTimeout,
		ctx:    ctx,
		cancel: cancel,
		queue:  buffer.NewQueue[string](32),
	}
	return inv, &Emitter{inv: inv}
}

// Engine returns the engine tag of the invocation.
func (inv *Invocation) Engine() ID {
	return inv.engine
}

// Next returns the next fragment.
//
// It returns ErrDone when the stream completes or was cancelled, and a
// *Failure when the producer failed or no fragment arrived within the idle
// timeout. Fragments emitted before a failure are delivered first.
func (inv *Invocation) Next() (string, error) {
	inv.mu.Lock()
	if inv.cancelled {
		inv.mu.Unlock()
		return "", ErrDone
	}
	if inv.finished {
		err := inv.terminal()
		inv.mu.Unlock()
		return "", err
	}
	idle := inv.idle
	inv.mu.Unlock()

	ctx := inv.ctx
	if idle > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeout(ctx, idle)
		defer stop()
	}
	s, err := inv.queue.Pop(ctx)

	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.cancelled {
		return "", ErrDone
	}
	if err == nil {
		inv.received++
		return s, nil
	}
	switch {
	case errors.Is(err, io.EOF):
	case inv.ctx.Err() != nil:
		// Parent context cancelled.
		inv.cancelled = true
		inv.queue.CloseWithError(inv.ctx.Err())
		return "", ErrDone
	case errors.Is(err, context.DeadlineExceeded):
		inv.failure = &Failure{Engine: inv.engine, Kind: KindTimeout, Err: ErrIdleTimeout}
		inv.queue.CloseWithError(ErrIdleTimeout)
	default:
		if inv.failure == nil {
			inv.failure = &Failure{Engine: inv.engine, Kind: KindProtocol, Err: err}
		}
	}
	inv.finished = true
	inv.cancel()
	return "", inv.terminal()
}

// DefaultIdleTimeout sets the idle timeout if the engine did not set one.
func (inv *Invocation) DefaultIdleTimeout(d time.Duration) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.idle <= 0 {
		inv.idle = d
	}
}

// Cancel stops the invocation. Undelivered fragments are dropped and Next
// returns ErrDone from now on. Cancel is idempotent and a no-op once the
// stream has completed.
func (inv *Invocation) Cancel() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.cancelled || inv.finished {
		return
	}
	inv.cancelled = true
	inv.cancel()
	inv.queue.CloseWithError(context.Canceled)
}

// Cancelled reports whether the invocation was cancelled before completion.
func (inv *Invocation) Cancelled() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.cancelled
}

// Err returns the failure that terminated the stream, or nil.
func (inv *Invocation) Err() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.cancelled || !inv.finished || inv.failure == nil {
		return nil
	}
	return inv.failure
}

// Received returns the number of fragments delivered by Next.
func (inv *Invocation) Received() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.received
}

func (inv *Invocation) terminal() error {
	if inv.failure != nil {
		return inv.failure
	}
	return ErrDone
}

// Emitter is the producer side of an Invocation.
type Emitter struct {
	inv  *Invocation
	once sync.Once
}

// Context is cancelled when the invocation is cancelled or has finished.
func (e *Emitter) Context() context.Context {
	return e.inv.ctx
}

// Emit appends a fragment. Empty fragments are ignored. It returns an error
// once the invocation no longer accepts fragments.
func (e *Emitter) Emit(fragment string) error {
	if fragment == "" {
		return nil
	}
	return e.inv.queue.Push(fragment)
}

// Done completes the stream successfully.
func (e *Emitter) Done() {
	e.once.Do(func() { e.inv.queue.CloseWrite() })
}

// Fail terminates the stream with a failure. A failure caused by the
// invocation's own cancellation is treated as cancellation.
func (e *Emitter) Fail(kind FailureKind, err error) {
	e.once.Do(func() {
		inv := e.inv
		inv.mu.Lock()
		switch {
		case inv.cancelled, inv.finished:
		case inv.ctx.Err() != nil:
			inv.cancelled = true
		default:
			inv.failure = &Failure{Engine: inv.engine, Kind: kind, Err: err}
		}
		inv.mu.Unlock()
		inv.queue.CloseWrite()
	})
}

// Drain reads inv to the end, calling fn for every fragment. It returns nil
// when the stream completed or was cancelled, and the failure otherwise.
func Drain(inv *Invocation, fn func(string)) error {
	for {
		s, err := inv.Next()
		if err != nil {
			if errors.Is(err, ErrDone) {
				return nil
			}
			return err
		}
		if fn != nil {
			fn(s)
		}
	}
}

// Collect reads inv to the end and returns the concatenated output.
func Collect(inv *Invocation) (string, error) {
	var out []byte
	err := Drain(inv, func(s string) { out = append(out, s...) })
	return string(out), err
}
