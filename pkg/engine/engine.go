// Package engine defines the uniform streaming contract for generation
// back-ends and the adapters that implement it.
//
// An Engine turns a prompt into an Invocation: a cancellable stream of text
// fragments that ends with ErrDone or a *Failure. Adapters never panic or
// return errors out of band; everything is reported through the stream.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ID tags which side of the router an engine serves.
type ID string

const (
	Cloud ID = "cloud"
	Local ID = "local"
)

// Valid reports whether id is one of the known engine identifiers.
func (id ID) Valid() bool {
	return id == Cloud || id == Local
}

// Opponent returns the other engine identifier.
func (id ID) Opponent() ID {
	if id == Cloud {
		return Local
	}
	return Cloud
}

func (id ID) String() string {
	return string(id)
}

// Engine is a generation back-end exposing a streaming call and a probe.
type Engine interface {
	// ID returns the engine tag. Every token produced by this engine's
	// invocations carries it.
	ID() ID

	// Name returns a back-end/model label, e.g. "ollama/llama3".
	Name() string

	// Invoke starts generating for prompt. It never blocks on the first
	// fragment; failures are reported through the returned Invocation.
	Invoke(ctx context.Context, prompt string) *Invocation

	// Available probes the back-end without side effects.
	Available(ctx context.Context) bool
}

var (
	// ErrDone is returned by Invocation.Next when the stream is complete,
	// including after Cancel.
	ErrDone = errors.New("engine: done")

	// ErrIdleTimeout is the cause of a KindTimeout failure.
	ErrIdleTimeout = errors.New("engine: idle timeout")

	// ErrUnknownKind is returned by Load for an unsupported adapter kind.
	ErrUnknownKind = errors.New("engine: unknown kind")

	errNoClient = errors.New("engine: no client configured")
)

// FailureKind classifies an invocation failure.
type FailureKind string

const (
	// KindTransport is a connection level failure.
	KindTransport FailureKind = "transport"
	// KindProtocol is a response that cannot be interpreted at all.
	KindProtocol FailureKind = "protocol"
	// KindRemote is an error reported by the back-end itself.
	KindRemote FailureKind = "remote"
	// KindTimeout is an inter-arrival timeout.
	KindTimeout FailureKind = "timeout"
)

// Failure terminates an invocation stream.
type Failure struct {
	Engine ID
	Kind   FailureKind
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("engine/%s: %s: %v", f.Engine, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// FailureKindOf returns the kind of the *Failure wrapped by err, or "" if
// err is not a failure.
func FailureKindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// classify guesses the failure kind of a client error.
func classify(err error) FailureKind {
	var (
		netErr net.Error
		urlErr *url.Error
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &netErr), errors.As(err, &urlErr):
		return KindTransport
	default:
		return KindRemote
	}
}
