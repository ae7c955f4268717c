// Package tokenbus fans tokens from concurrently streaming engines into one
// ordered delivery stream.
//
// Producers never wait for sinks: Emit records the token in the producer's
// output and appends it to an unbounded queue. A single dispatcher goroutine
// delivers queued tokens to every subscribed sink in arrival order.
package tokenbus

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haivivi/nexus/pkg/buffer"
	"github.com/haivivi/nexus/pkg/engine"
)

var errHalted = errors.New("tokenbus: halted")

// Token is one fragment of an engine's output.
type Token struct {
	// ID is unique within a bus.
	ID string `json:"id"`
	// Seq is the arrival index on the bus, starting at 1.
	Seq    uint64    `json:"seq"`
	Engine engine.ID `json:"engine"`
	Value  string    `json:"value"`
}

// Sink receives tokens from the dispatcher goroutine.
type Sink interface {
	OnToken(Token)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Token)

func (f SinkFunc) OnToken(t Token) { f(t) }

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report sink panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithSink subscribes s before the dispatcher starts. Nil sinks are ignored.
func WithSink(s Sink) Option {
	return func(b *Bus) {
		if s != nil {
			b.sinks[b.nextSink] = s
			b.nextSink++
		}
	}
}

// Bus is an in-process token fan-in.
type Bus struct {
	queue  *buffer.Queue[Token]
	done   chan struct{}
	halted atomic.Bool
	logger *slog.Logger

	mu       sync.Mutex
	seq      uint64
	counts   map[engine.ID]int
	sinks    map[int]Sink
	nextSink int
}

// New starts a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		queue:  buffer.NewQueue[Token](64),
		done:   make(chan struct{}),
		logger: slog.Default(),
		counts: make(map[engine.ID]int),
		sinks:  make(map[int]Sink),
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.dispatch()
	return b
}

// Subscribe adds a sink and returns a function that removes it.
func (b *Bus) Subscribe(s Sink) (cancel func()) {
	b.mu.Lock()
	id := b.nextSink
	b.nextSink++
	b.sinks[id] = s
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.sinks, id)
		b.mu.Unlock()
	}
}

// Open returns a producer for one invocation of engine id.
func (b *Bus) Open(id engine.ID) *Producer {
	return &Producer{bus: b, engine: id}
}

// Count returns the number of tokens emitted by engine id.
func (b *Bus) Count(id engine.ID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[id]
}

// Close delivers all queued tokens and stops the dispatcher. It must not be
// called from a sink.
func (b *Bus) Close() {
	b.queue.CloseWrite()
	<-b.done
}

// Halt stops delivery immediately and drops queued tokens. No sink is
// called after Halt returns, except one already in progress. Halt never
// waits and is safe to call from a sink.
func (b *Bus) Halt() {
	b.halted.Store(true)
	b.queue.CloseWithError(errHalted)
}

// Done is closed when the dispatcher has stopped.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) emit(id engine.ID, value string) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.counts[id]++
	tok := Token{
		ID:     uuid.NewString(),
		Seq:    b.seq,
		Engine: id,
		Value:  value,
	}
	// Queue order equals Seq order because both happen under mu. After
	// Close or Halt the push fails and the token is only accumulated.
	_ = b.queue.Push(tok)
	return tok
}

func (b *Bus) dispatch() {
	defer close(b.done)
	ctx := context.Background()
	var sinks []Sink
	for {
		tok, err := b.queue.Pop(ctx)
		if err != nil {
			return
		}
		b.mu.Lock()
		sinks = sinks[:0]
		for _, s := range b.sinks {
			sinks = append(sinks, s)
		}
		b.mu.Unlock()
		for _, s := range sinks {
			if b.halted.Load() {
				return
			}
			b.deliver(s, tok)
		}
	}
}

func (b *Bus) deliver(s Sink, tok Token) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("tokenbus: sink panic", "engine", tok.Engine, "seq", tok.Seq, "panic", r)
		}
	}()
	s.OnToken(tok)
}

// Producer accumulates one invocation's output and forwards its tokens to
// the bus. A Producer must be used by one goroutine at a time.
type Producer struct {
	bus    *Bus
	engine engine.ID

	mu     sync.Mutex
	out    strings.Builder
	tokens int
}

// Engine returns the producer's engine tag.
func (p *Producer) Engine() engine.ID {
	return p.engine
}

// Emit records value and queues it for delivery. Accumulation happens
// whether or not a sink is subscribed and even after the bus is stopped.
func (p *Producer) Emit(value string) Token {
	p.mu.Lock()
	p.out.WriteString(value)
	p.tokens++
	p.mu.Unlock()
	return p.bus.emit(p.engine, value)
}

// Output returns the concatenation of all emitted values.
func (p *Producer) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

// Tokens returns the number of emitted values.
func (p *Producer) Tokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokens
}
