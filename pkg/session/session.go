// Package session holds the caller-facing state around the orchestrator:
// the selected strategy, the busy flag, and the last result.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haivivi/nexus/pkg/nexus"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

var (
	// ErrBusy is returned by Run while another run is in flight.
	ErrBusy = errors.New("session: run in flight")

	// ErrPanic wraps a panic recovered from a run.
	ErrPanic = errors.New("session: run panicked")

	ErrUnknownMode   = errors.New("session: unknown mode")
	ErrUnknownHybrid = errors.New("session: unknown hybrid flavor")
)

// Mode selects which engines a run uses.
type Mode string

const (
	ModeCloud  Mode = "cloud"
	ModeLocal  Mode = "local"
	ModeHybrid Mode = "hybrid"
)

// Hybrid selects the flavor of ModeHybrid.
type Hybrid string

const (
	HybridSequential  Hybrid = "sequential"
	HybridParallel    Hybrid = "parallel"
	HybridAdversarial Hybrid = "adversarial"
)

// Runner starts runs. *nexus.Orchestrator implements it.
type Runner interface {
	Start(ctx context.Context, prompt string, s nexus.Strategy, sink tokenbus.Sink) (*nexus.Run, error)
}

// Archive stores finished lineages. *lineage.MemoryStore and
// *lineage.BadgerStore implement it.
type Archive interface {
	Put(ctx context.Context, l *nexus.Lineage) error
}

// State is a snapshot of a session.
type State struct {
	Mode     Mode           `json:"mode" yaml:"mode"`
	Hybrid   Hybrid         `json:"hybrid" yaml:"hybrid"`
	Strategy nexus.Strategy `json:"strategy" yaml:"strategy"`
	Busy     bool           `json:"busy" yaml:"busy"`

	// RunID is the in-flight run, if any.
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`

	// LastRunID is the run held by Last.
	LastRunID string `json:"last_run_id,omitempty" yaml:"last_run_id,omitempty"`
	LastError string `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	Runs      int    `json:"runs" yaml:"runs"`
}

// Option configures a Session.
type Option func(*Session)

// WithArchive stores every finished lineage in a.
func WithArchive(a Archive) Option {
	return func(s *Session) { s.archive = a }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithStrategy sets the initial strategy.
func WithStrategy(st nexus.Strategy) Option {
	return func(s *Session) {
		if mode, hybrid, ok := split(st); ok {
			s.mode = mode
			if hybrid != "" {
				s.hybrid = hybrid
			}
		}
	}
}

// Session serializes runs for one caller. It is safe for concurrent use.
type Session struct {
	runner  Runner
	archive Archive
	logger  *slog.Logger

	mu     sync.Mutex
	mode   Mode
	hybrid Hybrid
	busy   bool
	run    *nexus.Run

	// cancelPending records a Cancel that arrived before the run was attached.
	cancelPending bool

	last      *nexus.Lineage
	lastErr   error
	runs      int
	observers map[int]func(State)
	nextObs   int
}

// New returns a session in cloud mode with the sequential hybrid flavor.
func New(r Runner, opts ...Option) *Session {
	s := &Session{
		runner:    r,
		logger:    slog.Default(),
		mode:      ModeCloud,
		hybrid:    HybridSequential,
		observers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetMode selects the mode. The hybrid flavor is kept.
func (s *Session) SetMode(m Mode) error {
	switch m {
	case ModeCloud, ModeLocal, ModeHybrid:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, m)
	}
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetHybrid selects the hybrid flavor. It does not change the mode.
func (s *Session) SetHybrid(h Hybrid) error {
	switch h {
	case HybridSequential, HybridParallel, HybridAdversarial:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownHybrid, h)
	}
	s.mu.Lock()
	s.hybrid = h
	s.mu.Unlock()
	s.notify()
	return nil
}

// SetStrategy selects mode and flavor from a strategy. It applies to the
// next run; a run in flight is not affected.
func (s *Session) SetStrategy(st nexus.Strategy) error {
	mode, hybrid, ok := split(st)
	if !ok {
		return fmt.Errorf("%w: %q", nexus.ErrUnknownStrategy, string(st))
	}
	s.mu.Lock()
	s.mode = mode
	if hybrid != "" {
		s.hybrid = hybrid
	}
	s.mu.Unlock()
	s.notify()
	return nil
}

// Strategy returns the strategy the next run will use.
func (s *Session) Strategy() nexus.Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategyLocked()
}

func (s *Session) strategyLocked() nexus.Strategy {
	switch s.mode {
	case ModeLocal:
		return nexus.SingleLocal
	case ModeHybrid:
		return nexus.Strategy("hybrid-" + string(s.hybrid))
	default:
		return nexus.SingleCloud
	}
}

func split(st nexus.Strategy) (Mode, Hybrid, bool) {
	switch st {
	case nexus.SingleCloud:
		return ModeCloud, "", true
	case nexus.SingleLocal:
		return ModeLocal, "", true
	case nexus.HybridSequential:
		return ModeHybrid, HybridSequential, true
	case nexus.HybridParallel:
		return ModeHybrid, HybridParallel, true
	case nexus.HybridAdversarial:
		return ModeHybrid, HybridAdversarial, true
	}
	return "", "", false
}

// Run runs prompt with the selected strategy and waits for the result.
//
// It returns ErrBusy if a run is already in flight. The busy flag is set
// before the orchestrator is called and cleared when Run returns, including
// when the run panics; the panic is returned as an error wrapping ErrPanic.
// Only successful runs replace Last.
func (s *Session) Run(ctx context.Context, prompt string, onToken func(tokenbus.Token)) (l *nexus.Lineage, err error) {
	g, err := s.acquire()
	if err != nil {
		return nil, err
	}
	defer g.release()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session: run panic", "panic", r)
			l, err = nil, fmt.Errorf("%w: %v", ErrPanic, r)
			s.finish(nil, err)
		}
	}()

	var sink tokenbus.Sink
	if onToken != nil {
		sink = tokenbus.SinkFunc(onToken)
	}
	run, err := s.runner.Start(ctx, prompt, s.Strategy(), sink)
	if err != nil {
		s.finish(nil, err)
		return nil, err
	}
	g.attach(run)

	l, err = run.Wait()
	s.finish(l, err)
	if l != nil && len(l.Envelopes) > 0 && s.archive != nil {
		// a cancelled run is still archived
		if aerr := s.archive.Put(context.WithoutCancel(ctx), l); aerr != nil {
			s.logger.Warn("session: archive lineage", "run", l.RunID, "error", aerr)
		}
	}
	return l, err
}

// Cancel cancels the in-flight run. It is a no-op when idle. A Cancel
// issued while the run is still starting takes effect once it has started.
func (s *Session) Cancel() {
	s.mu.Lock()
	run := s.run
	if run == nil && s.busy {
		s.cancelPending = true
	}
	s.mu.Unlock()
	if run != nil {
		run.Cancel()
	}
}

// Last returns the last successful lineage, or nil before the first one.
func (s *Session) Last() *nexus.Lineage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// LastError returns the error of the most recent run, nil if it succeeded.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Busy reports whether a run is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// State returns a snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

func (s *Session) stateLocked() State {
	st := State{
		Mode:     s.mode,
		Hybrid:   s.hybrid,
		Strategy: s.strategyLocked(),
		Busy:     s.busy,
		Runs:     s.runs,
	}
	if s.run != nil {
		st.RunID = s.run.ID()
	}
	if s.last != nil {
		st.LastRunID = s.last.RunID
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Subscribe registers fn to receive a snapshot after every state change.
// fn is called synchronously and must not call back into Run.
func (s *Session) Subscribe(fn func(State)) (cancel func()) {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

func (s *Session) notify() {
	s.mu.Lock()
	st := s.stateLocked()
	fns := make([]func(State), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (s *Session) finish(l *nexus.Lineage, err error) {
	s.mu.Lock()
	s.runs++
	s.lastErr = err
	if err == nil && l != nil {
		s.last = l
	}
	s.mu.Unlock()
}

// guard owns the busy flag for the duration of one Run.
type guard struct {
	s    *Session
	once sync.Once
}

func (s *Session) acquire() (*guard, error) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.busy = true
	s.mu.Unlock()
	s.notify()
	return &guard{s: s}, nil
}

func (g *guard) attach(run *nexus.Run) {
	g.s.mu.Lock()
	g.s.run = run
	pending := g.s.cancelPending
	g.s.cancelPending = false
	g.s.mu.Unlock()
	g.s.notify()
	if pending {
		run.Cancel()
	}
}

func (g *guard) release() {
	g.once.Do(func() {
		g.s.mu.Lock()
		g.s.busy = false
		g.s.run = nil
		g.s.cancelPending = false
		g.s.mu.Unlock()
		g.s.notify()
	})
}
