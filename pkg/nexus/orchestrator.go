// Package nexus routes one prompt to a cloud and a local engine under an
// execution strategy and chains the results into a verifiable lineage.
//
// A run walks the strategy's plan step by step. Each step invokes one
// engine, streams its fragments through a token bus to the caller's sink,
// and seals the assembled output into an Envelope whose hash extends the
// run seed or an earlier envelope:
//
//	single-cloud        cloud                       (rehash = seed)
//	single-local        local                       (rehash = seed)
//	hybrid-sequential   cloud -> local -> cloud     (rehash = previous stage)
//	hybrid-parallel     cloud || local              (rehash = seed)
//	hybrid-adversarial  cloud || local, then
//	                    cloud critiques local || local critiques cloud
//	                                                (rehash = critiqued statement)
//
// Step failures never abort sibling steps. They are recorded in the lineage
// and, when a step produced partial output, kept as a degraded envelope. A
// run fails only when a whole phase produced no envelope or when it is
// cancelled.
package nexus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/hashchain"
	"github.com/haivivi/nexus/pkg/jsontime"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

// DefaultIdleTimeout bounds the wait between two fragments of one
// invocation unless the engine sets its own bound.
const DefaultIdleTimeout = 60 * time.Second

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIdleTimeout sets the inter-arrival bound for invocations whose engine
// has none. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.idleTimeout = d }
}

// WithCritiqueLimit caps, in runes, the statement and the original prompt
// embedded in a critique prompt. Zero means unlimited.
func WithCritiqueLimit(n int) Option {
	return func(o *Orchestrator) { o.critiqueLimit = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics sets the metrics collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// Orchestrator runs prompts against a cloud and a local engine. It is safe
// for concurrent use; each Start creates an independent Run.
type Orchestrator struct {
	cloud engine.Engine
	local engine.Engine

	idleTimeout   time.Duration
	critiqueLimit int
	logger        *slog.Logger
	metrics       *Metrics
}

// New returns an orchestrator. Either engine may be nil, in which case
// strategies needing it are rejected with ErrMissingEngine.
func New(cloud, local engine.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cloud:       cloud,
		local:       local,
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	return o
}

// Engine returns the engine tagged id, or nil.
func (o *Orchestrator) Engine(id engine.ID) engine.Engine {
	switch id {
	case engine.Cloud:
		return o.cloud
	case engine.Local:
		return o.local
	}
	return nil
}

// EngineStatus is the result of probing one engine.
type EngineStatus struct {
	Engine    engine.ID `json:"engine" yaml:"engine"`
	Name      string    `json:"name" yaml:"name"`
	Available bool      `json:"available" yaml:"available"`
}

// Preflight probes every configured engine concurrently. The result is
// advisory: runs never consult it.
func (o *Orchestrator) Preflight(ctx context.Context) []EngineStatus {
	var (
		wg  sync.WaitGroup
		out []EngineStatus
	)
	for _, e := range []engine.Engine{o.cloud, o.local} {
		if e == nil {
			continue
		}
		out = append(out, EngineStatus{Engine: e.ID(), Name: e.Name()})
	}
	for i := range out {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i].Available = o.Engine(out[i].Engine).Available(ctx)
			if !out[i].Available {
				o.logger.Warn("nexus: engine unavailable", "engine", out[i].Engine, "name", out[i].Name)
			}
		}()
	}
	wg.Wait()
	return out
}

// Start validates the request and starts a run in the background. Tokens
// are delivered to sink, which may be nil. Cancelling ctx cancels the run.
func (o *Orchestrator) Start(ctx context.Context, prompt string, s Strategy, sink tokenbus.Sink) (*Run, error) {
	if strings.TrimSpace(prompt) == "" {
		o.metrics.Runs.WithLabelValues(string(s), outcomeRejected).Inc()
		return nil, ErrEmptyPrompt
	}
	if !s.IsValid() {
		o.metrics.Runs.WithLabelValues("unknown", outcomeRejected).Inc()
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, string(s))
	}
	if err := o.checkEngines(s); err != nil {
		o.metrics.Runs.WithLabelValues(string(s), outcomeRejected).Inc()
		return nil, err
	}

	started := jsontime.NowMilli()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Run{
		o:         o,
		id:        uuid.NewString(),
		prompt:    prompt,
		strategy:  s,
		seed:      hashchain.Seed(prompt, started.Time()),
		startedAt: started,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		inflight:  make(map[*engine.Invocation]struct{}),
	}
	r.bus = tokenbus.New(tokenbus.WithSink(sink), tokenbus.WithLogger(o.logger))
	r.stopWatch = context.AfterFunc(ctx, r.Cancel)

	o.logger.Info("nexus: run started", "run", r.id, "strategy", s, "seed", r.seed)
	go r.run()
	return r, nil
}

// Run starts a run and waits for it.
func (o *Orchestrator) Run(ctx context.Context, prompt string, s Strategy, sink tokenbus.Sink) (*Lineage, error) {
	r, err := o.Start(ctx, prompt, s, sink)
	if err != nil {
		return nil, err
	}
	return r.Wait()
}

func (o *Orchestrator) checkEngines(s Strategy) error {
	need := []engine.ID{engine.Cloud, engine.Local}
	switch s {
	case SingleCloud:
		need = need[:1]
	case SingleLocal:
		need = need[1:]
	}
	for _, id := range need {
		if o.Engine(id) == nil {
			return fmt.Errorf("%w: %s required by %s", ErrMissingEngine, id, s)
		}
	}
	return nil
}
