package nexus

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/jsontime"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

// Run is one in-flight execution of a strategy.
type Run struct {
	o         *Orchestrator
	id        string
	prompt    string
	strategy  Strategy
	seed      string
	startedAt jsontime.Milli
	bus       *tokenbus.Bus
	ctx       context.Context
	cancel    context.CancelFunc
	stopWatch func() bool
	done      chan struct{}

	mu        sync.Mutex
	phase     int
	cancelled bool
	finished  bool
	inflight  map[*engine.Invocation]struct{}
	envelopes []Envelope
	failures  []StepFailure

	lineage *Lineage
	err     error
}

// step is one planned invocation.
type step struct {
	num    int
	phase  int
	engine engine.Engine
	prompt string
	rehash string
	role   Role
	target engine.ID
}

// ID returns the run identifier.
func (r *Run) ID() string {
	return r.id
}

// Seed returns the run seed digest.
func (r *Run) Seed() string {
	return r.seed
}

// Strategy returns the run's strategy.
func (r *Run) Strategy() Strategy {
	return r.strategy
}

// Subscribe adds a token sink to the running bus.
func (r *Run) Subscribe(s tokenbus.Sink) (cancel func()) {
	return r.bus.Subscribe(s)
}

// Cancel cancels every in-flight invocation, stops token delivery and
// prevents dependent phases from starting. It is idempotent and a no-op
// once Done is closed. It is safe to call from a token sink.
//
// If the plan already completed but queued tokens are still being
// delivered, Cancel only drops them; the lineage is not marked cancelled.
func (r *Run) Cancel() {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return
	}
	if r.finished {
		r.mu.Unlock()
		select {
		case <-r.done:
		default:
			r.bus.Halt()
		}
		return
	}
	r.cancelled = true
	invs := make([]*engine.Invocation, 0, len(r.inflight))
	for inv := range r.inflight {
		invs = append(invs, inv)
	}
	r.mu.Unlock()

	r.bus.Halt()
	for _, inv := range invs {
		inv.Cancel()
	}
	r.cancel()
	r.o.logger.Info("nexus: run cancelled", "run", r.id)
}

// Done is closed when the run has finished and every token was delivered.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes. The lineage is returned even with an
// error; it then holds what was collected before the failure.
func (r *Run) Wait() (*Lineage, error) {
	<-r.done
	return r.lineage, r.err
}

func (r *Run) run() {
	defer close(r.done)
	defer r.stopWatch()

	failedPhase := r.execute()

	r.mu.Lock()
	r.finished = true
	cancelled := r.cancelled
	phase := r.phase
	r.mu.Unlock()

	// Deliver what is queued, unless Cancel halted the bus.
	r.bus.Close()
	r.cancel()

	l := &Lineage{
		RunID:      r.id,
		Prompt:     r.prompt,
		Strategy:   r.strategy,
		Seed:       r.seed,
		StartedAt:  r.startedAt,
		FinishedAt: jsontime.NowMilli(),
		Envelopes:  slices.Clone(r.envelopes),
		Failures:   slices.Clone(r.failures),
		Cancelled:  cancelled,
	}
	l.Partial = cancelled || len(l.Failures) > 0 || len(l.Envelopes) < r.strategy.Envelopes()
	for _, env := range l.Envelopes {
		if env.Meta.Incomplete {
			l.Partial = true
		}
	}

	outcome := outcomeSuccess
	switch {
	case cancelled:
		outcome = outcomeCancelled
		r.err = &RunError{Phase: phase, Failures: l.Failures, Err: ErrCancelled}
	case failedPhase > 0:
		outcome = outcomeFailed
		r.err = &RunError{Phase: failedPhase, Failures: l.Failures, Err: ErrAllEnginesFailed}
	case len(l.Envelopes) == 0:
		outcome = outcomeFailed
		r.err = &RunError{Phase: phase, Failures: l.Failures, Err: ErrAllEnginesFailed}
	case l.Partial:
		outcome = outcomePartial
	}
	r.lineage = l

	elapsed := l.FinishedAt.Sub(l.StartedAt)
	r.o.metrics.Runs.WithLabelValues(string(r.strategy), outcome).Inc()
	r.o.metrics.RunDuration.WithLabelValues(string(r.strategy)).Observe(elapsed.Seconds())
	r.o.logger.Info("nexus: run finished",
		"run", r.id,
		"strategy", r.strategy,
		"outcome", outcome,
		"envelopes", len(l.Envelopes),
		"failures", len(l.Failures),
		"elapsed", elapsed,
	)
}

// execute walks the plan and returns the phase that produced no envelope,
// or 0.
func (r *Run) execute() int {
	cloud, local := r.o.cloud, r.o.local
	switch r.strategy {
	case SingleCloud:
		return r.single(cloud)
	case SingleLocal:
		return r.single(local)
	case HybridSequential:
		return r.sequential(cloud, local, cloud)
	case HybridParallel:
		envs := r.fanout(
			step{num: 1, phase: 1, engine: cloud, prompt: r.prompt, rehash: r.seed, role: RoleResponse},
			step{num: 2, phase: 1, engine: local, prompt: r.prompt, rehash: r.seed, role: RoleResponse},
		)
		if envs[0] == nil && envs[1] == nil {
			return 1
		}
		return 0
	case HybridAdversarial:
		return r.adversarial(cloud, local)
	}
	return 0
}

func (r *Run) single(e engine.Engine) int {
	st := step{num: 1, phase: 1, engine: e, prompt: r.prompt, rehash: r.seed, role: RoleResponse}
	if r.exec(st) == nil {
		return 1
	}
	return 0
}

// sequential feeds each stage's output to the next stage. A stage that
// fails or is cut short ends the pipeline.
func (r *Run) sequential(plan ...engine.Engine) int {
	prompt, rehash := r.prompt, r.seed
	for i, e := range plan {
		if r.isCancelled() {
			return 0
		}
		role := RoleResponse
		if i > 0 {
			role = RoleRefinement
		}
		env := r.exec(step{num: i + 1, phase: i + 1, engine: e, prompt: prompt, rehash: rehash, role: role})
		if env == nil {
			if r.isCancelled() {
				return 0
			}
			return i + 1
		}
		if env.Meta.Incomplete {
			return 0
		}
		prompt, rehash = env.Output, env.Hash
	}
	return 0
}

// adversarial runs both engines on the prompt, then lets each critique the
// other's statement once both statements are final.
func (r *Run) adversarial(cloud, local engine.Engine) int {
	statements := r.fanout(
		step{num: 1, phase: 1, engine: cloud, prompt: r.prompt, rehash: r.seed, role: RoleResponse},
		step{num: 2, phase: 1, engine: local, prompt: r.prompt, rehash: r.seed, role: RoleResponse},
	)
	if statements[0] == nil && statements[1] == nil {
		return 1
	}
	if r.isCancelled() {
		return 0
	}

	var critiques []step
	for i, critic := range []engine.Engine{cloud, local} {
		target := critic.ID().Opponent()
		st := step{num: 3 + i, phase: 2, engine: critic, role: RoleCritique, target: target}
		statement := statements[1-i]
		if statement == nil {
			r.recordFailure(newStepFailure(st, KindSkipped, ErrNoStatement))
			continue
		}
		prompt, err := renderCritique(critiqueInput{
			Target:    r.o.Engine(target).Name(),
			Statement: statement.Output,
			Prompt:    r.prompt,
		}, r.o.critiqueLimit)
		if err != nil {
			r.recordFailure(newStepFailure(st, engine.KindProtocol, err))
			continue
		}
		st.prompt, st.rehash = prompt, statement.Hash
		critiques = append(critiques, st)
	}
	if len(critiques) == 0 {
		return 2
	}
	for _, env := range r.fanout(critiques...) {
		if env != nil {
			return 0
		}
	}
	if r.isCancelled() {
		return 0
	}
	return 2
}

// fanout runs steps concurrently and returns their envelopes in step
// order. Envelopes are appended to the lineage in completion order.
func (r *Run) fanout(steps ...step) []*Envelope {
	out := make([]*Envelope, len(steps))
	var wg sync.WaitGroup
	for i, st := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = r.exec(st)
		}()
	}
	wg.Wait()
	return out
}

// exec runs one step to completion. It returns nil when the step produced
// no envelope: it failed or was cancelled before the first token.
func (r *Run) exec(st step) *Envelope {
	id := st.engine.ID()

	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return nil
	}
	r.phase = st.phase
	inv := st.engine.Invoke(r.ctx, st.prompt)
	r.inflight[inv] = struct{}{}
	r.mu.Unlock()

	inv.DefaultIdleTimeout(r.o.idleTimeout)
	start := time.Now()
	p := r.bus.Open(id)
	tokens := r.o.metrics.Tokens.WithLabelValues(string(id))
	for {
		s, err := inv.Next()
		if err != nil {
			break
		}
		p.Emit(s)
		tokens.Inc()
	}

	r.mu.Lock()
	delete(r.inflight, inv)
	cancelled := r.cancelled || inv.Cancelled()
	r.mu.Unlock()

	meta := Meta{
		Step:     st.num,
		Phase:    st.phase,
		Strategy: r.strategy,
		Role:     st.role,
		Target:   st.target,
		Model:    st.engine.Name(),
		Tokens:   p.Tokens(),
		Elapsed:  jsontime.Duration(time.Since(start)),
	}
	if err := inv.Err(); err != nil {
		kind := engine.FailureKindOf(err)
		if kind == "" {
			kind = engine.KindTransport
		}
		f := newStepFailure(st, kind, err)
		f.Partial = p.Tokens() > 0
		r.recordFailure(f)
		r.o.logger.Warn("nexus: step failed",
			"run", r.id,
			"step", st.num,
			"engine", id,
			"kind", kind,
			"tokens", p.Tokens(),
			"error", err,
		)
		if p.Tokens() == 0 {
			return nil
		}
		meta.Incomplete = true
		meta.Error = err.Error()
	} else if cancelled {
		if p.Tokens() == 0 {
			return nil
		}
		meta.Incomplete = true
		meta.Cancelled = true
	}

	env := newEnvelope(id, p.Output(), st.rehash, meta)
	r.mu.Lock()
	r.envelopes = append(r.envelopes, env)
	r.mu.Unlock()
	r.o.logger.Debug("nexus: envelope sealed", "run", r.id, "step", st.num, "engine", id, "hash", env.Hash)
	return &env
}

func (r *Run) recordFailure(f StepFailure) {
	r.o.metrics.Failures.WithLabelValues(string(f.Engine), string(f.Kind)).Inc()
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

func (r *Run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}
