package nexus

import (
	"fmt"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/hashchain"
	"github.com/haivivi/nexus/pkg/jsontime"
)

// Role describes what a step contributes to a run.
type Role string

const (
	// RoleResponse answers the original prompt.
	RoleResponse Role = "response"
	// RoleRefinement answers the previous stage's output.
	RoleRefinement Role = "refinement"
	// RoleCritique critiques the opponent's phase-1 statement.
	RoleCritique Role = "critique"
)

// Envelope is the immutable record of one completed step.
type Envelope struct {
	Output string    `json:"output" msgpack:"output"`
	Engine engine.ID `json:"engine" msgpack:"engine"`

	// Hash is hashchain.EnvelopeHash(Output, Timestamp).
	Hash string `json:"hash" msgpack:"hash"`

	// Rehash is the hash this step extends: the seed, the previous
	// stage's hash, or the critiqued statement's hash.
	Rehash string `json:"rehash" msgpack:"rehash"`

	Timestamp jsontime.Milli `json:"timestamp" msgpack:"timestamp"`
	Meta      Meta           `json:"meta" msgpack:"meta"`
}

// Meta annotates an envelope.
type Meta struct {
	// Step is the 1-based position of the step in the strategy's plan.
	// Envelopes are stored in completion order, which may differ.
	Step     int      `json:"step" msgpack:"step"`
	Phase    int      `json:"phase" msgpack:"phase"`
	Strategy Strategy `json:"strategy" msgpack:"strategy"`
	Role     Role     `json:"role" msgpack:"role"`

	// Target is the critiqued engine.
	Target engine.ID `json:"target,omitempty" msgpack:"target,omitempty"`

	Model   string            `json:"model,omitempty" msgpack:"model,omitempty"`
	Tokens  int               `json:"tokens" msgpack:"tokens"`
	Elapsed jsontime.Duration `json:"elapsed" msgpack:"elapsed"`

	// Incomplete marks a degraded envelope holding partial output.
	Incomplete bool   `json:"incomplete,omitempty" msgpack:"incomplete,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty" msgpack:"cancelled,omitempty"`
	Error      string `json:"error,omitempty" msgpack:"error,omitempty"`
}

func newEnvelope(id engine.ID, output, rehash string, meta Meta) Envelope {
	ts := jsontime.NowMilli()
	return Envelope{
		Output:    output,
		Engine:    id,
		Hash:      hashchain.EnvelopeHash(output, ts.Time()),
		Rehash:    rehash,
		Timestamp: ts,
		Meta:      meta,
	}
}

// Verify reports whether Hash matches Output and Timestamp.
func (e *Envelope) Verify() bool {
	return hashchain.Verify(e.Output, e.Timestamp.Time(), e.Hash)
}

// Lineage is the result of one run.
type Lineage struct {
	RunID    string   `json:"run_id" msgpack:"run_id"`
	Prompt   string   `json:"prompt" msgpack:"prompt"`
	Strategy Strategy `json:"strategy" msgpack:"strategy"`

	// Seed is hashchain.Seed(Prompt, StartedAt).
	Seed       string         `json:"seed" msgpack:"seed"`
	StartedAt  jsontime.Milli `json:"started_at" msgpack:"started_at"`
	FinishedAt jsontime.Milli `json:"finished_at" msgpack:"finished_at"`

	// Envelopes are in completion order.
	Envelopes []Envelope    `json:"envelopes" msgpack:"envelopes"`
	Failures  []StepFailure `json:"failures,omitempty" msgpack:"failures,omitempty"`

	// Partial is set when the plan did not run to the end or an envelope
	// is degraded.
	Partial   bool `json:"partial,omitempty" msgpack:"partial,omitempty"`
	Cancelled bool `json:"cancelled,omitempty" msgpack:"cancelled,omitempty"`
}

// Last returns the last envelope, or nil if there is none.
func (l *Lineage) Last() *Envelope {
	if l == nil || len(l.Envelopes) == 0 {
		return nil
	}
	return &l.Envelopes[len(l.Envelopes)-1]
}

// Find returns the envelope with the given plan step, or nil.
func (l *Lineage) Find(step int) *Envelope {
	for i := range l.Envelopes {
		if l.Envelopes[i].Meta.Step == step {
			return &l.Envelopes[i]
		}
	}
	return nil
}

// Verify checks the seed, every envelope hash, and that every rehash points
// to the seed or to an envelope earlier in the lineage.
func (l *Lineage) Verify() error {
	if want := hashchain.Seed(l.Prompt, l.StartedAt.Time()); l.Seed != want {
		return fmt.Errorf("%w: run %s", ErrSeedMismatch, l.RunID)
	}
	known := map[string]bool{l.Seed: true}
	for i := range l.Envelopes {
		env := &l.Envelopes[i]
		if !env.Verify() {
			return fmt.Errorf("%w: envelope %d (step %d)", ErrHashMismatch, i, env.Meta.Step)
		}
		if !known[env.Rehash] {
			return fmt.Errorf("%w: envelope %d (step %d) extends unknown hash %s", ErrBrokenChain, i, env.Meta.Step, env.Rehash)
		}
		known[env.Hash] = true
	}
	return nil
}
