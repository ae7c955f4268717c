package nexus

import (
	"errors"
	"fmt"
	"strings"

	"github.com/haivivi/nexus/pkg/engine"
)

var (
	// ErrEmptyPrompt is returned for an empty or whitespace-only prompt.
	ErrEmptyPrompt = errors.New("nexus: empty prompt")

	// ErrUnknownStrategy is returned for an unsupported strategy.
	ErrUnknownStrategy = errors.New("nexus: unknown strategy")

	// ErrAllEnginesFailed means every step of a phase failed to produce an
	// envelope.
	ErrAllEnginesFailed = errors.New("nexus: all engines failed")

	// ErrCancelled means the run was cancelled before it completed.
	ErrCancelled = errors.New("nexus: run cancelled")

	// ErrNoStatement is the cause of a skipped critique whose target
	// produced no phase-1 envelope.
	ErrNoStatement = errors.New("nexus: no statement to critique")

	// ErrMissingEngine is returned when a strategy needs an engine the
	// orchestrator was built without.
	ErrMissingEngine = errors.New("nexus: engine not configured")
)

// Lineage verification errors.
var (
	ErrSeedMismatch = errors.New("nexus: seed mismatch")
	ErrHashMismatch = errors.New("nexus: hash mismatch")
	ErrBrokenChain  = errors.New("nexus: broken chain")
)

// KindSkipped marks a step that was planned but never invoked.
const KindSkipped engine.FailureKind = "skipped"

// StepFailure records one step that did not complete normally.
type StepFailure struct {
	Step   int                `json:"step" msgpack:"step"`
	Phase  int                `json:"phase" msgpack:"phase"`
	Engine engine.ID          `json:"engine" msgpack:"engine"`
	Kind   engine.FailureKind `json:"kind" msgpack:"kind"`
	Error  string             `json:"error" msgpack:"error"`

	// Partial reports whether a degraded envelope was kept for the step.
	Partial bool `json:"partial,omitempty" msgpack:"partial,omitempty"`

	err error
}

func newStepFailure(st step, kind engine.FailureKind, err error) StepFailure {
	return StepFailure{
		Step:   st.num,
		Phase:  st.phase,
		Engine: st.engine.ID(),
		Kind:   kind,
		Error:  err.Error(),
		err:    err,
	}
}

// Err returns the underlying error. It is nil for failures decoded from an
// archive.
func (f StepFailure) Err() error {
	return f.err
}

// RunError is a run-level failure.
type RunError struct {
	// Phase is the phase that failed, 0 if the run failed before dispatch.
	Phase    int
	Failures []StepFailure
	Err      error
}

func (e *RunError) Error() string {
	var sb strings.Builder
	if e.Phase > 0 {
		fmt.Fprintf(&sb, "phase %d: ", e.Phase)
	}
	sb.WriteString(e.Err.Error())
	for _, f := range e.Failures {
		if f.Phase == e.Phase || e.Phase == 0 {
			fmt.Fprintf(&sb, "; step %d (%s): %s", f.Step, f.Engine, f.Error)
		}
	}
	return sb.String()
}

// Unwrap returns the run-level cause followed by the step errors, so both
// errors.Is(err, ErrAllEnginesFailed) and errors.As(err, **engine.Failure)
// work.
func (e *RunError) Unwrap() []error {
	errs := []error{e.Err}
	for _, f := range e.Failures {
		if f.err != nil {
			errs = append(errs, f.err)
		}
	}
	return errs
}
