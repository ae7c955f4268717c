package engine

import (
	"context"
	"sync/atomic"
	"time"
)

var _ Engine = (*SimulatedEngine)(nil)

// SimulatedEngine produces a scripted stream without any back-end. Each
// rune of the reply becomes one fragment, followed by Suffix, spaced by
// Interval.
type SimulatedEngine struct {
	// Tag defaults to Local.
	Tag ID

	// Label is returned by Name; defaults to "simulated".
	Label string

	// Reply maps the prompt to the text to stream. Defaults to echoing the
	// prompt.
	Reply func(prompt string) string

	Suffix   string
	Interval time.Duration

	// FailWith, if set, fails the stream with KindTransport after
	// FailAfter fragments.
	FailWith  error
	FailAfter int

	// Offline makes Available return false. Invoke still runs.
	Offline bool

	IdleTimeout time.Duration

	invocations atomic.Int64
}

func (s *SimulatedEngine) ID() ID {
	if s.Tag == "" {
		return Local
	}
	return s.Tag
}

func (s *SimulatedEngine) Name() string {
	if s.Label == "" {
		return "simulated"
	}
	return s.Label
}

// Invocations returns how many times Invoke has been called.
func (s *SimulatedEngine) Invocations() int {
	return int(s.invocations.Load())
}

func (s *SimulatedEngine) Invoke(ctx context.Context, prompt string) *Invocation {
	s.invocations.Add(1)
	inv, em := NewInvocation(ctx, InvocationOptions{Engine: s.ID(), IdleTimeout: s.IdleTimeout})
	reply := prompt
	if s.Reply != nil {
		reply = s.Reply(prompt)
	}
	go func() {
		var ticker *time.Ticker
		if s.Interval > 0 {
			ticker = time.NewTicker(s.Interval)
			defer ticker.Stop()
		}
		n := 0
		for _, r := range reply {
			if s.FailWith != nil && n >= s.FailAfter {
				break
			}
			if ticker != nil {
				select {
				case <-ticker.C:
				case <-em.Context().Done():
					em.Fail(KindTransport, em.Context().Err())
					return
				}
			}
			if err := em.Emit(string(r) + s.Suffix); err != nil {
				em.Fail(KindTransport, err)
				return
			}
			n++
		}
		if s.FailWith != nil {
			em.Fail(KindTransport, s.FailWith)
			return
		}
		em.Done()
	}()
	return inv
}

func (s *SimulatedEngine) Available(ctx context.Context) bool {
	return !s.Offline && ctx.Err() == nil
}
