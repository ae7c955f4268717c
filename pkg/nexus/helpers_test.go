package nexus_test

import (
	"context"
	"sync"
	"testing"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

// scripted is an engine whose every invocation is driven by a function.
type scripted struct {
	id   engine.ID
	name string
	// fn streams the reply for the n-th invocation (0-based).
	fn func(ctx context.Context, n int, prompt string, emit func(string) error) error

	mu      sync.Mutex
	prompts []string
	offline bool
}

func (s *scripted) ID() engine.ID { return s.id }

func (s *scripted) Name() string {
	if s.name == "" {
		return "scripted/" + string(s.id)
	}
	return s.name
}

func (s *scripted) Available(context.Context) bool { return !s.offline }

func (s *scripted) Invoke(ctx context.Context, prompt string) *engine.Invocation {
	s.mu.Lock()
	n := len(s.prompts)
	s.prompts = append(s.prompts, prompt)
	s.mu.Unlock()

	inv, em := engine.NewInvocation(ctx, engine.InvocationOptions{Engine: s.id})
	go func() {
		if err := s.fn(em.Context(), n, prompt, em.Emit); err != nil {
			em.Fail(engine.KindTransport, err)
			return
		}
		em.Done()
	}()
	return inv
}

func (s *scripted) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

// words emits each word of reply as one fragment.
func words(reply string) func(context.Context, int, string, func(string) error) error {
	return func(_ context.Context, _ int, _ string, emit func(string) error) error {
		for _, w := range splitKeep(reply) {
			if err := emit(w); err != nil {
				return err
			}
		}
		return nil
	}
}

func splitKeep(s string) []string {
	var out []string
	start := 0
	for i := range s {
		if s[i] == ' ' && i > start {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

type tokenRecorder struct {
	mu     sync.Mutex
	tokens []tokenbus.Token
}

func (r *tokenRecorder) OnToken(t tokenbus.Token) {
	r.mu.Lock()
	r.tokens = append(r.tokens, t)
	r.mu.Unlock()
}

func (r *tokenRecorder) Tokens() []tokenbus.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tokenbus.Token(nil), r.tokens...)
}

func (r *tokenRecorder) Output(id engine.ID) string {
	var out string
	for _, t := range r.Tokens() {
		if t.Engine == id {
			out += t.Value
		}
	}
	return out
}

func mustVerify(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
}
