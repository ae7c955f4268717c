package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/nexus"
	"github.com/haivivi/nexus/pkg/session"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newOrchestrator(interval time.Duration) *nexus.Orchestrator {
	cloud := &engine.SimulatedEngine{
		Tag:      engine.Cloud,
		Reply:    func(p string) string { return "c(" + p + ")" },
		Interval: interval,
	}
	local := &engine.SimulatedEngine{
		Tag:      engine.Local,
		Reply:    func(p string) string { return "l(" + p + ")" },
		Interval: interval,
	}
	return nexus.New(cloud, local, nexus.WithLogger(quiet))
}

type panicRunner struct{}

func (panicRunner) Start(context.Context, string, nexus.Strategy, tokenbus.Sink) (*nexus.Run, error) {
	panic("boom")
}

type errRunner struct{ err error }

func (r errRunner) Start(context.Context, string, nexus.Strategy, tokenbus.Sink) (*nexus.Run, error) {
	return nil, r.err
}

// gatedRunner blocks in Start until gate is closed.
type gatedRunner struct {
	inner   session.Runner
	entered chan struct{}
	gate    chan struct{}
}

func (r *gatedRunner) Start(ctx context.Context, prompt string, st nexus.Strategy, sink tokenbus.Sink) (*nexus.Run, error) {
	close(r.entered)
	<-r.gate
	return r.inner.Start(ctx, prompt, st, sink)
}

type memArchive struct {
	mu   sync.Mutex
	runs []string
	err  error
}

func (a *memArchive) Put(_ context.Context, l *nexus.Lineage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.runs = append(a.runs, l.RunID)
	return a.err
}

func TestStrategyMapping(t *testing.T) {
	tests := []struct {
		mode   session.Mode
		hybrid session.Hybrid
		want   nexus.Strategy
	}{
		{session.ModeCloud, session.HybridParallel, nexus.SingleCloud},
		{session.ModeLocal, session.HybridParallel, nexus.SingleLocal},
		{session.ModeHybrid, session.HybridSequential, nexus.HybridSequential},
		{session.ModeHybrid, session.HybridParallel, nexus.HybridParallel},
		{session.ModeHybrid, session.HybridAdversarial, nexus.HybridAdversarial},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			s := session.New(newOrchestrator(0))
			if err := s.SetHybrid(tt.hybrid); err != nil {
				t.Fatal(err)
			}
			if err := s.SetMode(tt.mode); err != nil {
				t.Fatal(err)
			}
			if got := s.Strategy(); got != tt.want {
				t.Errorf("Strategy() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	s := session.New(newOrchestrator(0))
	st := s.State()
	if st.Mode != session.ModeCloud || st.Hybrid != session.HybridSequential {
		t.Errorf("state = %+v", st)
	}
	if st.Strategy != nexus.SingleCloud {
		t.Errorf("strategy = %s", st.Strategy)
	}
	if st.Busy || s.Last() != nil || s.LastError() != nil {
		t.Errorf("fresh session not idle: %+v", st)
	}
}

func TestSetStrategy(t *testing.T) {
	s := session.New(newOrchestrator(0), session.WithStrategy(nexus.HybridAdversarial))
	if got := s.Strategy(); got != nexus.HybridAdversarial {
		t.Fatalf("initial = %s", got)
	}

	// single strategies keep the hybrid flavor for later
	if err := s.SetStrategy(nexus.SingleLocal); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMode(session.ModeHybrid); err != nil {
		t.Fatal(err)
	}
	if got := s.Strategy(); got != nexus.HybridAdversarial {
		t.Errorf("after mode switch = %s", got)
	}

	if err := s.SetStrategy("round-robin"); !errors.Is(err, nexus.ErrUnknownStrategy) {
		t.Errorf("SetStrategy(bad) = %v", err)
	}
	if err := s.SetMode("gemini"); !errors.Is(err, session.ErrUnknownMode) {
		t.Errorf("SetMode(bad) = %v", err)
	}
	if err := s.SetHybrid("serial"); !errors.Is(err, session.ErrUnknownHybrid) {
		t.Errorf("SetHybrid(bad) = %v", err)
	}
	if got := s.Strategy(); got != nexus.HybridAdversarial {
		t.Errorf("invalid input changed strategy to %s", got)
	}
}

func TestRun(t *testing.T) {
	arc := &memArchive{}
	s := session.New(newOrchestrator(0), session.WithArchive(arc), session.WithLogger(quiet))
	if err := s.SetStrategy(nexus.HybridSequential); err != nil {
		t.Fatal(err)
	}

	var sb strings.Builder
	l, err := s.Run(context.Background(), "test", func(tok tokenbus.Token) {
		sb.WriteString(tok.Value)
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := l.Last().Output; got != "c(l(c(test)))" {
		t.Errorf("final = %q", got)
	}
	if sb.Len() == 0 {
		t.Error("no tokens delivered")
	}
	if s.Last() != l {
		t.Error("Last() is not the returned lineage")
	}
	st := s.State()
	if st.Busy || st.LastRunID != l.RunID || st.Runs != 1 || st.LastError != "" {
		t.Errorf("state = %+v", st)
	}
	if len(arc.runs) != 1 || arc.runs[0] != l.RunID {
		t.Errorf("archive = %v", arc.runs)
	}
}

func TestRun_FailureKeepsLast(t *testing.T) {
	s := session.New(newOrchestrator(0), session.WithLogger(quiet))
	first, err := s.Run(context.Background(), "one", nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = s.Run(context.Background(), "   ", nil)
	if !errors.Is(err, nexus.ErrEmptyPrompt) {
		t.Fatalf("err = %v, want ErrEmptyPrompt", err)
	}
	if s.Last() != first {
		t.Error("failed run replaced Last()")
	}
	if !errors.Is(s.LastError(), nexus.ErrEmptyPrompt) {
		t.Errorf("LastError() = %v", s.LastError())
	}
	if s.Busy() {
		t.Error("busy after failed run")
	}

	// the next success clears the error
	if _, err := s.Run(context.Background(), "two", nil); err != nil {
		t.Fatal(err)
	}
	if s.LastError() != nil {
		t.Errorf("LastError() = %v", s.LastError())
	}
}

func TestRun_StartError(t *testing.T) {
	want := errors.New("no engines")
	s := session.New(errRunner{err: want})
	if _, err := s.Run(context.Background(), "x", nil); !errors.Is(err, want) {
		t.Fatalf("err = %v", err)
	}
	if s.Busy() {
		t.Error("busy after start error")
	}
}

func TestRun_Panic(t *testing.T) {
	s := session.New(panicRunner{}, session.WithLogger(quiet))
	_, err := s.Run(context.Background(), "x", nil)
	if !errors.Is(err, session.ErrPanic) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
	if s.Busy() {
		t.Error("busy flag stuck after panic")
	}
	if !errors.Is(s.LastError(), session.ErrPanic) {
		t.Errorf("LastError() = %v", s.LastError())
	}
}

func TestRun_Busy(t *testing.T) {
	s := session.New(newOrchestrator(20*time.Millisecond), session.WithLogger(quiet))

	started := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), "a long prompt", func(tokenbus.Token) {
			once.Do(func() { close(started) })
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first run produced no token")
	}
	if !s.Busy() {
		t.Error("not busy during run")
	}
	if st := s.State(); st.RunID == "" {
		t.Error("state has no run id during run")
	}
	if _, err := s.Run(context.Background(), "second", nil); !errors.Is(err, session.ErrBusy) {
		t.Errorf("concurrent Run = %v, want ErrBusy", err)
	}

	s.Cancel()
	select {
	case err := <-done:
		if !errors.Is(err, nexus.ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled run did not return")
	}
	if s.Busy() {
		t.Error("busy after cancel")
	}
	if s.Last() != nil {
		t.Error("cancelled run stored as Last()")
	}
}

func TestCancel_WhileStarting(t *testing.T) {
	runner := &gatedRunner{
		inner:   newOrchestrator(20 * time.Millisecond),
		entered: make(chan struct{}),
		gate:    make(chan struct{}),
	}
	s := session.New(runner, session.WithLogger(quiet))

	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), "a long prompt to stream", nil)
		done <- err
	}()

	select {
	case <-runner.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("Start not called")
	}
	if !s.Busy() {
		t.Fatal("not busy while starting")
	}
	s.Cancel()
	close(runner.gate)

	select {
	case err := <-done:
		if !errors.Is(err, nexus.ErrCancelled) {
			t.Errorf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run cancelled while starting did not return")
	}
	if s.Busy() {
		t.Error("busy after cancel")
	}

	// the pending cancel must not leak into the next run
	runner.entered = make(chan struct{})
	runner.gate = make(chan struct{})
	close(runner.gate)
	if _, err := s.Run(context.Background(), "next", nil); err != nil {
		t.Errorf("next Run: %v", err)
	}
}

func TestCancel_Idle(t *testing.T) {
	s := session.New(newOrchestrator(0))
	s.Cancel()
	if s.Busy() {
		t.Error("busy after idle cancel")
	}
}

func TestRun_ArchiveErrorIsLogged(t *testing.T) {
	arc := &memArchive{err: errors.New("disk full")}
	s := session.New(newOrchestrator(0), session.WithArchive(arc), session.WithLogger(quiet))
	if _, err := s.Run(context.Background(), "x", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(arc.runs) != 1 {
		t.Errorf("archive calls = %d", len(arc.runs))
	}
}

func TestSubscribe(t *testing.T) {
	s := session.New(newOrchestrator(0), session.WithLogger(quiet))

	var mu sync.Mutex
	var states []session.State
	cancel := s.Subscribe(func(st session.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})

	if err := s.SetMode(session.ModeLocal); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), "x", nil); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	got := append([]session.State(nil), states...)
	mu.Unlock()
	if len(got) < 3 {
		t.Fatalf("got %d notifications", len(got))
	}
	if got[0].Mode != session.ModeLocal {
		t.Errorf("first = %+v", got[0])
	}
	var sawBusy bool
	for _, st := range got {
		sawBusy = sawBusy || st.Busy
	}
	if !sawBusy {
		t.Error("no busy notification")
	}
	if last := got[len(got)-1]; last.Busy || last.Runs != 1 {
		t.Errorf("last = %+v", last)
	}

	cancel()
	n := len(got)
	_ = s.SetMode(session.ModeCloud)
	mu.Lock()
	defer mu.Unlock()
	if len(states) != n {
		t.Error("notified after cancel")
	}
}
