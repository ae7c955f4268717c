package server_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/nexus"
	"github.com/haivivi/nexus/pkg/server"
	"github.com/haivivi/nexus/pkg/session"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	srv  *httptest.Server
	sess *session.Session
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	cloud := &engine.SimulatedEngine{Tag: engine.Cloud, Label: "sim/cloud", Interval: interval,
		Reply: func(p string) string { return "c(" + p + ")" }}
	local := &engine.SimulatedEngine{Tag: engine.Local, Label: "sim/local", Interval: interval,
		Reply: func(p string) string { return "l(" + p + ")" }}
	o := nexus.New(cloud, local, nexus.WithLogger(quiet), nexus.WithMetrics(nexus.NewMetrics(reg)))
	sess := session.New(o, session.WithLogger(quiet))
	s := server.New(sess,
		server.WithLogger(quiet),
		server.WithProber(o),
		server.WithRegistry(reg),
	)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, sess: sess}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, req server.Request) {
	t.Helper()
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// next reads messages until one matches, skipping unrelated state pushes.
func next(t *testing.T, ws *websocket.Conn, match func(server.Message) bool) server.Message {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var m server.Message
		if err := ws.ReadJSON(&m); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(m) {
			return m
		}
	}
}

func ofType(types ...string) func(server.Message) bool {
	return func(m server.Message) bool {
		for _, typ := range types {
			if m.Type == typ {
				return true
			}
		}
		return false
	}
}

func TestWS_Run(t *testing.T) {
	f := newFixture(t, 0)
	ws := f.dial(t)

	send(t, ws, server.Request{Type: server.TypeRun, ID: "r1", Prompt: "hi", Strategy: "hybrid-parallel"})

	out := map[engine.ID]string{}
	var result server.Message
	for {
		m := next(t, ws, ofType(server.TypeToken, server.TypeResult, server.TypeError))
		if m.Type == server.TypeError {
			t.Fatalf("error: %s", m.Error)
		}
		if m.ID != "r1" {
			t.Errorf("id = %q", m.ID)
		}
		if m.Type == server.TypeResult {
			result = m
			break
		}
		out[m.Token.Engine] += m.Token.Value
	}
	if out[engine.Cloud] != "c(hi)" || out[engine.Local] != "l(hi)" {
		t.Errorf("streamed = %v", out)
	}
	if result.Lineage == nil || len(result.Lineage.Envelopes) != 2 {
		t.Fatalf("result = %+v", result.Lineage)
	}
	if err := result.Lineage.Verify(); err != nil {
		t.Errorf("Verify: %v", err)
	}
	if f.sess.Strategy() != nexus.HybridParallel {
		t.Errorf("session strategy = %s", f.sess.Strategy())
	}
}

func TestWS_SetStrategyAndState(t *testing.T) {
	f := newFixture(t, 0)
	ws := f.dial(t)

	send(t, ws, server.Request{Type: server.TypeSetStrategy, Strategy: "hybrid-adversarial"})
	send(t, ws, server.Request{Type: server.TypeGetState, ID: "s1"})

	m := next(t, ws, func(m server.Message) bool { return m.ID == "s1" })
	if m.Type != server.TypeState || m.State == nil {
		t.Fatalf("got %+v", m)
	}
	if m.State.Strategy != nexus.HybridAdversarial || m.State.Mode != session.ModeHybrid {
		t.Errorf("state = %+v", m.State)
	}
}

func TestWS_Errors(t *testing.T) {
	tests := []struct {
		name string
		req  server.Request
		want string
	}{
		{"unknown type", server.Request{Type: "dance", ID: "e"}, "unknown request type"},
		{"bad strategy", server.Request{Type: server.TypeSetStrategy, ID: "e", Strategy: "round-robin"}, "unknown strategy"},
		{"run bad strategy", server.Request{Type: server.TypeRun, ID: "e", Prompt: "x", Strategy: "nope"}, "unknown strategy"},
		{"empty prompt", server.Request{Type: server.TypeRun, ID: "e", Prompt: "  "}, "empty prompt"},
		{"no last", server.Request{Type: server.TypeGetLast, ID: "e"}, "no result"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 0)
			ws := f.dial(t)
			send(t, ws, tt.req)
			m := next(t, ws, func(m server.Message) bool { return m.ID == "e" })
			if m.Type != server.TypeError || !strings.Contains(m.Error, tt.want) {
				t.Errorf("got %+v, want error containing %q", m, tt.want)
			}
		})
	}
}

func TestWS_GetLast(t *testing.T) {
	f := newFixture(t, 0)
	ws := f.dial(t)

	send(t, ws, server.Request{Type: server.TypeRun, ID: "r", Prompt: "one"})
	first := next(t, ws, ofType(server.TypeResult, server.TypeError))
	if first.Type != server.TypeResult {
		t.Fatalf("run: %+v", first)
	}

	send(t, ws, server.Request{Type: server.TypeGetLast, ID: "l"})
	m := next(t, ws, func(m server.Message) bool { return m.ID == "l" })
	if m.Type != server.TypeResult || m.Lineage.RunID != first.Lineage.RunID {
		t.Errorf("get_last = %+v", m)
	}
}

func TestWS_Cancel(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ws := f.dial(t)

	send(t, ws, server.Request{Type: server.TypeRun, ID: "r", Prompt: "a fairly long prompt to stream"})
	next(t, ws, ofType(server.TypeToken))
	send(t, ws, server.Request{Type: server.TypeCancel})

	m := next(t, ws, ofType(server.TypeResult, server.TypeError))
	if m.Type != server.TypeError {
		t.Fatalf("got %+v, want error", m)
	}
	if m.Lineage == nil || !m.Lineage.Cancelled {
		t.Errorf("lineage = %+v", m.Lineage)
	}
}

func TestWS_BusyAcrossClients(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	a, b := f.dial(t), f.dial(t)

	send(t, a, server.Request{Type: server.TypeRun, ID: "a", Prompt: "a fairly long prompt to stream"})
	next(t, a, ofType(server.TypeToken))

	send(t, b, server.Request{Type: server.TypeRun, ID: "b", Prompt: "second"})
	m := next(t, b, func(m server.Message) bool { return m.ID == "b" })
	if m.Type != server.TypeError || !strings.Contains(m.Error, "in flight") {
		t.Errorf("second client got %+v", m)
	}

	// both clients see the busy state
	send(t, b, server.Request{Type: server.TypeGetState, ID: "s"})
	st := next(t, b, func(m server.Message) bool { return m.ID == "s" })
	if !st.State.Busy {
		t.Errorf("state = %+v", st.State)
	}
	send(t, a, server.Request{Type: server.TypeCancel})
	next(t, a, ofType(server.TypeResult, server.TypeError))
}

func TestWS_DisconnectCancelsRun(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ws := f.dial(t)

	send(t, ws, server.Request{Type: server.TypeRun, ID: "r", Prompt: "a fairly long prompt to stream"})
	next(t, ws, ofType(server.TypeToken))
	ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for f.sess.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("run survived its client")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_DisconnectAfterRejectedRun(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ws := f.dial(t)

	send(t, ws, server.Request{Type: server.TypeRun, ID: "r1", Prompt: "a fairly long prompt to stream"})
	next(t, ws, ofType(server.TypeToken))
	send(t, ws, server.Request{Type: server.TypeRun, ID: "r2", Prompt: "second"})
	m := next(t, ws, func(m server.Message) bool { return m.ID == "r2" })
	if m.Type != server.TypeError || !strings.Contains(m.Error, "in flight") {
		t.Fatalf("second run got %+v", m)
	}
	ws.Close()

	deadline := time.Now().Add(300 * time.Millisecond)
	for f.sess.Busy() {
		if time.Now().After(deadline) {
			t.Fatal("run survived its client after a rejected second run")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_DisconnectKeepsOtherClientsRun(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	a, b := f.dial(t), f.dial(t)

	send(t, a, server.Request{Type: server.TypeRun, ID: "a", Prompt: "a fairly long prompt to stream"})
	next(t, a, ofType(server.TypeToken))
	send(t, b, server.Request{Type: server.TypeRun, ID: "b", Prompt: "second"})
	next(t, b, func(m server.Message) bool { return m.ID == "b" })
	b.Close()

	time.Sleep(100 * time.Millisecond)
	if !f.sess.Busy() {
		t.Fatal("closing another client cancelled the run")
	}
	m := next(t, a, ofType(server.TypeResult, server.TypeError))
	if m.Type != server.TypeResult {
		t.Errorf("run ended with %+v", m)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 0)
	resp, err := http.Get(f.srv.URL + "/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Engines []nexus.EngineStatus `json:"engines"`
		Session session.State        `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Engines) != 2 {
		t.Fatalf("engines = %+v", body.Engines)
	}
	for _, e := range body.Engines {
		if !e.Available {
			t.Errorf("%s unavailable", e.Engine)
		}
	}
	if body.Session.Strategy != nexus.SingleCloud {
		t.Errorf("session = %+v", body.Session)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	f := newFixture(t, 0)
	ws := f.dial(t)
	send(t, ws, server.Request{Type: server.TypeRun, ID: "r", Prompt: "count me"})
	next(t, ws, ofType(server.TypeResult))

	resp, err := http.Get(f.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"nexus_runs_total", "nexus_tokens_total", "nexus_ws_connections 1"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics missing %q", want)
		}
	}

	resp, err = http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
}

func TestListenAndServe_Shutdown(t *testing.T) {
	o := nexus.New(&engine.SimulatedEngine{Tag: engine.Cloud}, &engine.SimulatedEngine{}, nexus.WithLogger(quiet))
	s := server.New(session.New(o), server.WithLogger(quiet))

	ctx, cancel := context.WithCancel(context.Background())
	addrc := make(chan net.Addr, 1)
	errc := make(chan error, 1)
	go func() { errc <- s.ListenAndServe(ctx, "127.0.0.1:0", func(a net.Addr) { addrc <- a }) }()

	addr := <-addrc
	resp, err := http.Get("http://" + addr.String() + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("ListenAndServe = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
