package engine_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/haivivi/nexus/pkg/engine"
)

func ollamaLine(content string, done bool) string {
	return fmt.Sprintf(`{"model":"m","message":{"role":"assistant","content":%q},"done":%v}`+"\n", content, done)
}

func newOllama(t *testing.T, h http.HandlerFunc) (*engine.OllamaEngine, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &engine.OllamaEngine{BaseURL: srv.URL, Model: "m"}, srv
}

func TestOllamaEngine_Stream(t *testing.T) {
	var gotBody string
	o, _ := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		io.WriteString(w, ollamaLine("Hel", false))
		io.WriteString(w, "{this is not json}\n")
		io.WriteString(w, ollamaLine("lo", false))
		io.WriteString(w, ollamaLine("", true))
	})

	inv := o.Invoke(context.Background(), "say hello")
	out, err := engine.Collect(inv)
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if out != "Hello" {
		t.Errorf("out = %q, want Hello", out)
	}
	if inv.Engine() != engine.Local {
		t.Errorf("Engine() = %q", inv.Engine())
	}
	if got := gjson.Get(gotBody, "messages.0.content").String(); got != "say hello" {
		t.Errorf("request content = %q", got)
	}
	if !gjson.Get(gotBody, "stream").Bool() {
		t.Error("request stream = false")
	}
}

func TestOllamaEngine_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		kind    engine.FailureKind
		partial string
		msg     string
	}{
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, `{"error":"model \"m\" not found"}`)
			},
			kind: engine.KindRemote,
			msg:  "not found",
		},
		{
			name: "error line",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, ollamaLine("par", false))
				io.WriteString(w, `{"error":"out of memory"}`+"\n")
			},
			kind:    engine.KindRemote,
			partial: "par",
			msg:     "out of memory",
		},
		{
			name: "truncated stream",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, ollamaLine("half", false))
			},
			kind:    engine.KindProtocol,
			partial: "half",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o, _ := newOllama(t, tt.handler)
			out, err := engine.Collect(o.Invoke(context.Background(), "p"))
			if err == nil {
				t.Fatal("expected failure")
			}
			if k := engine.FailureKindOf(err); k != tt.kind {
				t.Errorf("kind = %q, want %q (err = %v)", k, tt.kind, err)
			}
			if out != tt.partial {
				t.Errorf("partial = %q, want %q", out, tt.partial)
			}
			if tt.msg != "" && !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("err = %v, want containing %q", err, tt.msg)
			}
		})
	}
}

func TestOllamaEngine_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o := &engine.OllamaEngine{BaseURL: url, Model: "m"}
	_, err := engine.Collect(o.Invoke(context.Background(), "p"))
	if engine.FailureKindOf(err) != engine.KindTransport {
		t.Fatalf("err = %v, want transport failure", err)
	}
	if o.Available(context.Background()) {
		t.Error("Available() = true for closed server")
	}
}

func TestOllamaEngine_Available(t *testing.T) {
	o, _ := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/api/tags" {
			io.WriteString(w, `{"models":[]}`)
			return
		}
		http.NotFound(w, r)
	})
	if !o.Available(context.Background()) {
		t.Error("Available() = false")
	}
}

func TestOllamaEngine_Cancel(t *testing.T) {
	release := make(chan struct{})
	o, _ := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ollamaLine("first", false))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })

	inv := o.Invoke(context.Background(), "p")
	if s, err := inv.Next(); err != nil || s != "first" {
		t.Fatalf("Next = %q, %v", s, err)
	}
	inv.Cancel()

	done := make(chan error, 1)
	go func() {
		_, err := inv.Next()
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, engine.ErrDone) {
			t.Errorf("Next after cancel = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Next blocked after cancel")
	}
}

func TestOllamaEngine_IdleTimeout(t *testing.T) {
	release := make(chan struct{})
	o, _ := newOllama(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, ollamaLine("slow", false))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	t.Cleanup(func() { close(release) })
	o.IdleTimeout = 50 * time.Millisecond

	out, err := engine.Collect(o.Invoke(context.Background(), "p"))
	if !errors.Is(err, engine.ErrIdleTimeout) {
		t.Fatalf("err = %v, want idle timeout", err)
	}
	if out != "slow" {
		t.Errorf("out = %q", out)
	}
}
