package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/haivivi/nexus/pkg/ndjson"
)

var _ Engine = (*OllamaEngine)(nil)

// DefaultOllamaURL is the default base URL of a local Ollama server.
const DefaultOllamaURL = "http://localhost:11434"

// OllamaEngine streams from an Ollama server's native chat API, which
// answers with one JSON object per line:
//
//	{"message":{"role":"assistant","content":"..."},"done":false}
//	{"done":true,...}
type OllamaEngine struct {
	// BaseURL defaults to DefaultOllamaURL.
	BaseURL string
	Model   string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Tag defaults to Local.
	Tag ID

	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

func (o *OllamaEngine) ID() ID {
	if o.Tag == "" {
		return Local
	}
	return o.Tag
}

func (o *OllamaEngine) Name() string {
	return "ollama/" + o.Model
}

func (o *OllamaEngine) Invoke(ctx context.Context, prompt string) *Invocation {
	inv, em := NewInvocation(ctx, InvocationOptions{Engine: o.ID(), IdleTimeout: o.IdleTimeout})
	go func() {
		if err := o.stream(em, prompt); err != nil {
			var f *Failure
			if errors.As(err, &f) {
				em.Fail(f.Kind, f.Err)
				return
			}
			em.Fail(classify(err), err)
			return
		}
		em.Done()
	}()
	return inv
}

func (o *OllamaEngine) stream(em *Emitter, prompt string) error {
	body, err := json.Marshal(ollamaChatRequest{
		Model:    o.Model,
		Messages: []ollamaMessage{{Role: "user", Content: prompt}},
		Stream:   true,
	})
	if err != nil {
		return &Failure{Kind: KindProtocol, Err: err}
	}
	req, err := http.NewRequestWithContext(em.Context(), http.MethodPost, o.url("/api/chat"), bytes.NewReader(body))
	if err != nil {
		return &Failure{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := o.client().Do(req)
	if err != nil {
		return &Failure{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if e := gjson.GetBytes(msg, "error"); e.Exists() {
			msg = []byte(e.String())
		}
		return &Failure{
			Kind: KindRemote,
			Err:  fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	dec := ndjson.NewDecoder(resp.Body)
	dec.OnSkip = func(line []byte, reason error) {
		if len(line) > 128 {
			line = line[:128]
		}
		o.logger().Warn("engine/ollama: skip line", "model", o.Model, "line", string(line), "error", reason)
	}
	for {
		res, err := dec.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return &Failure{Kind: KindProtocol, Err: errors.New("unexpected end of stream: no done line")}
			}
			return &Failure{Kind: KindTransport, Err: err}
		}
		if e := res.Get("error"); e.Exists() {
			return &Failure{Kind: KindRemote, Err: errors.New(e.String())}
		}
		if err := em.Emit(res.Get("message.content").String()); err != nil {
			return err
		}
		if res.Get("done").Bool() {
			if n := dec.Skipped(); n > 0 {
				o.logger().Info("engine/ollama: stream completed with skipped lines", "model", o.Model, "skipped", n)
			}
			return nil
		}
	}
}

// Available reports whether the server answers GET /api/tags.
func (o *OllamaEngine) Available(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.url("/api/tags"), nil)
	if err != nil {
		return false
	}
	resp, err := o.client().Do(req)
	if err != nil {
		o.logger().Debug("engine/ollama: probe failed", "error", err)
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (o *OllamaEngine) url(path string) string {
	base := o.BaseURL
	if base == "" {
		base = DefaultOllamaURL
	}
	return strings.TrimRight(base, "/") + path
}

func (o *OllamaEngine) client() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return http.DefaultClient
}

func (o *OllamaEngine) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
