package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"
)

var _ Engine = (*GeminiEngine)(nil)

// GeminiEngine streams from the Google Gemini API.
type GeminiEngine struct {
	Client *genai.Client

	// Model should not start with "models/".
	Model string

	// Tag defaults to Cloud.
	Tag ID

	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func (g *GeminiEngine) ID() ID {
	if g.Tag == "" {
		return Cloud
	}
	return g.Tag
}

func (g *GeminiEngine) Name() string {
	return "gemini/" + g.Model
}

func (g *GeminiEngine) Invoke(ctx context.Context, prompt string) *Invocation {
	inv, em := NewInvocation(ctx, InvocationOptions{Engine: g.ID(), IdleTimeout: g.IdleTimeout})
	if g.Client == nil {
		em.Fail(KindTransport, errNoClient)
		return inv
	}
	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	go func() {
		if err := g.pull(em, g.Client.Models.GenerateContentStream(em.Context(), g.Model, contents, nil)); err != nil {
			var f *Failure
			if errors.As(err, &f) {
				em.Fail(f.Kind, f.Err)
				return
			}
			em.Fail(geminiClassify(err), geminiUnwrap(err))
			return
		}
		em.Done()
	}()
	return inv
}

func (g *GeminiEngine) pull(em *Emitter, itr iter.Seq2[*genai.GenerateContentResponse, error]) error {
	var selIdx int32
	for chunk, err := range itr {
		if err != nil {
			return err
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		var sel *genai.Candidate
		if selIdx == 0 {
			selIdx = chunk.Candidates[0].Index
			sel = chunk.Candidates[0]
		} else {
			for _, c := range chunk.Candidates {
				if c.Index == selIdx {
					sel = c
					break
				}
			}
			if sel == nil {
				continue
			}
		}
		if sel.Content != nil {
			var sb strings.Builder
			for _, p := range sel.Content.Parts {
				if p.Text != "" && !p.Thought {
					sb.WriteString(p.Text)
				}
			}
			if err := em.Emit(sb.String()); err != nil {
				return err
			}
		}
		switch sel.FinishReason {
		case genai.FinishReasonUnspecified, "":
			// continue
		case genai.FinishReasonStop:
			return nil
		case genai.FinishReasonMaxTokens:
			g.logger().Warn("engine/gemini: truncated by max tokens", "model", g.Model)
			return nil
		case genai.FinishReasonSafety:
			var cats []string
			for _, sr := range sel.SafetyRatings {
				if sr.Blocked {
					cats = append(cats, string(sr.Category))
				}
			}
			return &Failure{Kind: KindRemote, Err: fmt.Errorf("blocked by %s", strings.Join(cats, ", "))}
		default:
			return &Failure{Kind: KindRemote, Err: fmt.Errorf("unexpected finish reason: %s", sel.FinishReason)}
		}
	}
	return &Failure{Kind: KindProtocol, Err: errors.New("unexpected end of stream: no finish reason")}
}

func (g *GeminiEngine) Available(ctx context.Context) bool {
	if g.Client == nil {
		return false
	}
	if _, err := g.Client.Models.Get(ctx, g.Model, nil); err != nil {
		g.logger().Debug("engine/gemini: probe failed", "model", g.Model, "error", err)
		return false
	}
	return true
}

func (g *GeminiEngine) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func geminiUnwrap(err error) error {
	if e, ok := err.(*apierror.APIError); ok {
		return e.Unwrap()
	}
	return err
}

func geminiClassify(err error) FailureKind {
	var (
		ae  *apierror.APIError
		gae genai.APIError
	)
	if errors.As(err, &ae) || errors.As(err, &gae) {
		return KindRemote
	}
	return classify(err)
}
