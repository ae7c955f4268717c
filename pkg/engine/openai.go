package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"
)

var _ Engine = (*OpenAIEngine)(nil)

const (
	oaiFinishReasonStop          string = "stop"
	oaiFinishReasonLength        string = "length"
	oaiFinishReasonContentFilter string = "content_filter"
)

// OpenAIEngine streams chat completions from an OpenAI compatible API. It
// also works against Ollama's /v1 endpoint.
type OpenAIEngine struct {
	Client *openai.Client

	Model string

	// Tag defaults to Cloud.
	Tag ID

	IdleTimeout time.Duration
	Logger      *slog.Logger
}

func (g *OpenAIEngine) ID() ID {
	if g.Tag == "" {
		return Cloud
	}
	return g.Tag
}

func (g *OpenAIEngine) Name() string {
	return "openai/" + g.Model
}

func (g *OpenAIEngine) Invoke(ctx context.Context, prompt string) *Invocation {
	inv, em := NewInvocation(ctx, InvocationOptions{Engine: g.ID(), IdleTimeout: g.IdleTimeout})
	if g.Client == nil {
		em.Fail(KindTransport, errNoClient)
		return inv
	}
	params := openai.ChatCompletionNewParams{
		Model: g.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	go func() {
		stream := g.Client.Chat.Completions.NewStreaming(em.Context(), params)
		defer stream.Close()
		if err := g.pull(em, stream); err != nil {
			var f *Failure
			if errors.As(err, &f) {
				em.Fail(f.Kind, f.Err)
				return
			}
			em.Fail(oaiClassify(err), err)
			return
		}
		em.Done()
	}()
	return inv
}

func (g *OpenAIEngine) pull(em *Emitter, stream *ssestream.Stream[openai.ChatCompletionChunk]) error {
	var (
		index    int64
		selected bool
	)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		var sel *openai.ChatCompletionChunkChoice
		if !selected {
			index = chunk.Choices[0].Index
			sel = &chunk.Choices[0]
			selected = true
		} else {
			for i := range chunk.Choices {
				if chunk.Choices[i].Index == index {
					sel = &chunk.Choices[i]
					break
				}
			}
			if sel == nil {
				continue
			}
		}
		if err := em.Emit(sel.Delta.Content); err != nil {
			return err
		}
		switch sel.FinishReason {
		case oaiFinishReasonStop:
			return nil
		case oaiFinishReasonLength:
			g.logger().Warn("engine/openai: truncated by max tokens", "model", g.Model)
			return nil
		case oaiFinishReasonContentFilter:
			return &Failure{Kind: KindRemote, Err: fmt.Errorf("blocked: %s", sel.Delta.Refusal)}
		}
		if s := sel.Delta.Refusal; s != "" {
			return &Failure{Kind: KindRemote, Err: fmt.Errorf("refused: %s", s)}
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	// Some compatible servers close the stream without a finish reason.
	return nil
}

func (g *OpenAIEngine) Available(ctx context.Context) bool {
	if g.Client == nil {
		return false
	}
	if _, err := g.Client.Models.Get(ctx, g.Model); err != nil {
		g.logger().Debug("engine/openai: probe failed", "model", g.Model, "error", err)
		return false
	}
	return true
}

func (g *OpenAIEngine) logger() *slog.Logger {
	if g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}

func oaiClassify(err error) FailureKind {
	var ae *openai.Error
	if errors.As(err, &ae) {
		return KindRemote
	}
	return classify(err)
}
