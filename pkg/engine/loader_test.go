package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/jsontime"
)

func TestLoad(t *testing.T) {
	t.Setenv("NEXUS_TEST_KEY", "from-env")

	tests := []struct {
		name     string
		id       engine.ID
		cfg      engine.Config
		wantName string
		wantErr  bool
	}{
		{"ollama", engine.Local, engine.Config{Kind: "ollama", Model: "llama3"}, "ollama/llama3", false},
		{"ollama without model", engine.Local, engine.Config{Kind: "ollama"}, "", true},
		{"simulated", engine.Local, engine.Config{Kind: "simulated", Suffix: "_O", Interval: jsontime.Duration(50 * time.Millisecond)}, "simulated", false},
		{"simulated named", engine.Cloud, engine.Config{Kind: "simulated", Model: "echo"}, "simulated/echo", false},
		{"openai env key", engine.Cloud, engine.Config{Kind: "openai", Model: "gpt-4o", APIKey: "$NEXUS_TEST_KEY"}, "openai/gpt-4o", false},
		{"openai unset env key", engine.Cloud, engine.Config{Kind: "openai", Model: "gpt-4o", APIKey: "$NEXUS_UNSET_KEY"}, "", true},
		{"openai local base url", engine.Local, engine.Config{Kind: "openai", Model: "llama3", BaseURL: "http://localhost:11434/v1/"}, "openai/llama3", false},
		{"gemini", engine.Cloud, engine.Config{Kind: "gemini", Model: "gemini-2.0-flash", APIKey: "${NEXUS_TEST_KEY}"}, "gemini/gemini-2.0-flash", false},
		{"gemini without key", engine.Cloud, engine.Config{Kind: "gemini", Model: "gemini-2.0-flash"}, "", true},
		{"invalid id", engine.ID("edge"), engine.Config{Kind: "ollama", Model: "m"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := engine.Load(context.Background(), tt.id, tt.cfg, engine.LoadOptions{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if e.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", e.Name(), tt.wantName)
			}
			if e.ID() != tt.id {
				t.Errorf("ID() = %q, want %q", e.ID(), tt.id)
			}
		})
	}
}

func TestLoad_UnknownKind(t *testing.T) {
	_, err := engine.Load(context.Background(), engine.Cloud, engine.Config{Kind: "bard"}, engine.LoadOptions{})
	if !errors.Is(err, engine.ErrUnknownKind) {
		t.Fatalf("err = %v, want ErrUnknownKind", err)
	}
}

func TestLoad_IdleTimeout(t *testing.T) {
	e, err := engine.Load(context.Background(), engine.Local, engine.Config{Kind: "ollama", Model: "m"},
		engine.LoadOptions{IdleTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.(*engine.OllamaEngine).IdleTimeout; got != 5*time.Second {
		t.Errorf("default IdleTimeout = %v", got)
	}

	e, err = engine.Load(context.Background(), engine.Local, engine.Config{Kind: "ollama", Model: "m", IdleTimeout: jsontime.Duration(250 * time.Millisecond)},
		engine.LoadOptions{IdleTimeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if got := e.(*engine.OllamaEngine).IdleTimeout; got != 250*time.Millisecond {
		t.Errorf("IdleTimeout = %v", got)
	}
}
