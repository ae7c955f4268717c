package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"

	"github.com/haivivi/nexus/pkg/jsontime"
)

// Adapter kinds accepted by Load.
const (
	KindGemini    = "gemini"
	KindOpenAI    = "openai"
	KindOllama    = "ollama"
	KindSimulated = "simulated"
)

// Config describes one engine in a configuration file.
type Config struct {
	Kind    string `json:"kind" yaml:"kind"`
	Model   string `json:"model,omitempty" yaml:"model,omitempty"`
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// IdleTimeout overrides LoadOptions.IdleTimeout when non-zero.
	IdleTimeout jsontime.Duration `json:"idle_timeout,omitzero" yaml:"idle_timeout,omitempty"`

	// Simulated engine only.
	Suffix   string            `json:"suffix,omitempty" yaml:"suffix,omitempty"`
	Interval jsontime.Duration `json:"interval,omitzero" yaml:"interval,omitempty"`
}

// LoadOptions carries process-wide dependencies for Load.
type LoadOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger

	// IdleTimeout is used when the config does not set one.
	IdleTimeout time.Duration
}

// Load builds the engine described by cfg and tags it with id. API keys of
// the form $VAR or ${VAR} are read from the environment.
func Load(ctx context.Context, id ID, cfg Config, opts LoadOptions) (Engine, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("engine: invalid id %q", id)
	}
	cfg.APIKey = expandEnv(cfg.APIKey)
	cfg.BaseURL = expandEnv(cfg.BaseURL)

	idle := opts.IdleTimeout
	if cfg.IdleTimeout > 0 {
		idle = cfg.IdleTimeout.Duration()
	}

	switch cfg.Kind {
	case KindGemini:
		return loadGemini(ctx, id, cfg, idle, opts)
	case KindOpenAI:
		return loadOpenAI(id, cfg, idle, opts)
	case KindOllama:
		if cfg.Model == "" {
			return nil, fmt.Errorf("engine/%s: model is required for ollama kind", id)
		}
		return &OllamaEngine{
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			HTTPClient:  opts.HTTPClient,
			Tag:         id,
			IdleTimeout: idle,
			Logger:      opts.Logger,
		}, nil
	case KindSimulated:
		label := "simulated"
		if cfg.Model != "" {
			label += "/" + cfg.Model
		}
		return &SimulatedEngine{
			Tag:         id,
			Label:       label,
			Suffix:      cfg.Suffix,
			Interval:    cfg.Interval.Duration(),
			IdleTimeout: idle,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, cfg.Kind)
	}
}

func loadGemini(ctx context.Context, id ID, cfg Config, idle time.Duration, opts LoadOptions) (Engine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("engine/%s: api_key is required for gemini kind", id)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("engine/%s: model is required for gemini kind", id)
	}
	cc := &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.HTTPClient,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("engine/%s: create gemini client: %w", id, err)
	}
	return &GeminiEngine{
		Client:      client,
		Model:       strings.TrimPrefix(cfg.Model, "models/"),
		Tag:         id,
		IdleTimeout: idle,
		Logger:      opts.Logger,
	}, nil
}

func loadOpenAI(id ID, cfg Config, idle time.Duration, opts LoadOptions) (Engine, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("engine/%s: api_key or base_url is required for openai kind", id)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("engine/%s: model is required for openai kind", id)
	}
	ropts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.APIKey != "" {
		ropts = append(ropts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		ropts = append(ropts, option.WithBaseURL(cfg.BaseURL))
	}
	if opts.HTTPClient != nil {
		ropts = append(ropts, option.WithHTTPClient(opts.HTTPClient))
	}
	client := openai.NewClient(ropts...)
	return &OpenAIEngine{
		Client:      &client,
		Model:       cfg.Model,
		Tag:         id,
		IdleTimeout: idle,
		Logger:      opts.Logger,
	}, nil
}

// expandEnv expands environment variables in a string.
// Supports formats: $VAR, ${VAR}, and plain values.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
