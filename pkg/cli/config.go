package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/jsontime"
	"github.com/haivivi/nexus/pkg/lineage"
	"github.com/haivivi/nexus/pkg/nexus"
)

const (
	// DefaultBaseDir is the base configuration directory name
	DefaultBaseDir = ".nexus"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.yaml"
)

// ErrNoContext is returned when no context is named and none is current.
var ErrNoContext = errors.New("cli: no current context set")

// Config represents the main configuration structure for a CLI app
type Config struct {
	// AppName is the application name, e.g. "nexus"
	AppName string `yaml:"-"`

	// CurrentContext is the name of the currently active context
	CurrentContext string `yaml:"current_context,omitempty"`

	// Contexts is a map of context name to context configuration
	Contexts map[string]*Context `yaml:"contexts,omitempty"`

	configPath string
}

// Context is one named set of engines and run defaults.
type Context struct {
	Name string `yaml:"name"`

	Cloud engine.Config `yaml:"cloud"`
	Local engine.Config `yaml:"local"`

	// Strategy is the default strategy of `nexus run`.
	Strategy string `yaml:"strategy,omitempty"`

	// IdleTimeout bounds the wait for each fragment.
	IdleTimeout jsontime.Duration `yaml:"idle_timeout,omitempty"`

	// CritiqueLimit truncates quoted text in critique prompts, in runes.
	// Zero means unlimited.
	CritiqueLimit int `yaml:"critique_limit,omitempty"`

	// ArchiveDir enables the on-disk lineage archive. Relative paths are
	// resolved against the config directory.
	ArchiveDir string `yaml:"archive_dir,omitempty"`

	// ExportDir is the default target of `nexus lineage export`.
	ExportDir string `yaml:"export_dir,omitempty"`

	// S3 makes `nexus lineage export` upload to a bucket.
	S3 *lineage.S3Config `yaml:"s3,omitempty"`
}

// DefaultContext returns a context running both engines in-process with
// the simulated adapter.
func DefaultContext() *Context {
	return &Context{
		Cloud:    engine.Config{Kind: engine.KindSimulated, Model: "cloud"},
		Local:    engine.Config{Kind: engine.KindSimulated, Model: "local"},
		Strategy: string(nexus.SingleCloud),
	}
}

// Validate checks engine kinds and the strategy.
func (ctx *Context) Validate() error {
	for _, e := range []struct {
		id  engine.ID
		cfg engine.Config
	}{{engine.Cloud, ctx.Cloud}, {engine.Local, ctx.Local}} {
		switch e.cfg.Kind {
		case engine.KindGemini, engine.KindOpenAI, engine.KindOllama, engine.KindSimulated:
		case "":
			return fmt.Errorf("context %q: %s engine kind is required", ctx.Name, e.id)
		default:
			return fmt.Errorf("context %q: %s engine: %w: %q", ctx.Name, e.id, engine.ErrUnknownKind, e.cfg.Kind)
		}
	}
	if _, err := ctx.DefaultStrategy(); err != nil {
		return fmt.Errorf("context %q: %w", ctx.Name, err)
	}
	if ctx.CritiqueLimit < 0 {
		return fmt.Errorf("context %q: critique_limit must not be negative", ctx.Name)
	}
	return nil
}

// DefaultStrategy returns the context's strategy, single-cloud if unset.
func (ctx *Context) DefaultStrategy() (nexus.Strategy, error) {
	if ctx.Strategy == "" {
		return nexus.SingleCloud, nil
	}
	return nexus.ParseStrategy(ctx.Strategy)
}

// Timeout returns the idle timeout, or def if unset.
func (ctx *Context) Timeout(def time.Duration) time.Duration {
	if ctx.IdleTimeout > 0 {
		return ctx.IdleTimeout.Duration()
	}
	return def
}

// LoadConfig loads or creates configuration for the specified app
func LoadConfig(appName string) (*Config, error) {
	return LoadConfigWithPath(appName, "")
}

// LoadConfigWithPath loads configuration from a custom path
func LoadConfigWithPath(appName, customPath string) (*Config, error) {
	configPath := customPath
	if configPath == "" {
		p, err := NewPaths(appName)
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = p.ConfigFile()
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	cfg := &Config{
		AppName:    appName,
		Contexts:   make(map[string]*Context),
		configPath: configPath,
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Save()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Contexts == nil {
		cfg.Contexts = make(map[string]*Context)
	}
	for name, ctx := range cfg.Contexts {
		if ctx == nil {
			return nil, fmt.Errorf("failed to parse config: context %q is empty", name)
		}
		ctx.Name = name
	}

	cfg.AppName = appName
	cfg.configPath = configPath
	return cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Path returns the config file path
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the config directory path
func (c *Config) Dir() string {
	return filepath.Dir(c.configPath)
}

// Resolve makes a context-relative path absolute against Dir. Empty stays
// empty.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(c.Dir(), p)
}

// AddContext validates and stores a context. The first context added
// becomes current.
func (c *Config) AddContext(name string, ctx *Context) error {
	ctx.Name = name
	if err := ctx.Validate(); err != nil {
		return err
	}
	c.Contexts[name] = ctx
	if c.CurrentContext == "" {
		c.CurrentContext = name
	}
	return c.Save()
}

// DeleteContext removes a context
func (c *Config) DeleteContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	delete(c.Contexts, name)
	if c.CurrentContext == name {
		c.CurrentContext = ""
	}
	return c.Save()
}

// UseContext sets the current context
func (c *Config) UseContext(name string) error {
	if _, ok := c.Contexts[name]; !ok {
		return fmt.Errorf("context %q not found", name)
	}
	c.CurrentContext = name
	return c.Save()
}

// GetContext returns a specific context
func (c *Config) GetContext(name string) (*Context, error) {
	ctx, ok := c.Contexts[name]
	if !ok {
		return nil, fmt.Errorf("context %q not found", name)
	}
	return ctx, nil
}

// GetCurrentContext returns the current context
func (c *Config) GetCurrentContext() (*Context, error) {
	if c.CurrentContext == "" {
		return nil, ErrNoContext
	}
	return c.GetContext(c.CurrentContext)
}

// ResolveContext returns the context by name, or current context if name is empty
func (c *Config) ResolveContext(name string) (*Context, error) {
	if name == "" {
		return c.GetCurrentContext()
	}
	return c.GetContext(name)
}

// ListContexts returns all context names, sorted
func (c *Config) ListContexts() []string {
	names := make([]string, 0, len(c.Contexts))
	for name := range c.Contexts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// MaskAPIKey masks the API key for display. "$VAR" references are shown
// as is.
func MaskAPIKey(key string) string {
	if strings.HasPrefix(key, "$") {
		return key
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
