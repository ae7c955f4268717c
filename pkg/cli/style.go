package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

// Theme defines the color scheme of streamed output.
type Theme struct {
	Cloud lipgloss.Color
	Local lipgloss.Color
	Dim   lipgloss.Color
}

// DefaultTheme colors cloud tokens blue and local tokens green.
var DefaultTheme = Theme{
	Cloud: lipgloss.Color("#58a6ff"),
	Local: lipgloss.Color("#00ff9f"),
	Dim:   lipgloss.Color("#6e7681"),
}

// Styles holds all styles derived from a theme.
type Styles struct {
	Cloud lipgloss.Style
	Local lipgloss.Style
	Label lipgloss.Style
	Help  lipgloss.Style
}

// NewStyles creates styles from a theme.
func NewStyles(t Theme) Styles {
	return Styles{
		Cloud: lipgloss.NewStyle().Foreground(t.Cloud),
		Local: lipgloss.NewStyle().Foreground(t.Local),
		Label: lipgloss.NewStyle().Bold(true),
		Help:  lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// For returns the token style of an engine.
func (s Styles) For(id engine.ID) lipgloss.Style {
	if id == engine.Local {
		return s.Local
	}
	return s.Cloud
}

// TokenPrinter writes streamed tokens to a terminal. A label is printed
// whenever the producing engine changes, so interleaved hybrid output stays
// readable. It implements tokenbus.Sink.
type TokenPrinter struct {
	W      io.Writer
	Styles Styles

	// Plain disables colors.
	Plain bool

	mu   sync.Mutex
	last engine.ID
	n    int
}

var _ tokenbus.Sink = (*TokenPrinter)(nil)

// NewTokenPrinter returns a printer with the default theme.
func NewTokenPrinter(w io.Writer, plain bool) *TokenPrinter {
	return &TokenPrinter{W: w, Styles: NewStyles(DefaultTheme), Plain: plain}
}

func (p *TokenPrinter) OnToken(t tokenbus.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Engine != p.last {
		if p.n > 0 {
			fmt.Fprintln(p.W)
		}
		fmt.Fprint(p.W, p.render(p.Styles.Label.Inherit(p.Styles.For(t.Engine)), "["+string(t.Engine)+"] "))
		p.last = t.Engine
	}
	fmt.Fprint(p.W, p.render(p.Styles.For(t.Engine), t.Value))
	p.n++
}

// Finish terminates the current line if anything was printed.
func (p *TokenPrinter) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.n > 0 {
		fmt.Fprintln(p.W)
	}
	p.n = 0
	p.last = ""
}

// Tokens returns how many tokens were printed since the last Finish.
func (p *TokenPrinter) Tokens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

func (p *TokenPrinter) render(s lipgloss.Style, text string) string {
	if p.Plain {
		return text
	}
	// lipgloss pads multi-line blocks; style each line on its own
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = s.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}
