package cli

import (
	"bytes"
	"testing"

	"github.com/haivivi/nexus/pkg/engine"
	"github.com/haivivi/nexus/pkg/tokenbus"
)

func TestTokenPrinter_Plain(t *testing.T) {
	var buf bytes.Buffer
	p := NewTokenPrinter(&buf, true)
	for _, tok := range []tokenbus.Token{
		{Engine: engine.Cloud, Value: "he"},
		{Engine: engine.Cloud, Value: "llo"},
		{Engine: engine.Local, Value: "hi"},
		{Engine: engine.Cloud, Value: "!"},
	} {
		p.OnToken(tok)
	}
	if p.Tokens() != 4 {
		t.Errorf("Tokens = %d", p.Tokens())
	}
	p.Finish()

	want := "[cloud] hello\n[local] hi\n[cloud] !\n"
	if buf.String() != want {
		t.Errorf("got %q, want %q", buf.String(), want)
	}
	if p.Tokens() != 0 {
		t.Error("Finish did not reset")
	}
}

func TestTokenPrinter_FinishEmpty(t *testing.T) {
	var buf bytes.Buffer
	p := NewTokenPrinter(&buf, true)
	p.Finish()
	if buf.Len() != 0 {
		t.Errorf("got %q", buf.String())
	}
}

func TestStyles_For(t *testing.T) {
	s := NewStyles(DefaultTheme)
	if s.For(engine.Local).GetForeground() != DefaultTheme.Local {
		t.Error("local style")
	}
	if s.For(engine.Cloud).GetForeground() != DefaultTheme.Cloud {
		t.Error("cloud style")
	}
}
