package nexus

import (
	"strings"
	"text/template"

	_ "embed"
)

var (
	//go:embed critique.gotmpl
	critiqueTplContent string

	critiqueTpl = template.Must(template.New("critique").
			Funcs(template.FuncMap{
			"truncate": func(s string) string { return s },
		}).
		Parse(critiqueTplContent))
)

// critiqueInput is the data of critique.gotmpl.
type critiqueInput struct {
	// Target names the engine whose statement is critiqued.
	Target    string
	Statement string
	Prompt    string
}

// renderCritique builds the phase-2 prompt. A positive limit caps the
// statement and the original prompt at that many runes each.
func renderCritique(in critiqueInput, limit int) (string, error) {
	tpl, err := critiqueTpl.Clone()
	if err != nil {
		return "", err
	}
	tpl.Funcs(template.FuncMap{
		"truncate": func(s string) string { return truncateRunes(s, limit) },
	})
	var sb strings.Builder
	if err := tpl.Execute(&sb, in); err != nil {
		return "", err
	}
	return strings.TrimSuffix(sb.String(), "\n"), nil
}

const truncationMark = " …[truncated]"

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i] + truncationMark
		}
		n++
	}
	return s
}
