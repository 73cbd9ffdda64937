package testutils

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/mcuadros/go-defaults"
)

// TestingT is the subset of *testing.T the asserters report through.
type TestingT interface {
	Errorf(format string, args ...interface{})
}

type TextAssertOptions struct {
	TrimSpace                bool `default:"false"`
	IgnoreTrailingWhitespace bool `default:"false"`
	Colors                   bool `default:"false"`
}

type TextOption func(*TextAssertOptions)

// TextAsserter compares human-readable CLI output line by line and reports
// a unified diff.
type TextAsserter struct {
	t       TestingT
	options TextAssertOptions
}

func NewTextAsserter(t TestingT) *TextAsserter {
	opts := TextAssertOptions{}
	defaults.SetDefaults(&opts)
	return &TextAsserter{t: t, options: opts}
}

func (ta *TextAsserter) WithOptions(opts ...TextOption) *TextAsserter {
	for _, opt := range opts {
		opt(&ta.options)
	}
	return ta
}

func (ta *TextAsserter) Assert(actual, expected string) {
	if h, ok := ta.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	want, got := ta.normalize(expected), ta.normalize(actual)
	if want == got {
		return
	}
	edits := myers.ComputeEdits("", want, got)
	diff := fmt.Sprint(gotextdiff.ToUnified("expected", "actual", want, edits))
	if ta.options.Colors {
		diff = colorize(diff)
	}
	ta.t.Errorf("Text assertion failed - unified diff:\n%s", diff)
}

func (ta *TextAsserter) normalize(text string) string {
	if ta.options.TrimSpace {
		text = strings.TrimSpace(text)
	}
	if !ta.options.IgnoreTrailingWhitespace {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.Join(lines, "\n")
}

// colorize paints hunks and makes whitespace on changed lines visible.
func colorize(diff string) string {
	paint := func(attr color.Attribute, s string) string {
		c := color.New(attr)
		c.EnableColor()
		return c.Sprint(s)
	}
	visible := strings.NewReplacer(" ", "·", "\t", "→")

	lines := strings.Split(diff, "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "---"), strings.HasPrefix(l, "+++"):
			lines[i] = paint(color.FgYellow, l)
		case strings.HasPrefix(l, "@@"):
			lines[i] = paint(color.FgCyan, l)
		case strings.HasPrefix(l, "-"):
			lines[i] = paint(color.FgRed, visible.Replace(l))
		case strings.HasPrefix(l, "+"):
			lines[i] = paint(color.FgGreen, visible.Replace(l))
		}
	}
	return strings.Join(lines, "\n")
}

func WithTrimSpace(trim bool) TextOption {
	return func(o *TextAssertOptions) { o.TrimSpace = trim }
}

func WithIgnoreTrailingWhitespace(ignore bool) TextOption {
	return func(o *TextAssertOptions) { o.IgnoreTrailingWhitespace = ignore }
}

func WithColors(enable bool) TextOption {
	return func(o *TextAssertOptions) { o.Colors = enable }
}
