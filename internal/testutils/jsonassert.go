package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/srg/ionlink/internal/frame"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Presence in an expected document matches any value, as long as the key exists.
const Presence = "<<PRESENCE>>"

type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys the expected document does not mention.
	IgnoreExtraKeys bool `default:"true"`
	// AllowPresencePlaceholder enables Presence matching.
	AllowPresencePlaceholder bool `default:"true"`
	// IgnoreArrayOrder compares arrays as multisets.
	IgnoreArrayOrder bool `default:"false"`
	// IgnoredFields are removed at every depth on both sides.
	IgnoredFields []string
}

// Option configures a JSONAsserter.
type Option func(*JSONAssertOptions)

// JSONAsserter compares CLI JSON output and frame payloads structurally,
// reporting a gojsondiff listing on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	opts := JSONAssertOptions{}
	defaults.SetDefaults(&opts)
	return &JSONAsserter{t: t, options: opts}
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if h, ok := ja.t.(interface{ Helper() }); ok {
		h.Helper()
	}
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertFrame compares the payload of f against expectedJSON.
func (ja *JSONAsserter) AssertFrame(f *frame.Frame, expectedJSON string) {
	if f == nil {
		ja.t.Errorf("JSON assertion failed: nil frame, want payload %s", expectedJSON)
		return
	}
	ja.Assert(string(f.Payload), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only diffs objects
	if _, ok := expected.([]any); ok {
		expected = map[string]any{"$": expected}
		actual = map[string]any{"$": actual}
	}

	ja.reconcile(expected, actual)
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}

	left, _ := json.Marshal(expected)
	right, _ := json.Marshal(actual)
	d, err := gojsondiff.New().Compare(left, right)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}
	out, _ := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(d)
	return out
}

// reconcile walks both documents together, applying presence, ignored
// fields and extra-key pruning in a single pass.
func (ja *JSONAsserter) reconcile(expected, actual any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for _, f := range ja.options.IgnoredFields {
			delete(exp, f)
			delete(act, f)
		}
		if ja.options.IgnoreExtraKeys {
			for k := range act {
				if _, ok := exp[k]; !ok {
					delete(act, k)
				}
			}
		}
		for k, v := range exp {
			if s, ok := v.(string); ok && s == Presence && ja.options.AllowPresencePlaceholder {
				if av, ok := act[k]; ok {
					exp[k] = av
				}
				continue
			}
			ja.reconcile(v, act[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				ja.reconcile(exp[i], act[i])
			}
		}
	}
}

func sortArrays(v any) {
	switch t := v.(type) {
	case map[string]any:
		for _, child := range t {
			sortArrays(child)
		}
	case []any:
		for _, child := range t {
			sortArrays(child)
		}
		sort.Slice(t, func(i, j int) bool {
			a, _ := json.Marshal(t[i])
			b, _ := json.Marshal(t[j])
			return string(a) < string(b)
		})
	}
}

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = ignore }
}

func WithAllowPresencePlaceholder(allow bool) Option {
	return func(o *JSONAssertOptions) { o.AllowPresencePlaceholder = allow }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(o *JSONAssertOptions) { o.IgnoreArrayOrder = ignore }
}

// WithIgnoredFields drops volatile fields such as "ts" or "session".
func WithIgnoredFields(fields ...string) Option {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}
