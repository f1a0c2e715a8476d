package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	// IgnoreExtraKeys drops object keys of actual that expected does not mention
	IgnoreExtraKeys bool     `default:"true"`
	IgnoredFields   []string `default:""`
}

// JSONOption configures a JSONAsserter
type JSONOption func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a readable diff
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT, opts ...JSONOption) *JSONAsserter {
	options := JSONAssertOptions{}
	defaults.SetDefaults(&options)
	for _, opt := range opts {
		opt(&options)
	}
	return &JSONAsserter{t: t, options: options}
}

// Assert fails the test when actualJSON does not match expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) bool {
	ja.t.Helper()
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
		return false
	}
	return true
}

// Diff returns a description of the differences, or "" when the documents match
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	for _, field := range ja.options.IgnoredFields {
		dropField(expected, field)
		dropField(actual, field)
	}
	if ja.options.IgnoreExtraKeys {
		actual = pruneExtraKeys(actual, expected)
	}

	// gojsondiff compares objects only
	left := map[string]any{"root": expected}
	right := map[string]any{"root": actual}

	diff := gojsondiff.New().CompareObjects(left, right)
	if !diff.Modified() {
		return ""
	}
	out, err := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true}).Format(diff)
	if err != nil {
		return fmt.Sprintf("documents differ (diff formatting failed: %v)", err)
	}
	return out
}

func dropField(v any, field string) {
	switch node := v.(type) {
	case map[string]any:
		delete(node, field)
		for _, child := range node {
			dropField(child, field)
		}
	case []any:
		for _, child := range node {
			dropField(child, field)
		}
	}
}

// pruneExtraKeys returns actual without the object keys expected lacks
func pruneExtraKeys(actual, expected any) any {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return actual
		}
		out := make(map[string]any, len(exp))
		for k, v := range act {
			if ev, ok := exp[k]; ok {
				out[k] = pruneExtraKeys(v, ev)
			}
		}
		return out
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return actual
		}
		out := make([]any, len(act))
		for i, v := range act {
			if i < len(exp) {
				out[i] = pruneExtraKeys(v, exp[i])
			} else {
				out[i] = v
			}
		}
		return out
	default:
		return actual
	}
}

func WithIgnoreExtraKeys(v bool) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoreExtraKeys = v }
}

func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = append(o.IgnoredFields, fields...) }
}
