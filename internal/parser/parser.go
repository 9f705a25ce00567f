// Package parser extracts structured values from free-form LLM output.
//
// Model replies are rarely clean JSON: they arrive wrapped in markdown fences,
// preceded by prose, or occasionally as a loose list of quoted lines. The
// parser runs an ordered list of extraction strategies and accepts the first
// candidate that both decodes and passes the caller's type guard. It never
// panics and only ever returns ErrUnparseable.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// ErrUnparseable is the sentinel returned when no strategy yields a value of the expected shape.
var ErrUnparseable = errors.New("unparseable agent response")

// ParseErrorMessage is the user-facing text callers attach when parsing fails.
const ParseErrorMessage = "Failed to parse agent response"

// maxLoggedRaw bounds how much raw model output ends up in debug logs.
const maxLoggedRaw = 512

// Shape selects which top-level JSON value a caller expects.
type Shape int

const (
	// ShapeObject expects a JSON object.
	ShapeObject Shape = iota
	// ShapeArray expects a bare array of strings, or an object wrapping one.
	ShapeArray
)

func (s Shape) String() string {
	if s == ShapeArray {
		return "array"
	}
	return "object"
}

// FieldType is the primitive type a guarded field must carry.
type FieldType int

const (
	FieldString FieldType = iota
	FieldStringArray
	FieldBool
)

// Field describes one guarded object field.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

// Schema is the type guard applied to decoded objects.
type Schema []Field

// Check validates obj against the schema.
func (s Schema) Check(obj map[string]any) error {
	for _, f := range s {
		v, ok := obj[f.Name]
		if !ok || v == nil {
			if f.Optional {
				continue
			}
			return fmt.Errorf("missing field %q", f.Name)
		}
		switch f.Type {
		case FieldString:
			if _, ok := v.(string); !ok {
				return fmt.Errorf("field %q is not a string", f.Name)
			}
		case FieldBool:
			if _, ok := v.(bool); !ok {
				return fmt.Errorf("field %q is not a bool", f.Name)
			}
		case FieldStringArray:
			if _, ok := asStringSlice(v); !ok {
				return fmt.Errorf("field %q is not a string array", f.Name)
			}
		}
	}
	return nil
}

// Decode runs the strategy chain and decodes the first candidate that passes
// schema into T.
func Decode[T any](text string, schema Schema) (T, error) {
	var zero T
	for _, st := range Strategies {
		candidate, ok := st.Extract(text, ShapeObject)
		if !ok {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			slog.Debug("Parser.Decode: candidate rejected", "strategy", st.Name, "error", err)
			continue
		}
		if err := schema.Check(obj); err != nil {
			slog.Debug("Parser.Decode: type guard failed", "strategy", st.Name, "error", err)
			continue
		}
		var out T
		if err := json.Unmarshal([]byte(candidate), &out); err != nil {
			slog.Debug("Parser.Decode: typed decode failed", "strategy", st.Name, "error", err)
			continue
		}
		return out, nil
	}
	slog.Debug("Parser.Decode: no strategy produced a valid object", "raw", truncate(text))
	return zero, ErrUnparseable
}

// StringArray extracts a list of strings. It accepts a bare JSON array or an
// object whose field holds the array; as a last resort quoted substrings of a
// plausible affirmation length are scraped from the text.
func StringArray(text, field string) ([]string, error) {
	for _, st := range Strategies {
		candidate, ok := st.Extract(text, ShapeArray)
		if !ok {
			continue
		}
		if items, ok := decodeStringArray(candidate, field); ok {
			return items, nil
		}
		slog.Debug("Parser.StringArray: candidate rejected", "strategy", st.Name)
	}
	slog.Debug("Parser.StringArray: no strategy produced a string array", "raw", truncate(text))
	return nil, ErrUnparseable
}

func decodeStringArray(candidate, field string) ([]string, bool) {
	var v any
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case []any:
		return asStringSlice(t)
	case map[string]any:
		if field == "" {
			return nil, false
		}
		inner, ok := t[field]
		if !ok {
			return nil, false
		}
		return asStringSlice(inner)
	}
	return nil, false
}

func asStringSlice(v any) ([]string, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(arr))
	for _, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}

// MergeSuggestions concatenates suggestion lists, dropping blanks and
// duplicates while keeping first-seen order.
func MergeSuggestions(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, s := range list {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string) string {
	if len(s) <= maxLoggedRaw {
		return s
	}
	return s[:maxLoggedRaw] + "...(truncated)"
}
