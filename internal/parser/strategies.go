package parser

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Strategy pulls one JSON candidate out of raw model text.
type Strategy struct {
	Name    string
	Extract func(text string, shape Shape) (string, bool)
}

// Strategies is the ordered fallback chain. Earlier entries are cheaper and
// stricter; the quoted scrape only ever applies to string arrays.
var Strategies = []Strategy{
	{Name: "direct", Extract: extractDirect},
	{Name: "fenced", Extract: extractFenced},
	{Name: "embedded", Extract: extractEmbedded},
	{Name: "quoted", Extract: extractQuoted},
}

// Quoted-scrape length bounds, exclusive.
const (
	minQuotedLength = 5
	maxQuotedLength = 200
)

var (
	fencePattern  = regexp.MustCompile("(?s)```[A-Za-z]*\\s*\\n?(.*?)```")
	quotedPattern = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"(\s*:)?`)
)

func extractDirect(text string, shape Shape) (string, bool) {
	t := strings.TrimSpace(text)
	if strings.HasPrefix(t, "{") {
		return t, true
	}
	if shape == ShapeArray && strings.HasPrefix(t, "[") {
		return t, true
	}
	return "", false
}

func extractFenced(text string, shape Shape) (string, bool) {
	m := fencePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	body := strings.TrimSpace(m[1])
	if body == "" {
		return "", false
	}
	return extractDirect(body, shape)
}

// extractEmbedded returns the first balanced object (or, for arrays, the first
// balanced object or array) found anywhere in the text. String literals and
// escapes are tracked so braces inside values do not confuse the scan.
func extractEmbedded(text string, shape Shape) (string, bool) {
	openers := "{"
	if shape == ShapeArray {
		openers = "{["
	}
	for start := strings.IndexAny(text, openers); start >= 0; {
		if end, ok := balancedEnd(text, start); ok {
			return text[start : end+1], true
		}
		next := strings.IndexAny(text[start+1:], openers)
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func balancedEnd(text string, start int) (int, bool) {
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != ch {
				return 0, false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

// extractQuoted scrapes double-quoted strings of plausible affirmation length
// and re-encodes them as a JSON array. Object keys (a quote followed by a
// colon) are ignored.
func extractQuoted(text string, shape Shape) (string, bool) {
	if shape != ShapeArray {
		return "", false
	}
	var items []string
	for _, m := range quotedPattern.FindAllStringSubmatch(text, -1) {
		if m[2] != "" {
			continue
		}
		var s string
		if err := json.Unmarshal([]byte(`"`+m[1]+`"`), &s); err != nil {
			s = m[1]
		}
		n := utf8.RuneCountInString(s)
		if n > minQuotedLength && n < maxQuotedLength {
			items = append(items, s)
		}
	}
	if len(items) == 0 {
		return "", false
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", false
	}
	return string(raw), true
}
