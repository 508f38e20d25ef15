// Package jsonx locates JSON values embedded in free-form model output.
package jsonx

import (
	"encoding/json"
	"strings"
)

// StripFences removes a surrounding Markdown code fence, if any.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// Drop the language tag line ("json", "JSON", ...).
		if tag := strings.TrimSpace(s[:nl]); !strings.ContainsAny(tag, "{[") {
			s = s[nl+1:]
		}
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// Candidates returns every top-level balanced {...} or [...] span in input,
// in order of appearance. Brackets inside JSON strings are ignored.
func Candidates(input string) []string {
	var out []string
	var stack []byte
	start := -1
	inString := false
	escaped := false
	for i := 0; i < len(input); i++ {
		ch := input[i]
		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' && inString {
			escaped = true
			continue
		}
		if ch == '"' {
			if len(stack) > 0 {
				inString = !inString
			}
			continue
		}
		if inString {
			continue
		}
		switch ch {
		case '{', '[':
			if len(stack) == 0 {
				start = i
			}
			stack = append(stack, ch)
		case '}', ']':
			if len(stack) == 0 {
				continue
			}
			open := stack[len(stack)-1]
			if (open == '{' && ch != '}') || (open == '[' && ch != ']') {
				// Mismatched close: abandon this span and rescan after its start.
				stack = stack[:0]
				i = start
				start = -1
				continue
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 && start >= 0 {
				out = append(out, input[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// Extract returns the first valid JSON value in s. The whole (unfenced)
// text is tried first, then each balanced candidate span.
func Extract(s string) (json.RawMessage, bool) {
	text := StripFences(s)
	if text != "" && json.Valid([]byte(text)) {
		return json.RawMessage(text), true
	}
	for _, c := range Candidates(text) {
		if json.Valid([]byte(c)) {
			return json.RawMessage(c), true
		}
	}
	return nil, false
}

// ExtractKind is like Extract but only accepts values starting with open
// ('{' or '[').
func ExtractKind(s string, open byte) (json.RawMessage, bool) {
	text := StripFences(s)
	if strings.HasPrefix(text, string(open)) && json.Valid([]byte(text)) {
		return json.RawMessage(text), true
	}
	for _, c := range Candidates(text) {
		if c[0] == open && json.Valid([]byte(c)) {
			return json.RawMessage(c), true
		}
	}
	return nil, false
}
