// internal/llmutil/parser.go
package llmutil

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var codec = jsoniter.ConfigCompatibleWithStandardLibrary

// Backticks are written as \x60 because Go raw strings cannot contain them.
var fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*\\s*(.*?)\\s*\x60\x60\x60")

// ErrNoJSON is returned when a response contains nothing that looks like JSON.
var ErrNoJSON = errors.New("no JSON found in LLM response")

// ExtractJSON isolates the JSON document in an LLM response. It unwraps
// markdown fences and strips conversational text around the outermost
// object or array.
func ExtractJSON(response string) (string, error) {
	s := strings.TrimSpace(response)
	if m := fencedBlockRegex.FindStringSubmatch(s); len(m) > 1 {
		s = strings.TrimSpace(m[1])
	}
	if s == "" {
		return "", ErrNoJSON
	}
	if s[0] == '{' || s[0] == '[' {
		return s, nil
	}

	opener, closer := "{", "}"
	if ai, oi := strings.Index(s, "["), strings.Index(s, "{"); ai != -1 && (oi == -1 || ai < oi) {
		opener, closer = "[", "]"
	}
	first := strings.Index(s, opener)
	last := strings.LastIndex(s, closer)
	if first == -1 || last <= first {
		return "", ErrNoJSON
	}
	return s[first : last+1], nil
}

// ParseJSONResponse decodes an LLM response into T after ExtractJSON.
func ParseJSONResponse[T any](response string) (*T, error) {
	doc, err := ExtractJSON(response)
	if err != nil {
		return nil, err
	}
	var result T
	if err := codec.UnmarshalFromString(doc, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(doc, 500))
	}
	return &result, nil
}

// Truncate shortens s to at most maxLen bytes plus an ellipsis.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
