package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"assistant/internal/model"
)

var (
	inlineToolRe   = regexp.MustCompile(`\{\s*"tool"\s*:`)
	functionCallRe = regexp.MustCompile(`\b([A-Za-z_][A-Za-z0-9_]*)\s*\(\s*\{`)
)

// ToolCallError describes a span of model text that looked like a tool call but could not be parsed
type ToolCallError struct {
	Offset  int
	Snippet string
	Err     error
}

func (e *ToolCallError) Error() string {
	return fmt.Sprintf("malformed tool call at offset %d (%s): %v", e.Offset, truncateString(e.Snippet, 60), e.Err)
}

func (e *ToolCallError) Unwrap() error { return e.Err }

// ExtractToolCalls scans free model text for embedded tool calls in two shapes:
//
//	{"tool": "name", "arguments": {...}}
//	name({...})
//
// Every span that matches either shape but fails to parse is reported in errs
// instead of being dropped.
// Calls are returned in the order they appear in text.
func ExtractToolCalls(text string) ([]model.ToolCall, []error) {
	type found struct {
		offset int
		call   model.ToolCall
	}
	var (
		hits     []found
		errs     []error
		consumed [][2]int
	)

	for _, loc := range inlineToolRe.FindAllStringIndex(text, -1) {
		start := loc[0]
		if within(consumed, start) {
			continue
		}
		snippet := extractBalancedBraces(text[start:], '{', '}')
		if snippet == "" {
			errs = append(errs, &ToolCallError{Offset: start, Snippet: text[start:], Err: fmt.Errorf("unbalanced braces")})
			continue
		}
		consumed = append(consumed, [2]int{start, start + len(snippet)})

		var raw struct {
			Tool      string         `json:"tool"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(snippet), &raw); err != nil {
			errs = append(errs, &ToolCallError{Offset: start, Snippet: snippet, Err: err})
			continue
		}
		if strings.TrimSpace(raw.Tool) == "" {
			errs = append(errs, &ToolCallError{Offset: start, Snippet: snippet, Err: fmt.Errorf("empty tool name")})
			continue
		}
		hits = append(hits, found{start, model.ToolCall{Name: raw.Tool, Arguments: nonNil(raw.Arguments)}})
	}

	for _, m := range functionCallRe.FindAllStringSubmatchIndex(text, -1) {
		start := m[0]
		if within(consumed, start) {
			continue
		}
		name := text[m[2]:m[3]]
		braceAt := m[1] - 1
		snippet := extractBalancedBraces(text[braceAt:], '{', '}')
		if snippet == "" {
			errs = append(errs, &ToolCallError{Offset: start, Snippet: text[start:], Err: fmt.Errorf("unbalanced braces")})
			continue
		}
		end := braceAt + len(snippet)
		consumed = append(consumed, [2]int{start, end})

		if !strings.HasPrefix(strings.TrimSpace(text[end:]), ")") {
			errs = append(errs, &ToolCallError{Offset: start, Snippet: text[start:end], Err: fmt.Errorf("missing closing parenthesis")})
			continue
		}

		var args map[string]any
		if err := json.Unmarshal([]byte(snippet), &args); err != nil {
			errs = append(errs, &ToolCallError{Offset: start, Snippet: snippet, Err: err})
			continue
		}
		hits = append(hits, found{start, model.ToolCall{Name: name, Arguments: nonNil(args)}})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].offset < hits[j].offset })

	calls := make([]model.ToolCall, 0, len(hits))
	for _, h := range hits {
		calls = append(calls, h.call)
	}
	return calls, errs
}

func within(spans [][2]int, pos int) bool {
	for _, s := range spans {
		if pos >= s[0] && pos < s[1] {
			return true
		}
	}
	return false
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
