package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	fencedJSONRe    = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.+?)\\s*```")
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	bareKeyRe       = regexp.MustCompile(`([{,]\s*)([A-Za-z_]\w*)(\s*:)`)
	controlCharRe   = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
)

// StripCodeFence removes a leading ```json / ``` marker and a trailing ``` marker
func StripCodeFence(input string) string {
	s := strings.TrimSpace(input)
	if !strings.HasPrefix(s, "```") {
		return s
	}

	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(strings.TrimPrefix(s, "json"), "JSON")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseAIJSON extracts and parses JSON from model output that may contain:
// - Pure JSON
// - JSON wrapped in markdown code fences
// - JSON with surrounding prose
// - JSON with trailing commas, bare keys or single quotes
func ParseAIJSON(input string, target any) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("empty input")
	}

	candidates := []func(string) string{
		StripCodeFence,
		extractFromMarkdown,
		extractJSONFromText,
		func(s string) string { return cleanAndFixJSON(extractJSONFromText(s)) },
		cleanAndFixJSON,
	}

	for _, extract := range candidates {
		s := extract(input)
		if s == "" {
			continue
		}
		if err := json.Unmarshal([]byte(s), target); err == nil {
			return nil
		}
	}

	return fmt.Errorf("failed to parse JSON from input: %s", truncateString(input, 100))
}

// ExtractJSONSnippets finds all top-level JSON objects or arrays in text
func ExtractJSONSnippets(input string) []string {
	var snippets []string

	for i := 0; i < len(input); i++ {
		var open, close rune
		switch input[i] {
		case '{':
			open, close = '{', '}'
		case '[':
			open, close = '[', ']'
		default:
			continue
		}
		if extracted := extractBalancedBraces(input[i:], open, close); extracted != "" {
			snippets = append(snippets, extracted)
			i += len(extracted) - 1
		}
	}

	return snippets
}

func extractFromMarkdown(input string) string {
	if matches := fencedJSONRe.FindStringSubmatch(input); len(matches) > 1 {
		content := strings.TrimSpace(matches[1])
		if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
			return content
		}
	}
	return ""
}

func extractJSONFromText(input string) string {
	if start := strings.Index(input, "{"); start >= 0 {
		if extracted := extractBalancedBraces(input[start:], '{', '}'); extracted != "" {
			return extracted
		}
	}

	if start := strings.Index(input, "["); start >= 0 {
		if extracted := extractBalancedBraces(input[start:], '[', ']'); extracted != "" {
			return extracted
		}
	}

	return ""
}

// extractBalancedBraces returns the prefix of input up to the brace that closes the first open.
// Braces inside string literals are ignored. Returns "" when unbalanced.
func extractBalancedBraces(input string, open, close rune) string {
	depth := 0
	inString := false
	escape := false
	start := -1

	for i, ch := range input {
		if escape {
			escape = false
			continue
		}

		switch {
		case ch == '\\':
			escape = true
		case ch == '"':
			inString = !inString
		case inString:
		case ch == open:
			if depth == 0 {
				start = i
			}
			depth++
		case ch == close && start >= 0:
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}

	return ""
}

func cleanAndFixJSON(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return ""
	}

	s = strings.TrimPrefix(s, "\ufeff")
	s = trailingCommaRe.ReplaceAllString(s, "$1")
	s = bareKeyRe.ReplaceAllString(s, `$1"$2"$3`)
	s = fixSingleQuotes(s)
	s = controlCharRe.ReplaceAllString(s, "")

	return s
}

// fixSingleQuotes turns single-quoted strings into double-quoted ones
// while leaving apostrophes inside double-quoted strings alone
func fixSingleQuotes(input string) string {
	var b strings.Builder
	b.Grow(len(input))

	inDouble := false
	inSingle := false
	escape := false
	var prev rune

	for _, ch := range input {
		switch {
		case escape:
			escape = false
		case ch == '\\':
			escape = true
		case ch == '"' && !inSingle:
			inDouble = !inDouble
		case ch == '\'' && !inDouble:
			if inSingle {
				inSingle = false
				ch = '"'
			} else if prev == ':' || prev == ',' || prev == '[' || prev == '{' || prev == 0 {
				inSingle = true
				ch = '"'
			}
		}
		b.WriteRune(ch)
		if !unicode.IsSpace(ch) {
			prev = ch
		}
	}

	return b.String()
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
