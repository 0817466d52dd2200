package utils

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"assistant/internal/model"
)

// Thresholds for the three replacement passes
const (
	strictWordScore  = 80.0
	windowScore      = 60.0
	lenientWordScore = 45.0

	minWordLen   = 4
	minWindowLen = 6
)

// stopWords are command words that must never be treated as entity names
var stopWords = map[string]bool{
	"book": true, "booking": true, "bookings": true, "cancel": true, "show": true,
	"list": true, "what": true, "when": true, "with": true, "from": true, "until": true,
	"room": true, "rooms": true, "today": true, "tomorrow": true, "tonight": true,
	"morning": true, "afternoon": true, "evening": true, "week": true, "next": true,
	"this": true, "that": true, "there": true, "have": true, "please": true, "available": true,
	"availability": true, "free": true, "meeting": true, "hour": true, "hours": true,
	"minutes": true, "mins": true, "undo": true, "check": true, "reserve": true,
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true,
	"mandag": true, "tirsdag": true, "onsdag": true, "torsdag": true, "fredag": true,
	"lørdag": true, "søndag": true, "morgen": true, "bestill": true, "avbryt": true,
	"rom": true, "ledig": true,
}

// Similarity scores two strings in the range 0-100
func Similarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)

	if a == b {
		return 100
	}
	if a == "" || b == "" {
		return 0
	}

	la, lb := len([]rune(a)), len([]rune(b))
	shorter, longer := la, lb
	if shorter > longer {
		shorter, longer = longer, shorter
	}

	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 85 + 15*float64(shorter)/float64(longer)
	}

	return 100 * (1 - float64(Levenshtein(a, b))/float64(longer))
}

// Levenshtein returns the edit distance between two strings, counting runes
func Levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}

	return prev[len(rb)]
}

// BestMatch ranks candidates by similarity to input.
// Candidates with equal scores keep their input order.
func BestMatch(input string, candidates []string) model.FuzzyMatch {
	matches := make([]model.MatchResult, 0, len(candidates))
	for _, c := range candidates {
		matches = append(matches, model.MatchResult{Name: c, Confidence: Similarity(input, c)})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Confidence > matches[j].Confidence
	})

	result := model.FuzzyMatch{AllMatches: matches}
	if len(matches) > 0 {
		result.Match = matches[0].Name
		result.Confidence = matches[0].Confidence
	}
	return result
}

// FuzzyReplaceRoomNames corrects at most one misspelled room name in text
func FuzzyReplaceRoomNames(text string, candidates []string) model.Correction {
	result := model.Correction{
		CorrectedText: text,
		Replacements:  []model.Replacement{},
	}

	if strings.TrimSpace(text) == "" || len(candidates) == 0 {
		result.ConfidenceLevel = model.ConfidenceLow
		return result
	}

	lower := strings.ToLower(text)
	for _, c := range candidates {
		if c != "" && strings.Contains(lower, strings.ToLower(c)) {
			result.ConfidenceLevel = model.ConfidenceHigh
			return result
		}
	}

	words := tokenize(text)

	span, match := bestSpan(singleWords(words, minWordLen), candidates, strictWordScore)
	if span == "" {
		span, match = bestSpan(wordWindows(words, minWindowLen), candidates, windowScore)
	}
	if span == "" {
		span, match = bestSpan(singleWords(words, minWordLen), candidates, lenientWordScore)
	}
	if span == "" {
		result.ConfidenceLevel = model.ConfidenceLow
		return result
	}

	result.CorrectedText = replaceWholeWord(text, span, match.Name)
	result.Replacements = append(result.Replacements, model.Replacement{
		Original:   span,
		Corrected:  match.Name,
		Confidence: match.Confidence,
	})
	result.ConfidenceLevel = LevelFor(match.Confidence)
	return result
}

// LevelFor buckets a 0-100 score
func LevelFor(score float64) model.ConfidenceLevel {
	switch {
	case score >= 80:
		return model.ConfidenceHigh
	case score >= 40:
		return model.ConfidenceMedium
	default:
		return model.ConfidenceLow
	}
}

// bestSpan returns the highest scoring span at or above threshold.
// The first span wins on equal scores.
func bestSpan(spans, candidates []string, threshold float64) (string, model.MatchResult) {
	var (
		bestText  string
		bestMatch model.MatchResult
	)
	for _, s := range spans {
		m := BestMatch(s, candidates)
		if m.Confidence < threshold {
			continue
		}
		if bestText == "" || m.Confidence > bestMatch.Confidence {
			bestText = s
			bestMatch = model.MatchResult{Name: m.Match, Confidence: m.Confidence}
		}
	}
	return bestText, bestMatch
}

func singleWords(words []string, minLen int) []string {
	var out []string
	for _, w := range words {
		if len([]rune(w)) < minLen || stopWords[strings.ToLower(w)] {
			continue
		}
		out = append(out, w)
	}
	return out
}

func wordWindows(words []string, minLen int) []string {
	var out []string
	for i := 0; i+1 < len(words); i++ {
		first, second := strings.ToLower(words[i]), strings.ToLower(words[i+1])
		if stopWords[first] && stopWords[second] {
			continue
		}
		window := words[i] + " " + words[i+1]
		if len([]rune(window)) < minLen {
			continue
		}
		out = append(out, window)
	}
	return out
}

// tokenize splits text into words with surrounding punctuation removed
func tokenize(text string) []string {
	var words []string
	for _, f := range strings.Fields(text) {
		w := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

// replaceWholeWord substitutes the first case-insensitive whole-word occurrence of old
func replaceWholeWord(text, old, replacement string) string {
	re, err := regexp.Compile(`(?i)(^|[^\p{L}\p{N}])(` + regexp.QuoteMeta(old) + `)($|[^\p{L}\p{N}])`)
	if err != nil {
		return text
	}
	loc := re.FindStringSubmatchIndex(text)
	if loc == nil {
		return text
	}
	// loc[4]:loc[5] is the matched word itself
	return text[:loc[4]] + replacement + text[loc[5]:]
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
