package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultStopWords covers the French and English function words that dominate
// tutorial prose without carrying meaning.
var DefaultStopWords = []string{
	// English
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from", "how",
	"in", "is", "it", "of", "on", "or", "the", "this", "to", "with",
	// French
	"au", "aux", "avec", "ce", "ces", "dans", "de", "des", "du", "en", "et",
	"la", "le", "les", "leur", "ou", "par", "pour", "sur", "un", "une",
}

var defaultStopWordMap = BuildStopWordMap(DefaultStopWords)

// TokenizeText splits text into lower-case words on letter and digit
// boundaries, folding diacritics so "épée" and "epee" share a token.
func TokenizeText(text string) []string {
	words := strings.FieldsFunc(FoldDiacritics(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}

// FoldDiacritics removes combining marks after canonical decomposition.
func FoldDiacritics(s string) string {
	// transform.Chain keeps state, so one is built per call
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		lower := strings.ToLower(token)
		if _, isStop := stopWords[lower]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a map for efficient lookup.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// queryTokens tokenizes a search term and drops stop words, unless the term
// consists only of stop words, in which case they are kept.
func queryTokens(term string) []string {
	tokens := TokenizeText(term)
	filtered := FilterStopWords(tokens, defaultStopWordMap)
	if len(filtered) == 0 {
		return tokens
	}
	return filtered
}

// ftsMatchExpression builds an FTS5 MATCH expression requiring every token.
// Tokens are quoted so user input never reaches the FTS5 query grammar.
func ftsMatchExpression(term string) string {
	tokens := queryTokens(term)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " AND ")
}
