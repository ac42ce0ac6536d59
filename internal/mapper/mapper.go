// Package mapper turns authoritative content records into backend-agnostic
// search documents. Mapping is pure: the same record always yields an
// identical document, which keeps reindexing reproducible.
package mapper

import (
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/Aman-CERP/tutosearch/internal/content"
	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// strict removes every HTML element, keeping text content.
var strict = bluemonday.StrictPolicy()

// Markdown constructs, applied in order.
var (
	fencePattern      = regexp.MustCompile("(?m)^\\s*(```|~~~)[^\\n]*$")
	imagePattern      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	linkPattern       = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	refLinkPattern    = regexp.MustCompile(`\[([^\]]*)\]\[[^\]]*\]`)
	refDefPattern     = regexp.MustCompile(`(?m)^\s*\[[^\]]+\]:\s*\S+.*$`)
	headingPattern    = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s*`)
	quotePattern      = regexp.MustCompile(`(?m)^\s*>+\s?`)
	listPattern       = regexp.MustCompile(`(?m)^\s*(?:[-*+]|\d+[.)])\s+`)
	rulePattern       = regexp.MustCompile(`(?m)^\s*(?:[-*_]\s*){3,}$`)
	starPattern       = regexp.MustCompile(`\*{1,3}([^*\n]+)\*{1,3}`)
	strikePattern     = regexp.MustCompile(`~~([^~\n]+)~~`)
	underscorePattern = regexp.MustCompile(`(^|\W)_{1,3}([^_\n]+)_{1,3}(\W|$)`)
	inlineCodePattern = regexp.MustCompile("`+([^`]*)`+")
	tablePipePattern  = regexp.MustCompile(`(?m)^\s*\|?(?:\s*:?-{3,}:?\s*\|)+\s*:?-*:?\s*$`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// ToDocument maps a record to a search document. It fails with a mapping
// error when the identifier or title is missing. Visibility is not
// inspected: deciding whether a record belongs in the index is the caller's job.
func ToDocument(rec *content.Record) (*store.Document, error) {
	if rec == nil {
		return nil, tserrors.MappingError("", "record", "record is nil")
	}

	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return nil, tserrors.MappingError("", "id", "identifier is required")
	}

	title := PlainText(rec.Title)
	if title == "" {
		return nil, tserrors.MappingError(id, "title", "title is required")
	}

	return &store.Document{
		ID:        id,
		Slug:      strings.TrimSpace(rec.Slug),
		Title:     title,
		Summary:   PlainText(rec.Summary),
		Body:      PlainText(rec.Body),
		Tags:      CanonicalTags(rec.Tags),
		Category:  CanonicalTag(rec.Category),
		AuthorID:  strings.TrimSpace(rec.AuthorID),
		Version:   rec.Version(),
		UpdatedAt: rec.ModifiedAt.UTC(),
	}, nil
}

// PlainText strips HTML and Markdown formatting and collapses whitespace.
func PlainText(s string) string {
	if s == "" {
		return ""
	}

	// The sanitizer escapes entities; undo that after markup is gone.
	text := strict.Sanitize(s)
	text = html.UnescapeString(text)

	text = fencePattern.ReplaceAllString(text, " ")
	text = tablePipePattern.ReplaceAllString(text, " ")
	text = imagePattern.ReplaceAllString(text, "$1")
	text = linkPattern.ReplaceAllString(text, "$1")
	text = refLinkPattern.ReplaceAllString(text, "$1")
	text = refDefPattern.ReplaceAllString(text, " ")
	text = rulePattern.ReplaceAllString(text, " ")
	text = headingPattern.ReplaceAllString(text, "")
	text = quotePattern.ReplaceAllString(text, "")
	text = listPattern.ReplaceAllString(text, "")
	text = starPattern.ReplaceAllString(text, "$1")
	text = strikePattern.ReplaceAllString(text, "$1")
	text = underscorePattern.ReplaceAllString(text, "$1$2$3")
	text = inlineCodePattern.ReplaceAllString(text, "$1")
	text = strings.ReplaceAll(text, "|", " ")

	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// CanonicalTag normalizes a tag or category: NFC, lower case, single spaces.
func CanonicalTag(tag string) string {
	t := norm.NFC.String(strings.TrimSpace(tag))
	// Casers carry state and are not shared between goroutines
	t = cases.Lower(language.Und).String(t)
	return whitespacePattern.ReplaceAllString(t, " ")
}

// CanonicalTags canonicalizes, de-duplicates and sorts tags.
func CanonicalTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		c := CanonicalTag(tag)
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}
