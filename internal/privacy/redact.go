// Package privacy scrubs configured patterns from post content before it is
// stored.
package privacy

import (
	"context"
	"fmt"
	"regexp"

	"github.com/ppiankov/peekr/internal/store"
)

const redactedPlaceholder = "[REDACTED]"

// Compile compiles a list of regex pattern strings into compiled regexps.
// Returns an error if any pattern is invalid.
func Compile(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile redact pattern %q: %w", p, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

// Apply replaces all matches of the compiled patterns in text with [REDACTED].
func Apply(text string, patterns []*regexp.Regexp) string {
	for _, re := range patterns {
		text = re.ReplaceAllString(text, redactedPlaceholder)
	}
	return text
}

// Sink is the write side of the post store.
type Sink interface {
	Upsert(ctx context.Context, in store.PostInput) (store.Post, error)
}

// RedactingSink rewrites content and source names before passing posts on.
type RedactingSink struct {
	next     Sink
	patterns []*regexp.Regexp
}

// Wrap returns next unchanged when there is nothing to redact.
func Wrap(next Sink, patterns []*regexp.Regexp) Sink {
	if len(patterns) == 0 {
		return next
	}
	return &RedactingSink{next: next, patterns: patterns}
}

func (s *RedactingSink) Upsert(ctx context.Context, in store.PostInput) (store.Post, error) {
	in.Content = Apply(in.Content, s.patterns)
	in.SourceName = Apply(in.SourceName, s.patterns)
	return s.next.Upsert(ctx, in)
}
