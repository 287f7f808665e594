// Package digest renders the feed and sync reports for the CLI.
package digest

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
	"github.com/ppiankov/peekr/internal/syncer"
)

const headlineRunes = 120

// FeedInput is a page of posts to render.
type FeedInput struct {
	Posts  []store.Post
	Unread int
	// Filter describes the active platform or source filter, empty for all.
	Filter string
	Now    time.Time
}

// ReportInput is the outcome of one sync invocation.
type ReportInput struct {
	Summary syncer.Summary
	Elapsed time.Duration
}

// Formatter writes reports to w.
type Formatter interface {
	Feed(w io.Writer, in FeedInput) error
	Report(w io.Writer, in ReportInput) error
}

// New returns the formatter for name: terminal, json or markdown.
func New(name string, color bool) (Formatter, error) {
	switch name {
	case "", "terminal":
		return NewTerminal(color), nil
	case "json":
		return NewJSON(), nil
	case "markdown", "md":
		return NewMarkdown(), nil
	}
	return nil, fmt.Errorf("unknown format %q (want terminal, json or markdown)", name)
}

// groupByPlatform keeps post order within each platform and orders the
// groups like source.Platforms.
func groupByPlatform(posts []store.Post) (order []string, groups map[string][]store.Post) {
	groups = make(map[string][]store.Post)
	for _, p := range posts {
		groups[p.Platform] = append(groups[p.Platform], p)
	}
	for _, pl := range source.Platforms {
		if _, ok := groups[string(pl)]; ok {
			order = append(order, string(pl))
		}
	}
	var extra []string
	for name := range groups {
		if _, err := source.ParsePlatform(name); err != nil {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	return append(order, extra...), groups
}

// headline is the first non-empty line of content, shortened.
func headline(content string) string {
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return shorten(line, headlineRunes)
		}
	}
	return ""
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func errorKind(r syncer.Result) string {
	if r.OK() {
		return ""
	}
	return source.Kind(r.Err)
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}
