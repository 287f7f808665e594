package digest

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/ppiankov/peekr/internal/store"
)

// TerminalFormatter formats reports for terminal output.
type TerminalFormatter struct {
	color bool
}

// NewTerminal creates a terminal formatter. Set color=true for ANSI colors.
func NewTerminal(color bool) *TerminalFormatter {
	return &TerminalFormatter{color: color}
}

// Feed writes posts grouped by platform, newest first within each group.
func (f *TerminalFormatter) Feed(w io.Writer, in FeedInput) error {
	header := fmt.Sprintf("peekr: %d posts, %d unread", len(in.Posts), in.Unread)
	if in.Filter != "" {
		header += " (" + in.Filter + ")"
	}
	fmt.Fprintln(w, f.bold(header))
	fmt.Fprintln(w)

	if len(in.Posts) == 0 {
		fmt.Fprintln(w, "No posts found.")
		return nil
	}

	order, groups := groupByPlatform(in.Posts)
	for _, platform := range order {
		posts := groups[platform]
		fmt.Fprintln(w, f.green(f.bold(fmt.Sprintf("--- %s (%d) ---", platform, len(posts)))))
		fmt.Fprintln(w)
		for _, p := range posts {
			f.writePost(w, p, in)
		}
	}
	return nil
}

func (f *TerminalFormatter) writePost(w io.Writer, p store.Post, in FeedInput) {
	marker := " "
	if !p.IsRead {
		marker = f.yellow("*")
	}
	fmt.Fprintf(w, " %s %s %s: %s\n", marker, f.dim(fmt.Sprintf("#%d", p.ID)), f.bold(p.SourceName), headline(p.Content))

	when := p.PostedAt.Format("2006-01-02 15:04")
	if !in.Now.IsZero() {
		when = humanize.RelTime(p.PostedAt, in.Now, "ago", "from now")
	}
	fmt.Fprintf(w, "      %s\n", f.dim(when))
	if p.PostURL != "" {
		fmt.Fprintf(w, "      %s\n", f.dim(p.PostURL))
	}
	fmt.Fprintln(w)
}

// Report writes one line per platform.
func (f *TerminalFormatter) Report(w io.Writer, in ReportInput) error {
	s := in.Summary
	header := fmt.Sprintf("peekr sync: %d platforms, %d items, %d failed", len(s.Results), s.NewItems, len(s.Failures))
	if in.Elapsed > 0 {
		header += " in " + formatElapsed(in.Elapsed)
	}
	fmt.Fprintln(w, f.bold(header))

	if len(s.Results) == 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "No platform is ready. Connect one with: peekr accounts connect <platform>")
		return nil
	}

	for _, r := range s.Results {
		if r.OK() {
			fmt.Fprintf(w, "  %s %-9s %d items %s\n", f.green("ok"), r.Platform, r.Count, f.dim("("+formatElapsed(r.Duration)+")"))
			continue
		}
		fmt.Fprintf(w, "  %s %-9s %s: %v\n", f.red("!!"), r.Platform, errorKind(r), r.Err)
	}
	return nil
}

// ANSI helpers, no-op when color=false.

func (f *TerminalFormatter) bold(s string) string {
	if !f.color {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

func (f *TerminalFormatter) green(s string) string {
	if !f.color {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

func (f *TerminalFormatter) yellow(s string) string {
	if !f.color {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

func (f *TerminalFormatter) red(s string) string {
	if !f.color {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

func (f *TerminalFormatter) dim(s string) string {
	if !f.color {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}
