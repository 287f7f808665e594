package digest

import (
	"fmt"
	"io"
	"strings"

	"github.com/ppiankov/peekr/internal/store"
)

// MarkdownFormatter formats reports as Markdown.
type MarkdownFormatter struct{}

// NewMarkdown creates a Markdown formatter.
func NewMarkdown() *MarkdownFormatter {
	return &MarkdownFormatter{}
}

func (f *MarkdownFormatter) Feed(w io.Writer, in FeedInput) error {
	fmt.Fprintf(w, "# peekr feed\n\n")
	fmt.Fprintf(w, "%d posts, %d unread", len(in.Posts), in.Unread)
	if in.Filter != "" {
		fmt.Fprintf(w, " (%s)", in.Filter)
	}
	fmt.Fprint(w, "\n\n")

	if len(in.Posts) == 0 {
		fmt.Fprintln(w, "No posts found.")
		return nil
	}

	order, groups := groupByPlatform(in.Posts)
	for _, platform := range order {
		posts := groups[platform]
		fmt.Fprintf(w, "## %s (%d)\n\n", platform, len(posts))
		for _, p := range posts {
			f.writePost(w, p)
		}
		fmt.Fprintln(w)
	}
	return nil
}

func (f *MarkdownFormatter) writePost(w io.Writer, p store.Post) {
	fmt.Fprintf(w, "- **%s**: %s", escape(p.SourceName), escape(headline(p.Content)))
	if p.PostURL != "" {
		fmt.Fprintf(w, " ([link](%s))", p.PostURL)
	}
	fmt.Fprintf(w, " _%s_\n", p.PostedAt.UTC().Format("2006-01-02 15:04"))
}

func (f *MarkdownFormatter) Report(w io.Writer, in ReportInput) error {
	s := in.Summary
	fmt.Fprintf(w, "# peekr sync\n\n")
	fmt.Fprintf(w, "%d items from %d platforms, %d failed\n\n", s.NewItems, len(s.Results), len(s.Failures))
	if len(s.Results) == 0 {
		fmt.Fprintln(w, "No platform is ready.")
		return nil
	}

	fmt.Fprintln(w, "| Platform | Result | Items | Duration |")
	fmt.Fprintln(w, "|---|---|---|---|")
	for _, r := range s.Results {
		result := "ok"
		if !r.OK() {
			result = errorKind(r)
		}
		fmt.Fprintf(w, "| %s | %s | %d | %s |\n", r.Platform, result, r.Count, formatElapsed(r.Duration))
	}

	if len(s.Failures) > 0 {
		fmt.Fprintln(w)
		for _, r := range s.Failures {
			fmt.Fprintf(w, "- **%s**: %s\n", r.Platform, escape(r.Err.Error()))
		}
	}
	return nil
}

var mdEscaper = strings.NewReplacer("*", `\*`, "_", `\_`, "[", `\[`, "]", `\]`, "|", `\|`)

func escape(s string) string {
	return mdEscaper.Replace(s)
}
