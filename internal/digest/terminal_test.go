package digest

import (
	"bytes"
	"strings"
	"testing"
)

func TestTerminal_Feed(t *testing.T) {
	f := NewTerminal(false)
	var buf bytes.Buffer

	err := f.Feed(&buf, FeedInput{Posts: samplePosts(), Unread: 2, Now: testNow})
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "peekr: 3 posts, 2 unread") {
		t.Errorf("missing header:\n%s", out)
	}
	yt := strings.Index(out, "--- youtube (1) ---")
	rss := strings.Index(out, "--- rss (1) ---")
	tg := strings.Index(out, "--- telegram (1) ---")
	if yt < 0 || rss < 0 || tg < 0 {
		t.Fatalf("missing platform groups:\n%s", out)
	}
	if !(yt < rss && rss < tg) {
		t.Error("groups out of order")
	}
	if !strings.Contains(out, "* #1 Go Blog: Go 1.26 released") {
		t.Errorf("unread post not marked:\n%s", out)
	}
	if strings.Contains(out, "More details inside") {
		t.Error("headline should only show the first line")
	}
	if strings.Contains(out, "* #3") {
		t.Error("read post marked unread")
	}
	if !strings.Contains(out, "1 hour ago") {
		t.Errorf("missing relative time:\n%s", out)
	}
	if !strings.Contains(out, "https://example.com/2") {
		t.Error("missing post url")
	}
}

func TestTerminal_FeedFilterAndEmpty(t *testing.T) {
	f := NewTerminal(false)
	var buf bytes.Buffer

	if err := f.Feed(&buf, FeedInput{Filter: "platform=rss"}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "(platform=rss)") {
		t.Error("missing filter")
	}
	if !strings.Contains(out, "No posts found.") {
		t.Error("missing empty message")
	}
}

func TestTerminal_FeedAbsoluteTimeWithoutNow(t *testing.T) {
	f := NewTerminal(false)
	var buf bytes.Buffer

	if err := f.Feed(&buf, FeedInput{Posts: samplePosts()[:1]}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !strings.Contains(buf.String(), "2026-03-01 11:00") {
		t.Errorf("missing absolute time:\n%s", buf.String())
	}
}

func TestTerminal_Report(t *testing.T) {
	f := NewTerminal(false)
	var buf bytes.Buffer

	if err := f.Report(&buf, ReportInput{Summary: sampleSummary()}); err != nil {
		t.Fatalf("report: %v", err)
	}
	out := buf.String()

	if !strings.Contains(out, "3 platforms, 6 items, 1 failed") {
		t.Errorf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "ok rss") || !strings.Contains(out, "4 items") {
		t.Errorf("missing rss row:\n%s", out)
	}
	if !strings.Contains(out, "!! facebook  provider_rejected") {
		t.Errorf("missing facebook failure:\n%s", out)
	}
	if !strings.Contains(out, "token expired") {
		t.Error("missing failure reason")
	}
}

func TestTerminal_ReportNothingReady(t *testing.T) {
	f := NewTerminal(false)
	var buf bytes.Buffer

	if err := f.Report(&buf, ReportInput{}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if !strings.Contains(buf.String(), "No platform is ready") {
		t.Errorf("missing hint:\n%s", buf.String())
	}
}

func TestTerminal_Color(t *testing.T) {
	f := NewTerminal(true)
	var buf bytes.Buffer

	if err := f.Feed(&buf, FeedInput{Posts: samplePosts(), Unread: 2, Now: testNow}); err != nil {
		t.Fatalf("feed: %v", err)
	}
	if !strings.Contains(buf.String(), "\033[") {
		t.Error("expected ANSI escapes with color enabled")
	}
}

func TestTerminal_NoColor(t *testing.T) {
	f := NewTerminal(false)
	var buf bytes.Buffer

	if err := f.Report(&buf, ReportInput{Summary: sampleSummary()}); err != nil {
		t.Fatalf("report: %v", err)
	}
	if strings.Contains(buf.String(), "\033[") {
		t.Error("unexpected ANSI escapes with color disabled")
	}
}
