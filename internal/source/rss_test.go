package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ppiankov/peekr/internal/store"
)

type feedItem struct {
	guid, title, desc, pubDate, enclosure string
}

func rssXML(title string, items ...feedItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<?xml version="1.0"?><rss version="2.0"><channel><title>%s</title>`, title)
	for _, it := range items {
		b.WriteString("<item>")
		if it.title != "" {
			fmt.Fprintf(&b, "<title>%s</title>", it.title)
		}
		if it.guid != "" {
			fmt.Fprintf(&b, "<guid>%s</guid><link>https://example.com/%s</link>", it.guid, it.guid)
		}
		if it.desc != "" {
			fmt.Fprintf(&b, "<description><![CDATA[%s]]></description>", it.desc)
		}
		if it.pubDate != "" {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.pubDate)
		}
		if it.enclosure != "" {
			fmt.Fprintf(&b, `<enclosure url="%s" type="image/jpeg" length="1"/>`, it.enclosure)
		}
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func newTestRSS(t *testing.T, sink *memSink, feeds ...string) *RSSAdapter {
	t.Helper()
	a, err := NewRSS(Deps{
		Posts:    sink,
		Accounts: newMemAccounts(connectedAccount(RSS, strings.Join(feeds, ","))),
		Logger:   quietLogger(),
		Now:      fixedNow,
	}, WithRequestDelay(0))
	if err != nil {
		t.Fatalf("new rss: %v", err)
	}
	return a
}

func serveFeed(t *testing.T, body string) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func TestNewRSS_RequiresSink(t *testing.T) {
	if _, err := NewRSS(Deps{}); err == nil {
		t.Fatal("expected error without post sink")
	}
}

func TestRSSAdapter_Platform(t *testing.T) {
	a := newTestRSS(t, newMemSink())
	if a.Platform() != RSS {
		t.Errorf("platform = %q, want rss", a.Platform())
	}
}

func TestRSSSync_MalformedItemTolerance(t *testing.T) {
	ts := serveFeed(t, rssXML("Weekly",
		feedItem{guid: "1", title: "One", pubDate: "Mon, 02 Feb 2026 10:00:00 +0000"},
		feedItem{guid: "2", title: "Two", pubDate: "Mon, 02 Feb 2026 11:00:00 +0000"},
		feedItem{guid: "3", desc: "no title here", pubDate: "Mon, 02 Feb 2026 12:00:00 +0000"},
		feedItem{guid: "4", title: "Four", pubDate: "Mon, 02 Feb 2026 13:00:00 +0000"},
		feedItem{guid: "5", title: "Five", pubDate: "Mon, 02 Feb 2026 14:00:00 +0000"},
	))

	sink := newMemSink()
	n, err := newTestRSS(t, sink, ts.URL).Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 4 {
		t.Fatalf("stored %d, want 4", n)
	}
	if sink.count() != 4 {
		t.Fatalf("sink has %d posts, want 4", sink.count())
	}
}

func TestRSSSync_PerSourceIsolation(t *testing.T) {
	fastRetries(t)

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer failing.Close()
	ok := serveFeed(t, rssXML("Good",
		feedItem{guid: "a", title: "A", pubDate: "Mon, 02 Feb 2026 10:00:00 +0000"},
		feedItem{guid: "b", title: "B", pubDate: "Mon, 02 Feb 2026 11:00:00 +0000"},
	))

	sink := newMemSink()
	n, err := newTestRSS(t, sink, failing.URL, ok.URL).Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 2 {
		t.Fatalf("stored %d, want 2", n)
	}
}

func TestRSSSync_AllFeedsFail(t *testing.T) {
	fastRetries(t)

	var calls atomic.Int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	_, err := newTestRSS(t, newMemSink(), failing.URL).Sync(context.Background())
	if !errors.Is(err, ErrProviderUnreachable) {
		t.Fatalf("expected ErrProviderUnreachable, got %v", err)
	}
	if calls.Load() != maxAttempts {
		t.Errorf("expected %d attempts, got %d", maxAttempts, calls.Load())
	}
}

func TestRSSSync_NotConnected(t *testing.T) {
	a, err := NewRSS(Deps{Posts: newMemSink(), Accounts: newMemAccounts(), Logger: quietLogger()})
	if err != nil {
		t.Fatalf("new rss: %v", err)
	}
	if a.Ready(context.Background()) {
		t.Fatal("adapter without account must not be ready")
	}
	if _, err := a.Sync(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}

	disabled := store.Account{Platform: "rss", Connected: false, ConfigData: "https://example.com/feed"}
	a.deps.Accounts = newMemAccounts(disabled)
	if _, err := a.Sync(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected for disabled account, got %v", err)
	}
}

func TestRSSSync_NoFeedsIsEmptySuccess(t *testing.T) {
	a := newTestRSS(t, newMemSink())
	if a.Ready(context.Background()) {
		t.Fatal("adapter without feeds must not be ready")
	}
	n, err := a.Sync(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("expected Ok(0), got %d, %v", n, err)
	}
}

func TestRSSSync_StorageErrorAborts(t *testing.T) {
	ts := serveFeed(t, rssXML("Weekly",
		feedItem{guid: "1", title: "One", pubDate: "Mon, 02 Feb 2026 10:00:00 +0000"},
	))
	sink := newMemSink()
	sink.err = fmt.Errorf("%w: disk full", store.ErrStorage)

	_, err := newTestRSS(t, sink, ts.URL).Sync(context.Background())
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
}

func TestRSSSync_Idempotent(t *testing.T) {
	ts := serveFeed(t, rssXML("Weekly",
		feedItem{guid: "1", title: "One", pubDate: "Mon, 02 Feb 2026 10:00:00 +0000"},
		feedItem{guid: "2", title: "Two", pubDate: "Mon, 02 Feb 2026 11:00:00 +0000"},
	))
	sink := newMemSink()
	a := newTestRSS(t, sink, ts.URL)

	for i := 0; i < 2; i++ {
		if _, err := a.Sync(context.Background()); err != nil {
			t.Fatalf("sync #%d: %v", i, err)
		}
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 posts after repeated sync, got %d", sink.count())
	}
}

func TestRSSSync_DomainSerialization(t *testing.T) {
	var concurrent, maxConcurrent atomic.Int32

	body := rssXML("Feed", feedItem{guid: "1", title: "T", pubDate: "Mon, 02 Feb 2026 10:00:00 +0000"})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		cur := concurrent.Add(1)
		for {
			old := maxConcurrent.Load()
			if cur <= old || maxConcurrent.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		concurrent.Add(-1)
		_, _ = fmt.Fprint(w, body)
	}))
	defer ts.Close()

	feeds := []string{ts.URL + "/a", ts.URL + "/b", ts.URL + "/c"}
	n, err := newTestRSS(t, newMemSink(), feeds...).Sync(context.Background())
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if n != 3 {
		t.Fatalf("stored %d, want 3", n)
	}
	if maxConcurrent.Load() > 1 {
		t.Errorf("same-domain feeds fetched concurrently: max %d", maxConcurrent.Load())
	}
}

func TestPostFromItem(t *testing.T) {
	a := newTestRSS(t, newMemSink())
	feed := &gofeed.Feed{}
	long := strings.Repeat("x", 400)

	item := &gofeed.Item{
		GUID:        "g1",
		Title:       "Headline",
		Description: "<p>" + long + "</p>",
		Link:        "https://example.com/post",
		Published:   "not a date",
		Enclosures:  []*gofeed.Enclosure{{URL: "https://example.com/a.mp3", Type: "audio/mpeg"}, {URL: "https://example.com/a.jpg", Type: "image/jpeg"}},
	}

	in, err := a.postFromItem(feed, "https://www.example.com/feed.xml", item)
	if err != nil {
		t.Fatalf("post from item: %v", err)
	}
	if in.SourceName != "example.com" {
		t.Errorf("source name = %q, want example.com", in.SourceName)
	}
	if !strings.HasPrefix(in.Content, "Headline\n\n") {
		t.Errorf("content should start with title, got %q", in.Content[:20])
	}
	if got := len([]rune(strings.TrimPrefix(in.Content, "Headline\n\n"))); got != rssPreviewRunes+1 {
		t.Errorf("preview has %d runes, want %d plus ellipsis", got, rssPreviewRunes)
	}
	if in.MediaURL != "https://example.com/a.jpg" {
		t.Errorf("media = %q", in.MediaURL)
	}
	if !in.PostedAt.Equal(fixedNow()) {
		t.Errorf("unparseable date should fall back to now, got %v", in.PostedAt)
	}

	if _, err := a.postFromItem(feed, "u", &gofeed.Item{Description: "x"}); !errors.Is(err, ErrPartialItem) {
		t.Errorf("expected ErrPartialItem for missing title, got %v", err)
	}
}

func TestItemPublishedTime(t *testing.T) {
	now := time.Now().UTC()
	earlier := now.Add(-time.Hour)

	t.Run("published", func(t *testing.T) {
		item := &gofeed.Item{PublishedParsed: &now}
		if got := itemPublishedTime(item, fixedNow); !got.Equal(now) {
			t.Errorf("got %v, want %v", got, now)
		}
	})

	t.Run("updated fallback", func(t *testing.T) {
		item := &gofeed.Item{UpdatedParsed: &earlier}
		if got := itemPublishedTime(item, fixedNow); !got.Equal(earlier) {
			t.Errorf("got %v, want %v", got, earlier)
		}
	})

	t.Run("raw string", func(t *testing.T) {
		item := &gofeed.Item{Published: "2026-01-15T10:30:00+0000"}
		want := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
		if got := itemPublishedTime(item, fixedNow); !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("now fallback", func(t *testing.T) {
		if got := itemPublishedTime(&gofeed.Item{}, fixedNow); !got.Equal(fixedNow()) {
			t.Errorf("got %v, want now", got)
		}
	})
}

func TestItemID(t *testing.T) {
	if got := itemID(&gofeed.Item{GUID: "abc-123", Link: "https://example.com/post"}); got != "abc-123" {
		t.Errorf("got %q, want abc-123", got)
	}
	if got := itemID(&gofeed.Item{Link: "https://example.com/post"}); got != "https://example.com/post" {
		t.Errorf("got %q, want link", got)
	}
	if got := itemID(&gofeed.Item{}); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestFeedLabel(t *testing.T) {
	if got := feedLabel(&gofeed.Feed{Title: "My Blog"}, "https://example.com/feed.xml"); got != "My Blog" {
		t.Errorf("got %q, want My Blog", got)
	}
	if got := feedLabel(&gofeed.Feed{}, "https://www.example.com/feed.xml"); got != "example.com" {
		t.Errorf("got %q, want example.com", got)
	}
}

func TestFeedDomain(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://reddit.com/r/devops/.rss", "reddit.com"},
		{"https://www.example.com/feed.xml", "www.example.com"},
		{"http://localhost:8080/feed", "localhost:8080"},
		{"not-a-url", "not-a-url"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := feedDomain(tt.url); got != tt.want {
				t.Errorf("feedDomain(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}
