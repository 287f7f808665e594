package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ppiankov/peekr/internal/store"
)

const (
	rssMaxWorkers  = 10
	rssDomainDelay = 3 * time.Second
	rssMaxItems    = 50
)

// RSSAdapter pulls RSS and Atom feeds listed in the rss account.
type RSSAdapter struct {
	base
}

// NewRSS creates the feed adapter. Feeds on the same host are fetched one at
// a time with the request delay between them.
func NewRSS(deps Deps, opts ...Option) (*RSSAdapter, error) {
	if deps.Posts == nil {
		return nil, errors.New("rss: post sink is required")
	}
	opts = append([]Option{WithMaxItems(rssMaxItems), WithRequestDelay(rssDomainDelay)}, opts...)
	return &RSSAdapter{base: newBase(RSS, deps, "", opts)}, nil
}

func (a *RSSAdapter) Ready(ctx context.Context) bool {
	acct, err := a.account(ctx)
	return err == nil && len(store.SplitConfig(acct.ConfigData)) > 0
}

func (a *RSSAdapter) Sync(ctx context.Context) (int, error) {
	acct, err := a.account(ctx)
	if err != nil {
		return 0, err
	}
	feeds := store.SplitConfig(acct.ConfigData)
	if len(feeds) == 0 {
		return 0, nil
	}

	type result struct {
		url string
		n   int
		err error
	}

	// Group feeds by domain so same-domain requests are serialized.
	domainFeeds := make(map[string][]string)
	for _, feedURL := range feeds {
		d := feedDomain(feedURL)
		domainFeeds[d] = append(domainFeeds[d], feedURL)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan result, len(feeds))
	domainJobs := make(chan []string, len(domainFeeds))

	workers := a.maxWorkers
	if len(domainFeeds) < workers {
		workers = len(domainFeeds)
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for group := range domainJobs {
				for i, feedURL := range group {
					if i > 0 {
						if err := a.pause(ctx); err != nil {
							results <- result{url: feedURL, err: fmt.Errorf("%w: %w", ErrProviderUnreachable, err)}
							continue
						}
					}
					n, err := a.syncFeed(ctx, feedURL)
					if errors.Is(err, ErrStorage) {
						cancel()
					}
					results <- result{url: feedURL, n: n, err: err}
				}
			}
		}()
	}

	for _, group := range domainFeeds {
		domainJobs <- group
	}
	close(domainJobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		outcome refOutcome
		fatal   error
	)
	for r := range results {
		if err := outcome.add(a.log(), r.url, r.n, r.err); err != nil && fatal == nil {
			fatal = err
		}
	}
	if fatal != nil {
		return outcome.stored, fatal
	}
	return outcome.result()
}

func (a *RSSAdapter) syncFeed(ctx context.Context, feedURL string) (int, error) {
	body, err := fetch(ctx, a.deps.Client, feedURL)
	if err != nil {
		return 0, fmt.Errorf("rss: fetch %s: %w", feedURL, err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("rss: parse %s: %w: %w", feedURL, ErrProviderUnreachable, err)
	}

	stored := 0
	for i, item := range feed.Items {
		if i >= a.maxItems {
			break
		}
		in, err := a.postFromItem(feed, feedURL, item)
		if err != nil {
			a.log().Warn("item skipped", "source", feedURL, "error", err)
			continue
		}
		ok, err := a.save(ctx, in)
		if err != nil {
			return stored, err
		}
		if ok {
			stored++
		}
	}
	return stored, nil
}

func (a *RSSAdapter) postFromItem(feed *gofeed.Feed, feedURL string, item *gofeed.Item) (store.PostInput, error) {
	if item == nil || strings.TrimSpace(item.Title) == "" {
		return store.PostInput{}, fmt.Errorf("%w: item without title", ErrPartialItem)
	}

	raw := item.Description
	if strings.TrimSpace(raw) == "" {
		raw = item.Content
	}

	return store.PostInput{
		SourceID:   feedURL,
		SourceName: feedLabel(feed, feedURL),
		ExternalID: itemID(item),
		Content:    joinTitle(item.Title, truncate(stripHTML(raw), rssPreviewRunes)),
		MediaURL:   itemImage(item),
		PostURL:    strings.TrimSpace(item.Link),
		PostedAt:   itemPublishedTime(item, a.deps.Now),
	}, nil
}

// feedDomain extracts the host from a feed URL for rate limiting grouping.
func feedDomain(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Host == "" {
		return feedURL
	}
	return u.Host
}

func itemPublishedTime(item *gofeed.Item, now func() time.Time) time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed.UTC()
	}
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed.UTC()
	}
	raw := item.Published
	if raw == "" {
		raw = item.Updated
	}
	return parseTime(raw, feedDateLayouts, now)
}

func feedLabel(feed *gofeed.Feed, feedURL string) string {
	if t := strings.TrimSpace(feed.Title); t != "" {
		return t
	}
	return hostLabel(feedURL)
}

func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func itemImage(item *gofeed.Item) string {
	for _, enc := range item.Enclosures {
		if enc != nil && strings.HasPrefix(enc.Type, "image/") && enc.URL != "" {
			return enc.URL
		}
	}
	if item.Image != nil && item.Image.URL != "" {
		return item.Image.URL
	}
	if img := firstImage(item.Description); img != "" {
		return img
	}
	return firstImage(item.Content)
}
