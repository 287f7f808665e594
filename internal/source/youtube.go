package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/ppiankov/peekr/internal/secret"
	"github.com/ppiankov/peekr/internal/store"
)

const youtubeAPIBase = "https://www.googleapis.com/youtube/v3"

// YouTubeAdapter pulls the latest uploads of followed channels through the
// Data API.
type YouTubeAdapter struct {
	base

	mu       sync.Mutex
	resolved map[string]string
}

func NewYouTube(deps Deps, opts ...Option) (*YouTubeAdapter, error) {
	if deps.Posts == nil {
		return nil, errors.New("youtube: post sink is required")
	}
	return &YouTubeAdapter{
		base:     newBase(YouTube, deps, youtubeAPIBase, opts),
		resolved: make(map[string]string),
	}, nil
}

func (a *YouTubeAdapter) Ready(ctx context.Context) bool {
	return a.hasSecrets(secret.YouTubeAPIKey) && a.connected(ctx)
}

type ytChannelList struct {
	Items []struct {
		ID string `json:"id"`
	} `json:"items"`
}

type ytThumbnail struct {
	URL string `json:"url"`
}

type ytSearchList struct {
	Items []struct {
		ID struct {
			VideoID string `json:"videoId"`
		} `json:"id"`
		Snippet struct {
			PublishedAt  string                 `json:"publishedAt"`
			ChannelID    string                 `json:"channelId"`
			ChannelTitle string                 `json:"channelTitle"`
			Title        string                 `json:"title"`
			Description  string                 `json:"description"`
			Thumbnails   map[string]ytThumbnail `json:"thumbnails"`
		} `json:"snippet"`
	} `json:"items"`
}

func (a *YouTubeAdapter) Sync(ctx context.Context) (int, error) {
	key, err := a.secret(secret.YouTubeAPIKey)
	if err != nil {
		return 0, err
	}
	acct, err := a.account(ctx)
	if err != nil {
		return 0, err
	}

	var outcome refOutcome
	for i, ref := range store.SplitConfig(acct.ConfigData) {
		if i > 0 {
			if err := a.pause(ctx); err != nil {
				return outcome.stored, fmt.Errorf("youtube: %w: %w", ErrProviderUnreachable, err)
			}
		}
		n, err := a.syncChannel(ctx, key, ref)
		if err := outcome.add(a.log(), ref, n, err); err != nil {
			return outcome.stored, err
		}
	}
	return outcome.result()
}

func (a *YouTubeAdapter) syncChannel(ctx context.Context, key, ref string) (int, error) {
	channelID, err := a.resolve(ctx, key, ref)
	if err != nil {
		return 0, err
	}

	q := url.Values{}
	q.Set("part", "snippet")
	q.Set("channelId", channelID)
	q.Set("order", "date")
	q.Set("maxResults", strconv.Itoa(a.maxItems))
	q.Set("type", "video")
	q.Set("key", key)

	var list ytSearchList
	if err := getJSON(ctx, a.deps.Client, a.baseURL+"/search?"+q.Encode(), &list); err != nil {
		return 0, fmt.Errorf("youtube: videos of %s: %w", channelID, err)
	}

	stored := 0
	for _, item := range list.Items {
		videoID := strings.TrimSpace(item.ID.VideoID)
		if videoID == "" {
			a.log().Warn("item skipped", "source", channelID, "error", fmt.Errorf("%w: video without id", ErrPartialItem))
			continue
		}
		sn := item.Snippet
		name := sn.ChannelTitle
		if name == "" {
			name = channelID
		}
		ok, err := a.save(ctx, store.PostInput{
			SourceID:   channelID,
			SourceName: name,
			ExternalID: videoID,
			Content:    joinTitle(sn.Title, truncate(sn.Description, youtubePreviewRunes)),
			MediaURL:   bestThumbnail(sn.Thumbnails),
			PostURL:    "https://www.youtube.com/watch?v=" + videoID,
			PostedAt:   parseTime(sn.PublishedAt, youtubeDateLayouts, a.deps.Now),
		})
		if err != nil {
			return stored, err
		}
		if ok {
			stored++
		}
	}
	return stored, nil
}

// resolve maps a channel reference to a channel id. Each distinct reference
// is looked up once per adapter.
func (a *YouTubeAdapter) resolve(ctx context.Context, key, ref string) (string, error) {
	a.mu.Lock()
	id, ok := a.resolved[ref]
	a.mu.Unlock()
	if ok {
		return id, nil
	}

	id, handle := parseChannelRef(ref)
	if id == "" {
		q := url.Values{}
		q.Set("part", "id")
		q.Set("forHandle", "@"+handle)
		q.Set("key", key)

		var list ytChannelList
		if err := getJSON(ctx, a.deps.Client, a.baseURL+"/channels?"+q.Encode(), &list); err != nil {
			return "", fmt.Errorf("youtube: resolve %s: %w", ref, err)
		}
		if len(list.Items) == 0 || list.Items[0].ID == "" {
			return "", fmt.Errorf("youtube: resolve %s: %w: channel not found", ref, ErrProviderRejected)
		}
		id = list.Items[0].ID
	}

	a.mu.Lock()
	a.resolved[ref] = id
	a.mu.Unlock()
	return id, nil
}

// parseChannelRef accepts a raw channel id, a channel URL, an @handle or a
// custom name. It returns either the id or the handle to look up.
func parseChannelRef(ref string) (id, handle string) {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "UC") && !strings.ContainsAny(ref, "/@") {
		return ref, ""
	}

	if strings.Contains(ref, "youtube.com") && !strings.Contains(ref, "://") {
		ref = "https://" + ref
	}
	path := ref
	if u, err := url.Parse(ref); err == nil && u.Host != "" {
		path = u.Path
	}
	path = strings.Trim(path, "/")

	switch {
	case strings.HasPrefix(path, "channel/"):
		return firstSegment(strings.TrimPrefix(path, "channel/")), ""
	case strings.HasPrefix(path, "c/"):
		return "", firstSegment(strings.TrimPrefix(path, "c/"))
	case strings.HasPrefix(path, "user/"):
		return "", firstSegment(strings.TrimPrefix(path, "user/"))
	}
	if at := strings.LastIndex(path, "@"); at >= 0 {
		return "", firstSegment(path[at+1:])
	}
	return "", firstSegment(path)
}

func firstSegment(s string) string {
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		return s[:i]
	}
	return s
}

func bestThumbnail(thumbs map[string]ytThumbnail) string {
	for _, size := range []string{"high", "medium", "default"} {
		if t, ok := thumbs[size]; ok && t.URL != "" {
			return t.URL
		}
	}
	return ""
}
