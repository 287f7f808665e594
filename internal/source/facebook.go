package source

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ppiankov/peekr/internal/secret"
	"github.com/ppiankov/peekr/internal/store"
)

const (
	facebookAPIBase  = "https://graph.facebook.com/v18.0"
	facebookMaxPages = 5
)

// FacebookAdapter pulls posts of followed pages from the Graph API.
type FacebookAdapter struct {
	base
}

func NewFacebook(deps Deps, opts ...Option) (*FacebookAdapter, error) {
	if deps.Posts == nil {
		return nil, errors.New("facebook: post sink is required")
	}
	return &FacebookAdapter{base: newBase(Facebook, deps, facebookAPIBase, opts)}, nil
}

func (a *FacebookAdapter) Ready(ctx context.Context) bool {
	return a.hasSecrets(secret.FacebookAccessToken) && a.connected(ctx)
}

type fbPage struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type fbPost struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	Story        string `json:"story"`
	FullPicture  string `json:"full_picture"`
	PermalinkURL string `json:"permalink_url"`
	CreatedTime  string `json:"created_time"`
}

type fbPostList struct {
	Data   []fbPost `json:"data"`
	Paging struct {
		Next string `json:"next"`
	} `json:"paging"`
}

func (a *FacebookAdapter) Sync(ctx context.Context) (int, error) {
	token, err := a.secret(secret.FacebookAccessToken)
	if err != nil {
		return 0, err
	}
	acct, err := a.account(ctx)
	if err != nil {
		return 0, err
	}

	var outcome refOutcome
	for i, pageID := range store.SplitConfig(acct.ConfigData) {
		if i > 0 {
			if err := a.pause(ctx); err != nil {
				return outcome.stored, fmt.Errorf("facebook: %w: %w", ErrProviderUnreachable, err)
			}
		}
		n, err := a.syncPage(ctx, token, pageID)
		if err := outcome.add(a.log(), pageID, n, err); err != nil {
			return outcome.stored, err
		}
	}
	return outcome.result()
}

func (a *FacebookAdapter) syncPage(ctx context.Context, token, pageID string) (int, error) {
	name := a.pageName(ctx, token, pageID)

	q := url.Values{}
	q.Set("fields", "id,message,story,full_picture,permalink_url,created_time")
	q.Set("limit", strconv.Itoa(a.maxItems))
	q.Set("access_token", token)
	next := a.baseURL + "/" + url.PathEscape(pageID) + "/posts?" + q.Encode()

	stored, seen := 0, 0
	for page := 0; next != "" && page < facebookMaxPages && seen < a.maxItems; page++ {
		var list fbPostList
		if err := getJSON(ctx, a.deps.Client, next, &list); err != nil {
			if page > 0 {
				a.log().Warn("stopping pagination", "source", pageID, "error", err)
				break
			}
			return 0, fmt.Errorf("facebook: posts of %s: %w", pageID, err)
		}

		for _, p := range list.Data {
			if seen >= a.maxItems {
				break
			}
			seen++
			in, err := a.postFromGraph(pageID, name, p)
			if err != nil {
				a.log().Warn("item skipped", "source", pageID, "error", err)
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
		next = list.Paging.Next
	}
	return stored, nil
}

// pageName looks up the page title, falling back to the id.
func (a *FacebookAdapter) pageName(ctx context.Context, token, pageID string) string {
	q := url.Values{}
	q.Set("fields", "id,name")
	q.Set("access_token", token)

	var page fbPage
	if err := getJSON(ctx, a.deps.Client, a.baseURL+"/"+url.PathEscape(pageID)+"?"+q.Encode(), &page); err != nil {
		a.log().Debug("page name lookup failed", "source", pageID, "error", err)
		return pageID
	}
	if strings.TrimSpace(page.Name) == "" {
		return pageID
	}
	return page.Name
}

func (a *FacebookAdapter) postFromGraph(pageID, pageName string, p fbPost) (store.PostInput, error) {
	if strings.TrimSpace(p.ID) == "" {
		return store.PostInput{}, fmt.Errorf("%w: post without id", ErrPartialItem)
	}
	content := strings.TrimSpace(p.Message)
	if content == "" {
		content = strings.TrimSpace(p.Story)
	}
	if content == "" {
		return store.PostInput{}, fmt.Errorf("%w: post %s has no text", ErrPartialItem, p.ID)
	}

	postURL := p.PermalinkURL
	if postURL == "" {
		postURL = "https://www.facebook.com/" + p.ID
	}

	return store.PostInput{
		SourceID:   pageID,
		SourceName: pageName,
		ExternalID: p.ID,
		Content:    truncate(content, maxContentRunes),
		MediaURL:   p.FullPicture,
		PostURL:    postURL,
		PostedAt:   parseTime(p.CreatedTime, graphDateLayouts, a.deps.Now),
	}, nil
}
