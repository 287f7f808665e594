// Package source holds the adapters that pull items from external providers
// and store them as normalized posts.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ppiankov/peekr/internal/secret"
	"github.com/ppiankov/peekr/internal/store"
)

// Platform identifies a provider.
type Platform string

const (
	YouTube  Platform = "youtube"
	Facebook Platform = "facebook"
	RSS      Platform = "rss"
	Telegram Platform = "telegram"
	WhatsApp Platform = "whatsapp"
)

// Platforms lists every known platform in display order.
var Platforms = []Platform{YouTube, Facebook, RSS, Telegram, WhatsApp}

// ParsePlatform validates a user supplied platform name.
func ParsePlatform(s string) (Platform, error) {
	for _, p := range Platforms {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Adapter pulls the latest items of one platform into the post store.
type Adapter interface {
	Platform() Platform

	// Ready reports whether the adapter has what it needs to sync.
	Ready(ctx context.Context) bool

	// Sync fetches the followed sources and returns the number of items stored.
	Sync(ctx context.Context) (int, error)
}

// PostSink receives normalized posts.
type PostSink interface {
	Upsert(ctx context.Context, in store.PostInput) (store.Post, error)
}

// AccountStore persists per-platform connection records.
type AccountStore interface {
	GetAccount(ctx context.Context, platform string) (*store.Account, error)
	SaveAccount(ctx context.Context, a store.Account) error
	DeleteAccount(ctx context.Context, platform string) error
}

// Deps are the collaborators shared by all adapters.
type Deps struct {
	Posts    PostSink
	Accounts AccountStore
	Secrets  secret.Store
	Logger   *slog.Logger
	Client   *http.Client
	Now      func() time.Time
}

const (
	defaultMaxItems     = 20
	defaultHTTPTimeout  = 30 * time.Second
	defaultRequestDelay = time.Second
)

type settings struct {
	maxItems     int
	requestDelay time.Duration
	baseURL      string
	maxWorkers   int
}

// Option tunes an adapter.
type Option func(*settings)

// WithMaxItems bounds the number of items requested per followed source.
func WithMaxItems(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

// WithRequestDelay sets the pause between requests to the same provider.
func WithRequestDelay(d time.Duration) Option {
	return func(s *settings) {
		if d >= 0 {
			s.requestDelay = d
		}
	}
}

// WithBaseURL points an API adapter at a different endpoint.
func WithBaseURL(u string) Option {
	return func(s *settings) {
		if u != "" {
			s.baseURL = u
		}
	}
}

// WithMaxWorkers bounds concurrent feed hosts for RSS.
func WithMaxWorkers(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.maxWorkers = n
		}
	}
}

// base carries what every adapter needs: deps with defaults applied and
// helpers to load the account and store items.
type base struct {
	platform Platform
	deps     Deps
	settings
}

func newBase(p Platform, deps Deps, defaultURL string, opts []Option) base {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Secrets == nil {
		deps.Secrets = secret.Map{}
	}
	s := settings{
		maxItems:     defaultMaxItems,
		requestDelay: defaultRequestDelay,
		baseURL:      defaultURL,
		maxWorkers:   rssMaxWorkers,
	}
	for _, opt := range opts {
		opt(&s)
	}
	deps.Logger = deps.Logger.With("platform", string(p))
	return base{platform: p, deps: deps, settings: s}
}

func (b *base) Platform() Platform {
	return b.platform
}

func (b *base) log() *slog.Logger {
	return b.deps.Logger
}

// account loads the connected account, failing with ErrNotConnected when it
// is absent or disabled.
func (b *base) account(ctx context.Context) (*store.Account, error) {
	if b.deps.Accounts == nil {
		return nil, fmt.Errorf("%s: %w: no account store", b.platform, ErrNotConnected)
	}
	acct, err := b.deps.Accounts.GetAccount(ctx, string(b.platform))
	if err != nil {
		return nil, fmt.Errorf("%s: load account: %w", b.platform, err)
	}
	if acct == nil || !acct.Connected {
		return nil, fmt.Errorf("%s: %w", b.platform, ErrNotConnected)
	}
	return acct, nil
}

func (b *base) connected(ctx context.Context) bool {
	acct, err := b.account(ctx)
	return err == nil && acct != nil
}

func (b *base) secret(key string) (string, error) {
	v, ok := b.deps.Secrets.Get(key)
	if !ok {
		return "", fmt.Errorf("%s: %w: %s is not set", b.platform, ErrMissingCredentials, key)
	}
	return v, nil
}

func (b *base) hasSecrets(keys ...string) bool {
	for _, k := range keys {
		if _, ok := b.deps.Secrets.Get(k); !ok {
			return false
		}
	}
	return true
}

// save stores one post. Rejected input is logged and reported as not stored;
// only storage failures are returned.
func (b *base) save(ctx context.Context, in store.PostInput) (bool, error) {
	in.Platform = string(b.platform)
	if _, err := b.deps.Posts.Upsert(ctx, in); err != nil {
		if errors.Is(err, store.ErrInvalid) {
			b.log().Warn("item skipped", "source", in.SourceID, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", b.platform, err)
	}
	return true, nil
}

// pause waits the request delay unless ctx ends first.
func (b *base) pause(ctx context.Context) error {
	return sleepCtx(ctx, b.requestDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// refOutcome aggregates per-source results of one sync.
type refOutcome struct {
	stored int
	total  int
	failed int
	first  error
}

// add records the result of one source. It returns a non-nil error when the
// whole sync must stop.
func (o *refOutcome) add(log *slog.Logger, ref string, n int, err error) error {
	o.total++
	o.stored += n
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	o.failed++
	if o.first == nil {
		o.first = err
	}
	log.Warn("source failed", "source", ref, "kind", Kind(err), "error", err)
	return nil
}

// result turns the aggregate into the adapter outcome: one working source is
// enough for success.
func (o *refOutcome) result() (int, error) {
	if o.total > 0 && o.failed == o.total {
		return o.stored, o.first
	}
	return o.stored, nil
}
