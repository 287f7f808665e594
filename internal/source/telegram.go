package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/peekr/internal/secret"
	"github.com/ppiankov/peekr/internal/store"
)

const (
	telegramLookback    = 24 * time.Hour
	telegramRestoreWait = 15 * time.Second
)

// TelegramMessage is one channel message as reported by the client.
type TelegramMessage struct {
	Channel      string    `json:"channel"`
	ChannelTitle string    `json:"channel_title"`
	ChatID       int64     `json:"chat_id"`
	MsgID        string    `json:"msg_id"`
	Date         time.Time `json:"date"`
	Kind         string    `json:"kind"`
	Text         string    `json:"text"`
	MediaURL     string    `json:"media_url"`
	URL          string    `json:"url"`
}

// TelegramAdapter stores messages of followed channels once the auth session
// is authorized.
type TelegramAdapter struct {
	base
	client  TelegramClient
	session *AuthSession

	mu       sync.Mutex
	lastSync time.Time
}

func NewTelegram(deps Deps, client TelegramClient, opts ...Option) (*TelegramAdapter, error) {
	if deps.Posts == nil {
		return nil, errors.New("telegram: post sink is required")
	}
	if client == nil {
		return nil, errors.New("telegram: client is required")
	}
	a := &TelegramAdapter{
		base:   newBase(Telegram, deps, "", opts),
		client: client,
	}
	a.session = NewAuthSession(client, a.deps.Secrets, a.deps.Accounts, deps.Logger)
	return a, nil
}

// Session exposes the login flow.
func (a *TelegramAdapter) Session() *AuthSession {
	return a.session
}

func (a *TelegramAdapter) Ready(ctx context.Context) bool {
	return a.hasSecrets(secret.TelegramAPIID, secret.TelegramAPIHash) && a.connected(ctx)
}

func (a *TelegramAdapter) Sync(ctx context.Context) (int, error) {
	if !a.hasSecrets(secret.TelegramAPIID, secret.TelegramAPIHash) {
		return 0, fmt.Errorf("telegram: %w: %s and %s are required", ErrMissingCredentials, secret.TelegramAPIID, secret.TelegramAPIHash)
	}
	acct, err := a.account(ctx)
	if err != nil {
		return 0, err
	}

	if err := a.ensureAuthorized(ctx); err != nil {
		return 0, err
	}

	started := a.deps.Now()
	since := a.since(started)

	var outcome refOutcome
	for i, channel := range store.SplitConfig(acct.ConfigData) {
		if i > 0 {
			if err := a.pause(ctx); err != nil {
				return outcome.stored, fmt.Errorf("telegram: %w: %w", ErrProviderUnreachable, err)
			}
		}
		n, err := a.syncChannel(ctx, channel, since)
		if err := outcome.add(a.log(), channel, n, err); err != nil {
			return outcome.stored, err
		}
	}

	n, err := outcome.result()
	if err == nil {
		a.mu.Lock()
		a.lastSync = started
		a.mu.Unlock()
	}
	return n, err
}

// ensureAuthorized restores a saved provider session when the flow is idle.
func (a *TelegramAdapter) ensureAuthorized(ctx context.Context) error {
	st := a.session.State()
	if st.Kind == AuthIdle {
		waitCtx, cancel := context.WithTimeout(ctx, telegramRestoreWait)
		var err error
		st, err = a.session.Start(waitCtx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	if st.Kind != AuthAuthorized {
		return fmt.Errorf("telegram: %w: session is %s, run login", ErrNotConnected, st)
	}
	return nil
}

func (a *TelegramAdapter) since(now time.Time) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastSync.IsZero() {
		return now.Add(-telegramLookback)
	}
	return a.lastSync
}

func (a *TelegramAdapter) syncChannel(ctx context.Context, channel string, since time.Time) (int, error) {
	msgs, err := a.client.Fetch(ctx, channel, since, a.maxItems)
	if err != nil {
		return 0, fmt.Errorf("telegram: fetch %s: %w", channel, err)
	}

	stored := 0
	for _, m := range msgs {
		in, err := a.postFromMessage(channel, m)
		if err != nil {
			a.log().Warn("item skipped", "source", channel, "error", err)
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

func (a *TelegramAdapter) postFromMessage(channel string, m TelegramMessage) (store.PostInput, error) {
	if strings.TrimSpace(m.MsgID) == "" {
		return store.PostInput{}, fmt.Errorf("%w: message without id", ErrPartialItem)
	}
	kind, ok := ParseContentKind(m.Kind)
	if !ok {
		return store.PostInput{}, fmt.Errorf("%w: message %s has unsupported kind %q", ErrPartialItem, m.MsgID, m.Kind)
	}
	body, ok := Content{Kind: kind, Text: m.Text}.Body()
	if !ok {
		return store.PostInput{}, fmt.Errorf("%w: message %s is empty", ErrPartialItem, m.MsgID)
	}

	sourceID := channel
	if m.Channel != "" {
		sourceID = m.Channel
	}
	name := m.ChannelTitle
	if name == "" {
		name = sourceID
	}
	postedAt := m.Date
	if postedAt.IsZero() {
		postedAt = a.deps.Now()
	}

	return store.PostInput{
		SourceID:   sourceID,
		SourceName: name,
		ExternalID: m.MsgID,
		Content:    truncate(body, maxContentRunes),
		MediaURL:   m.MediaURL,
		PostURL:    messageURL(m),
		PostedAt:   postedAt.UTC(),
	}, nil
}

func messageURL(m TelegramMessage) string {
	if m.URL != "" {
		return m.URL
	}
	if m.ChatID != 0 {
		return fmt.Sprintf("tg://openmessage?chat_id=%d&message_id=%s", m.ChatID, m.MsgID)
	}
	return ""
}
