package source

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/peekr/internal/store"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// memSink is an in-memory PostSink keyed like the real store.
type memSink struct {
	mu    sync.Mutex
	posts map[string]store.PostInput
	err   error
}

func newMemSink() *memSink {
	return &memSink{posts: make(map[string]store.PostInput)}
}

func (m *memSink) Upsert(_ context.Context, in store.PostInput) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return store.Post{}, m.err
	}
	if in.Content == "" || in.SourceID == "" || in.PostedAt.IsZero() {
		return store.Post{}, store.ErrInvalid
	}
	key := in.Platform + "|" + in.SourceID + "|" + store.DedupeKey(in.ExternalID, in.PostedAt)
	m.posts[key] = in
	return store.Post{Platform: in.Platform, SourceID: in.SourceID, Content: in.Content}, nil
}

func (m *memSink) all() []store.PostInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.PostInput, 0, len(m.posts))
	for _, p := range m.posts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		return out[i].PostedAt.After(out[j].PostedAt)
	})
	return out
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posts)
}

type memAccounts struct {
	mu       sync.Mutex
	accounts map[string]store.Account
}

func newMemAccounts(accounts ...store.Account) *memAccounts {
	m := &memAccounts{accounts: make(map[string]store.Account)}
	for _, a := range accounts {
		m.accounts[a.Platform] = a
	}
	return m
}

func (m *memAccounts) GetAccount(_ context.Context, platform string) (*store.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[platform]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (m *memAccounts) SaveAccount(_ context.Context, a store.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.Platform] = a
	return nil
}

func (m *memAccounts) DeleteAccount(_ context.Context, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accounts, platform)
	return nil
}

func (m *memAccounts) get(platform string) (store.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[platform]
	return a, ok
}

func connectedAccount(p Platform, config string) store.Account {
	return store.Account{Platform: string(p), Connected: true, ConfigData: config}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastRetries shortens backoff for the duration of a test.
func fastRetries(t *testing.T) {
	t.Helper()
	old := retryInterval
	retryInterval = time.Millisecond
	t.Cleanup(func() { retryInterval = old })
}

var errBoom = errors.New("boom")

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}
