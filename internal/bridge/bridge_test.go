package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

// companion is a scripted stand-in for the WhatsApp companion process.
type companion struct {
	srv      *httptest.Server
	onAction func(c *companion, action string)

	mu      sync.Mutex
	conns   []*websocket.Conn
	actions []string
	wmu     sync.Mutex
}

func newCompanion(t *testing.T, onAction func(c *companion, action string)) *companion {
	t.Helper()
	c := &companion{onAction: onAction}
	upgrader := websocket.Upgrader{}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()

		for {
			var cmd command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			c.mu.Lock()
			c.actions = append(c.actions, cmd.Action)
			c.mu.Unlock()
			if c.onAction != nil {
				c.onAction(c, cmd.Action)
			}
		}
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *companion) url() string {
	return "ws" + strings.TrimPrefix(c.srv.URL, "http")
}

// conn returns the i-th accepted connection, the latest when i < 0.
func (c *companion) conn(i int) *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 {
		i = len(c.conns) - 1
	}
	return c.conns[i]
}

func (c *companion) send(frame string) {
	c.sendOn(c.conn(-1), frame)
}

func (c *companion) sendOn(conn *websocket.Conn, frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

// kill drops the TCP connection without a close handshake.
func (c *companion) kill() {
	_ = c.conn(-1).UnderlyingConn().Close()
}

func (c *companion) connections() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *companion) sawAction(action string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.actions {
		if a == action {
			return true
		}
	}
	return false
}

type memSink struct {
	mu    sync.Mutex
	posts []store.PostInput
}

func (m *memSink) Upsert(_ context.Context, in store.PostInput) (store.Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts = append(m.posts, in)
	return store.Post{Platform: in.Platform, SourceID: in.SourceID}, nil
}

func (m *memSink) snapshot() []store.PostInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.PostInput(nil), m.posts...)
}

type memAccounts struct {
	mu      sync.Mutex
	saved   map[string]store.Account
	deleted []string
}

func (m *memAccounts) SaveAccount(_ context.Context, a store.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string]store.Account)
	}
	m.saved[a.Platform] = a
	return nil
}

func (m *memAccounts) DeleteAccount(_ context.Context, platform string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, platform)
	m.deleted = append(m.deleted, platform)
	return nil
}

func (m *memAccounts) get(platform string) (store.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.saved[platform]
	return a, ok
}

func newTestBridge(t *testing.T, url string, sink *memSink, accounts *memAccounts) *Bridge {
	t.Helper()
	b, err := New(url, sink, accounts,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	if err != nil {
		t.Fatalf("new bridge: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitState(t *testing.T, b *Bridge, kind StateKind) State {
	t.Helper()
	waitFor(t, kind.String(), func() bool { return b.State().Kind == kind })
	return b.State()
}

func pairOnRequest(c *companion, action string) {
	if action == actionGetQR {
		c.send(`{"type":"qr","data":"2@pairing-code"}`)
	}
}

func TestBridge_PairLinkAndStore(t *testing.T) {
	comp := newCompanion(t, pairOnRequest)
	sink := &memSink{}
	accounts := &memAccounts{}
	b := newTestBridge(t, comp.url(), sink, accounts)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	st := waitState(t, b, AwaitingPairingCode)
	if st.PairingCode != "2@pairing-code" {
		t.Fatalf("pairing code = %q", st.PairingCode)
	}

	comp.send(`{"type":"ready","data":{"name":"Pixel"}}`)
	st = waitState(t, b, Connected)
	if st.Name != "Pixel" {
		t.Fatalf("name = %q", st.Name)
	}
	waitFor(t, "account saved", func() bool {
		a, ok := accounts.get("whatsapp")
		return ok && a.Connected && a.DisplayName == "Pixel"
	})

	comp.send(`{"type":"message","data":{"from":"111@c.us","body":"hello","timestamp":1767261600,"chatName":"Alice"}}`)
	comp.send(`{"type":"message","data":{"from":"222@g.us","body":"hi all","timestamp":1767261660,"isGroup":true,"chatName":"Family","senderName":"Bob"}}`)
	comp.send(`{"type":"message","data":{"from":"111@c.us","body":"   ","timestamp":1767261700}}`)
	comp.send(`{"type":"message","data":{"id":"ABC","from":"111@c.us","body":"with id"}}`)

	waitFor(t, "messages stored", func() bool { return len(sink.snapshot()) == 3 })

	posts := sink.snapshot()
	if posts[0].SourceName != "Alice" || posts[0].Content != "hello" || posts[0].Platform != "whatsapp" {
		t.Errorf("direct message = %+v", posts[0])
	}
	if !posts[0].PostedAt.Equal(time.Unix(1767261600, 0)) {
		t.Errorf("posted at = %v", posts[0].PostedAt)
	}
	if posts[1].SourceName != "👥 Family" || posts[1].Content != "Bob: hi all" {
		t.Errorf("group message = %+v", posts[1])
	}
	if posts[2].ExternalID != "ABC" || !posts[2].PostedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("message with id = %+v", posts[2])
	}
}

func TestBridge_NeverReconnects(t *testing.T) {
	comp := newCompanion(t, func(c *companion, action string) {
		if action == actionGetQR {
			c.send(`{"type":"ready","data":{"name":"Pixel"}}`)
		}
	})
	b := newTestBridge(t, comp.url(), &memSink{}, &memAccounts{})

	updates, unsubscribe := b.Subscribe()
	defer unsubscribe()

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, b, Connected)

	comp.kill()
	st := waitState(t, b, Disconnected)
	if st.Reason == "" {
		t.Fatal("disconnected state should carry a reason")
	}

	// Drain whatever is buffered, then watch for any further transition.
	select {
	case <-updates:
	default:
	}
	select {
	case st := <-updates:
		t.Fatalf("unexpected transition after disconnect: %s", st)
	case <-time.After(200 * time.Millisecond):
	}
	if n := comp.connections(); n != 1 {
		t.Fatalf("companion saw %d connections, want 1", n)
	}

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("explicit reconnect: %v", err)
	}
	waitState(t, b, Connected)
	if n := comp.connections(); n != 2 {
		t.Fatalf("companion saw %d connections after explicit connect, want 2", n)
	}
}

func TestBridge_ConnectIsNoopWhileActive(t *testing.T) {
	comp := newCompanion(t, pairOnRequest)
	b := newTestBridge(t, comp.url(), &memSink{}, &memAccounts{})

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, b, AwaitingPairingCode)
	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if n := comp.connections(); n != 1 {
		t.Fatalf("companion saw %d connections, want 1", n)
	}
}

func TestBridge_DisconnectLogsOut(t *testing.T) {
	comp := newCompanion(t, func(c *companion, action string) {
		if action == actionGetQR {
			c.send(`{"type":"ready"}`)
		}
	})
	accounts := &memAccounts{}
	b := newTestBridge(t, comp.url(), &memSink{}, accounts)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := waitState(t, b, Connected); st.Name != "WhatsApp" {
		t.Fatalf("default name = %q", st.Name)
	}
	waitFor(t, "account saved", func() bool {
		_, ok := accounts.get("whatsapp")
		return ok
	})

	if err := b.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if b.State().Kind != Idle {
		t.Fatalf("state = %s, want idle", b.State())
	}
	waitFor(t, "logout action", func() bool { return comp.sawAction(actionLogout) })
	if _, ok := accounts.get("whatsapp"); ok {
		t.Fatal("account should be deleted")
	}
}

func TestBridge_DialFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	b := newTestBridge(t, url, &memSink{}, &memAccounts{})
	err := b.Connect(context.Background())
	if !errors.Is(err, source.ErrProviderUnreachable) {
		t.Fatalf("expected ErrProviderUnreachable, got %v", err)
	}
	if st := b.State(); st.Kind != Failed || st.Reason == "" {
		t.Fatalf("state = %+v, want failed with reason", st)
	}
}

func TestBridge_CompanionFrames(t *testing.T) {
	comp := newCompanion(t, pairOnRequest)
	b := newTestBridge(t, comp.url(), &memSink{}, &memAccounts{})

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, b, AwaitingPairingCode)

	comp.send(`not json`)
	comp.send(`{"type":"qr","data":{"code":"second-code"}}`)
	waitFor(t, "refreshed code", func() bool { return b.State().PairingCode == "second-code" })

	comp.send(`{"type":"error","message":"auth failure"}`)
	if st := waitState(t, b, Failed); st.Reason != "auth failure" {
		t.Fatalf("reason = %q", st.Reason)
	}
}

func TestBridge_CompanionReportsDisconnect(t *testing.T) {
	comp := newCompanion(t, func(c *companion, action string) {
		if action == actionGetQR {
			c.send(`{"type":"ready","data":{"name":"Pixel"}}`)
			c.send(`{"type":"disconnected","data":{"reason":"LOGOUT"}}`)
		}
	})
	b := newTestBridge(t, comp.url(), &memSink{}, &memAccounts{})

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if st := waitState(t, b, Disconnected); st.Reason != "LOGOUT" {
		t.Fatalf("reason = %q", st.Reason)
	}
}

// closeWithin fails the test if b.Close does not return in time.
func closeWithin(t *testing.T, b *Bridge, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		_ = b.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("close did not return")
	}
}

func TestBridge_ReconnectAfterCompanionDisconnect(t *testing.T) {
	comp := newCompanion(t, pairOnRequest)
	sink := &memSink{}
	b := newTestBridge(t, comp.url(), sink, &memAccounts{})

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, b, AwaitingPairingCode)
	first := comp.conn(0)

	comp.send(`{"type":"disconnected","data":{"reason":"timeout"}}`)
	waitState(t, b, Disconnected)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitFor(t, "second connection", func() bool { return comp.connections() == 2 })
	waitState(t, b, AwaitingPairingCode)

	_ = comp.sendOn(first, `{"type":"message","data":{"id":"stale","from":"111@c.us","body":"from old connection"}}`)
	comp.send(`{"type":"message","data":{"id":"fresh","from":"111@c.us","body":"from new connection"}}`)
	waitFor(t, "fresh message stored", func() bool { return len(sink.snapshot()) > 0 })
	time.Sleep(50 * time.Millisecond)

	for _, p := range sink.snapshot() {
		if p.ExternalID == "stale" {
			t.Fatalf("message from the old connection was stored: %+v", p)
		}
	}
	closeWithin(t, b, 2*time.Second)
	if st := b.State(); st.Kind != Idle {
		t.Fatalf("state = %s, want idle", st)
	}
}

func TestBridge_CompanionErrorClosesTransport(t *testing.T) {
	comp := newCompanion(t, pairOnRequest)
	b := newTestBridge(t, comp.url(), &memSink{}, &memAccounts{})

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, b, AwaitingPairingCode)

	comp.send(`{"type":"error","message":"session expired"}`)
	waitState(t, b, Failed)

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	waitState(t, b, AwaitingPairingCode)
	if n := comp.connections(); n != 2 {
		t.Fatalf("companion saw %d connections, want 2", n)
	}
	done := make(chan error, 1)
	go func() { done <- b.Disconnect(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("disconnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect did not return")
	}
}

func TestBridge_FramesAfterDisconnectIgnored(t *testing.T) {
	comp := newCompanion(t, func(c *companion, action string) {
		if action == actionGetQR {
			c.send(`{"type":"disconnected","data":{"reason":"replaced"}}`)
			c.send(`{"type":"qr","data":"late-code"}`)
			c.send(`{"type":"message","data":{"from":"111@c.us","body":"late"}}`)
		}
	})
	sink := &memSink{}
	b := newTestBridge(t, comp.url(), sink, &memAccounts{})

	if err := b.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitState(t, b, Disconnected)
	time.Sleep(100 * time.Millisecond)

	if st := b.State(); st.Kind != Disconnected || st.Reason != "replaced" {
		t.Fatalf("state = %+v, want disconnected", st)
	}
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("stored %d messages after disconnect", n)
	}
	closeWithin(t, b, 2*time.Second)
}

func TestInboundMessagePost(t *testing.T) {
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if _, err := (inboundMessage{From: "x", Body: ""}).post(now); !errors.Is(err, errEmptyMessage) {
		t.Fatalf("empty body: %v", err)
	}
	if _, err := (inboundMessage{Body: "hi"}).post(now); err == nil {
		t.Fatal("message without sender should fail")
	}

	in, err := inboundMessage{From: "111@c.us", Body: "hi", IsGroup: true}.post(now)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if in.SourceName != "👥 111@c.us" || in.Content != "111@c.us: hi" {
		t.Fatalf("group fallback names: %+v", in)
	}
	if !in.PostedAt.Equal(now()) {
		t.Fatalf("missing timestamp should use now, got %v", in.PostedAt)
	}
}
