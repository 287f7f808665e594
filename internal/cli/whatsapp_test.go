package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ppiankov/peekr/internal/bridge"
	"github.com/ppiankov/peekr/internal/config"
	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWhatsAppPair(t *testing.T) {
	link := make(chan struct{})
	drop := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()

		var cmd struct {
			Action string `json:"action"`
		}
		if err := conn.ReadJSON(&cmd); err != nil || cmd.Action != "getQR" {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"qr","data":"2@pairing-code"}`))
		<-link
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready","data":{"name":"Test Phone"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"message","data":{"id":"m1","from":"123@c.us","body":"hi there","timestamp":1772445600,"senderName":"Ana"}}`))
		<-drop
	}))
	t.Cleanup(srv.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "peekr.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	b, err := bridge.New("ws"+strings.TrimPrefix(srv.URL, "http"), db, db,
		bridge.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- whatsappPair(context.Background(), b, out) }()

	waitUntil(t, "pairing code", func() bool { return strings.Contains(out.String(), "Scan this code") })
	close(link)
	waitUntil(t, "link", func() bool { return strings.Contains(out.String(), "Linked as Test Phone.") })

	waitUntil(t, "stored message", func() bool {
		posts, err := db.QueryBySource(context.Background(), "whatsapp", 0)
		return err == nil && len(posts) == 1
	})
	acct, err := db.GetAccount(context.Background(), "whatsapp")
	if err != nil || acct == nil || !acct.Connected {
		t.Fatalf("account = %+v, %v", acct, err)
	}

	close(drop)
	select {
	case err := <-done:
		if !errors.Is(err, source.ErrNotConnected) {
			t.Fatalf("pair returned %v, want ErrNotConnected", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pair did not return after the companion went away")
	}
	if got := b.State().Kind; got != bridge.Disconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
}

func TestWhatsAppPair_StopsOnCancel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	db, err := store.Open(filepath.Join(t.TempDir(), "peekr.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	b, err := bridge.New("ws"+strings.TrimPrefix(srv.URL, "http"), db, db,
		bridge.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- whatsappPair(ctx, b, out) }()

	waitUntil(t, "connect", func() bool { return strings.Contains(out.String(), "Connecting") })
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("pair: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pair ignored cancellation")
	}
	requireContains(t, out.String(), "Stopped.")
}

func TestWhatsAppLogout_CompanionDown(t *testing.T) {
	dir := t.TempDir()
	cfg := "sources:\n  whatsapp:\n    bridge_url: ws://127.0.0.1:1\n"
	if err := os.WriteFile(filepath.Join(dir, config.DefaultConfigFile), []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCLI(t, dir, "", "whatsapp", "logout")
	if err != nil {
		t.Fatalf("logout: %v", err)
	}
	requireContains(t, out, "Logged out of WhatsApp.")
}
