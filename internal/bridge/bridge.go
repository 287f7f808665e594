// Package bridge keeps a websocket connection to the local WhatsApp
// companion process and stores the messages it pushes.
//
// The bridge never reconnects on its own. When the transport drops it moves
// to Disconnected and stays there until Connect is called again.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ppiankov/peekr/internal/source"
	"github.com/ppiankov/peekr/internal/store"
)

// DefaultURL is where the companion listens unless configured otherwise.
const DefaultURL = "ws://localhost:3001"

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeTimeout            = 5 * time.Second
	storeTimeout            = 10 * time.Second
	inboundBuffer           = 64
)

// PostSink receives normalized messages.
type PostSink interface {
	Upsert(ctx context.Context, in store.PostInput) (store.Post, error)
}

// AccountStore persists the whatsapp connection record.
type AccountStore interface {
	SaveAccount(ctx context.Context, a store.Account) error
	DeleteAccount(ctx context.Context, platform string) error
}

// Bridge owns the companion connection and its state machine.
type Bridge struct {
	url      string
	posts    PostSink
	accounts AccountStore
	log      *slog.Logger
	dialer   *websocket.Dialer
	now      func() time.Time

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	gen     uint64
	subs    map[int]chan State
	nextSub int

	wmu sync.Mutex
	wg  sync.WaitGroup
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

func WithDialer(d *websocket.Dialer) Option {
	return func(b *Bridge) {
		if d != nil {
			b.dialer = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		if now != nil {
			b.now = now
		}
	}
}

// New creates an idle bridge. accounts may be nil.
func New(url string, posts PostSink, accounts AccountStore, opts ...Option) (*Bridge, error) {
	if posts == nil {
		return nil, errors.New("whatsapp bridge: post sink is required")
	}
	if url == "" {
		url = DefaultURL
	}
	b := &Bridge{
		url:      url,
		posts:    posts,
		accounts: accounts,
		log:      slog.Default(),
		dialer:   &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
		now:      time.Now,
		subs:     make(map[int]chan State),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("platform", string(source.WhatsApp))
	return b, nil
}

// State returns the current state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Subscribe streams state transitions. A slow reader skips intermediate
// states but always receives the latest one.
func (b *Bridge) Subscribe() (<-chan State, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextSub
	b.nextSub++
	ch := make(chan State, 1)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Connect dials the companion and asks for a pairing code. It is a no-op
// while a connection is open or being opened.
func (b *Bridge) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.state.active() {
		b.mu.Unlock()
		return nil
	}
	stale := b.conn
	b.conn = nil
	b.gen++
	gen := b.gen
	b.setLocked(State{Kind: Connecting})
	b.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}

	b.log.Info("connecting to companion", "url", b.url)
	conn, _, err := b.dialer.DialContext(ctx, b.url, nil)
	if err != nil {
		b.set(gen, State{Kind: Failed, Reason: err.Error()})
		return fmt.Errorf("whatsapp bridge: %w: dial %s: %w", source.ErrProviderUnreachable, b.url, err)
	}

	b.mu.Lock()
	if gen != b.gen {
		// Disconnect or Close ran while dialing.
		b.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	b.conn = conn
	b.mu.Unlock()

	if err := b.send(conn, actionGetQR); err != nil {
		b.teardown(gen, conn)
		b.set(gen, State{Kind: Failed, Reason: err.Error()})
		return fmt.Errorf("whatsapp bridge: %w: request pairing code: %w", source.ErrProviderUnreachable, err)
	}

	inbound := make(chan inboundMessage, inboundBuffer)
	b.wg.Add(2)
	go b.readLoop(gen, conn, inbound)
	go b.dispatch(inbound)
	return nil
}

// Disconnect logs the companion out if linked, closes the transport, clears
// the stored account and returns to Idle.
func (b *Bridge) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	conn := b.conn
	linked := b.state.Kind == Connected
	b.mu.Unlock()

	var errs []error
	if conn != nil && linked {
		if err := b.send(conn, actionLogout); err != nil {
			errs = append(errs, fmt.Errorf("whatsapp bridge: logout: %w", err))
		}
	}
	b.shutdown()

	if b.accounts != nil {
		if err := b.accounts.DeleteAccount(ctx, string(source.WhatsApp)); err != nil {
			errs = append(errs, err)
		}
	}
	b.log.Info("disconnected from companion")
	return errors.Join(errs...)
}

// Close releases the transport without logging out or touching the stored
// account.
func (b *Bridge) Close() error {
	b.shutdown()
	return nil
}

// shutdown invalidates the current connection, joins the reader and
// dispatcher, and resets to Idle.
func (b *Bridge) shutdown() {
	b.mu.Lock()
	conn := b.conn
	b.conn = nil
	b.gen++
	b.mu.Unlock()

	if conn != nil {
		b.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(writeTimeout))
		b.wmu.Unlock()
		_ = conn.Close()
	}
	b.wg.Wait()

	b.mu.Lock()
	b.setLocked(State{Kind: Idle})
	b.mu.Unlock()
}

func (b *Bridge) send(conn *websocket.Conn, action string) error {
	b.wmu.Lock()
	defer b.wmu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(command{Action: action})
}

// teardown closes conn if it is still the current connection.
func (b *Bridge) teardown(gen uint64, conn *websocket.Conn) {
	b.mu.Lock()
	if gen == b.gen && b.conn == conn {
		b.conn = nil
	}
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *Bridge) readLoop(gen uint64, conn *websocket.Conn, inbound chan<- inboundMessage) {
	defer b.wg.Done()
	defer close(inbound)

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			b.transportClosed(gen, conn, err)
			return
		}
		if !b.handle(gen, conn, frame, inbound) {
			return
		}
	}
}

func (b *Bridge) transportClosed(gen uint64, conn *websocket.Conn, err error) {
	b.teardown(gen, conn)

	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return
	}
	switch b.state.Kind {
	case Disconnected, Failed:
		return
	}
	reason := err.Error()
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		reason = "companion closed the connection"
		if ce.Text != "" {
			reason = ce.Text
		}
	}
	b.log.Warn("companion connection lost", "reason", reason)
	b.setLocked(State{Kind: Disconnected, Reason: reason})
}

// handle applies one companion frame. It returns false when reading from conn
// must stop: the companion ended the session, or conn is no longer current.
func (b *Bridge) handle(gen uint64, conn *websocket.Conn, frame []byte, inbound chan<- inboundMessage) bool {
	env, err := decodeEnvelope(frame)
	if err != nil {
		b.log.Warn("invalid companion frame", "error", err)
		return true
	}

	switch env.Type {
	case eventQR:
		code := env.qrCode()
		if code == "" {
			b.log.Warn("pairing frame without code")
			return true
		}
		b.log.Info("pairing code ready")
		b.set(gen, State{Kind: AwaitingPairingCode, PairingCode: code})

	case eventReady:
		var data readyData
		if err := env.decodeData(&data); err != nil {
			b.log.Warn("invalid ready frame", "error", err)
		}
		if data.Name == "" {
			data.Name = "WhatsApp"
		}
		if b.set(gen, State{Kind: Connected, Name: data.Name}) {
			b.log.Info("linked", "name", data.Name)
			b.saveAccount(data.Name)
		}

	case eventMessage:
		var msg inboundMessage
		if err := env.decodeData(&msg); err != nil {
			b.log.Warn("invalid message frame", "error", err)
			return true
		}
		if !b.current(gen) {
			return false
		}
		inbound <- msg

	case eventDisconnected:
		var data disconnectedData
		_ = env.decodeData(&data)
		if data.Reason == "" {
			data.Reason = "companion reported disconnect"
		}
		b.log.Warn("companion disconnected", "reason", data.Reason)
		b.teardown(gen, conn)
		b.set(gen, State{Kind: Disconnected, Reason: data.Reason})
		return false

	case eventError:
		reason := env.Message
		if reason == "" {
			reason = "companion error"
		}
		b.log.Error("companion error", "message", reason)
		b.teardown(gen, conn)
		b.set(gen, State{Kind: Failed, Reason: reason})
		return false

	default:
		b.log.Debug("companion frame ignored", "type", env.Type)
	}
	return true
}

// dispatch stores inbound messages until the reader closes the channel.
func (b *Bridge) dispatch(inbound <-chan inboundMessage) {
	defer b.wg.Done()
	for msg := range inbound {
		in, err := msg.post(b.now)
		if err != nil {
			if !errors.Is(err, errEmptyMessage) {
				b.log.Warn("message skipped", "from", msg.From, "error", err)
			}
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		_, err = b.posts.Upsert(ctx, in)
		cancel()
		if err != nil {
			b.log.Error("store message", "source", in.SourceID, "error", err)
			continue
		}
		b.log.Debug("message stored", "source", in.SourceID)
	}
}

func (b *Bridge) saveAccount(name string) {
	if b.accounts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	err := b.accounts.SaveAccount(ctx, store.Account{
		Platform:    string(source.WhatsApp),
		DisplayName: name,
		Connected:   true,
		ConnectedAt: b.now(),
	})
	if err != nil {
		b.log.Error("save whatsapp account", "error", err)
	}
}

func (b *Bridge) current(gen uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return gen == b.gen
}

// set applies st if gen is still the current connection.
func (b *Bridge) set(gen uint64, st State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if gen != b.gen {
		return false
	}
	return b.setLocked(st)
}

func (b *Bridge) setLocked(st State) bool {
	if st == b.state {
		return false
	}
	b.state = st
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
	return true
}
