package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxLineLength    = 1 << 20 // 1 MiB per JSONL line
	helperStopWait   = 5 * time.Second
	maxStderrCapture = 4 << 10
)

var errHelperClosed = errors.New("telegram helper exited")

// helperEnvelope is one JSONL line from the helper: a response when ID is
// set, an event otherwise.
type helperEnvelope struct {
	ID     int64           `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	State  string          `json:"state,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

type helperRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// helperConn speaks the request/response and event protocol over a pair of
// streams.
type helperConn struct {
	log *slog.Logger

	wmu sync.Mutex
	w   io.Writer

	requestID atomic.Int64
	pendingMu sync.Mutex
	pending   map[int64]chan helperEnvelope
	closed    bool

	states chan AuthState
	done   chan struct{}
}

func newHelperConn(r io.Reader, w io.Writer, logger *slog.Logger) *helperConn {
	c := &helperConn{
		log:     logger,
		w:       w,
		pending: make(map[int64]chan helperEnvelope),
		states:  make(chan AuthState, 16),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

func (c *helperConn) call(ctx context.Context, method string, params, result any) error {
	id := c.requestID.Add(1)
	respCh := make(chan helperEnvelope, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return errHelperClosed
	}
	c.pending[id] = respCh
	c.pendingMu.Unlock()

	forget := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	data, err := json.Marshal(helperRequest{ID: id, Method: method, Params: params})
	if err != nil {
		forget()
		return fmt.Errorf("encode %s: %w", method, err)
	}
	c.wmu.Lock()
	_, err = c.w.Write(append(data, '\n'))
	c.wmu.Unlock()
	if err != nil {
		forget()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return errHelperClosed
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	case <-ctx.Done():
		forget()
		return ctx.Err()
	}
}

func (c *helperConn) readLoop(r io.Reader) {
	defer func() {
		c.pendingMu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		close(c.states)
		close(c.done)
	}()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var env helperEnvelope
		if err := json.Unmarshal([]byte(line), &env); err != nil {
			c.log.Warn("telegram helper: invalid line", "error", err)
			continue
		}
		c.handle(env)
	}
	if err := scanner.Err(); err != nil {
		c.log.Warn("telegram helper: read", "error", err)
	}
}

func (c *helperConn) handle(env helperEnvelope) {
	if env.ID != 0 {
		c.pendingMu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- env
		}
		return
	}
	if env.Event != "auth_state" {
		c.log.Debug("telegram helper: event ignored", "event", env.Event)
		return
	}
	st, ok := helperAuthState(env.State, env.Reason)
	if !ok {
		c.log.Warn("telegram helper: unknown auth state", "state", env.State)
		return
	}
	c.states <- st
}

// helperAuthState maps helper state names onto the login states.
func helperAuthState(name, reason string) (AuthState, bool) {
	switch name {
	case "wait_phone":
		return AuthState{Kind: AuthAwaitingPrimaryIdentifier}, true
	case "wait_code":
		return AuthState{Kind: AuthAwaitingVerificationCode}, true
	case "wait_password":
		return AuthState{Kind: AuthAwaitingSecondFactor}, true
	case "ready":
		return AuthState{Kind: AuthAuthorized}, true
	case "failed", "closed":
		if reason == "" {
			reason = "session " + name
		}
		return AuthState{Kind: AuthFailed, Reason: reason}, true
	}
	return AuthState{}, false
}

// HelperClient runs the Python Telegram helper as a child process and talks
// to it over stdin/stdout.
type HelperClient struct {
	python     string
	script     string
	sessionDir string
	log        *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *helperConn
	stderr *limitedBuffer
}

func NewHelperClient(python, script, sessionDir string, logger *slog.Logger) *HelperClient {
	if python == "" {
		python = "python3"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HelperClient{
		python:     python,
		script:     script,
		sessionDir: sessionDir,
		log:        logger.With("component", "telegram_helper"),
	}
}

func (h *HelperClient) Start(ctx context.Context, creds Credentials) (<-chan AuthState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		return nil, errors.New("telegram helper already running")
	}
	if strings.TrimSpace(h.script) == "" {
		return nil, errors.New("telegram helper script is not configured")
	}

	cmd := exec.Command(h.python, h.script, "serve",
		"--api-id", creds.APIID,
		"--api-hash", creds.APIHash,
		"--session-dir", h.sessionDir,
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr := &limitedBuffer{max: maxStderrCapture}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s not found: install Python 3 and Telethon to use telegram", h.python)
		}
		return nil, fmt.Errorf("start helper: %w", err)
	}

	conn := newHelperConn(stdout, stdin, h.log)
	h.cmd, h.stdin, h.conn, h.stderr = cmd, stdin, conn, stderr

	if err := conn.call(ctx, "start", nil, nil); err != nil {
		h.stopLocked()
		return nil, fmt.Errorf("helper start: %w", err)
	}
	return conn.states, nil
}

func (h *HelperClient) current() (*helperConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return nil, errHelperClosed
	}
	return h.conn, nil
}

func (h *HelperClient) do(ctx context.Context, method string, params, result any) error {
	conn, err := h.current()
	if err != nil {
		return err
	}
	return conn.call(ctx, method, params, result)
}

func (h *HelperClient) SubmitPhone(ctx context.Context, phone string) error {
	return h.do(ctx, "set_phone", map[string]string{"phone": phone}, nil)
}

func (h *HelperClient) SubmitCode(ctx context.Context, code string) error {
	return h.do(ctx, "check_code", map[string]string{"code": code}, nil)
}

func (h *HelperClient) SubmitPassword(ctx context.Context, password string) error {
	return h.do(ctx, "check_password", map[string]string{"password": password}, nil)
}

func (h *HelperClient) Fetch(ctx context.Context, channel string, since time.Time, limit int) ([]TelegramMessage, error) {
	var result struct {
		Messages []TelegramMessage `json:"messages"`
	}
	params := map[string]any{
		"channel": channel,
		"since":   since.UTC().Format(time.RFC3339),
		"limit":   limit,
	}
	if err := h.do(ctx, "fetch", params, &result); err != nil {
		if errors.Is(err, errHelperClosed) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrProviderRejected, err)
	}
	return result.Messages, nil
}

func (h *HelperClient) LogOut(ctx context.Context) error {
	return h.do(ctx, "logout", nil, nil)
}

// Close stops the helper process. The auth state stream is closed once the
// process output ends.
func (h *HelperClient) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopLocked()
}

func (h *HelperClient) stopLocked() error {
	if h.conn == nil {
		return nil
	}
	_ = h.stdin.Close()

	waitErr := make(chan error, 1)
	go func() { waitErr <- h.cmd.Wait() }()

	var err error
	select {
	case err = <-waitErr:
	case <-time.After(helperStopWait):
		_ = h.cmd.Process.Kill()
		err = <-waitErr
	}
	<-h.conn.done

	if msg := strings.TrimSpace(h.stderr.String()); msg != "" {
		h.log.Debug("telegram helper stderr", "output", msg)
	}
	h.cmd, h.stdin, h.conn = nil, nil, nil

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// limitedBuffer keeps the first max bytes written to it.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
