package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ppiankov/peekr/internal/secret"
	"github.com/ppiankov/peekr/internal/store"
)

// AuthStateKind is a step of the interactive login handshake.
type AuthStateKind int

const (
	AuthIdle AuthStateKind = iota
	AuthAwaitingPrimaryIdentifier
	AuthAwaitingVerificationCode
	AuthAwaitingSecondFactor
	AuthAuthorized
	AuthFailed
)

func (k AuthStateKind) String() string {
	switch k {
	case AuthIdle:
		return "idle"
	case AuthAwaitingPrimaryIdentifier:
		return "awaiting_phone"
	case AuthAwaitingVerificationCode:
		return "awaiting_code"
	case AuthAwaitingSecondFactor:
		return "awaiting_password"
	case AuthAuthorized:
		return "authorized"
	case AuthFailed:
		return "failed"
	}
	return fmt.Sprintf("auth_state(%d)", int(k))
}

// AuthState is the session state. Reason is set for AuthFailed.
type AuthState struct {
	Kind   AuthStateKind
	Reason string
}

func (s AuthState) String() string {
	if s.Kind == AuthFailed && s.Reason != "" {
		return "failed: " + s.Reason
	}
	return s.Kind.String()
}

// Credentials identify the client application to Telegram.
type Credentials struct {
	APIID   string
	APIHash string
}

// TelegramClient is the provider side of the handshake plus message fetch.
// Start opens a provider session and returns the stream of provider-reported
// auth states; the stream is closed when the session ends.
type TelegramClient interface {
	Start(ctx context.Context, creds Credentials) (<-chan AuthState, error)
	SubmitPhone(ctx context.Context, phone string) error
	SubmitCode(ctx context.Context, code string) error
	SubmitPassword(ctx context.Context, password string) error
	Fetch(ctx context.Context, channel string, since time.Time, limit int) ([]TelegramMessage, error)
	LogOut(ctx context.Context) error
	Close() error
}

const defaultStepTimeout = 30 * time.Second

// AuthSession drives the Telegram login: phone number, then verification
// code, then the optional cloud password. Submissions that do not match the
// current step are ignored. Transitions pushed by the provider are applied by
// a single consumer goroutine.
type AuthSession struct {
	client      TelegramClient
	secrets     secret.Store
	accounts    AccountStore
	log         *slog.Logger
	stepTimeout time.Duration
	now         func() time.Time

	mu        sync.Mutex
	state     AuthState
	version   uint64
	changed   chan struct{}
	started   bool
	busy      bool
	resetting bool
	subs      map[int]chan AuthState
	nextSub   int
	wg        sync.WaitGroup
}

// NewAuthSession creates an idle session. accounts may be nil.
func NewAuthSession(client TelegramClient, secrets secret.Store, accounts AccountStore, logger *slog.Logger) *AuthSession {
	if logger == nil {
		logger = slog.Default()
	}
	if secrets == nil {
		secrets = secret.Map{}
	}
	return &AuthSession{
		client:      client,
		secrets:     secrets,
		accounts:    accounts,
		log:         logger.With("platform", string(Telegram)),
		stepTimeout: defaultStepTimeout,
		now:         time.Now,
		changed:     make(chan struct{}),
		subs:        make(map[int]chan AuthState),
	}
}

// State returns the current state.
func (s *AuthSession) State() AuthState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe streams state transitions. A slow reader only sees the latest one.
func (s *AuthSession) Subscribe() (<-chan AuthState, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan AuthState, 1)
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Start opens the provider session and waits for its first reported state.
// It is a no-op unless the session is idle.
func (s *AuthSession) Start(ctx context.Context) (AuthState, error) {
	s.mu.Lock()
	if s.started || s.state.Kind != AuthIdle {
		st := s.state
		s.mu.Unlock()
		return st, nil
	}

	apiID, okID := s.secrets.Get(secret.TelegramAPIID)
	apiHash, okHash := s.secrets.Get(secret.TelegramAPIHash)
	if !okID || !okHash {
		st := s.state
		s.mu.Unlock()
		return st, fmt.Errorf("telegram: %w: %s and %s are required", ErrMissingCredentials, secret.TelegramAPIID, secret.TelegramAPIHash)
	}
	s.started = true
	v0 := s.version
	s.mu.Unlock()

	updates, err := s.client.Start(ctx, Credentials{APIID: apiID, APIHash: apiHash})
	if err != nil {
		s.apply(AuthState{Kind: AuthFailed, Reason: err.Error()})
		return s.State(), fmt.Errorf("telegram: %w: %w", ErrProviderUnreachable, err)
	}

	s.wg.Add(1)
	go s.consume(updates)

	return s.waitChange(ctx, v0)
}

// SubmitPrimaryIdentifier sends the phone number. From AuthIdle it starts the
// session first.
func (s *AuthSession) SubmitPrimaryIdentifier(ctx context.Context, phone string) (AuthState, error) {
	if s.State().Kind == AuthIdle {
		if _, err := s.Start(ctx); err != nil {
			return s.State(), err
		}
	}
	return s.submit(ctx, AuthAwaitingPrimaryIdentifier, func(ctx context.Context) error {
		return s.client.SubmitPhone(ctx, phone)
	})
}

// SubmitVerificationCode sends the login code received by the user.
func (s *AuthSession) SubmitVerificationCode(ctx context.Context, code string) (AuthState, error) {
	return s.submit(ctx, AuthAwaitingVerificationCode, func(ctx context.Context) error {
		return s.client.SubmitCode(ctx, code)
	})
}

// SubmitSecondFactor sends the cloud password.
func (s *AuthSession) SubmitSecondFactor(ctx context.Context, password string) (AuthState, error) {
	return s.submit(ctx, AuthAwaitingSecondFactor, func(ctx context.Context) error {
		return s.client.SubmitPassword(ctx, password)
	})
}

func (s *AuthSession) submit(ctx context.Context, want AuthStateKind, send func(context.Context) error) (AuthState, error) {
	s.mu.Lock()
	if s.state.Kind != want || s.busy {
		st := s.state
		s.mu.Unlock()
		s.log.Debug("auth step ignored", "state", st.String(), "expected", want.String())
		return st, nil
	}
	s.busy = true
	v0 := s.version
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	}()

	if err := send(ctx); err != nil {
		s.apply(AuthState{Kind: AuthFailed, Reason: err.Error()})
		return s.State(), fmt.Errorf("telegram: %w: %w", ErrProviderRejected, err)
	}
	return s.waitChange(ctx, v0)
}

// waitChange blocks until the state moves past version v0.
func (s *AuthSession) waitChange(ctx context.Context, v0 uint64) (AuthState, error) {
	timer := time.NewTimer(s.stepTimeout)
	defer timer.Stop()
	for {
		s.mu.Lock()
		if s.version != v0 {
			st := s.state
			s.mu.Unlock()
			return st, nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return s.State(), ctx.Err()
		case <-timer.C:
			return s.State(), fmt.Errorf("telegram: %w: no response to auth step", ErrProviderUnreachable)
		}
	}
}

func (s *AuthSession) consume(updates <-chan AuthState) {
	defer s.wg.Done()
	for st := range updates {
		if s.apply(st) && st.Kind == AuthAuthorized {
			s.persistAuthorized()
		}
	}

	s.mu.Lock()
	resetting := s.resetting
	kind := s.state.Kind
	s.mu.Unlock()
	if !resetting && kind != AuthFailed {
		s.apply(AuthState{Kind: AuthFailed, Reason: "provider session closed"})
	}
}

// apply moves to st. Failed is terminal until Reset. Returns whether the
// state changed.
func (s *AuthSession) apply(st AuthState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Kind == AuthFailed || s.resetting {
		return false
	}
	if st.Kind == AuthFailed && st.Reason == "" {
		st.Reason = "authentication failed"
	}
	if st == s.state {
		return false
	}
	s.log.Info("auth state", "from", s.state.String(), "to", st.String())
	s.state = st
	s.version++
	close(s.changed)
	s.changed = make(chan struct{})
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
	return true
}

func (s *AuthSession) persistAuthorized() {
	if s.accounts == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	acct := store.Account{Platform: string(Telegram), DisplayName: "Telegram"}
	if existing, err := s.accounts.GetAccount(ctx, string(Telegram)); err == nil && existing != nil {
		acct = *existing
	}
	acct.Connected = true
	acct.ConnectedAt = s.now()
	if err := s.accounts.SaveAccount(ctx, acct); err != nil {
		s.log.Error("save telegram account", "error", err)
	}
}

// LogOut ends the provider session, removes the account and resets to idle.
func (s *AuthSession) LogOut(ctx context.Context) error {
	var errs []error
	if s.State().Kind == AuthAuthorized {
		if err := s.client.LogOut(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telegram: log out: %w", err))
		}
	}
	if err := s.Reset(); err != nil {
		errs = append(errs, err)
	}
	if s.accounts != nil {
		if err := s.accounts.DeleteAccount(ctx, string(Telegram)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reset closes the provider session and returns to a fresh idle state.
func (s *AuthSession) Reset() error {
	s.mu.Lock()
	started := s.started
	s.resetting = true
	s.mu.Unlock()

	var err error
	if started {
		err = s.client.Close()
	}
	s.wg.Wait()

	s.mu.Lock()
	s.resetting = false
	s.started = false
	s.busy = false
	if s.state.Kind != AuthIdle {
		s.state = AuthState{}
		s.version++
		close(s.changed)
		s.changed = make(chan struct{})
		for _, ch := range s.subs {
			select {
			case <-ch:
			default:
			}
			ch <- s.state
		}
	}
	s.mu.Unlock()
	return err
}

// Close releases the provider session without touching stored accounts.
func (s *AuthSession) Close() error {
	return s.Reset()
}
