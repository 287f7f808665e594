package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Account is the connection record of one platform. ConfigData is opaque to
// the store; polling adapters keep their followed sources there.
type Account struct {
	Platform    string
	DisplayName string
	Connected   bool
	ConnectedAt time.Time
	ConfigData  string
}

// SaveAccount inserts or replaces the account of a.Platform.
func (s *Store) SaveAccount(ctx context.Context, a Account) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(a.Platform) == "" {
		return fmt.Errorf("%w: platform is required", ErrInvalid)
	}

	connected := 0
	if a.Connected {
		connected = 1
	}

	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO accounts (platform, display_name, connected, connected_at, config_data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			display_name = excluded.display_name,
			connected = excluded.connected,
			connected_at = excluded.connected_at,
			config_data = excluded.config_data
	`), a.Platform, a.DisplayName, connected, toMillis(a.ConnectedAt), a.ConfigData)
	if err != nil {
		return fmt.Errorf("%w: save account %s: %w", ErrStorage, a.Platform, err)
	}
	return nil
}

// GetAccount returns nil without error when the platform has no account.
func (s *Store) GetAccount(ctx context.Context, platform string) (*Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	row := s.db.QueryRowContext(ctx, s.q(`
		SELECT platform, display_name, connected, connected_at, config_data
		FROM accounts WHERE platform = ?
	`), platform)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get account %s: %w", ErrStorage, platform, err)
	}
	return &a, nil
}

func (s *Store) DeleteAccount(ctx context.Context, platform string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := s.db.ExecContext(ctx, s.q("DELETE FROM accounts WHERE platform = ?"), platform); err != nil {
		return fmt.Errorf("%w: delete account %s: %w", ErrStorage, platform, err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT platform, display_name, connected, connected_at, config_data
		FROM accounts ORDER BY platform
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %w", ErrStorage, err)
	}
	defer func() { _ = rows.Close() }()

	var accounts []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan account: %w", ErrStorage, err)
		}
		accounts = append(accounts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate accounts: %w", ErrStorage, err)
	}
	return accounts, nil
}

func scanAccount(scanner rowScanner) (Account, error) {
	var (
		a           Account
		connected   int
		connectedAt int64
	)
	if err := scanner.Scan(&a.Platform, &a.DisplayName, &connected, &connectedAt, &a.ConfigData); err != nil {
		return Account{}, err
	}
	a.Connected = connected != 0
	a.ConnectedAt = fromMillis(connectedAt)
	return a, nil
}

// SplitConfig parses comma-joined source references, dropping blanks and duplicates.
func SplitConfig(data string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(data, ",") {
		ref := strings.TrimSpace(part)
		if ref == "" || seen[ref] {
			continue
		}
		seen[ref] = true
		refs = append(refs, ref)
	}
	return refs
}

func JoinConfig(refs []string) string {
	return strings.Join(SplitConfig(strings.Join(refs, ",")), ",")
}
