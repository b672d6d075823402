package tydom

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CredentialStore caches derived gateway session passwords in SQLite so
// the cloud exchange runs once per gateway.
type CredentialStore struct {
	db *sql.DB
}

// NewCredentialStore creates a store over the gateway_credentials table.
func NewCredentialStore(db *sql.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Get returns the cached password for mac. ok is false when none is stored.
func (s *CredentialStore) Get(ctx context.Context, mac string) (password string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT password FROM gateway_credentials WHERE mac = ?",
		NormalizeMAC(mac),
	).Scan(&password)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading gateway credentials: %w", err)
	}
	return password, true, nil
}

// Put stores or replaces the password for mac.
func (s *CredentialStore) Put(ctx context.Context, mac, password string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gateway_credentials (mac, password, obtained_at) VALUES (?, ?, ?)
		 ON CONFLICT(mac) DO UPDATE SET password = excluded.password, obtained_at = excluded.obtained_at`,
		NormalizeMAC(mac),
		password,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("storing gateway credentials: %w", err)
	}
	return nil
}

// Delete forgets the password for mac, forcing a new exchange.
func (s *CredentialStore) Delete(ctx context.Context, mac string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM gateway_credentials WHERE mac = ?", NormalizeMAC(mac)); err != nil {
		return fmt.Errorf("deleting gateway credentials: %w", err)
	}
	return nil
}

// Exchanger is the part of CredentialClient used by ResolvePassword.
type Exchanger interface {
	Exchange(ctx context.Context, email, password, mac string) (string, error)
}

// ResolvePassword returns the gateway session password: the configured one
// if set, else the cached one, else a fresh cloud exchange which is then
// cached. store may be nil.
func ResolvePassword(ctx context.Context, p SetupParams, store *CredentialStore, ex Exchanger) (string, error) {
	if p.Password != "" {
		return p.Password, nil
	}
	if store != nil {
		pw, ok, err := store.Get(ctx, p.MAC)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrClient, err)
		}
		if ok {
			return pw, nil
		}
	}
	if ex == nil {
		return "", fmt.Errorf("%w: no gateway password and no cloud client", ErrInvalidPassword)
	}

	pw, err := ex.Exchange(ctx, p.Email, p.CloudPassword, p.MAC)
	if err != nil {
		return "", err
	}
	if store != nil {
		if err := store.Put(ctx, p.MAC, pw); err != nil {
			return "", fmt.Errorf("%w: %w", ErrClient, err)
		}
	}
	return pw, nil
}
