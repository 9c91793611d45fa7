// Package secrets stores upstream provider API keys encrypted at rest.
//
// Keys are sealed with NaCl secretbox (XSalsa20-Poly1305) under a single
// vault key and kept in SQLite, so a copied database file alone does not
// leak provider credentials.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/nacl/secretbox"

	bastionotel "github.com/bastion-ai/bastion/internal/otel"
)

var (
	// ErrKeyNotFound is returned when no credential is stored for a provider.
	ErrKeyNotFound = errors.New("provider key not found")
	// ErrInvalidVaultKey is returned when the vault key is not 32 bytes.
	ErrInvalidVaultKey = errors.New("vault key must be 32 raw bytes or 64 hex characters")
	// ErrDecryptFailed is returned when a sealed value does not open,
	// usually because the vault key changed.
	ErrDecryptFailed = errors.New("decrypting provider key failed")
)

var tracer = bastionotel.Tracer("github.com/bastion-ai/bastion/internal/secrets")

const nonceSize = 24

// Vault holds encrypted provider credentials.
type Vault struct {
	db  *sql.DB
	key [32]byte
}

// NewVault opens the vault at dbPath. vaultKey must be 32 raw bytes or
// 64 hex characters.
func NewVault(dbPath, vaultKey string) (*Vault, error) {
	key, err := resolveVaultKey(vaultKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening vault database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS provider_keys (
		provider TEXT PRIMARY KEY,
		sealed TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating vault schema: %w", err)
	}

	v := &Vault{db: db}
	copy(v.key[:], key)
	return v, nil
}

func resolveVaultKey(key string) ([]byte, error) {
	if len(key) == 64 {
		decoded, err := hex.DecodeString(key)
		if err == nil {
			return decoded, nil
		}
	}
	if len(key) != 32 {
		return nil, ErrInvalidVaultKey
	}
	return []byte(key), nil
}

// Close releases the database connection.
func (v *Vault) Close() error {
	return v.db.Close()
}

// SetProviderKey seals and stores the API key for a provider,
// replacing any previous value.
func (v *Vault) SetProviderKey(ctx context.Context, provider, apiKey string) error {
	ctx, span := tracer.Start(ctx, "secrets.set_provider_key")
	defer span.End()

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(apiKey), &nonce, &v.key)

	_, err := v.db.ExecContext(ctx,
		`INSERT INTO provider_keys (provider, sealed, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(provider) DO UPDATE SET sealed = excluded.sealed, updated_at = excluded.updated_at`,
		provider, base64.StdEncoding.EncodeToString(sealed), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storing provider key: %w", err)
	}
	return nil
}

// ProviderKey opens and returns the API key for a provider.
func (v *Vault) ProviderKey(ctx context.Context, provider string) (string, error) {
	ctx, span := tracer.Start(ctx, "secrets.provider_key")
	defer span.End()

	var encoded string
	err := v.db.QueryRowContext(ctx,
		`SELECT sealed FROM provider_keys WHERE provider = ?`, provider,
	).Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, provider)
	}
	if err != nil {
		return "", fmt.Errorf("querying provider key: %w", err)
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(sealed) < nonceSize {
		return "", ErrDecryptFailed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}

// DeleteProviderKey removes a provider's credential.
func (v *Vault) DeleteProviderKey(ctx context.Context, provider string) error {
	_, err := v.db.ExecContext(ctx, `DELETE FROM provider_keys WHERE provider = ?`, provider)
	if err != nil {
		return fmt.Errorf("deleting provider key: %w", err)
	}
	return nil
}

// Providers lists the providers with stored credentials.
func (v *Vault) Providers(ctx context.Context) ([]string, error) {
	rows, err := v.db.QueryContext(ctx, `SELECT provider FROM provider_keys ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("listing providers: %w", err)
	}
	defer rows.Close()

	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}
