// Package secrets seals credentials at rest. Escrow account secrets are sealed
// with NaCl secretbox under a single server key; callers keep only the
// returned reference.
package secrets

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mbd888/watchmarket/internal/idgen"
)

var (
	ErrNotFound   = errors.New("secrets: reference not found")
	ErrInvalidKey = errors.New("secrets: key must be 32 bytes")
	ErrCorrupt    = errors.New("secrets: sealed value cannot be opened")
	ErrExists     = errors.New("secrets: reference already exists")
)

const (
	keySize   = 32
	nonceSize = 24
)

// Store keeps sealed blobs by reference.
type Store interface {
	Put(ctx context.Context, ref string, sealed []byte) error
	Get(ctx context.Context, ref string) ([]byte, error)
}

// Vault seals and opens secrets.
type Vault struct {
	key   [keySize]byte
	store Store
}

// NewVault creates a vault using a 32-byte key.
func NewVault(key []byte, store Store) (*Vault, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	v := &Vault{store: store}
	copy(v.key[:], key)
	return v, nil
}

// KeyFromHex decodes a 64-character hex key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != keySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// GenerateKey returns a random key. Secrets sealed under it are lost on
// restart, so it is only suitable for development.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts secret, stores it and returns its reference.
func (v *Vault) Seal(ctx context.Context, secret string) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(secret), &nonce, &v.key)

	ref := idgen.WithPrefix("sec_")
	if err := v.store.Put(ctx, ref, sealed); err != nil {
		return "", err
	}
	return ref, nil
}

// Open returns the secret stored under ref.
func (v *Vault) Open(ctx context.Context, ref string) (string, error) {
	sealed, err := v.store.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	if len(sealed) < nonceSize+secretbox.Overhead {
		return "", ErrCorrupt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &v.key)
	if !ok {
		return "", ErrCorrupt
	}
	return string(plain), nil
}

// -----------------------------------------------------------------------------
// Stores
// -----------------------------------------------------------------------------

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, ref string, sealed []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[ref]; ok {
		return ErrExists
	}
	m.blobs[ref] = append([]byte(nil), sealed...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

// PostgresStore keeps sealed blobs in the sealed_secrets table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Put(ctx context.Context, ref string, sealed []byte) error {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO sealed_secrets (ref, sealed, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (ref) DO NOTHING`, ref, sealed, time.Now())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrExists
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, ref string) ([]byte, error) {
	var sealed []byte
	err := p.db.QueryRowContext(ctx, `SELECT sealed FROM sealed_secrets WHERE ref = $1`, ref).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return sealed, err
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
