package daemontoken

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const keySuffix = ".key"

// Keyring holds every signing key found under a directory. New tokens are
// signed with the active key; any known key verifies.
type Keyring struct {
	mu     sync.RWMutex
	active string
	keys   map[string]ed25519.PrivateKey
	now    func() time.Time
}

// KeyPath is where the seed for keyID lives under dir.
func KeyPath(dir, keyID string) string {
	return filepath.Join(dir, keyID+keySuffix)
}

// GenerateKey writes a fresh Ed25519 seed for keyID. It refuses to overwrite.
func GenerateKey(dir, keyID string) (ed25519.PrivateKey, error) {
	if err := validKeyID(keyID); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	f, err := os.OpenFile(KeyPath(dir, keyID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.Write(priv.Seed()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close key file: %w", err)
	}
	return priv, nil
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("key %s has %d bytes, want %d", filepath.Base(path), len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// LoadOrCreateKeyring loads every key in dir and makes activeID the signing
// key, generating it first if it does not exist. created reports whether a
// new key was written.
func LoadOrCreateKeyring(dir, activeID string) (kr *Keyring, created bool, err error) {
	if err := validKeyID(activeID); err != nil {
		return nil, false, err
	}
	if _, statErr := os.Stat(KeyPath(dir, activeID)); errors.Is(statErr, os.ErrNotExist) {
		if _, err := GenerateKey(dir, activeID); err != nil {
			return nil, false, err
		}
		created = true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, false, fmt.Errorf("read key dir: %w", err)
	}
	kr = &Keyring{active: activeID, keys: make(map[string]ed25519.PrivateKey), now: time.Now}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), keySuffix) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), keySuffix)
		key, err := loadKey(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, false, fmt.Errorf("load key %s: %w", id, err)
		}
		kr.keys[id] = key
	}
	return kr, created, nil
}

// NewKeyring builds an in-memory keyring, mostly for tests.
func NewKeyring(activeID string, keys map[string]ed25519.PrivateKey) *Keyring {
	kr := &Keyring{active: activeID, keys: make(map[string]ed25519.PrivateKey, len(keys)), now: time.Now}
	for id, k := range keys {
		kr.keys[id] = k
	}
	return kr
}

// SetClock replaces the clock used for expiry checks.
func (kr *Keyring) SetClock(now func() time.Time) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	kr.now = now
}

// ActiveKeyID names the key new tokens are signed with.
func (kr *Keyring) ActiveKeyID() string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.active
}

// KeyIDs lists the loaded keys in order.
func (kr *Keyring) KeyIDs() []string {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	ids := make([]string, 0, len(kr.keys))
	for id := range kr.keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mint stamps the active key id on claims and signs them.
func (kr *Keyring) Mint(claims Claims) (string, error) {
	kr.mu.RLock()
	id := kr.active
	key, ok := kr.keys[id]
	kr.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKey, id)
	}
	claims.KeyID = id
	return Sign(key, claims)
}

// Verify checks token against the key its claims name.
func (kr *Keyring) Verify(token string) (*Claims, error) {
	_, _, unverified, err := split(token)
	if err != nil {
		return nil, err
	}
	kr.mu.RLock()
	key, ok := kr.keys[unverified.KeyID]
	now := kr.now()
	kr.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, unverified.KeyID)
	}
	return VerifyWith(key.Public().(ed25519.PublicKey), token, now)
}

func validKeyID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\.`) {
		return fmt.Errorf("daemontoken: invalid key id %q", id)
	}
	return nil
}
