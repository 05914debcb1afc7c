package secrets

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// record is the on-disk representation of one stored secret, gob-encoded
// as a map the same way nandlabs-golly's localStore persists its
// credentials map.
type record struct {
	Value       []byte
	Version     string
	LastUpdated time.Time
}

// LocalStore is a file-backed Store encrypted at rest with AES-256-GCM
// under a master key: load-on-construct, encrypt-whole-map-on-write, using
// AES-GCM so the file is tamper-evident (unlike CFB, which is malleable
// and has no integrity check) — the rest of the load/decrypt/decode and
// encode/encrypt/write shape is unchanged.
type LocalStore struct {
	mu        sync.RWMutex
	path      string
	masterKey []byte
	records   map[string]record
}

// NewLocalStore opens (or initializes) a local secrets file at path,
// encrypted under masterKey (must be 16, 24, or 32 bytes — AES-128/192/256).
func NewLocalStore(path string, masterKey []byte) (*LocalStore, error) {
	s := &LocalStore{path: path, masterKey: masterKey, records: make(map[string]record)}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("secrets: stat store file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("secrets: store path %q is a directory", path)
	}

	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: read store file: %w", err)
	}
	plaintext, err := decrypt(masterKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt store file: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(plaintext)).Decode(&s.records); err != nil {
		return nil, fmt.Errorf("secrets: decode store file: %w", err)
	}
	return s, nil
}

// Close zeroes the master key in place. Callers must not use the
// LocalStore afterward; it implements the runtime shutdown sequence's
// "zero keys" step (§4.7).
func (s *LocalStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.masterKey {
		s.masterKey[i] = 0
	}
	return nil
}

// Get implements Store.
func (s *LocalStore) Get(_ context.Context, name string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[name]
	if !ok {
		return nil, "", fmt.Errorf("secrets: no such secret %q", name)
	}
	value := make([]byte, len(rec.Value))
	copy(value, rec.Value)
	return value, rec.Version, nil
}

// List implements Store.
func (s *LocalStore) List(_ context.Context) ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Metadata, 0, len(s.records))
	for name, rec := range s.records {
		out = append(out, Metadata{Name: name, Version: rec.Version, LastUpdated: rec.LastUpdated})
	}
	return out, nil
}

// Write persists (or replaces) a secret and re-encrypts the whole store
// file. Not part of
// the Store interface proper (the vault never writes — this is a
// provisioning-time operation, e.g. from an operator CLI).
func (s *LocalStore) Write(name string, value []byte, version string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = record{Value: value, Version: version, LastUpdated: now}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.records); err != nil {
		return fmt.Errorf("secrets: encode store: %w", err)
	}
	ciphertext, err := encrypt(s.masterKey, buf.Bytes())
	if err != nil {
		return fmt.Errorf("secrets: encrypt store: %w", err)
	}
	if err := os.WriteFile(s.path, ciphertext, 0o600); err != nil {
		return fmt.Errorf("secrets: write store file: %w", err)
	}
	return nil
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("secrets: ciphertext shorter than nonce")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
