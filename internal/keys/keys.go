// Package keys manages the Ed25519 approval signing key: generation,
// passphrase-encrypted storage, unlock, rotation, and fingerprint lookup
// against the append-only keyring of retired public keys.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"filippo.io/age"

	"github.com/mpataki/countersign/internal/canonical"
)

var (
	ErrKeyExists     = errors.New("keys: signing key already exists (rotate instead)")
	ErrNoKey         = errors.New("keys: no signing key (run init first)")
	ErrBadPassphrase = errors.New("keys: wrong passphrase")
	ErrUnknownKey    = errors.New("keys: unknown key")
)

const (
	privFile    = "key.age"
	pubFile     = "key.pub.json"
	keyringFile = "keyring.json"
)

// Manager owns the on-disk key material layout: one active encrypted
// private key, one plaintext public key record, and the keyring of retired
// public keys. The keyring only ever grows.
type Manager struct {
	dir string
}

func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// publicRecord is the plaintext half of the active key.
type publicRecord struct {
	KeyID     string    `json:"key_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

// RetiredKey is one archived keyring entry. Retired keys are never pruned;
// they are required to verify signatures made before a rotation.
type RetiredKey struct {
	KeyID     string    `json:"key_id"`
	PublicKey string    `json:"public_key"`
	RetiredAt time.Time `json:"retired_at"`
}

// Fingerprint returns the key id for a public key: the SHA-256 hex digest
// of the raw public key bytes.
func Fingerprint(pub ed25519.PublicKey) string {
	return canonical.HashBytes(pub)
}

// HasKey reports whether an active key exists on disk.
func (m *Manager) HasKey() bool {
	_, err := os.Stat(filepath.Join(m.dir, privFile))
	return err == nil
}

// Generate creates a fresh Ed25519 keypair, encrypts the private seed under
// the passphrase, and returns an unlocked session. It refuses to overwrite
// an existing key: replacing a key is a rotation, not a regeneration.
func (m *Manager) Generate(passphrase string) (*Session, error) {
	if m.HasKey() {
		return nil, ErrKeyExists
	}
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return nil, fmt.Errorf("keys: create key dir: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate keypair: %w", err)
	}

	if err := m.writeActive(priv, pub, passphrase); err != nil {
		zero(priv)
		return nil, err
	}

	return newSession(priv, pub), nil
}

// Unlock decrypts the persisted private key. A wrong passphrase returns
// ErrBadPassphrase with no key material exposed.
func (m *Manager) Unlock(passphrase string) (*Session, error) {
	ciphertext, err := os.ReadFile(filepath.Join(m.dir, privFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read key file: %w", err)
	}

	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("keys: scrypt identity: %w", err)
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	seed, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	if len(seed) != ed25519.SeedSize {
		zero(seed)
		return nil, fmt.Errorf("keys: corrupt key file: seed is %d bytes", len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	zero(seed)
	return newSession(priv, priv.Public().(ed25519.PublicKey)), nil
}

// Rotate archives the active public key to the keyring and installs a fresh
// keypair encrypted under newPassphrase. The keyring append happens before
// the new key is written so there is no window where the old public key is
// unrecoverable. Callers holding an unlocked session for the old key must
// Close it; the store's pending envelopes must be bulk-expired by the
// caller (the gate does both).
func (m *Manager) Rotate(newPassphrase string) (*Session, error) {
	rec, err := m.readPublicRecord()
	if err != nil {
		return nil, err
	}

	ring, err := m.Keyring()
	if err != nil {
		return nil, err
	}
	ring = append(ring, RetiredKey{
		KeyID:     rec.KeyID,
		PublicKey: rec.PublicKey,
		RetiredAt: time.Now().UTC(),
	})
	if err := m.writeKeyring(ring); err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keys: generate keypair: %w", err)
	}
	if err := m.writeActive(priv, pub, newPassphrase); err != nil {
		zero(priv)
		return nil, err
	}

	return newSession(priv, pub), nil
}

// Resolve looks up a public key by fingerprint: the active key first, then
// the keyring of retired keys.
func (m *Manager) Resolve(keyID string) (ed25519.PublicKey, error) {
	rec, err := m.readPublicRecord()
	if err == nil && rec.KeyID == keyID {
		return decodePub(rec.PublicKey)
	}
	if err != nil && !errors.Is(err, ErrNoKey) {
		return nil, err
	}

	ring, err := m.Keyring()
	if err != nil {
		return nil, err
	}
	for _, rk := range ring {
		if rk.KeyID == keyID {
			return decodePub(rk.PublicKey)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, keyID)
}

// ActiveKeyID returns the fingerprint of the active key without unlocking it.
func (m *Manager) ActiveKeyID() (string, error) {
	rec, err := m.readPublicRecord()
	if err != nil {
		return "", err
	}
	return rec.KeyID, nil
}

// Keyring returns the retired key records, oldest first.
func (m *Manager) Keyring() ([]RetiredKey, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, keyringFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read keyring: %w", err)
	}
	var ring []RetiredKey
	if err := json.Unmarshal(data, &ring); err != nil {
		return nil, fmt.Errorf("keys: parse keyring: %w", err)
	}
	return ring, nil
}

func (m *Manager) writeActive(priv ed25519.PrivateKey, pub ed25519.PublicKey, passphrase string) error {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("keys: scrypt recipient: %w", err)
	}

	var ciphertext bytes.Buffer
	w, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("keys: encrypt key: %w", err)
	}
	seed := priv.Seed()
	if _, err := w.Write(seed); err != nil {
		zero(seed)
		return fmt.Errorf("keys: encrypt key: %w", err)
	}
	zero(seed)
	if err := w.Close(); err != nil {
		return fmt.Errorf("keys: encrypt key: %w", err)
	}

	rec := publicRecord{
		KeyID:     Fingerprint(pub),
		PublicKey: hex.EncodeToString(pub),
		CreatedAt: time.Now().UTC(),
	}
	pubData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal public record: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.dir, privFile), ciphertext.Bytes(), 0600); err != nil {
		return fmt.Errorf("keys: write key file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, pubFile), pubData, 0600); err != nil {
		return fmt.Errorf("keys: write public record: %w", err)
	}
	return nil
}

func (m *Manager) readPublicRecord() (*publicRecord, error) {
	data, err := os.ReadFile(filepath.Join(m.dir, pubFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKey
	}
	if err != nil {
		return nil, fmt.Errorf("keys: read public record: %w", err)
	}
	var rec publicRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("keys: parse public record: %w", err)
	}
	return &rec, nil
}

func (m *Manager) writeKeyring(ring []RetiredKey) error {
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("keys: create key dir: %w", err)
	}
	data, err := json.MarshalIndent(ring, "", "  ")
	if err != nil {
		return fmt.Errorf("keys: marshal keyring: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.dir, keyringFile), data, 0600); err != nil {
		return fmt.Errorf("keys: write keyring: %w", err)
	}
	return nil
}

func decodePub(hexKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("keys: invalid public key hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("keys: public key is %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
