package keys

import (
	"crypto/ed25519"
	"errors"
)

// Session owns an unlocked private key for an explicit lifetime. There is
// no ambient key access: callers acquire a session, use it, and Close it,
// which zeroes the private key memory.
type Session struct {
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
	keyID  string
	closed bool
}

var ErrSessionClosed = errors.New("keys: session is closed")

func newSession(priv ed25519.PrivateKey, pub ed25519.PublicKey) *Session {
	return &Session{priv: priv, pub: pub, keyID: Fingerprint(pub)}
}

// Sign signs msg with the session's private key.
func (s *Session) Sign(msg []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	return ed25519.Sign(s.priv, msg), nil
}

// KeyID returns the fingerprint of the session's public key.
func (s *Session) KeyID() string {
	return s.keyID
}

// PublicKey returns the session's public key.
func (s *Session) PublicKey() ed25519.PublicKey {
	return s.pub
}

// Close zeroes the private key. Idempotent. The session is unusable after.
func (s *Session) Close() {
	if s.closed {
		return
	}
	zero(s.priv)
	s.priv = nil
	s.closed = true
}
