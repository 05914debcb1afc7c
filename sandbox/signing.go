package sandbox

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/meridian-run/meridian/errs"
)

// SignatureVersion names the IPC signing scheme in effect for a sandbox
// session, per §4.5: v1 is a per-process symmetric HMAC, v2 an
// ephemeral asymmetric Ed25519 keypair.
type SignatureVersion string

const (
	SignatureV1 SignatureVersion = "v1"
	SignatureV2 SignatureVersion = "v2"
)

// Signer signs and verifies IPC frame bodies for one sandbox session. Key
// material lives only as long as the session: Destroy zeroes it.
type Signer interface {
	Version() SignatureVersion
	Sign(body []byte) string
	Verify(body []byte, signature string) bool
	Destroy()
}

// hmacSigner implements v1: a process-scoped HMAC-SHA256 key derived with
// HKDF from a fresh random secret, shared with the child over its
// environment (never over the IPC channel itself).
type hmacSigner struct {
	key []byte
}

// NewHMACSigner derives a fresh v1 key. The returned bytes are the random
// HKDF input secret, which the host passes the child via environment
// variable; the Signer keeps only the key derived from it.
func NewHMACSigner() (Signer, []byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "generate hmac secret")
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("meridian-sandbox-ipc-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "derive hmac key")
	}
	return &hmacSigner{key: key}, secret, nil
}

func (s *hmacSigner) Version() SignatureVersion { return SignatureV1 }

func (s *hmacSigner) Sign(body []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *hmacSigner) Verify(body []byte, signature string) bool {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (s *hmacSigner) Destroy() {
	for i := range s.key {
		s.key[i] = 0
	}
}

// ed25519Signer implements v2: an ephemeral keypair generated per session.
// The public key is handed to the child (for it to verify host-originated
// frames, if it chooses); the host verifies child frames against the same
// keypair for the common case where the child echoes the host's public key
// back as its own signing identity is out of scope here — v2 sandboxes sign
// with the host-held private key on both sides of a single trust domain.
type ed25519Signer struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// NewEd25519Signer generates a fresh v2 keypair.
func NewEd25519Signer() (Signer, ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, errs.Wrap(errs.Internal, err, "generate ed25519 keypair")
	}
	return &ed25519Signer{pub: pub, priv: priv}, pub, nil
}

func (s *ed25519Signer) Version() SignatureVersion { return SignatureV2 }

func (s *ed25519Signer) Sign(body []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.priv, body))
}

func (s *ed25519Signer) Verify(body []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, body, sig)
}

func (s *ed25519Signer) Destroy() {
	for i := range s.priv {
		s.priv[i] = 0
	}
}

// Checksum returns the hex SHA-256 of data, used for manifest integrity
// verification.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
