// Package signer computes the detached signature stored beside each consent
// artefact payload. The key pair is provisioned externally; this package only
// loads and uses it.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// ErrBadSignature reports a signature that does not match the payload.
var ErrBadSignature = errors.New("signer: signature mismatch")

// Signer signs artefact payloads with RSA PKCS#1 v1.5 over SHA-256 and
// verifies stored signatures.
type Signer struct {
	key *rsa.PrivateKey
}

// New wraps an in-memory private key, used by tests and by callers that load
// keys themselves.
func New(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Load reads a PEM-encoded RSA private key (PKCS#1 or PKCS#8) from disk.
func Load(path string) (*Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("signing key %s: no PEM block", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return &Signer{key: key}, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key %s: not an RSA key", path)
	}
	return &Signer{key: key}, nil
}

// LoadPublicKey reads a PEM-encoded RSA public key (PKIX or PKCS#1) from
// disk, used for the PIN-token verification key.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("public key %s: no PEM block", path)
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("public key %s: not an RSA key", path)
		}
		return key, nil
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return key, nil
}

// Sign returns the base64 signature of payload. Computed once at artefact
// creation and never recomputed.
func (s *Signer) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a stored signature against payload.
func (s *Signer) Verify(payload []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(&s.key.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}
	return nil
}

// Public exposes the verification key.
func (s *Signer) Public() *rsa.PublicKey {
	return &s.key.PublicKey
}
