package consent

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ReplayTracker remembers PIN-token ids so a captured token cannot authorize
// a second revoke. SeenAndMark reports whether the id was already used and
// records it either way.
type ReplayTracker interface {
	SeenAndMark(jti string) bool
}

// MemoryReplayTracker is an in-process ReplayTracker. Entries older than the
// token lifetime are dropped on each call, so the set stays bounded.
type MemoryReplayTracker struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

func NewMemoryReplayTracker(ttl time.Duration) *MemoryReplayTracker {
	return &MemoryReplayTracker{ttl: ttl, seen: make(map[string]time.Time)}
}

func (t *MemoryReplayTracker) SeenAndMark(jti string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for id, at := range t.seen {
		if now.Sub(at) > t.ttl {
			delete(t.seen, id)
		}
	}
	if _, ok := t.seen[jti]; ok {
		return true
	}
	t.seen[jti] = now
	return false
}

// PinVerifier checks the short-lived token the user service mints after a
// successful transaction-PIN entry. Every failure mode maps to ErrPinToken;
// the caller never learns which check tripped.
type PinVerifier struct {
	key    *rsa.PublicKey
	replay ReplayTracker
}

func NewPinVerifier(key *rsa.PublicKey, replay ReplayTracker) *PinVerifier {
	return &PinVerifier{key: key, replay: replay}
}

// Verify parses and validates the token and confirms it was minted for the
// given patient.
func (v *PinVerifier) Verify(tokenString, patientID string) error {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return v.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !token.Valid {
		return fmt.Errorf("%w: %v", ErrPinToken, err)
	}
	if claims.Subject != patientID {
		return fmt.Errorf("%w: token subject mismatch", ErrPinToken)
	}
	if v.replay != nil {
		if claims.ID == "" {
			return fmt.Errorf("%w: token has no id", ErrPinToken)
		}
		if v.replay.SeenAndMark(claims.ID) {
			return fmt.Errorf("%w: token already used", ErrPinToken)
		}
	}
	return nil
}
