package tokens

import (
	"context"
	"sync"
	"time"

	"countersign/api/internal/auth"
	"github.com/jonboulle/clockwork"
)

// MemoryRegistry is the process-local registry used in tests and when no
// Redis URL is configured.
type MemoryRegistry struct {
	mu     sync.Mutex
	clock  clockwork.Clock
	claims map[string]Claim
}

func NewMemoryRegistry(clock clockwork.Clock) *MemoryRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRegistry{clock: clock, claims: make(map[string]Claim)}
}

func (r *MemoryRegistry) Issue(_ context.Context, requestID, signerID string, expiresAt time.Time) (string, error) {
	now := r.clock.Now()
	if !expiresAt.After(now) {
		return "", ErrPastExpiry
	}
	token, err := newTokenValue()
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claims[auth.HashToken(token)] = Claim{
		RequestID: requestID,
		SignerID:  signerID,
		IssuedAt:  now.UTC(),
		ExpiresAt: expiresAt.UTC(),
	}
	return token, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, token string) (Claim, error) {
	hash := auth.HashToken(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	claim, ok := r.claims[hash]
	if !ok {
		return Claim{}, ErrNotFound
	}
	if claim.expired(r.clock.Now()) {
		delete(r.claims, hash)
		return Claim{}, ErrNotFound
	}
	return claim, nil
}

func (r *MemoryRegistry) Consume(_ context.Context, token string) (Claim, error) {
	hash := auth.HashToken(token)
	r.mu.Lock()
	defer r.mu.Unlock()
	claim, ok := r.claims[hash]
	if !ok {
		return Claim{}, ErrNotFound
	}
	delete(r.claims, hash)
	if claim.expired(r.clock.Now()) {
		return Claim{}, ErrNotFound
	}
	return claim, nil
}

func (r *MemoryRegistry) RevokeSigner(_ context.Context, requestID, signerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for hash, claim := range r.claims {
		if claim.RequestID == requestID && claim.SignerID == signerID {
			delete(r.claims, hash)
		}
	}
	return nil
}

// Len reports how many tokens are held, expired ones included.
func (r *MemoryRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.claims)
}
