// Package tokens issues and redeems single-use signing tokens. Only the
// SHA-256 hash of a token is ever stored.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound covers unknown, consumed, revoked and expired tokens alike.
	ErrNotFound   = errors.New("signing token not found or expired")
	ErrPastExpiry = errors.New("signing token expiry must be in the future")
)

// Claim is what a token authorizes: one action by one signer on one request.
type Claim struct {
	RequestID string    `json:"request_id"`
	SignerID  string    `json:"signer_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c Claim) expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

type Registry interface {
	Issue(ctx context.Context, requestID, signerID string, expiresAt time.Time) (string, error)
	// Lookup resolves a token without consuming it. Expired tokens are deleted.
	Lookup(ctx context.Context, token string) (Claim, error)
	// Consume resolves and deletes a token atomically; a second call fails.
	Consume(ctx context.Context, token string) (Claim, error)
	// RevokeSigner drops every outstanding token of the signer.
	RevokeSigner(ctx context.Context, requestID, signerID string) error
}

func newTokenValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate signing token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
