package workflow

import (
	"context"
	"time"

	"countersign/api/internal/store"
	"go.opentelemetry.io/otel/attribute"
)

type VerifiedSigner struct {
	Name     string             `json:"name"`
	Email    string             `json:"email"`
	Status   store.SignerStatus `json:"status"`
	SignedAt *time.Time         `json:"signedAt,omitempty"`
}

// VerificationResult is a point-in-time answer to "was this request validly
// completed, by whom and when". It is never persisted.
type VerificationResult struct {
	Valid       bool                `json:"isValid"`
	RequestID   string              `json:"requestId"`
	Document    store.DocumentRef   `json:"document"`
	Status      store.RequestStatus `json:"status"`
	CompletedAt *time.Time          `json:"completedAt,omitempty"`
	Signers     []VerifiedSigner    `json:"signers"`
	VerifiedAt  time.Time           `json:"verifiedAt"`
}

// Verify reports on a request. Apart from lazy expiry it changes nothing.
func (e *Engine) Verify(ctx context.Context, requestID string) (result VerificationResult, err error) {
	ctx, span := e.startSpan(ctx, "Verify", attribute.String("request.id", requestID))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	req, err := e.loadCurrent(ctx, requestID)
	unlock()
	if err != nil {
		return VerificationResult{}, err
	}

	signers := make([]VerifiedSigner, 0, len(req.Signers))
	for _, signer := range req.Signers {
		signers = append(signers, VerifiedSigner{
			Name:     signer.Name,
			Email:    signer.Email,
			Status:   signer.Status,
			SignedAt: signer.SignedAt,
		})
	}
	return VerificationResult{
		Valid:       req.Status == store.StatusCompleted,
		RequestID:   req.ID,
		Document:    req.Document,
		Status:      req.Status,
		CompletedAt: req.CompletedAt,
		Signers:     signers,
		VerifiedAt:  e.now(),
	}, nil
}
