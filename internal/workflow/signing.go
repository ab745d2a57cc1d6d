package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"countersign/api/internal/notify"
	"countersign/api/internal/store"
	"countersign/api/internal/tokens"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type SignatureData struct {
	Type store.SignatureType
	// Payload is an image data URI or the typed name.
	Payload   string
	IPAddress string
	UserAgent string
}

func (d SignatureData) valid() bool {
	return d.Type.Valid() && strings.TrimSpace(d.Payload) != ""
}

// TokenClaim identifies the signer a link was issued to.
type TokenClaim struct {
	RequestID string
	SignerID  string
}

func (e *Engine) GenerateSigningURL(ctx context.Context, requestID, signerID string) (link SigningLink, err error) {
	ctx, span := e.startSpan(ctx, "GenerateSigningURL",
		attribute.String("request.id", requestID),
		attribute.String("signer.id", signerID),
	)
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err := e.loadCurrent(ctx, requestID)
	if err != nil {
		return SigningLink{}, err
	}
	signer, err := actionableSigner(&req, signerID)
	if err != nil {
		return SigningLink{}, err
	}
	return e.issueLink(ctx, &req, *signer)
}

// VerifyToken resolves a signing link without using it up.
func (e *Engine) VerifyToken(ctx context.Context, token string) (TokenClaim, error) {
	claim, err := e.tokens.Lookup(ctx, token)
	if errors.Is(err, tokens.ErrNotFound) {
		return TokenClaim{}, errInvalidLink
	}
	if err != nil {
		return TokenClaim{}, fmt.Errorf("verify signing token: %w", err)
	}
	return TokenClaim{RequestID: claim.RequestID, SignerID: claim.SignerID}, nil
}

// OpenSigningSession returns what a signer sees when following a link: the
// request and their own entry. It fails when the signer can no longer act.
func (e *Engine) OpenSigningSession(ctx context.Context, token string) (store.SignatureRequest, store.Signer, error) {
	claim, err := e.VerifyToken(ctx, token)
	if err != nil {
		return store.SignatureRequest{}, store.Signer{}, err
	}
	unlock := e.locks.Lock(claim.RequestID)
	defer unlock()

	req, err := e.loadCurrent(ctx, claim.RequestID)
	if err != nil {
		return store.SignatureRequest{}, store.Signer{}, err
	}
	signer, err := actionableSigner(&req, claim.SignerID)
	if err != nil {
		return store.SignatureRequest{}, store.Signer{}, err
	}
	return req, *signer, nil
}

func (e *Engine) SubmitSignature(ctx context.Context, token string, data SignatureData) (req store.SignatureRequest, err error) {
	ctx, span := e.startSpan(ctx, "SubmitSignature")
	defer func() { endSpan(span, err) }()

	claim, err := e.VerifyToken(ctx, token)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	span.SetAttributes(attribute.String("request.id", claim.RequestID), attribute.String("signer.id", claim.SignerID))

	unlock := e.locks.Lock(claim.RequestID)
	defer unlock()

	req, err = e.loadCurrent(ctx, claim.RequestID)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	signer, err := actionableSigner(&req, claim.SignerID)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	if !data.valid() {
		return store.SignatureRequest{}, errInvalidSignature
	}

	now := e.now()
	signer.Status = store.SignerSigned
	signer.SignatureType = data.Type
	signer.SignatureData = data.Payload
	signer.SignedAt = &now
	signer.IPAddress = strings.TrimSpace(data.IPAddress)
	signer.UserAgent = strings.TrimSpace(data.UserAgent)
	signed := *signer

	req.Status = DeriveStatus(req.Signers, req.ExpiresAt, now, req.Status)
	req.UpdatedAt = now
	entries := []store.AuditEntry{{
		Timestamp: now,
		Action:    store.AuditSignatureSubmitted,
		Actor:     signed.Email,
		IPAddress: signed.IPAddress,
		Details:   fmt.Sprintf("%s signature", signed.SignatureType),
	}}
	completed := req.Status == store.StatusCompleted
	if completed {
		req.CompletedAt = &now
		entries = append(entries, store.AuditEntry{
			Timestamp: now,
			Action:    store.AuditRequestCompleted,
			Actor:     store.ActorSystem,
			Details:   fmt.Sprintf("all %d signer(s) signed", len(req.Signers)),
		})
	}
	if err := e.save(ctx, &req, entries...); err != nil {
		return store.SignatureRequest{}, err
	}

	e.consume(ctx, token, &req, signed.ID)
	e.logger.Info("signature submitted",
		zap.String("request_id", req.ID),
		zap.String("signer_id", signed.ID),
		zap.String("status", string(req.Status)),
	)
	e.webhook(ctx, &req, notify.EventSignatureCompleted, signed.ID)
	if completed {
		e.webhook(ctx, &req, notify.EventRequestCompleted, "")
		e.notifier.Completed(ctx, req)
	} else if req.Sequential {
		e.invite(ctx, &req)
	}
	return req, nil
}

func (e *Engine) DeclineSignature(ctx context.Context, token, reason, ipAddress string) (req store.SignatureRequest, err error) {
	ctx, span := e.startSpan(ctx, "DeclineSignature")
	defer func() { endSpan(span, err) }()

	claim, err := e.VerifyToken(ctx, token)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	span.SetAttributes(attribute.String("request.id", claim.RequestID), attribute.String("signer.id", claim.SignerID))

	unlock := e.locks.Lock(claim.RequestID)
	defer unlock()

	req, err = e.loadCurrent(ctx, claim.RequestID)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	signer, err := actionableSigner(&req, claim.SignerID)
	if err != nil {
		return store.SignatureRequest{}, err
	}

	now := e.now()
	reason = strings.TrimSpace(reason)
	signer.Status = store.SignerDeclined
	signer.DeclineReason = reason
	signer.DeclinedAt = &now
	signer.IPAddress = strings.TrimSpace(ipAddress)
	declined := *signer

	req.Status = DeriveStatus(req.Signers, req.ExpiresAt, now, req.Status)
	req.UpdatedAt = now
	if err := e.save(ctx, &req,
		store.AuditEntry{
			Timestamp: now,
			Action:    store.AuditSignatureDeclined,
			Actor:     declined.Email,
			IPAddress: declined.IPAddress,
			Details:   reason,
		},
		store.AuditEntry{
			Timestamp: now,
			Action:    store.AuditRequestDeclined,
			Actor:     store.ActorSystem,
			Details:   fmt.Sprintf("declined by %s", declined.Email),
		},
	); err != nil {
		return store.SignatureRequest{}, err
	}

	e.consume(ctx, token, &req, declined.ID)
	e.revoke(ctx, req.ID, signerIDs(&req)...)
	e.logger.Info("signature declined",
		zap.String("request_id", req.ID),
		zap.String("signer_id", declined.ID),
	)
	e.webhook(ctx, &req, notify.EventSignatureDeclined, declined.ID)
	return req, nil
}

// SendReminder re-invites a pending signer with a fresh link. It reports false
// when the signer cannot act or the link could not be issued.
func (e *Engine) SendReminder(ctx context.Context, requestID, signerID string) bool {
	ctx, span := e.startSpan(ctx, "SendReminder",
		attribute.String("request.id", requestID),
		attribute.String("signer.id", signerID),
	)
	defer span.End()

	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err := e.loadCurrent(ctx, requestID)
	if err != nil {
		e.logger.Debug("reminder skipped", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	signer, err := actionableSigner(&req, signerID)
	if err != nil {
		return false
	}
	link, err := e.issueLink(ctx, &req, *signer, store.AuditEntry{
		Timestamp: e.now(),
		Action:    store.AuditReminderSent,
		Actor:     store.ActorSystem,
		Details:   signer.Email,
	})
	if err != nil {
		e.logger.Warn("reminder failed", zap.String("request_id", requestID), zap.Error(err))
		return false
	}
	e.notifier.Reminder(ctx, req, *signer, link.URL)
	return true
}

// consume burns the link that was just used and any other link the signer
// still holds.
func (e *Engine) consume(ctx context.Context, token string, req *store.SignatureRequest, signerID string) {
	if _, err := e.tokens.Consume(ctx, token); err != nil && !errors.Is(err, tokens.ErrNotFound) {
		e.logger.Warn("consume signing token failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	e.revoke(ctx, req.ID, signerID)
}

// actionableSigner returns the signer when it may act on req right now.
func actionableSigner(req *store.SignatureRequest, signerID string) (*store.Signer, error) {
	switch {
	case req.Status == store.StatusExpired:
		return nil, errRequestExpired
	case req.Status == store.StatusDraft:
		return nil, errRequestNotSent
	case req.Status.Terminal():
		return nil, errRequestClosed(req.Status)
	}
	signer, _, ok := req.Signer(signerID)
	if !ok {
		return nil, errSignerNotFound
	}
	if signer.Status != store.SignerPending {
		return nil, errSignerResponded
	}
	if !mayAct(req, signerID) {
		return nil, errOutOfTurn
	}
	return signer, nil
}
