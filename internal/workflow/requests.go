package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"sort"
	"strings"
	"time"

	"countersign/api/internal/notify"
	"countersign/api/internal/store"
	"countersign/api/internal/tokens"
	"countersign/api/internal/util"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type SignerInput struct {
	UserID string
	Email  string
	Name   string
	// Order defaults to the signer's position in the input.
	Order *int
	// Required defaults to true.
	Required *bool
}

type CreateInput struct {
	Document    store.DocumentRef
	Signers     []SignerInput
	TTLDays     *int
	Message     string
	RedirectURL string
	WebhookURL  string
	CreatedBy   string
	Draft       bool
	Sequential  bool
}

type SigningLink struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e *Engine) CreateRequest(ctx context.Context, input CreateInput) (req store.SignatureRequest, err error) {
	ctx, span := e.startSpan(ctx, "CreateRequest", attribute.Int("signers", len(input.Signers)))
	defer func() { endSpan(span, err) }()

	if len(input.Signers) == 0 {
		return store.SignatureRequest{}, errSignersRequired
	}
	if strings.TrimSpace(input.Document.ID) == "" {
		return store.SignatureRequest{}, errDocumentRequired
	}
	if !httpURL(input.WebhookURL) {
		return store.SignatureRequest{}, errInvalidWebhookURL
	}
	if !httpURL(input.RedirectURL) {
		return store.SignatureRequest{}, errInvalidRedirectURL
	}
	ttl := e.opts.DefaultTTL
	if input.TTLDays != nil {
		if *input.TTLDays < 0 {
			return store.SignatureRequest{}, errNegativeTTL
		}
		ttl = time.Duration(*input.TTLDays) * 24 * time.Hour
	}

	signers := make([]store.Signer, 0, len(input.Signers))
	for i, in := range input.Signers {
		email := strings.TrimSpace(in.Email)
		if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
			return store.SignatureRequest{}, errSignerEmailRequired(i)
		}
		order := i
		if in.Order != nil {
			order = *in.Order
		}
		required := true
		if in.Required != nil {
			required = *in.Required
		}
		signers = append(signers, store.Signer{
			ID:       util.NewID("sg"),
			UserID:   strings.TrimSpace(in.UserID),
			Email:    email,
			Name:     strings.TrimSpace(in.Name),
			Order:    order,
			Required: required,
			Status:   store.SignerPending,
		})
	}
	sort.SliceStable(signers, func(i, j int) bool { return signers[i].Order < signers[j].Order })

	now := e.now()
	status := store.StatusPending
	if input.Draft {
		status = store.StatusDraft
	}
	req = store.SignatureRequest{
		ID: util.NewID("sr"),
		Document: store.DocumentRef{
			ID:         strings.TrimSpace(input.Document.ID),
			Title:      strings.TrimSpace(input.Document.Title),
			ContentURL: strings.TrimSpace(input.Document.ContentURL),
		},
		Message:     strings.TrimSpace(input.Message),
		RedirectURL: strings.TrimSpace(input.RedirectURL),
		WebhookURL:  strings.TrimSpace(input.WebhookURL),
		CreatedBy:   input.CreatedBy,
		Sequential:  input.Sequential,
		Status:      status,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Signers:     signers,
	}

	actor := store.ActorSystem
	if input.CreatedBy != "" {
		actor = input.CreatedBy
	}
	entry := store.AuditEntry{
		Timestamp: now,
		Action:    store.AuditRequestCreated,
		Actor:     actor,
		Details:   fmt.Sprintf("%d signer(s), expires %s", len(signers), req.ExpiresAt.Format(time.RFC3339)),
	}
	if err := e.repo.CreateRequest(ctx, req, entry); err != nil {
		return store.SignatureRequest{}, fmt.Errorf("create request: %w", err)
	}
	e.index(req)
	e.logger.Info("signature request created",
		zap.String("request_id", req.ID),
		zap.String("document_id", req.Document.ID),
		zap.Int("signers", len(signers)),
		zap.String("status", string(req.Status)),
	)

	if req.Status == store.StatusPending {
		e.invite(ctx, &req)
	}
	return req, nil
}

// SendRequest moves a draft to PENDING and invites its signers.
func (e *Engine) SendRequest(ctx context.Context, requestID, actor string) (req store.SignatureRequest, err error) {
	ctx, span := e.startSpan(ctx, "SendRequest", attribute.String("request.id", requestID))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err = e.loadCurrent(ctx, requestID)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	if req.Status == store.StatusExpired {
		return req, errRequestExpired
	}
	if req.Status != store.StatusDraft {
		return req, errRequestNotDraft
	}

	now := e.now()
	req.Status = store.StatusPending
	req.UpdatedAt = now
	if err := e.save(ctx, &req, store.AuditEntry{
		Timestamp: now,
		Action:    store.AuditRequestSent,
		Actor:     actorOrSystem(actor),
	}); err != nil {
		return store.SignatureRequest{}, err
	}
	e.invite(ctx, &req)
	return req, nil
}

// GetRequest returns the request, expiring it first when its deadline passed.
func (e *Engine) GetRequest(ctx context.Context, requestID string) (req store.SignatureRequest, err error) {
	ctx, span := e.startSpan(ctx, "GetRequest", attribute.String("request.id", requestID))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	defer unlock()
	return e.loadCurrent(ctx, requestID)
}

// LoadRequest reads a request as stored, without applying lazy expiry. The
// participant set never changes, so it is enough to authorize a caller.
func (e *Engine) LoadRequest(ctx context.Context, requestID string) (store.SignatureRequest, error) {
	return e.load(ctx, requestID)
}

func (e *Engine) CancelRequest(ctx context.Context, requestID, reason, actor string) (req store.SignatureRequest, err error) {
	ctx, span := e.startSpan(ctx, "CancelRequest", attribute.String("request.id", requestID))
	defer func() { endSpan(span, err) }()

	unlock := e.locks.Lock(requestID)
	defer unlock()

	req, err = e.loadCurrent(ctx, requestID)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	if req.Status == store.StatusCompleted {
		return req, errRequestCompleted
	}
	if req.Status.Terminal() {
		return req, errRequestClosed(req.Status)
	}

	now := e.now()
	reason = strings.TrimSpace(reason)
	req.Status = store.StatusCancelled
	req.CancelReason = reason
	req.UpdatedAt = now
	if err := e.save(ctx, &req, store.AuditEntry{
		Timestamp: now,
		Action:    store.AuditRequestCancelled,
		Actor:     actorOrSystem(actor),
		Details:   reason,
	}); err != nil {
		return store.SignatureRequest{}, err
	}
	e.revoke(ctx, req.ID, signerIDs(&req)...)
	e.webhook(ctx, &req, notify.EventRequestCancelled, "")
	e.logger.Info("signature request cancelled", zap.String("request_id", req.ID))
	return req, nil
}

func (e *Engine) ListForUser(ctx context.Context, userID string, filter store.ListFilter) ([]store.SignatureRequest, int, error) {
	items, total, err := e.repo.ListForUser(ctx, userID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	return items, total, nil
}

func (e *Engine) ListPendingForUser(ctx context.Context, userID string) ([]store.SignatureRequest, error) {
	items, err := e.repo.ListPendingForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return items, nil
}

// SearchRequests runs a text search over the user's requests, through the
// search index when one is configured.
func (e *Engine) SearchRequests(ctx context.Context, userID, query string, limit int) ([]store.SignatureRequest, error) {
	if e.indexer != nil {
		return e.indexer.SearchRequests(ctx, userID, query, limit)
	}
	items, err := e.repo.SearchRequests(ctx, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search requests: %w", err)
	}
	return items, nil
}

func (e *Engine) AuditTrail(ctx context.Context, requestID string) ([]store.AuditEntry, error) {
	entries, err := e.repo.ListAudit(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, errRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("list audit trail: %w", err)
	}
	return entries, nil
}

// RecordArtifact notes in the audit trail that a signed artifact was archived
// under key.
func (e *Engine) RecordArtifact(ctx context.Context, requestID, actor, key string) error {
	err := e.repo.AppendAudit(ctx, requestID, store.AuditEntry{
		Timestamp: e.now(),
		Action:    store.AuditArtifactGenerated,
		Actor:     actorOrSystem(actor),
		Details:   key,
	})
	if errors.Is(err, store.ErrNotFound) {
		return errRequestNotFound
	}
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}

// loadCurrent loads a request and applies lazy expiry. Callers hold the
// request lock.
func (e *Engine) loadCurrent(ctx context.Context, requestID string) (store.SignatureRequest, error) {
	req, err := e.load(ctx, requestID)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	if _, err := e.expireIfDue(ctx, &req); err != nil {
		return store.SignatureRequest{}, err
	}
	return req, nil
}

// expireIfDue flips an overdue request to EXPIRED, cascading to pending
// signers. It reports whether the request changed.
func (e *Engine) expireIfDue(ctx context.Context, req *store.SignatureRequest) (bool, error) {
	now := e.now()
	if DeriveStatus(req.Signers, req.ExpiresAt, now, req.Status) != store.StatusExpired || req.Status == store.StatusExpired {
		return false, nil
	}

	expired := make([]string, 0, len(req.Signers))
	for i := range req.Signers {
		if req.Signers[i].Status == store.SignerPending {
			req.Signers[i].Status = store.SignerExpired
			expired = append(expired, req.Signers[i].ID)
		}
	}
	req.Status = store.StatusExpired
	req.UpdatedAt = now
	if err := e.save(ctx, req, store.AuditEntry{
		Timestamp: now,
		Action:    store.AuditRequestExpired,
		Actor:     store.ActorSystem,
		Details:   fmt.Sprintf("expired at %s", req.ExpiresAt.Format(time.RFC3339)),
	}); err != nil {
		return false, err
	}
	e.revoke(ctx, req.ID, expired...)
	e.webhook(ctx, req, notify.EventRequestExpired, "")
	e.logger.Info("signature request expired",
		zap.String("request_id", req.ID),
		zap.Int("signers_expired", len(expired)),
	)
	return true, nil
}

// invite sends signing links to everyone who may act now: all pending signers,
// or only the next one for sequential requests.
func (e *Engine) invite(ctx context.Context, req *store.SignatureRequest) {
	targets := make([]store.Signer, 0, len(req.Signers))
	if req.Sequential {
		if next := nextInTurn(req); next != nil {
			targets = append(targets, *next)
		}
	} else {
		for _, signer := range req.Signers {
			if signer.Status == store.SignerPending {
				targets = append(targets, signer)
			}
		}
	}
	for _, signer := range targets {
		link, err := e.issueLink(ctx, req, signer)
		if err != nil {
			e.logger.Warn("signing invitation skipped",
				zap.String("request_id", req.ID),
				zap.String("signer_id", signer.ID),
				zap.Error(err),
			)
			continue
		}
		e.notifier.SignatureRequested(ctx, *req, signer, link.URL)
	}
}

// issueLink mints a token valid until the earlier of the request expiry and
// the token TTL. The SIGNING_URL_ISSUED entry and any extra entries are written
// together; when that write fails the token is burned again.
func (e *Engine) issueLink(ctx context.Context, req *store.SignatureRequest, signer store.Signer, extra ...store.AuditEntry) (SigningLink, error) {
	now := e.now()
	expiresAt := now.Add(e.opts.TokenTTL)
	if req.ExpiresAt.Before(expiresAt) {
		expiresAt = req.ExpiresAt
	}
	token, err := e.tokens.Issue(ctx, req.ID, signer.ID, expiresAt)
	if err != nil {
		return SigningLink{}, fmt.Errorf("issue signing token: %w", err)
	}
	entries := append([]store.AuditEntry{{
		Timestamp: now,
		Action:    store.AuditSigningURLIssued,
		Actor:     store.ActorSystem,
		Details:   fmt.Sprintf("signer %s, valid until %s", signer.Email, expiresAt.Format(time.RFC3339)),
	}}, extra...)
	if err := e.repo.AppendAudit(ctx, req.ID, entries...); err != nil {
		if _, cerr := e.tokens.Consume(ctx, token); cerr != nil && !errors.Is(cerr, tokens.ErrNotFound) {
			e.logger.Warn("burn unrecorded signing token failed", zap.String("request_id", req.ID), zap.Error(cerr))
		}
		return SigningLink{}, fmt.Errorf("record signing link: %w", err)
	}
	return SigningLink{
		URL:       strings.TrimRight(e.opts.BaseURL, "/") + "/sign/" + token,
		ExpiresAt: expiresAt,
	}, nil
}

// httpURL accepts an empty value or an absolute http(s) URL with a host.
func httpURL(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

func actorOrSystem(actor string) string {
	if strings.TrimSpace(actor) == "" {
		return store.ActorSystem
	}
	return actor
}
