// Package workflow owns the lifecycle of signature requests: creation,
// signing links, submissions and declines, cancellation, expiry and reminders.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"countersign/api/internal/notify"
	"countersign/api/internal/store"
	"countersign/api/internal/tokens"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Repository persists requests together with their audit entries. Writes that
// carry entries must apply the state change and the entries atomically.
type Repository interface {
	CreateRequest(ctx context.Context, req store.SignatureRequest, entries ...store.AuditEntry) error
	GetRequest(ctx context.Context, requestID string) (store.SignatureRequest, error)
	UpdateRequest(ctx context.Context, req *store.SignatureRequest, entries ...store.AuditEntry) error
	AppendAudit(ctx context.Context, requestID string, entries ...store.AuditEntry) error
	ListAudit(ctx context.Context, requestID string) ([]store.AuditEntry, error)
	ListExpirable(ctx context.Context, now time.Time) ([]string, error)
	ListForUser(ctx context.Context, userID string, filter store.ListFilter) ([]store.SignatureRequest, int, error)
	ListPendingForUser(ctx context.Context, userID string) ([]store.SignatureRequest, error)
	SearchRequests(ctx context.Context, userID, query string, limit int) ([]store.SignatureRequest, error)
}

// Notifier delivers invitations, reminders and webhooks. Implementations must
// not block; failures are theirs to log.
type Notifier interface {
	SignatureRequested(ctx context.Context, req store.SignatureRequest, signer store.Signer, signingURL string)
	Reminder(ctx context.Context, req store.SignatureRequest, signer store.Signer, signingURL string)
	Completed(ctx context.Context, req store.SignatureRequest)
	Webhook(ctx context.Context, webhookURL string, event notify.Event)
}

type Indexer interface {
	IndexRequest(req store.SignatureRequest)
	SearchRequests(ctx context.Context, userID, query string, limit int) ([]store.SignatureRequest, error)
}

type Options struct {
	BaseURL    string
	DefaultTTL time.Duration
	// TokenTTL caps a signing link's lifetime below the request expiry.
	TokenTTL time.Duration
}

type Deps struct {
	Repository Repository
	Tokens     tokens.Registry
	Clock      clockwork.Clock
	Notifier   Notifier
	Indexer    Indexer
	Logger     *zap.Logger
}

type Engine struct {
	repo     Repository
	tokens   tokens.Registry
	clock    clockwork.Clock
	notifier Notifier
	indexer  Indexer
	logger   *zap.Logger
	tracer   trace.Tracer
	locks    *keyedMutex
	opts     Options
}

func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Repository == nil {
		return nil, errors.New("workflow: repository is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("workflow: token registry is required")
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 7 * 24 * time.Hour
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	return &Engine{
		repo:     deps.Repository,
		tokens:   deps.Tokens,
		clock:    deps.Clock,
		notifier: deps.Notifier,
		indexer:  deps.Indexer,
		logger:   deps.Logger.Named("workflow"),
		tracer:   otel.Tracer("countersign/api/internal/workflow"),
		locks:    newKeyedMutex(),
		opts:     opts,
	}, nil
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}

func (e *Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "workflow."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		if _, ok := AsError(err); !ok {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// load fetches a request and maps repository misses to a workflow rejection.
func (e *Engine) load(ctx context.Context, requestID string) (store.SignatureRequest, error) {
	req, err := e.repo.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return store.SignatureRequest{}, errRequestNotFound
	}
	if err != nil {
		return store.SignatureRequest{}, fmt.Errorf("load request %s: %w", requestID, err)
	}
	return req, nil
}

func (e *Engine) save(ctx context.Context, req *store.SignatureRequest, entries ...store.AuditEntry) error {
	err := e.repo.UpdateRequest(ctx, req, entries...)
	switch {
	case errors.Is(err, store.ErrConflict):
		return errConcurrentUpdate
	case errors.Is(err, store.ErrNotFound):
		return errRequestNotFound
	case err != nil:
		return fmt.Errorf("save request %s: %w", req.ID, err)
	}
	e.index(*req)
	return nil
}

func (e *Engine) index(req store.SignatureRequest) {
	if e.indexer != nil {
		e.indexer.IndexRequest(req)
	}
}

func (e *Engine) webhook(ctx context.Context, req *store.SignatureRequest, event notify.EventType, signerID string) {
	if req.WebhookURL == "" {
		return
	}
	e.notifier.Webhook(ctx, req.WebhookURL, notify.Event{
		Event:      event,
		RequestID:  req.ID,
		DocumentID: req.Document.ID,
		SignerID:   signerID,
		Timestamp:  e.now(),
	})
}

// revoke drops outstanding links for the given signers. Links of terminal
// signers are useless anyway, so failures are only logged.
func (e *Engine) revoke(ctx context.Context, requestID string, signerIDs ...string) {
	for _, signerID := range signerIDs {
		if err := e.tokens.RevokeSigner(ctx, requestID, signerID); err != nil {
			e.logger.Warn("revoke signing links failed",
				zap.String("request_id", requestID),
				zap.String("signer_id", signerID),
				zap.Error(err),
			)
		}
	}
}

func signerIDs(req *store.SignatureRequest) []string {
	ids := make([]string, 0, len(req.Signers))
	for _, signer := range req.Signers {
		ids = append(ids, signer.ID)
	}
	return ids
}

type nopNotifier struct{}

func (nopNotifier) SignatureRequested(context.Context, store.SignatureRequest, store.Signer, string) {
}

func (nopNotifier) Reminder(context.Context, store.SignatureRequest, store.Signer, string) {}

func (nopNotifier) Completed(context.Context, store.SignatureRequest) {}

func (nopNotifier) Webhook(context.Context, string, notify.Event) {}
