package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"countersign/api/internal/email"
	"countersign/api/internal/store"
)

// Mailer is the subset of email.Service the dispatcher uses.
type Mailer interface {
	IsConfigured() bool
	SendSigningInvitation(to string, data email.SigningData) error
	SendCompletedNotice(to string, data email.CompletedData) error
}

type DispatcherConfig struct {
	BaseURL string
	// Timeout bounds each email or webhook attempt.
	Timeout time.Duration
}

// Dispatcher fans notifications out on background goroutines. Nothing it does
// is reported back to the caller; failures are logged.
type Dispatcher struct {
	mailer   Mailer
	webhooks *WebhookClient
	baseURL  string
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewDispatcher(mailer Mailer, webhooks *WebhookClient, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		mailer:   mailer,
		webhooks: webhooks,
		baseURL:  cfg.BaseURL,
		timeout:  cfg.Timeout,
		logger:   logger.Named("notify"),
	}
}

func (d *Dispatcher) SignatureRequested(ctx context.Context, req store.SignatureRequest, signer store.Signer, signingURL string) {
	d.sendInvitation(ctx, req, signer, signingURL, false)
}

func (d *Dispatcher) Reminder(ctx context.Context, req store.SignatureRequest, signer store.Signer, signingURL string) {
	d.sendInvitation(ctx, req, signer, signingURL, true)
}

func (d *Dispatcher) sendInvitation(ctx context.Context, req store.SignatureRequest, signer store.Signer, signingURL string, reminder bool) {
	if !d.mailEnabled() || signer.Email == "" {
		return
	}
	data := email.SigningData{
		SignerName:    signer.Name,
		DocumentTitle: documentTitle(req),
		Message:       req.Message,
		SigningURL:    signingURL,
		ExpiresAt:     req.ExpiresAt,
		Reminder:      reminder,
	}
	d.goDetached(ctx, func(context.Context) {
		if err := d.mailer.SendSigningInvitation(signer.Email, data); err != nil {
			d.logger.Warn("signing email failed",
				zap.String("request_id", req.ID),
				zap.String("signer_id", signer.ID),
				zap.Bool("reminder", reminder),
				zap.Error(err))
		}
	})
}

// Completed mails every signer that has an address. Owners are identified by
// user id only and learn about completion through the request.completed webhook.
func (d *Dispatcher) Completed(ctx context.Context, req store.SignatureRequest) {
	if !d.mailEnabled() {
		return
	}
	data := email.CompletedData{
		DocumentTitle:   documentTitle(req),
		VerificationURL: d.baseURL + "/verify/signature/" + req.ID,
	}
	for _, signer := range req.Signers {
		if signer.Email == "" {
			continue
		}
		to, notice := signer.Email, data
		notice.RecipientName = signer.Name
		d.goDetached(ctx, func(context.Context) {
			if err := d.mailer.SendCompletedNotice(to, notice); err != nil {
				d.logger.Warn("completion email failed",
					zap.String("request_id", req.ID),
					zap.String("signer_id", signer.ID),
					zap.Error(err))
			}
		})
	}
}

func (d *Dispatcher) Webhook(ctx context.Context, webhookURL string, event Event) {
	if d.webhooks == nil || webhookURL == "" {
		return
	}
	d.goDetached(ctx, func(ctx context.Context) {
		if err := d.webhooks.Deliver(ctx, webhookURL, event); err != nil {
			d.logger.Warn("webhook delivery failed",
				zap.String("request_id", event.RequestID),
				zap.String("event", string(event.Event)),
				zap.Error(err))
			return
		}
		d.logger.Debug("webhook delivered",
			zap.String("request_id", event.RequestID),
			zap.String("event", string(event.Event)))
	})
}

// Wait blocks until in-flight deliveries finish or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) mailEnabled() bool {
	return d.mailer != nil && d.mailer.IsConfigured()
}

func (d *Dispatcher) goDetached(ctx context.Context, fn func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, d.timeout)
		defer cancel()
		fn(ctx)
	}()
}

func documentTitle(req store.SignatureRequest) string {
	if req.Document.Title != "" {
		return req.Document.Title
	}
	return req.Document.ID
}
