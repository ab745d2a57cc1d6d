package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"countersign/api/internal/artifact"
	"countersign/api/internal/auth"
	"countersign/api/internal/blob"
	"countersign/api/internal/store"
	"countersign/api/internal/workflow"
)

// Session is the authenticated API caller.
type Session struct {
	UserID string
	Email  string
	JTI    string
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessCheck is a dependency reported by /api/ready. Optional checks
// are reported but do not fail readiness.
type ReadinessCheck struct {
	Name     string
	Pinger   Pinger
	Optional bool
}

type ServiceDeps struct {
	Engine    *workflow.Engine
	Artifacts *artifact.Generator
	// Blobs archives rendered artifacts; nil renders on every download.
	Blobs  blob.Store
	APIKey []byte
	Checks []ReadinessCheck
	Clock  clockwork.Clock
	Logger *zap.Logger
}

type Service struct {
	engine    *workflow.Engine
	artifacts *artifact.Generator
	blobs     blob.Store
	apiKey    []byte
	checks    []ReadinessCheck
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewService(deps ServiceDeps) (*Service, error) {
	if deps.Engine == nil {
		return nil, errors.New("app: engine is required")
	}
	if len(deps.APIKey) == 0 {
		return nil, errors.New("app: api key is required")
	}
	if deps.Artifacts == nil {
		deps.Artifacts = artifact.NewGenerator("", nil, deps.Clock)
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		engine:    deps.Engine,
		artifacts: deps.Artifacts,
		blobs:     deps.Blobs,
		apiKey:    deps.APIKey,
		checks:    deps.Checks,
		clock:     deps.Clock,
		logger:    deps.Logger.Named("app"),
	}, nil
}

// Ping checks the required dependencies.
func (s *Service) Ping(ctx context.Context) error {
	for _, check := range s.checks {
		if check.Optional {
			continue
		}
		if err := check.Pinger.Ping(ctx); err != nil {
			return fmt.Errorf("%s: %w", check.Name, err)
		}
	}
	return nil
}

// Readiness runs every check and reports per-dependency results.
func (s *Service) Readiness(ctx context.Context) (bool, map[string]any) {
	ready := true
	results := make(map[string]any, len(s.checks))
	for _, check := range s.checks {
		if err := check.Pinger.Ping(ctx); err != nil {
			results[check.Name] = map[string]any{"status": "error", "error": err.Error()}
			if !check.Optional {
				ready = false
			}
			continue
		}
		results[check.Name] = map[string]any{"status": "ok"}
	}
	return ready, results
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseTokenAt(s.apiKey, token, s.clock.Now())
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: claims.Sub, Email: claims.Email, JTI: claims.JTI}, nil
}

// Download is a rendered or archived signed artifact.
type Download struct {
	Filename string
	MimeType string
	Data     []byte
}

// DownloadArtifact serves the archived artifact for a completed request,
// rendering and archiving it on first use.
func (s *Service) DownloadArtifact(ctx context.Context, session Session, requestID string) (Download, error) {
	req, err := s.authorizedRequest(ctx, session, requestID, actionDownload)
	if err != nil {
		return Download{}, err
	}
	if req.Status != store.StatusCompleted {
		return Download{}, artifact.ErrNotCompleted
	}

	key := blob.ArtifactKey(req.ID, s.artifacts.Extension())
	if s.blobs != nil {
		obj, err := s.blobs.Get(ctx, key)
		switch {
		case err == nil:
			return Download{Filename: s.artifacts.Filename(req), MimeType: obj.ContentType, Data: obj.Data}, nil
		case !errors.Is(err, blob.ErrNotFound):
			s.logger.Warn("artifact archive read failed, rendering", zap.String("request_id", req.ID), zap.Error(err))
		}
	}

	auditLog, err := s.engine.AuditTrail(ctx, req.ID)
	if err != nil {
		return Download{}, err
	}
	a, err := s.artifacts.Generate(ctx, req, auditLog, artifact.Options{
		IncludeAuditTrail:     true,
		IncludeVerificationQR: true,
	})
	if err != nil {
		return Download{}, fmt.Errorf("generate artifact: %w", err)
	}
	out := Download{Filename: a.Filename, MimeType: a.MimeType, Data: a.Data}

	if s.blobs == nil {
		return out, nil
	}
	if err := s.blobs.Put(ctx, key, blob.Object{Data: a.Data, ContentType: a.MimeType}); err != nil {
		s.logger.Warn("artifact archive write failed", zap.String("request_id", req.ID), zap.Error(err))
		return out, nil
	}
	if err := s.engine.RecordArtifact(ctx, req.ID, actor(session), key); err != nil {
		s.logger.Warn("record artifact failed", zap.String("request_id", req.ID), zap.Error(err))
	}
	return out, nil
}

func actor(session Session) string {
	if email := strings.TrimSpace(session.Email); email != "" {
		return email
	}
	return session.UserID
}
