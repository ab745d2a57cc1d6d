package search

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"countersign/api/internal/store"
)

// Service tries the index backend first and falls back to the repository.
type Service struct {
	backend Backend
	repo    Repository
	logger  *zap.Logger
}

// NewService creates a search service. backend may be nil if Meilisearch is not configured.
func NewService(backend Backend, repo Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{backend: backend, repo: repo, logger: logger.Named("search")}
}

func (s *Service) available() bool {
	return s.backend != nil && s.backend.Healthy()
}

// IndexRequest pushes the request's current state to the index (fire-and-forget).
func (s *Service) IndexRequest(req store.SignatureRequest) {
	if !s.available() {
		return
	}
	rec := RecordFromRequest(req)
	go func() {
		if err := s.backend.IndexRequests([]RequestRecord{rec}); err != nil {
			s.logger.Warn("index request failed", zap.String("request_id", rec.ID), zap.Error(err))
		}
	}()
}

// SearchRequests returns the stored requests matching query that userID owns
// or signs. Index hits are re-read from the repository so results never show
// stale state or requests the user has no part in.
func (s *Service) SearchRequests(ctx context.Context, userID, query string, limit int) ([]store.SignatureRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	if s.available() {
		items, err := s.searchIndex(ctx, userID, query, limit)
		if err == nil {
			return items, nil
		}
		s.logger.Warn("meilisearch error, falling back to repository", zap.Error(err))
	}
	items, err := s.repo.SearchRequests(ctx, userID, query, limit)
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) searchIndex(ctx context.Context, userID, query string, limit int) ([]store.SignatureRequest, error) {
	ids, err := s.backend.SearchRequestIDs(userID, query, limit)
	if err != nil {
		return nil, err
	}
	items := make([]store.SignatureRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.repo.GetRequest(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			s.dropStale(id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !req.HasParticipant(userID) {
			continue
		}
		items = append(items, req)
	}
	return items, nil
}

func (s *Service) dropStale(id string) {
	go func() {
		if err := s.backend.DeleteRequest(id); err != nil {
			s.logger.Debug("drop stale index entry failed", zap.String("request_id", id), zap.Error(err))
		}
	}()
}
