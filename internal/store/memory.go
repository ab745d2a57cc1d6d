package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps requests and audit entries in process memory. It is used by
// tests and by single-node development runs without Postgres.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]SignatureRequest
	audit    map[string][]AuditEntry
	seq      int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]SignatureRequest),
		audit:    make(map[string][]AuditEntry),
	}
}

func (s *MemoryStore) CreateRequest(_ context.Context, req SignatureRequest, entries ...AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return ErrConflict
	}
	s.requests[req.ID] = req.Clone()
	s.appendLocked(req.ID, entries)
	return nil
}

func (s *MemoryStore) GetRequest(_ context.Context, requestID string) (SignatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[requestID]
	if !ok {
		return SignatureRequest{}, ErrNotFound
	}
	return req.Clone(), nil
}

func (s *MemoryStore) UpdateRequest(_ context.Context, req *SignatureRequest, entries ...AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != req.Version {
		return ErrConflict
	}
	req.Version++
	s.requests[req.ID] = req.Clone()
	s.appendLocked(req.ID, entries)
	return nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, requestID string, entries ...AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[requestID]; !ok {
		return ErrNotFound
	}
	s.appendLocked(requestID, entries)
	return nil
}

func (s *MemoryStore) appendLocked(requestID string, entries []AuditEntry) {
	log := s.audit[requestID]
	for _, entry := range entries {
		s.seq++
		entry.Seq = s.seq
		entry.RequestID = requestID
		if n := len(log); n > 0 && entry.Timestamp.Before(log[n-1].Timestamp) {
			entry.Timestamp = log[n-1].Timestamp
		}
		log = append(log, entry)
	}
	s.audit[requestID] = log
}

func (s *MemoryStore) ListAudit(_ context.Context, requestID string) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.requests[requestID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]AuditEntry, len(s.audit[requestID]))
	copy(out, s.audit[requestID])
	return out, nil
}

func (s *MemoryStore) ListExpirable(_ context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0)
	for id, req := range s.requests {
		if req.Status.Terminal() {
			continue
		}
		if now.After(req.ExpiresAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListForUser(_ context.Context, userID string, filter ListFilter) ([]SignatureRequest, int, error) {
	filter = filter.Normalize()
	s.mu.RLock()
	matches := make([]SignatureRequest, 0)
	for _, req := range s.requests {
		if !req.HasParticipant(userID) {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		matches = append(matches, req.Clone())
	}
	s.mu.RUnlock()

	sortNewestFirst(matches)
	total := len(matches)
	start := filter.Offset()
	if start >= total {
		return []SignatureRequest{}, total, nil
	}
	end := start + filter.PageSize
	if end > total {
		end = total
	}
	return matches[start:end], total, nil
}

func (s *MemoryStore) ListPendingForUser(_ context.Context, userID string) ([]SignatureRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]SignatureRequest, 0)
	for _, req := range s.requests {
		if !req.Status.Open() {
			continue
		}
		for _, signer := range req.Signers {
			if signer.UserID == userID && signer.Status == SignerPending {
				items = append(items, req.Clone())
				break
			}
		}
	}
	sortNewestFirst(items)
	return items, nil
}

func (s *MemoryStore) SearchRequests(_ context.Context, userID, query string, limit int) ([]SignatureRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	s.mu.RLock()
	items := make([]SignatureRequest, 0)
	for _, req := range s.requests {
		if !req.HasParticipant(userID) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(req.Document.Title), needle) &&
			!strings.Contains(strings.ToLower(req.Message), needle) {
			continue
		}
		items = append(items, req.Clone())
	}
	s.mu.RUnlock()
	sortNewestFirst(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func sortNewestFirst(items []SignatureRequest) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
