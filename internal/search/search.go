// Package search indexes signature requests for full-text lookup. Meilisearch
// is used when reachable; otherwise queries fall back to the repository.
package search

import (
	"context"

	"countersign/api/internal/store"
)

// RequestRecord is the data we index for a signature request.
type RequestRecord struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Message      string   `json:"message"`
	DocumentID   string   `json:"documentId"`
	Status       string   `json:"status"`
	Signers      []string `json:"signers"`
	Participants []string `json:"participants"`
	CreatedAt    int64    `json:"createdAt"`
}

func RecordFromRequest(req store.SignatureRequest) RequestRecord {
	rec := RequestRecord{
		ID:           req.ID,
		Title:        req.Document.Title,
		Message:      req.Message,
		DocumentID:   req.Document.ID,
		Status:       string(req.Status),
		Signers:      make([]string, 0, len(req.Signers)),
		Participants: make([]string, 0, len(req.Signers)+1),
		CreatedAt:    req.CreatedAt.Unix(),
	}
	if req.CreatedBy != "" {
		rec.Participants = append(rec.Participants, req.CreatedBy)
	}
	for _, signer := range req.Signers {
		label := signer.Name
		if signer.Email != "" {
			label += " " + signer.Email
		}
		rec.Signers = append(rec.Signers, label)
		if signer.UserID != "" {
			rec.Participants = append(rec.Participants, signer.UserID)
		}
	}
	return rec
}

// Backend is a full-text index over RequestRecords.
type Backend interface {
	Healthy() bool
	IndexRequests(records []RequestRecord) error
	DeleteRequest(id string) error
	// SearchRequestIDs returns matching ids, best first, restricted to
	// records userID participates in.
	SearchRequestIDs(userID, text string, limit int) ([]string, error)
}

// Repository is the fallback search path and the source of truth for hits.
type Repository interface {
	GetRequest(ctx context.Context, requestID string) (store.SignatureRequest, error)
	SearchRequests(ctx context.Context, userID, query string, limit int) ([]store.SignatureRequest, error)
}
