package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"countersign/api/internal/store"
	"countersign/api/internal/workflow"
)

type createSignerBody struct {
	UserID   string `json:"userId"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Order    *int   `json:"order"`
	Required *bool  `json:"required"`
}

type createRequestBody struct {
	DocumentID    string             `json:"documentId"`
	DocumentTitle string             `json:"documentTitle"`
	DocumentURL   string             `json:"documentUrl"`
	Signers       []createSignerBody `json:"signers"`
	ExpiresInDays *int               `json:"expiresInDays"`
	Message       string             `json:"message"`
	RedirectURL   string             `json:"redirectUrl"`
	WebhookURL    string             `json:"webhookUrl"`
	Draft         bool               `json:"draft"`
	Sequential    bool               `json:"sequential"`
}

func (b createRequestBody) input() workflow.CreateInput {
	input := workflow.CreateInput{
		Document: store.DocumentRef{
			ID:         strings.TrimSpace(b.DocumentID),
			Title:      strings.TrimSpace(b.DocumentTitle),
			ContentURL: strings.TrimSpace(b.DocumentURL),
		},
		TTLDays:     b.ExpiresInDays,
		Message:     b.Message,
		RedirectURL: strings.TrimSpace(b.RedirectURL),
		WebhookURL:  strings.TrimSpace(b.WebhookURL),
		Draft:       b.Draft,
		Sequential:  b.Sequential,
	}
	for _, signer := range b.Signers {
		input.Signers = append(input.Signers, workflow.SignerInput{
			UserID:   strings.TrimSpace(signer.UserID),
			Email:    strings.TrimSpace(signer.Email),
			Name:     strings.TrimSpace(signer.Name),
			Order:    signer.Order,
			Required: signer.Required,
		})
	}
	return input
}

func (s *HTTPServer) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.service.CreateRequest(r.Context(), sessionFrom(r), body.input())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRequestView(req))
}

func (s *HTTPServer) handleListRequests(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ListFilter{
		Page:     atoiOr(query.Get("page"), 1),
		PageSize: atoiOr(query.Get("pageSize"), 20),
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := store.ParseRequestStatus(strings.ToUpper(raw))
		if !ok {
			writeError(w, http.StatusBadRequest, "INVALID_STATUS", "unknown status filter", map[string]any{"status": raw})
			return
		}
		filter.Status = status
	}
	filter = filter.Normalize()

	items, total, err := s.service.ListRequests(r.Context(), sessionFrom(r), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":    toRequestViews(items),
		"total":    total,
		"page":     filter.Page,
		"pageSize": filter.PageSize,
	})
}

func (s *HTTPServer) handleListPending(w http.ResponseWriter, r *http.Request) {
	items, err := s.service.ListPending(r.Context(), sessionFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toRequestViews(items)})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	limit := atoiOr(r.URL.Query().Get("limit"), 20)
	if limit > 100 {
		limit = 100
	}
	items, err := s.service.SearchRequests(r.Context(), sessionFrom(r), query, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toRequestViews(items), "query": query})
}

func (s *HTTPServer) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.service.GetRequest(r.Context(), sessionFrom(r), chi.URLParam(r, "requestID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(req))
}

func (s *HTTPServer) handleSendRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.service.SendRequest(r.Context(), sessionFrom(r), chi.URLParam(r, "requestID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(req))
}

func (s *HTTPServer) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.service.CancelRequest(r.Context(), sessionFrom(r), chi.URLParam(r, "requestID"), body.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRequestView(req))
}

func (s *HTTPServer) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.AuditTrail(r.Context(), sessionFrom(r), chi.URLParam(r, "requestID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": toAuditViews(entries)})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	download, err := s.service.DownloadArtifact(r.Context(), sessionFrom(r), chi.URLParam(r, "requestID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", download.MimeType)
	w.Header().Set("Content-Disposition", contentDisposition(download.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(download.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(download.Data)
}

func (s *HTTPServer) handleSigningURL(w http.ResponseWriter, r *http.Request) {
	link, err := s.service.SigningURL(r.Context(), sessionFrom(r), chi.URLParam(r, "requestID"), chi.URLParam(r, "signerID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (s *HTTPServer) handleRemind(w http.ResponseWriter, r *http.Request) {
	sent, err := s.service.Remind(r.Context(), sessionFrom(r), chi.URLParam(r, "requestID"), chi.URLParam(r, "signerID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sent": sent})
}

func atoiOr(raw string, fallback int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
