package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"countersign/api/internal/store"
	"countersign/api/internal/workflow"
)

// Signing endpoints are authorized by the signing token in the path alone.

func (s *HTTPServer) handleSigningSession(w http.ResponseWriter, r *http.Request) {
	req, signer, err := s.service.engine.OpenSigningSession(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSigningSessionView(req, signer))
}

type submitSignatureBody struct {
	SignatureType string `json:"signatureType"`
	SignatureData string `json:"signatureData"`
}

func (s *HTTPServer) handleSubmitSignature(w http.ResponseWriter, r *http.Request) {
	var body submitSignatureBody
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.service.engine.SubmitSignature(r.Context(), chi.URLParam(r, "token"), workflow.SignatureData{
		Type:      store.SignatureType(body.SignatureType),
		Payload:   body.SignatureData,
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":   req.ID,
		"status":      req.Status,
		"redirectUrl": req.RedirectURL,
	})
}

func (s *HTTPServer) handleDeclineSignature(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	req, err := s.service.engine.DeclineSignature(r.Context(), chi.URLParam(r, "token"), body.Reason, clientIP(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requestId":   req.ID,
		"status":      req.Status,
		"redirectUrl": req.RedirectURL,
	})
}

func (s *HTTPServer) handleVerify(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.engine.Verify(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
