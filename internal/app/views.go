package app

import (
	"time"

	"countersign/api/internal/store"
)

type documentView struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ContentURL string `json:"contentUrl,omitempty"`
}

type signerView struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId,omitempty"`
	Email         string              `json:"email"`
	Name          string              `json:"name"`
	Order         int                 `json:"order"`
	Required      bool                `json:"required"`
	Status        store.SignerStatus  `json:"status"`
	SignatureType store.SignatureType `json:"signatureType,omitempty"`
	SignedAt      *time.Time          `json:"signedAt,omitempty"`
	DeclineReason string              `json:"declineReason,omitempty"`
	DeclinedAt    *time.Time          `json:"declinedAt,omitempty"`
}

type requestView struct {
	ID           string              `json:"id"`
	Document     documentView        `json:"document"`
	Message      string              `json:"message,omitempty"`
	RedirectURL  string              `json:"redirectUrl,omitempty"`
	WebhookURL   string              `json:"webhookUrl,omitempty"`
	CreatedBy    string              `json:"createdBy"`
	Sequential   bool                `json:"sequential"`
	Status       store.RequestStatus `json:"status"`
	CancelReason string              `json:"cancelReason,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	ExpiresAt    time.Time           `json:"expiresAt"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
	Signers      []signerView        `json:"signers"`
}

func toDocumentView(doc store.DocumentRef) documentView {
	return documentView{ID: doc.ID, Title: doc.Title, ContentURL: doc.ContentURL}
}

func toSignerView(signer store.Signer) signerView {
	return signerView{
		ID:            signer.ID,
		UserID:        signer.UserID,
		Email:         signer.Email,
		Name:          signer.Name,
		Order:         signer.Order,
		Required:      signer.Required,
		Status:        signer.Status,
		SignatureType: signer.SignatureType,
		SignedAt:      signer.SignedAt,
		DeclineReason: signer.DeclineReason,
		DeclinedAt:    signer.DeclinedAt,
	}
}

func toRequestView(req store.SignatureRequest) requestView {
	view := requestView{
		ID:           req.ID,
		Document:     toDocumentView(req.Document),
		Message:      req.Message,
		RedirectURL:  req.RedirectURL,
		WebhookURL:   req.WebhookURL,
		CreatedBy:    req.CreatedBy,
		Sequential:   req.Sequential,
		Status:       req.Status,
		CancelReason: req.CancelReason,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
		ExpiresAt:    req.ExpiresAt,
		CompletedAt:  req.CompletedAt,
		Signers:      make([]signerView, 0, len(req.Signers)),
	}
	for _, signer := range req.Signers {
		view.Signers = append(view.Signers, toSignerView(signer))
	}
	return view
}

func toRequestViews(reqs []store.SignatureRequest) []requestView {
	out := make([]requestView, 0, len(reqs))
	for _, req := range reqs {
		out = append(out, toRequestView(req))
	}
	return out
}

type auditView struct {
	Seq       int64             `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Action    store.AuditAction `json:"action"`
	Actor     string            `json:"actor"`
	IPAddress string            `json:"ipAddress,omitempty"`
	Details   string            `json:"details,omitempty"`
}

func toAuditViews(entries []store.AuditEntry) []auditView {
	out := make([]auditView, 0, len(entries))
	for _, entry := range entries {
		out = append(out, auditView{
			Seq:       entry.Seq,
			Timestamp: entry.Timestamp,
			Action:    entry.Action,
			Actor:     entry.Actor,
			IPAddress: entry.IPAddress,
			Details:   entry.Details,
		})
	}
	return out
}

// signingSessionView is what a signer sees before signing. Other signers are
// listed by name and status only.
type signingSessionView struct {
	RequestID   string              `json:"requestId"`
	Document    documentView        `json:"document"`
	Message     string              `json:"message,omitempty"`
	Status      store.RequestStatus `json:"status"`
	ExpiresAt   time.Time           `json:"expiresAt"`
	RedirectURL string              `json:"redirectUrl,omitempty"`
	Signer      signerView          `json:"signer"`
	Parties     []partyView         `json:"parties"`
}

type partyView struct {
	Name   string             `json:"name"`
	Order  int                `json:"order"`
	Status store.SignerStatus `json:"status"`
}

func toSigningSessionView(req store.SignatureRequest, signer store.Signer) signingSessionView {
	view := signingSessionView{
		RequestID:   req.ID,
		Document:    toDocumentView(req.Document),
		Message:     req.Message,
		Status:      req.Status,
		ExpiresAt:   req.ExpiresAt,
		RedirectURL: req.RedirectURL,
		Signer:      toSignerView(signer),
		Parties:     make([]partyView, 0, len(req.Signers)),
	}
	for _, other := range req.Signers {
		view.Parties = append(view.Parties, partyView{Name: other.Name, Order: other.Order, Status: other.Status})
	}
	return view
}
