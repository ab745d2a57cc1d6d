package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost compare-and-swap on SignatureRequest.Version.
	ErrConflict = errors.New("version conflict")
)

type RequestStatus string

const (
	StatusDraft           RequestStatus = "DRAFT"
	StatusPending         RequestStatus = "PENDING"
	StatusPartiallySigned RequestStatus = "PARTIALLY_SIGNED"
	StatusCompleted       RequestStatus = "COMPLETED"
	StatusDeclined        RequestStatus = "DECLINED"
	StatusExpired         RequestStatus = "EXPIRED"
	StatusCancelled       RequestStatus = "CANCELLED"
)

// Terminal reports whether no signer action can change the status any more.
func (s RequestStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// Open reports whether signers may act on the request.
func (s RequestStatus) Open() bool {
	return s == StatusPending || s == StatusPartiallySigned
}

func ParseRequestStatus(raw string) (RequestStatus, bool) {
	switch status := RequestStatus(raw); status {
	case StatusDraft, StatusPending, StatusPartiallySigned, StatusCompleted,
		StatusDeclined, StatusExpired, StatusCancelled:
		return status, true
	default:
		return "", false
	}
}

type SignerStatus string

const (
	SignerPending  SignerStatus = "PENDING"
	SignerSigned   SignerStatus = "SIGNED"
	SignerDeclined SignerStatus = "DECLINED"
	SignerExpired  SignerStatus = "EXPIRED"
)

type SignatureType string

const (
	SignatureDrawn    SignatureType = "drawn"
	SignatureTyped    SignatureType = "typed"
	SignatureUploaded SignatureType = "uploaded"
)

func (t SignatureType) Valid() bool {
	return t == SignatureDrawn || t == SignatureTyped || t == SignatureUploaded
}

type DocumentRef struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	ContentURL string `json:"contentUrl,omitempty"`
}

type Signer struct {
	ID       string
	UserID   string
	Email    string
	Name     string
	Order    int
	Required bool
	Status   SignerStatus

	SignatureType SignatureType
	// SignatureData is the captured image (data URI) or typed text; opaque to the workflow.
	SignatureData string
	SignedAt      *time.Time
	IPAddress     string
	UserAgent     string

	DeclineReason string
	DeclinedAt    *time.Time
}

type SignatureRequest struct {
	ID           string
	Document     DocumentRef
	Message      string
	RedirectURL  string
	WebhookURL   string
	CreatedBy    string
	Sequential   bool
	Status       RequestStatus
	CancelReason string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
	CompletedAt  *time.Time
	Signers      []Signer
}

// Signer returns the signer with the given id and its index.
func (r *SignatureRequest) Signer(signerID string) (*Signer, int, bool) {
	for i := range r.Signers {
		if r.Signers[i].ID == signerID {
			return &r.Signers[i], i, true
		}
	}
	return nil, -1, false
}

// HasParticipant reports whether userID owns the request or is one of its signers.
func (r *SignatureRequest) HasParticipant(userID string) bool {
	if userID == "" {
		return false
	}
	if r.CreatedBy == userID {
		return true
	}
	for _, signer := range r.Signers {
		if signer.UserID == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (r SignatureRequest) Clone() SignatureRequest {
	out := r
	out.Signers = make([]Signer, len(r.Signers))
	copy(out.Signers, r.Signers)
	for i := range out.Signers {
		if t := out.Signers[i].SignedAt; t != nil {
			v := *t
			out.Signers[i].SignedAt = &v
		}
		if t := out.Signers[i].DeclinedAt; t != nil {
			v := *t
			out.Signers[i].DeclinedAt = &v
		}
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		out.CompletedAt = &v
	}
	return out
}

type AuditAction string

const (
	AuditRequestCreated     AuditAction = "REQUEST_CREATED"
	AuditRequestSent        AuditAction = "REQUEST_SENT"
	AuditSigningURLIssued   AuditAction = "SIGNING_URL_ISSUED"
	AuditSignatureSubmitted AuditAction = "SIGNATURE_SUBMITTED"
	AuditSignatureDeclined  AuditAction = "SIGNATURE_DECLINED"
	AuditRequestCompleted   AuditAction = "REQUEST_COMPLETED"
	AuditRequestDeclined    AuditAction = "REQUEST_DECLINED"
	AuditRequestCancelled   AuditAction = "REQUEST_CANCELLED"
	AuditRequestExpired     AuditAction = "REQUEST_EXPIRED"
	AuditReminderSent       AuditAction = "REMINDER_SENT"
	AuditArtifactGenerated  AuditAction = "ARTIFACT_GENERATED"
)

// ActorSystem attributes entries written by the service itself.
const ActorSystem = "system"

type AuditEntry struct {
	Seq       int64
	RequestID string
	Timestamp time.Time
	Action    AuditAction
	Actor     string
	IPAddress string
	Details   string
}

// ListFilter narrows ListForUser. Page is 1-based.
type ListFilter struct {
	Status   RequestStatus
	Page     int
	PageSize int
}

func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
	return f
}

func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.PageSize
}
