package workflow

import (
	"errors"
	"fmt"

	"countersign/api/internal/store"
)

type Kind int

const (
	KindNotFound Kind = iota + 1
	KindInvalidState
	KindPrecondition
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindPrecondition:
		return "precondition"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a rejection the caller can act on. Anything else returned by the
// engine is a storage or transport failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// AsError unwraps err into a workflow rejection.
func AsError(err error) (*Error, bool) {
	var werr *Error
	if errors.As(err, &werr) {
		return werr, true
	}
	return nil, false
}

// IsKind reports whether err is a workflow rejection of the given kind.
func IsKind(err error, kind Kind) bool {
	werr, ok := AsError(err)
	return ok && werr.Kind == kind
}

var (
	errInvalidLink        = newError(KindNotFound, "INVALID_TOKEN", "invalid or expired signing link")
	errRequestNotFound    = newError(KindNotFound, "REQUEST_NOT_FOUND", "signature request not found")
	errSignerNotFound     = newError(KindNotFound, "SIGNER_NOT_FOUND", "signer not found on this request")
	errSignersRequired    = newError(KindPrecondition, "SIGNERS_REQUIRED", "at least one signer is required")
	errDocumentRequired   = newError(KindPrecondition, "DOCUMENT_REQUIRED", "document id is required")
	errNegativeTTL        = newError(KindPrecondition, "INVALID_TTL", "ttlDays must not be negative")
	errInvalidWebhookURL  = newError(KindPrecondition, "INVALID_WEBHOOK_URL", "webhookUrl must be an absolute http or https URL")
	errInvalidRedirectURL = newError(KindPrecondition, "INVALID_REDIRECT_URL", "redirectUrl must be an absolute http or https URL")
	errInvalidSignature   = newError(KindPrecondition, "INVALID_SIGNATURE", "signature type must be drawn, typed or uploaded and data must not be empty")
	errRequestExpired     = newError(KindInvalidState, "REQUEST_EXPIRED", "signature request has expired")
	errRequestNotSent     = newError(KindInvalidState, "REQUEST_NOT_SENT", "signature request has not been sent yet")
	errRequestNotDraft    = newError(KindInvalidState, "REQUEST_NOT_DRAFT", "only draft requests can be sent")
	errRequestCompleted   = newError(KindInvalidState, "REQUEST_COMPLETED", "completed requests cannot be cancelled")
	errSignerResponded    = newError(KindInvalidState, "SIGNER_NOT_PENDING", "signer has already responded")
	errOutOfTurn          = newError(KindInvalidState, "OUT_OF_TURN", "an earlier signer has not signed yet")
	errConcurrentUpdate   = newError(KindConflict, "CONFLICT", "request was modified concurrently")
)

func errRequestClosed(status store.RequestStatus) *Error {
	return newError(KindInvalidState, "REQUEST_CLOSED", fmt.Sprintf("signature request is %s", status))
}

func errSignerEmailRequired(position int) *Error {
	return newError(KindPrecondition, "SIGNER_EMAIL_REQUIRED", fmt.Sprintf("signer %d needs an email address", position+1))
}
