package app

import (
	"errors"
	"fmt"
	"net/http"

	"countersign/api/internal/artifact"
	"countersign/api/internal/auth"
	"countersign/api/internal/workflow"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var (
	errUnauthorized = domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	errForbidden    = domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	errNotFound     = domainError(http.StatusNotFound, "REQUEST_NOT_FOUND", "signature request not found", nil)
)

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if werr, ok := workflow.AsError(err); ok {
		return workflowStatus(werr.Kind), werr.Code, werr.Message, nil
	}
	switch {
	case errors.Is(err, artifact.ErrNotCompleted):
		return http.StatusConflict, "REQUEST_NOT_COMPLETED", "only completed requests can be downloaded", nil
	case errors.Is(err, artifact.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func workflowStatus(kind workflow.Kind) int {
	switch kind {
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindPrecondition:
		return http.StatusUnprocessableEntity
	case workflow.KindInvalidState, workflow.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
