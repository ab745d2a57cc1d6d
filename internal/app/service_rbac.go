package app

import (
	"context"

	"countersign/api/internal/rbac"
	"countersign/api/internal/store"
	"countersign/api/internal/workflow"
)

const (
	actionView     = rbac.ActionView
	actionDownload = rbac.ActionDownload
	actionManage   = rbac.ActionManage
)

// authorize hides requests from non-participants and refuses owner actions
// to signers.
func authorize(req *store.SignatureRequest, session Session, action rbac.Action) error {
	role := rbac.RoleFor(req, session.UserID)
	if role == rbac.RoleNone {
		return errNotFound
	}
	if !rbac.Can(role, action) {
		return errForbidden
	}
	return nil
}

// authorizedRequest checks access against the stored request before anything
// that could write, such as lazy expiry, runs on the caller's behalf.
func (s *Service) authorizedRequest(ctx context.Context, session Session, requestID string, action rbac.Action) (store.SignatureRequest, error) {
	stored, err := s.engine.LoadRequest(ctx, requestID)
	if err != nil {
		return store.SignatureRequest{}, err
	}
	if err := authorize(&stored, session, action); err != nil {
		return store.SignatureRequest{}, err
	}
	return s.engine.GetRequest(ctx, requestID)
}

func (s *Service) CreateRequest(ctx context.Context, session Session, input workflow.CreateInput) (store.SignatureRequest, error) {
	input.CreatedBy = session.UserID
	return s.engine.CreateRequest(ctx, input)
}

func (s *Service) GetRequest(ctx context.Context, session Session, requestID string) (store.SignatureRequest, error) {
	return s.authorizedRequest(ctx, session, requestID, actionView)
}

func (s *Service) SendRequest(ctx context.Context, session Session, requestID string) (store.SignatureRequest, error) {
	if _, err := s.authorizedRequest(ctx, session, requestID, actionManage); err != nil {
		return store.SignatureRequest{}, err
	}
	return s.engine.SendRequest(ctx, requestID, actor(session))
}

func (s *Service) CancelRequest(ctx context.Context, session Session, requestID, reason string) (store.SignatureRequest, error) {
	if _, err := s.authorizedRequest(ctx, session, requestID, actionManage); err != nil {
		return store.SignatureRequest{}, err
	}
	return s.engine.CancelRequest(ctx, requestID, reason, actor(session))
}

func (s *Service) AuditTrail(ctx context.Context, session Session, requestID string) ([]store.AuditEntry, error) {
	if _, err := s.authorizedRequest(ctx, session, requestID, actionView); err != nil {
		return nil, err
	}
	return s.engine.AuditTrail(ctx, requestID)
}

func (s *Service) SigningURL(ctx context.Context, session Session, requestID, signerID string) (workflow.SigningLink, error) {
	if _, err := s.authorizedRequest(ctx, session, requestID, actionManage); err != nil {
		return workflow.SigningLink{}, err
	}
	return s.engine.GenerateSigningURL(ctx, requestID, signerID)
}

// Remind reports whether a reminder went out.
func (s *Service) Remind(ctx context.Context, session Session, requestID, signerID string) (bool, error) {
	if _, err := s.authorizedRequest(ctx, session, requestID, actionManage); err != nil {
		return false, err
	}
	return s.engine.SendReminder(ctx, requestID, signerID), nil
}

func (s *Service) ListRequests(ctx context.Context, session Session, filter store.ListFilter) ([]store.SignatureRequest, int, error) {
	return s.engine.ListForUser(ctx, session.UserID, filter)
}

func (s *Service) ListPending(ctx context.Context, session Session) ([]store.SignatureRequest, error) {
	return s.engine.ListPendingForUser(ctx, session.UserID)
}

func (s *Service) SearchRequests(ctx context.Context, session Session, query string, limit int) ([]store.SignatureRequest, error) {
	return s.engine.SearchRequests(ctx, session.UserID, query, limit)
}
