package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const selectRequestColumns = `
	SELECT id, document_id, document_title, document_url, message, redirect_url, webhook_url,
		created_by, sequential, status, cancel_reason, version, created_at, updated_at, expires_at, completed_at
	FROM signature_requests
`

func (s *PostgresStore) CreateRequest(ctx context.Context, req SignatureRequest, entries ...AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO signature_requests (
			id, document_id, document_title, document_url, message, redirect_url, webhook_url,
			created_by, sequential, status, cancel_reason, version, created_at, updated_at, expires_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, req.ID, req.Document.ID, req.Document.Title, req.Document.ContentURL, req.Message, req.RedirectURL, req.WebhookURL,
		req.CreatedBy, req.Sequential, string(req.Status), req.CancelReason, req.Version, req.CreatedAt, req.UpdatedAt, req.ExpiresAt, req.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert signature request: %w", err)
	}

	for _, signer := range req.Signers {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO signers (
				id, request_id, user_id, email, name, position, required, status,
				signature_type, signature_data, signed_at, ip_address, user_agent, decline_reason, declined_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		`, signer.ID, req.ID, signer.UserID, signer.Email, signer.Name, signer.Order, signer.Required, string(signer.Status),
			string(signer.SignatureType), signer.SignatureData, signer.SignedAt, signer.IPAddress, signer.UserAgent,
			signer.DeclineReason, signer.DeclinedAt); err != nil {
			return fmt.Errorf("insert signer %s: %w", signer.ID, err)
		}
	}

	if err := insertAuditEntries(ctx, tx, req.ID, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create request: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (SignatureRequest, error) {
	row := s.db.QueryRowContext(ctx, selectRequestColumns+` WHERE id=$1`, requestID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SignatureRequest{}, ErrNotFound
	}
	if err != nil {
		return SignatureRequest{}, fmt.Errorf("get signature request: %w", err)
	}
	signers, err := s.listSigners(ctx, []string{requestID})
	if err != nil {
		return SignatureRequest{}, err
	}
	req.Signers = signers[requestID]
	return req, nil
}

// UpdateRequest persists status and signer changes and appends entries in one
// transaction. The write only applies while the stored version equals req.Version.
func (s *PostgresStore) UpdateRequest(ctx context.Context, req *SignatureRequest, entries ...AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE signature_requests
		SET status=$3, cancel_reason=$4, updated_at=$5, completed_at=$6, version=version+1
		WHERE id=$1 AND version=$2
	`, req.ID, req.Version, string(req.Status), req.CancelReason, req.UpdatedAt, req.CompletedAt)
	if err != nil {
		return fmt.Errorf("update signature request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update signature request rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM signature_requests WHERE id=$1)`, req.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check signature request: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}

	for _, signer := range req.Signers {
		if _, err := tx.ExecContext(ctx, `
			UPDATE signers
			SET status=$3, signature_type=$4, signature_data=$5, signed_at=$6, ip_address=$7,
				user_agent=$8, decline_reason=$9, declined_at=$10
			WHERE id=$1 AND request_id=$2
		`, signer.ID, req.ID, string(signer.Status), string(signer.SignatureType), signer.SignatureData, signer.SignedAt,
			signer.IPAddress, signer.UserAgent, signer.DeclineReason, signer.DeclinedAt); err != nil {
			return fmt.Errorf("update signer %s: %w", signer.ID, err)
		}
	}

	if err := insertAuditEntries(ctx, tx, req.ID, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update request: %w", err)
	}
	req.Version++
	return nil
}

// AppendAudit writes entries in one transaction.
func (s *PostgresStore) AppendAudit(ctx context.Context, requestID string, entries ...AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append audit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM signature_requests WHERE id=$1)`, requestID).Scan(&exists); err != nil {
		return fmt.Errorf("check signature request: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	if err := insertAuditEntries(ctx, tx, requestID, entries); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append audit: %w", err)
	}
	return nil
}

func insertAuditEntries(ctx context.Context, tx *sql.Tx, requestID string, entries []AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	// Serialize writers per request so the clamp below sees the latest entry.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, requestID); err != nil {
		return fmt.Errorf("lock audit log: %w", err)
	}
	var last sql.NullTime
	if err := tx.QueryRowContext(ctx, `SELECT MAX(occurred_at) FROM audit_log WHERE request_id=$1`, requestID).Scan(&last); err != nil {
		return fmt.Errorf("read last audit entry: %w", err)
	}
	for _, entry := range entries {
		at := entry.Timestamp
		if last.Valid && at.Before(last.Time) {
			at = last.Time
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (request_id, occurred_at, action, actor, ip_address, details)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, requestID, at, string(entry.Action), entry.Actor, entry.IPAddress, entry.Details); err != nil {
			return fmt.Errorf("insert audit entry: %w", err)
		}
		last = sql.NullTime{Time: at, Valid: true}
	}
	return nil
}

func (s *PostgresStore) ListAudit(ctx context.Context, requestID string) ([]AuditEntry, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM signature_requests WHERE id=$1)`, requestID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check signature request: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, request_id, occurred_at, action, actor, ip_address, details
		FROM audit_log
		WHERE request_id=$1
		ORDER BY seq ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var item AuditEntry
		var action string
		if err := rows.Scan(&item.Seq, &item.RequestID, &item.Timestamp, &action, &item.Actor, &item.IPAddress, &item.Details); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		item.Action = AuditAction(action)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit log: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM signature_requests
		WHERE status NOT IN ('COMPLETED', 'DECLINED', 'EXPIRED', 'CANCELLED')
			AND expires_at < $1
		ORDER BY expires_at ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list expirable requests: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan expirable request: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expirable requests: %w", err)
	}
	return ids, nil
}

const participantClause = `(r.created_by = $1 OR EXISTS (SELECT 1 FROM signers p WHERE p.request_id = r.id AND p.user_id = $1))`

func (s *PostgresStore) ListForUser(ctx context.Context, userID string, filter ListFilter) ([]SignatureRequest, int, error) {
	filter = filter.Normalize()

	var total int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signature_requests r
		WHERE `+participantClause+` AND ($2 = '' OR r.status = $2)
	`, userID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count user requests: %w", err)
	}

	items, err := s.queryRequests(ctx, `
		SELECT r.id, r.document_id, r.document_title, r.document_url, r.message, r.redirect_url, r.webhook_url,
			r.created_by, r.sequential, r.status, r.cancel_reason, r.version, r.created_at, r.updated_at, r.expires_at, r.completed_at
		FROM signature_requests r
		WHERE `+participantClause+` AND ($2 = '' OR r.status = $2)
		ORDER BY r.created_at DESC, r.id ASC
		LIMIT $3 OFFSET $4
	`, userID, string(filter.Status), filter.PageSize, filter.Offset())
	if err != nil {
		return nil, 0, fmt.Errorf("list user requests: %w", err)
	}
	return items, total, nil
}

func (s *PostgresStore) ListPendingForUser(ctx context.Context, userID string) ([]SignatureRequest, error) {
	items, err := s.queryRequests(ctx, `
		SELECT r.id, r.document_id, r.document_title, r.document_url, r.message, r.redirect_url, r.webhook_url,
			r.created_by, r.sequential, r.status, r.cancel_reason, r.version, r.created_at, r.updated_at, r.expires_at, r.completed_at
		FROM signature_requests r
		WHERE r.status IN ('PENDING', 'PARTIALLY_SIGNED')
			AND EXISTS (SELECT 1 FROM signers p WHERE p.request_id = r.id AND p.user_id = $1 AND p.status = 'PENDING')
		ORDER BY r.created_at DESC, r.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SearchRequests(ctx context.Context, userID, query string, limit int) ([]SignatureRequest, error) {
	if limit <= 0 {
		limit = 20
	}
	items, err := s.queryRequests(ctx, `
		SELECT r.id, r.document_id, r.document_title, r.document_url, r.message, r.redirect_url, r.webhook_url,
			r.created_by, r.sequential, r.status, r.cancel_reason, r.version, r.created_at, r.updated_at, r.expires_at, r.completed_at
		FROM signature_requests r
		WHERE `+participantClause+`
			AND ($2 = '' OR r.document_title ILIKE '%' || $2 || '%' OR r.message ILIKE '%' || $2 || '%')
		ORDER BY r.created_at DESC, r.id ASC
		LIMIT $3
	`, userID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search requests: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) queryRequests(ctx context.Context, query string, args ...any) ([]SignatureRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]SignatureRequest, 0)
	ids := make([]string, 0)
	for rows.Next() {
		item, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signature request: %w", err)
		}
		items = append(items, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signature requests: %w", err)
	}
	if len(ids) == 0 {
		return items, nil
	}

	signers, err := s.listSigners(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range items {
		items[i].Signers = signers[items[i].ID]
	}
	return items, nil
}

func (s *PostgresStore) listSigners(ctx context.Context, requestIDs []string) (map[string][]Signer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, id, user_id, email, name, position, required, status,
			signature_type, signature_data, signed_at, ip_address, user_agent, decline_reason, declined_at
		FROM signers
		WHERE request_id = ANY($1)
		ORDER BY request_id, position ASC, id ASC
	`, requestIDs)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]Signer, len(requestIDs))
	for rows.Next() {
		var (
			requestID     string
			item          Signer
			status        string
			signatureType string
			signedAt      sql.NullTime
			declinedAt    sql.NullTime
		)
		if err := rows.Scan(&requestID, &item.ID, &item.UserID, &item.Email, &item.Name, &item.Order, &item.Required, &status,
			&signatureType, &item.SignatureData, &signedAt, &item.IPAddress, &item.UserAgent, &item.DeclineReason, &declinedAt); err != nil {
			return nil, fmt.Errorf("scan signer: %w", err)
		}
		item.Status = SignerStatus(status)
		item.SignatureType = SignatureType(signatureType)
		item.SignedAt = nullTimePtr(signedAt)
		item.DeclinedAt = nullTimePtr(declinedAt)
		out[requestID] = append(out[requestID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signers: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (SignatureRequest, error) {
	var (
		item        SignatureRequest
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(
		&item.ID,
		&item.Document.ID,
		&item.Document.Title,
		&item.Document.ContentURL,
		&item.Message,
		&item.RedirectURL,
		&item.WebhookURL,
		&item.CreatedBy,
		&item.Sequential,
		&status,
		&item.CancelReason,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.ExpiresAt,
		&completedAt,
	)
	if err != nil {
		return SignatureRequest{}, err
	}
	item.Status = RequestStatus(status)
	item.CompletedAt = nullTimePtr(completedAt)
	return item, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
