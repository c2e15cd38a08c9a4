package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/learningtapestry/ssdn-sub000/internal/federation/storage"
	apperrors "github.com/learningtapestry/ssdn-sub000/internal/platform/errors"
)

const requestColumns = `id, consumer_endpoint, provider_endpoint, namespace, formats,
organization, contact, email, verification_code, acceptance_token, status,
account_id, instance_id, created_at`

func requestNotFound(id string) error {
	return apperrors.WithMetadata(apperrors.CodeRequestNotFound,
		"connection request not found", map[string]string{"id": id})
}

// Get returns the outgoing request with the given id.
func (s *RequestStore) Get(ctx context.Context, id string) (storage.ConnectionRequest, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConnectionRequest{}, err
	}
	if err := s.store.ready(); err != nil {
		return storage.ConnectionRequest{}, err
	}
	row := s.store.sqlDB.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM connection_requests WHERE id = ?`, id)
	req, err := scanRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ConnectionRequest{}, requestNotFound(id)
	}
	if err != nil {
		return storage.ConnectionRequest{}, fmt.Errorf("get connection request %s: %w", id, err)
	}
	return req, nil
}

// GetIncoming returns the incoming mirror keyed by consumer endpoint and
// request id.
func (s *RequestStore) GetIncoming(ctx context.Context, consumerEndpoint, id string) (storage.ConnectionRequest, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConnectionRequest{}, err
	}
	if err := s.store.ready(); err != nil {
		return storage.ConnectionRequest{}, err
	}
	row := s.store.sqlDB.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM incoming_connection_requests
		 WHERE consumer_endpoint = ? AND id = ?`, consumerEndpoint, id)
	req, err := scanRequest(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ConnectionRequest{}, requestNotFound(id)
	}
	if err != nil {
		return storage.ConnectionRequest{}, fmt.Errorf("get incoming request %s: %w", id, err)
	}
	return req, nil
}

// Put stores an outgoing request.
func (s *RequestStore) Put(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	return s.putRequest(ctx, "connection_requests", req)
}

// PutIncoming stores an incoming request mirror.
func (s *RequestStore) PutIncoming(ctx context.Context, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	return s.putRequest(ctx, "incoming_connection_requests", req)
}

func (s *RequestStore) putRequest(ctx context.Context, table string, req storage.ConnectionRequest) (storage.ConnectionRequest, error) {
	if err := ctx.Err(); err != nil {
		return storage.ConnectionRequest{}, err
	}
	if err := s.store.ready(); err != nil {
		return storage.ConnectionRequest{}, err
	}
	if strings.TrimSpace(req.ID) == "" {
		return storage.ConnectionRequest{}, fmt.Errorf("request id is required")
	}
	formats, err := marshalJSON(req.Formats)
	if err != nil {
		return storage.ConnectionRequest{}, err
	}
	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.store.clock()
	}
	_, err = s.store.sqlDB.ExecContext(ctx,
		`INSERT OR REPLACE INTO `+table+` (
		   id, consumer_endpoint, provider_endpoint, namespace, formats,
		   organization, contact, email, verification_code, acceptance_token,
		   status, account_id, instance_id, created_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.ConsumerEndpoint, req.ProviderEndpoint, req.Namespace, formats,
		req.Organization, req.Contact, req.Email, req.VerificationCode, req.AcceptanceToken,
		string(req.Status), req.AccountID, req.InstanceID, toMillis(createdAt))
	if err != nil {
		return storage.ConnectionRequest{}, fmt.Errorf("put connection request %s: %w", req.ID, err)
	}
	req.CreatedAt = fromMillis(toMillis(createdAt))
	return req, nil
}

// UpdateStatus advances the status of an outgoing request.
func (s *RequestStore) UpdateStatus(ctx context.Context, id string, status storage.RequestStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.ready(); err != nil {
		return err
	}
	result, err := s.store.sqlDB.ExecContext(ctx,
		`UPDATE connection_requests SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("update request %s status: %w", id, err)
	}
	return requireRowChange(result, id)
}

// UpdateIncomingStatus advances the status of an incoming mirror.
func (s *RequestStore) UpdateIncomingStatus(ctx context.Context, consumerEndpoint, id string, status storage.RequestStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.store.ready(); err != nil {
		return err
	}
	result, err := s.store.sqlDB.ExecContext(ctx,
		`UPDATE incoming_connection_requests SET status = ?
		 WHERE consumer_endpoint = ? AND id = ?`,
		string(status), consumerEndpoint, id)
	if err != nil {
		return fmt.Errorf("update incoming request %s status: %w", id, err)
	}
	return requireRowChange(result, id)
}

func requireRowChange(result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return requestNotFound(id)
	}
	return nil
}

func scanRequest(scan func(dest ...any) error) (storage.ConnectionRequest, error) {
	var req storage.ConnectionRequest
	var formats, status string
	var createdAt int64
	err := scan(&req.ID, &req.ConsumerEndpoint, &req.ProviderEndpoint, &req.Namespace, &formats,
		&req.Organization, &req.Contact, &req.Email, &req.VerificationCode, &req.AcceptanceToken,
		&status, &req.AccountID, &req.InstanceID, &createdAt)
	if err != nil {
		return storage.ConnectionRequest{}, err
	}
	if err := unmarshalJSON(formats, &req.Formats); err != nil {
		return storage.ConnectionRequest{}, err
	}
	req.Status = storage.RequestStatus(status)
	req.CreatedAt = fromMillis(createdAt)
	return req, nil
}
