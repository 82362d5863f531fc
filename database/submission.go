/*
Copyright 2026 The kra-vscu-microservice Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

var tracer = otel.Tracer("vscu.database")

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const submissionColumns = `id, record_id, tenant_key, document_kind, sequence_no, status, payload,
	upstream_response, retry_count, retry_budget, next_retry_at, last_error, last_attempt_at,
	tin, bhf_id, endpoint, version, created_at, updated_at`

func scanSubmission(row rowScanner) (*model.SubmissionRecord, error) {
	var (
		rec           model.SubmissionRecord
		payload       []byte
		response      []byte
		nextRetryAt   sql.NullTime
		lastError     sql.NullString
		lastAttemptAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID, &rec.RecordID, &rec.TenantKey, &rec.Kind, &rec.SequenceNo, &rec.Status, &payload,
		&response, &rec.RetryCount, &rec.RetryBudget, &nextRetryAt, &lastError, &lastAttemptAt,
		&rec.Tin, &rec.BhfID, &rec.Endpoint, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Payload = payload
	if len(response) > 0 {
		rec.UpstreamResponse = response
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		rec.NextRetryAt = &t
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		rec.LastAttemptAt = &t
	}
	rec.LastError = lastError.String
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// sequenceLockKey identifies the advisory lock guarding one numbering stream.
func sequenceLockKey(tenant crypto.LookupSealed, kind model.DocumentKind) string {
	return string(tenant) + "|" + string(kind)
}

// InsertSubmissions numbers and stores a batch in one transaction. All records
// must share the same tenant and document kind. Concurrent batches for the
// same stream are serialized on a transaction-scoped advisory lock, so each
// batch sees the previous batch's numbers and allocates a contiguous range
// directly after them. If any insert fails the whole batch is rolled back.
func (d Datasource) InsertSubmissions(ctx context.Context, records []*model.SubmissionRecord) ([]*model.SubmissionRecord, error) {
	ctx, span := tracer.Start(ctx, "InsertSubmissions")
	defer span.End()

	if len(records) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Batch contains no documents", nil)
	}
	tenant, kind := records[0].TenantKey, records[0].Kind
	for _, r := range records[1:] {
		if r.TenantKey != tenant || r.Kind != kind {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Batch mixes tenants or document kinds", nil)
		}
	}
	span.SetAttributes(attribute.String("document_kind", string(kind)), attribute.Int("batch_size", len(records)))

	tx, err := d.Conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to begin transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sequenceLockKey(tenant, kind)); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to lock sequence", err)
	}

	next, err := d.NextSequence(ctx, tx, tenant, kind)
	if err != nil {
		return nil, err
	}

	for i, rec := range records {
		rec.SequenceNo = next + int64(i)
		rec.Status = model.StatusReceived
		rec.Version = 0
		if rec.RetryBudget < 1 {
			rec.RetryBudget = model.MaxRetries
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		rec.UpdatedAt = rec.CreatedAt

		err = tx.QueryRowContext(ctx, `
			INSERT INTO vscu.submissions (record_id, tenant_key, document_kind, sequence_no, status, payload,
				retry_count, retry_budget, tin, bhf_id, endpoint, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9, $10, 0, $11, $11)
			RETURNING id
		`, rec.RecordID, rec.TenantKey, rec.Kind, rec.SequenceNo, rec.Status, []byte(rec.Payload),
			rec.RetryBudget, rec.Tin, rec.BhfID, rec.Endpoint, rec.CreatedAt).Scan(&rec.ID)
		if err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
				return nil, apierror.NewAPIError(apierror.ErrConflict, "Sequence number already allocated", err)
			}
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to store submission", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to commit transaction", err)
	}

	span.SetAttributes(attribute.Int64("first_sequence_no", next))
	return records, nil
}

// NextSequence returns max(sequence_no)+1 for the stream, or 1 when it is empty.
// It must run under the stream's advisory lock to be safe.
func (d Datasource) NextSequence(ctx context.Context, q Querier, tenant crypto.LookupSealed, kind model.DocumentKind) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence_no), 0) + 1
		FROM vscu.submissions
		WHERE tenant_key = $1 AND document_kind = $2
	`, tenant, kind).Scan(&next)
	if err != nil {
		return 0, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to read sequence", err)
	}
	return next, nil
}

func (d Datasource) GetSubmission(ctx context.Context, recordID string) (*model.SubmissionRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM vscu.submissions
		WHERE record_id = $1
	`, recordID)
	rec, err := scanSubmission(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", recordID), model.ErrRecordNotFound)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve submission", err)
	}
	return rec, nil
}

// ListSubmissions returns a tenant's records, newest first.
func (d Datasource) ListSubmissions(ctx context.Context, filter model.SubmissionFilter) ([]*model.SubmissionRecord, error) {
	conditions := []string{"tenant_key = $1"}
	args := []interface{}{filter.TenantKey}

	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Kind != "" {
		args = append(args, filter.Kind)
		conditions = append(conditions, fmt.Sprintf("document_kind = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	query := `SELECT ` + submissionColumns + ` FROM vscu.submissions WHERE ` +
		strings.Join(conditions, " AND ") +
		fmt.Sprintf(` ORDER BY created_at DESC, sequence_no DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := d.Conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list submissions", err)
	}
	defer rows.Close()

	records := []*model.SubmissionRecord{}
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan submission", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to list submissions", err)
	}
	return records, nil
}

// ClaimSubmission moves a record to PROCESSING, conditional on it still being
// in the expected status at the expected version. Losing the race yields
// model.ErrClaimLost; the caller must then leave the record alone.
func (d Datasource) ClaimSubmission(ctx context.Context, recordID string, expected model.Status, expectedVersion int64, now time.Time) (*model.SubmissionRecord, error) {
	if err := model.CheckTransition(expected, model.StatusProcessing); err != nil {
		return nil, err
	}

	row := d.Conn.QueryRowContext(ctx, `
		UPDATE vscu.submissions
		SET status = $4, version = version + 1, last_attempt_at = $5, updated_at = $5
		WHERE record_id = $1 AND status = $2 AND version = $3
		RETURNING `+submissionColumns,
		recordID, expected, expectedVersion, model.StatusProcessing, now)
	rec, err := scanSubmission(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.Wrapf(model.ErrClaimLost, "claim %s at version %d", recordID, expectedVersion)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to claim submission", err)
	}
	return rec, nil
}

// MarkTransmitted writes the upstream body and the terminal status together
// and clears any pending retry. It only applies to the caller's own claim.
func (d Datasource) MarkTransmitted(ctx context.Context, recordID string, claimVersion int64, response json.RawMessage, now time.Time) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE vscu.submissions
		SET status = $3, upstream_response = $4, next_retry_at = NULL, last_error = NULL,
			version = version + 1, updated_at = $5
		WHERE record_id = $1 AND status = $6 AND version = $2
	`, recordID, claimVersion, model.StatusTransmitted, nullableJSON(response), now, model.StatusProcessing)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark submission transmitted", err)
	}
	return claimResult(result, recordID, claimVersion)
}

// MarkFailed records a failed attempt. The retry count never decreases.
func (d Datasource) MarkFailed(ctx context.Context, recordID string, claimVersion int64, update model.FailureUpdate) error {
	var nextRetryAt interface{}
	if update.NextRetryAt != nil {
		nextRetryAt = *update.NextRetryAt
	}
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE vscu.submissions
		SET status = $3, retry_count = $4, next_retry_at = $5, last_error = $6,
			upstream_response = COALESCE($7::jsonb, upstream_response),
			version = version + 1, updated_at = $8
		WHERE record_id = $1 AND status = $9 AND version = $2 AND retry_count <= $4
	`, recordID, claimVersion, model.StatusFailed, update.RetryCount, nextRetryAt, update.LastError,
		nullableJSON(update.Response), update.At, model.StatusProcessing)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to mark submission failed", err)
	}
	return claimResult(result, recordID, claimVersion)
}

func claimResult(result sql.Result, recordID string, claimVersion int64) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to get rows affected", err)
	}
	if rowsAffected == 0 {
		return errors.Wrapf(model.ErrClaimLost, "resolve %s at version %d", recordID, claimVersion)
	}
	return nil
}

// GetRetryCandidates returns records the scheduler should attempt at now:
// FAILED records whose backoff has elapsed, and RECEIVED or PROCESSING records
// that have not been touched since staleBefore. Records that have used their
// own retry budget are excluded. Results come back in sequence order within
// each stream.
func (d Datasource) GetRetryCandidates(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]*model.SubmissionRecord, error) {
	ctx, span := tracer.Start(ctx, "GetRetryCandidates", trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM vscu.submissions
		WHERE retry_count < retry_budget
		  AND (
			(status = 'FAILED' AND (next_retry_at IS NULL OR next_retry_at <= $1))
			OR (status IN ('RECEIVED', 'PROCESSING') AND updated_at < $2)
		  )
		ORDER BY tenant_key, document_kind, sequence_no
		LIMIT $3
	`, now, staleBefore, limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch retry candidates", err)
	}
	defer rows.Close()

	records := []*model.SubmissionRecord{}
	for rows.Next() {
		rec, err := scanSubmission(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan submission", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to fetch retry candidates", err)
	}
	span.SetAttributes(attribute.Int("candidates", len(records)))
	return records, nil
}

// RearmSubmission grants an exhausted record grant more attempts by raising
// its retry budget. retry_count is left as it is and the record stays FAILED;
// the budget increase fires the re-arm notification.
func (d Datasource) RearmSubmission(ctx context.Context, recordID string, grant int, now time.Time) (*model.SubmissionRecord, error) {
	row := d.Conn.QueryRowContext(ctx, `
		UPDATE vscu.submissions
		SET retry_budget = retry_count + $2, next_retry_at = NULL, version = version + 1, updated_at = $3
		WHERE record_id = $1 AND status = 'FAILED' AND retry_count >= retry_budget
		RETURNING `+submissionColumns,
		recordID, grant, now)
	rec, err := scanSubmission(row)
	if err == nil {
		return rec, nil
	}
	if err != sql.ErrNoRows {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to re-arm submission", err)
	}

	if _, getErr := d.GetSubmission(ctx, recordID); getErr != nil {
		return nil, getErr
	}
	return nil, apierror.NewAPIError(apierror.ErrConflict, fmt.Sprintf("Submission with ID '%s' has not exhausted its retries", recordID), nil)
}
