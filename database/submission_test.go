package database

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

var submissionColumnNames = []string{
	"id", "record_id", "tenant_key", "document_kind", "sequence_no", "status", "payload",
	"upstream_response", "retry_count", "retry_budget", "next_retry_at", "last_error", "last_attempt_at",
	"tin", "bhf_id", "endpoint", "version", "created_at", "updated_at",
}

func submissionRows(recs ...*model.SubmissionRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows(submissionColumnNames)
	for _, r := range recs {
		var response, nextRetryAt, lastError, lastAttemptAt driver.Value
		if len(r.UpstreamResponse) > 0 {
			response = []byte(r.UpstreamResponse)
		}
		if r.NextRetryAt != nil {
			nextRetryAt = *r.NextRetryAt
		}
		if r.LastError != "" {
			lastError = r.LastError
		}
		if r.LastAttemptAt != nil {
			lastAttemptAt = *r.LastAttemptAt
		}
		rows.AddRow(r.ID, r.RecordID, string(r.TenantKey), string(r.Kind), r.SequenceNo, string(r.Status), []byte(r.Payload),
			response, r.RetryCount, r.RetryBudget, nextRetryAt, lastError, lastAttemptAt,
			string(r.Tin), string(r.BhfID), r.Endpoint, r.Version, r.CreatedAt, r.UpdatedAt)
	}
	return rows
}

func sampleRecord(status model.Status, version int64) *model.SubmissionRecord {
	created := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return &model.SubmissionRecord{
		ID:          7,
		RecordID:    "sub_7",
		TenantKey:   "sealed-tenant",
		Kind:        model.KindSale,
		SequenceNo:  3,
		Status:      status,
		Payload:     json.RawMessage(`{"trdInvcNo":"INV-3"}`),
		RetryBudget: model.MaxRetries,
		Tin:         "sealed-tin",
		BhfID:       "sealed-bhf",
		Endpoint:    "https://upstream.test/trnsSales/saveSales",
		Version:     version,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
}

func batchRecords(n int) []*model.SubmissionRecord {
	caller := &model.CallerIdentity{TenantKey: "sealed-tenant", Tin: "sealed-tin", BhfID: "sealed-bhf"}
	recs := make([]*model.SubmissionRecord, n)
	for i := range recs {
		recs[i] = model.NewSubmissionRecord(caller, model.KindSale, []byte(`{"trdInvcNo":"X"}`), "https://upstream.test/trnsSales/saveSales")
	}
	return recs
}

func expectInsert(mock sqlmock.Sqlmock, seq int64) *sqlmock.ExpectedQuery {
	return mock.ExpectQuery("INSERT INTO vscu.submissions").
		WithArgs(sqlmock.AnyArg(), "sealed-tenant", "SALE", seq, "RECEIVED", sqlmock.AnyArg(), model.MaxRetries,
			"sealed-tin", "sealed-bhf", "https://upstream.test/trnsSales/saveSales", sqlmock.AnyArg())
}

func TestInsertSubmissions_NumbersBatchFromCurrentMax(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	records := batchRecords(3)

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("sealed-tenant|SALE").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(sequence_no\), 0\) \+ 1`).
		WithArgs("sealed-tenant", "SALE").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(4)))
	for i := int64(0); i < 3; i++ {
		expectInsert(mock, 4+i).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100 + i))
	}
	mock.ExpectCommit()

	stored, err := ds.InsertSubmissions(context.Background(), records)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, rec := range stored {
		assert.Equal(t, int64(4+i), rec.SequenceNo)
		assert.Equal(t, int64(100+i), rec.ID)
		assert.Equal(t, model.StatusReceived, rec.Status)
		assert.Equal(t, model.MaxRetries, rec.RetryBudget)
		assert.False(t, rec.CreatedAt.IsZero())
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSubmissions_RollsBackWholeBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(1)))
	expectInsert(mock, 1).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
	expectInsert(mock, 2).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = ds.InsertSubmissions(context.Background(), batchRecords(3))
	require.Error(t, err)
	assert.True(t, apierror.IsCode(err, apierror.ErrInternalServer))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSubmissions_SequenceCollision(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COALESCE").WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(1)))
	expectInsert(mock, 1).WillReturnError(&pq.Error{Code: "23505", Message: "unique_violation"})
	mock.ExpectRollback()

	_, err = ds.InsertSubmissions(context.Background(), batchRecords(1))
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertSubmissions_RejectsMixedBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	records := batchRecords(2)
	records[1].Kind = model.KindItem

	_, err = ds.InsertSubmissions(context.Background(), records)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))

	_, err = ds.InsertSubmissions(context.Background(), nil)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNextSequence_EmptyStreamStartsAtOne(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("sealed-tenant", "ITEM").
		WillReturnRows(sqlmock.NewRows([]string{"next"}).AddRow(int64(1)))

	next, err := ds.NextSequence(context.Background(), db, crypto.LookupSealed("sealed-tenant"), model.KindItem)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubmission(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	rec := sampleRecord(model.StatusTransmitted, 2)
	rec.UpstreamResponse = json.RawMessage(`{"resultCd":"000"}`)

	mock.ExpectQuery("SELECT (.+) FROM vscu.submissions WHERE record_id = ").
		WithArgs("sub_7").
		WillReturnRows(submissionRows(rec))

	got, err := ds.GetSubmission(context.Background(), "sub_7")
	require.NoError(t, err)
	assert.Equal(t, rec.RecordID, got.RecordID)
	assert.Equal(t, rec.TenantKey, got.TenantKey)
	assert.Equal(t, model.StatusTransmitted, got.Status)
	assert.JSONEq(t, `{"resultCd":"000"}`, string(got.UpstreamResponse))
	assert.Nil(t, got.NextRetryAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSubmission_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery("SELECT (.+) FROM vscu.submissions").
		WithArgs("sub_missing").
		WillReturnRows(sqlmock.NewRows(submissionColumnNames))

	_, err = ds.GetSubmission(context.Background(), "sub_missing")
	assert.True(t, errors.Is(err, model.ErrRecordNotFound))
	assert.True(t, apierror.IsCode(err, apierror.ErrNotFound))
}

func TestListSubmissions_WithFilters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	mock.ExpectQuery(`SELECT (.+) FROM vscu.submissions WHERE tenant_key = \$1 AND status = \$2 AND document_kind = \$3 ORDER BY (.+) LIMIT \$4 OFFSET \$5`).
		WithArgs("sealed-tenant", "FAILED", "SALE", maxListLimit, 10).
		WillReturnRows(submissionRows(sampleRecord(model.StatusFailed, 3)))

	recs, err := ds.ListSubmissions(context.Background(), model.SubmissionFilter{
		TenantKey: "sealed-tenant",
		Status:    model.StatusFailed,
		Kind:      model.KindSale,
		Limit:     1000,
		Offset:    10,
	})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSubmission(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	claimed := sampleRecord(model.StatusProcessing, 1)
	claimed.LastAttemptAt = &now

	mock.ExpectQuery("UPDATE vscu.submissions SET status = ").
		WithArgs("sub_7", "RECEIVED", int64(0), "PROCESSING", now).
		WillReturnRows(submissionRows(claimed))

	got, err := ds.ClaimSubmission(context.Background(), "sub_7", model.StatusReceived, 0, now)
	require.NoError(t, err)
	assert.Equal(t, model.StatusProcessing, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSubmission_Lost(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	mock.ExpectQuery("UPDATE vscu.submissions").
		WithArgs("sub_7", "FAILED", int64(4), "PROCESSING", now).
		WillReturnRows(sqlmock.NewRows(submissionColumnNames))

	_, err = ds.ClaimSubmission(context.Background(), "sub_7", model.StatusFailed, 4, now)
	assert.True(t, errors.Is(err, model.ErrClaimLost))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimSubmission_TerminalStatusNeverClaimed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	_, err = ds.ClaimSubmission(context.Background(), "sub_7", model.StatusTransmitted, 2, time.Now())
	assert.True(t, errors.Is(err, model.ErrInvalidTransition))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkTransmitted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	body := json.RawMessage(`{"resultCd":"000","resultMsg":"It is succeeded"}`)

	mock.ExpectExec("UPDATE vscu.submissions").
		WithArgs("sub_7", int64(1), "TRANSMITTED", []byte(body), now, "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, ds.MarkTransmitted(context.Background(), "sub_7", 1, body, now))

	mock.ExpectExec("UPDATE vscu.submissions").
		WithArgs("sub_7", int64(1), "TRANSMITTED", []byte(body), now, "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = ds.MarkTransmitted(context.Background(), "sub_7", 1, body, now)
	assert.True(t, errors.Is(err, model.ErrClaimLost))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	next := now.Add(2 * time.Minute)

	mock.ExpectExec("UPDATE vscu.submissions").
		WithArgs("sub_7", int64(1), "FAILED", 1, next, "upstream returned 500", nil, now, "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.MarkFailed(context.Background(), "sub_7", 1, model.FailureUpdate{
		RetryCount:  1,
		NextRetryAt: &next,
		LastError:   "upstream returned 500",
		At:          now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_StoresRejectionBody(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	body := json.RawMessage(`{"resultCd":"910","resultMsg":"Request parameter error"}`)

	mock.ExpectExec("UPDATE vscu.submissions").
		WithArgs("sub_7", int64(3), "FAILED", 5, nil, "rejected", []byte(body), now, "PROCESSING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = ds.MarkFailed(context.Background(), "sub_7", 3, model.FailureUpdate{RetryCount: 5, LastError: "rejected", Response: body, At: now})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRetryCandidates(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	stale := now.Add(-10 * time.Minute)

	failed := sampleRecord(model.StatusFailed, 2)
	failed.RetryCount = 1
	past := now.Add(-time.Second)
	failed.NextRetryAt = &past
	failed.LastError = "timeout"

	mock.ExpectQuery("SELECT (.+) FROM vscu.submissions WHERE retry_count < retry_budget").
		WithArgs(now, stale, 500).
		WillReturnRows(submissionRows(failed))

	recs, err := ds.GetRetryCandidates(context.Background(), now, stale, 500)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].RetryCount)
	assert.Equal(t, "timeout", recs[0].LastError)
	require.NotNil(t, recs[0].NextRetryAt)
	assert.True(t, recs[0].NextRetryAt.Equal(past))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRearmSubmission(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()
	rearmed := sampleRecord(model.StatusFailed, 6)
	rearmed.RetryCount = 5
	rearmed.RetryBudget = 10

	mock.ExpectQuery(`UPDATE vscu.submissions SET retry_budget = retry_count \+ \$2, next_retry_at = NULL`).
		WithArgs("sub_7", 5, now).
		WillReturnRows(submissionRows(rearmed))

	got, err := ds.RearmSubmission(context.Background(), "sub_7", 5, now)
	require.NoError(t, err)
	assert.Equal(t, 5, got.RetryCount)
	assert.Equal(t, 10, got.RetryBudget)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRearmSubmission_NotExhausted(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ds := Datasource{Conn: db}
	now := time.Now().UTC()

	mock.ExpectQuery("UPDATE vscu.submissions SET retry_budget").
		WithArgs("sub_7", 5, now).
		WillReturnRows(sqlmock.NewRows(submissionColumnNames))
	mock.ExpectQuery("SELECT (.+) FROM vscu.submissions WHERE record_id = ").
		WithArgs("sub_7").
		WillReturnRows(submissionRows(sampleRecord(model.StatusTransmitted, 2)))

	_, err = ds.RearmSubmission(context.Background(), "sub_7", 5, now)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}
