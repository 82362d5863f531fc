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

package vscu

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

const (
	resultCodeSuccess = "000"
	resultMsgSuccess  = "Successful"
)

type normalizer interface {
	Normalize()
}

// endpointFor is the full upstream URL a caller's records of kind go to.
func (s *Service) endpointFor(caller *model.CallerIdentity, kind model.DocumentKind) (string, error) {
	base := s.cfg.Upstream.BaseURL
	if s.cfg.Upstream.PreferDeviceURLs && caller.EnvironmentURL != "" {
		base = caller.EnvironmentURL
	}
	base = strings.TrimRight(base, "/")

	switch kind {
	case model.KindSale:
		return base + s.cfg.Upstream.SalesPath, nil
	case model.KindStockMaster:
		return base + s.cfg.Upstream.StockMasterPath, nil
	case model.KindItem:
		return base + s.cfg.Upstream.ItemsPath, nil
	}
	return "", fmt.Errorf("unsupported document kind %q", kind)
}

// decodeBatch parses and validates a request body. Any invalid document
// rejects the whole batch.
func decodeBatch(kind model.DocumentKind, body []byte) ([]model.Document, error) {
	docs, err := model.DecodeDocuments(kind, body)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Request body must be a JSON array of documents", err)
	}
	if len(docs) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Request body contains no documents", nil)
	}
	for i, doc := range docs {
		if n, ok := doc.(normalizer); ok {
			n.Normalize()
		}
		if err := doc.Validate(); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Document %d is invalid: %v", i, err), err)
		}
	}
	return docs, nil
}

// SubmitBatch durably stores a batch for the caller, numbering it in the
// caller's stream, and hands the records to the dispatcher. The result is
// returned as soon as the batch is committed.
func (s *Service) SubmitBatch(ctx context.Context, caller *model.CallerIdentity, kind model.DocumentKind, body []byte) (*model.BatchResult, error) {
	ctx, span := tracer.Start(ctx, "Submitting batch")
	defer span.End()
	span.SetAttributes(attribute.String("kind", string(kind)))

	docs, err := decodeBatch(kind, body)
	if err != nil {
		return nil, err
	}

	endpoint, err := s.endpointFor(caller, kind)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	records := make([]*model.SubmissionRecord, 0, len(docs))
	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to encode document", err)
		}
		record := model.NewSubmissionRecord(caller, kind, payload, endpoint)
		record.RetryBudget = s.cfg.Retry.MaxRetries
		records = append(records, record)
	}

	stored, err := s.datasource.InsertSubmissions(ctx, records)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(stored))
	for _, r := range stored {
		ids = append(ids, r.RecordID)
	}
	last := stored[len(stored)-1].SequenceNo
	span.SetAttributes(attribute.Int("records", len(stored)), attribute.Int64("last_sequence_no", last))

	logrus.WithFields(logrus.Fields{
		"device_id":   caller.DeviceID,
		"kind":        kind,
		"records":     len(stored),
		"sequence_no": last,
	}).Info("batch stored")

	if d := s.currentDispatcher(); d != nil {
		d.Dispatch(ctx, ids)
	}

	return &model.BatchResult{
		ResultCd:          resultCodeSuccess,
		ResultMsg:         resultMsgSuccess,
		InvoicesCreated:   len(stored),
		LastInvoiceNumber: last,
	}, nil
}

// GetSubmission returns one of the caller's records. Records of other
// tenants are reported as not found.
func (s *Service) GetSubmission(ctx context.Context, caller *model.CallerIdentity, recordID string) (*model.SubmissionRecord, error) {
	record, err := s.datasource.GetSubmission(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if record.TenantKey != caller.TenantKey {
		return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Submission with ID '%s' not found", recordID), model.ErrRecordNotFound)
	}
	return record, nil
}

// ListSubmissions lists the caller's records, newest first.
func (s *Service) ListSubmissions(ctx context.Context, caller *model.CallerIdentity, filter model.SubmissionFilter) ([]*model.SubmissionRecord, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown status %q", filter.Status), nil)
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, fmt.Sprintf("Unknown kind %q", filter.Kind), nil)
	}
	filter.TenantKey = caller.TenantKey
	return s.datasource.ListSubmissions(ctx, filter)
}

// RearmSubmission grants an exhausted record another max_retries attempts.
// Its retry count is kept; the record stays FAILED and is picked up by the
// next scheduler tick.
func (s *Service) RearmSubmission(ctx context.Context, recordID string) (*model.SubmissionRecord, error) {
	record, err := s.datasource.RearmSubmission(ctx, recordID, s.cfg.Retry.MaxRetries, s.now())
	if err != nil {
		return nil, err
	}
	logrus.WithField("record_id", recordID).Info("submission re-armed")
	return record, nil
}
