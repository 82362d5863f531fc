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

package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
)

// Status is the lifecycle state of a SubmissionRecord.
type Status string

const (
	StatusReceived    Status = "RECEIVED"
	StatusProcessing  Status = "PROCESSING"
	StatusTransmitted Status = "TRANSMITTED"
	StatusFailed      Status = "FAILED"
)

// DocumentKind identifies which upstream endpoint a record is delivered to.
type DocumentKind string

const (
	KindSale        DocumentKind = "SALE"
	KindStockMaster DocumentKind = "STOCK_MASTER"
	KindItem        DocumentKind = "ITEM"
)

// MaxRetries is the default cap on failed delivery attempts.
const MaxRetries = 5

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrClaimLost         = errors.New("submission was claimed or modified by another worker")
	ErrRecordNotFound    = errors.New("submission not found")
)

// transitions lists every allowed edge of the status lattice.
var transitions = map[Status][]Status{
	StatusReceived:   {StatusProcessing},
	StatusProcessing: {StatusTransmitted, StatusFailed},
	StatusFailed:     {StatusProcessing},
}

// CanTransition reports whether a record may move from one status to another.
// TRANSMITTED has no outgoing edges.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition wrapped with the offending edge.
func CheckTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Valid reports whether s is one of the four known states.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusProcessing, StatusTransmitted, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether k is a supported document kind.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindSale, KindStockMaster, KindItem:
		return true
	}
	return false
}

// SubmissionRecord is one document accepted from a client, with its delivery state.
type SubmissionRecord struct {
	ID               int64               `json:"-"`
	RecordID         string              `json:"record_id"`
	TenantKey        crypto.LookupSealed `json:"-"`
	Kind             DocumentKind        `json:"kind"`
	SequenceNo       int64               `json:"sequence_no"`
	Status           Status              `json:"status"`
	Payload          json.RawMessage     `json:"payload"`
	UpstreamResponse json.RawMessage     `json:"upstream_response,omitempty"`
	RetryCount       int                 `json:"retry_count"`
	RetryBudget      int                 `json:"retry_budget"`
	NextRetryAt      *time.Time          `json:"next_retry_at,omitempty"`
	LastError        string              `json:"last_error,omitempty"`
	LastAttemptAt    *time.Time          `json:"last_attempt_at,omitempty"`
	Tin              crypto.LookupSealed `json:"-"`
	BhfID            crypto.LookupSealed `json:"-"`
	Endpoint         string              `json:"-"`
	Version          int64               `json:"version"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Exhausted reports whether the record has used its whole retry budget.
func (r *SubmissionRecord) Exhausted() bool {
	return r.Status == StatusFailed && r.RetryCount >= r.RetryBudget
}

// FailuresInBudget counts the failures among retryCount that fall inside the
// latest grant of attempts.
func (r *SubmissionRecord) FailuresInBudget(retryCount, grant int) int {
	return retryCount - (r.RetryBudget - grant)
}

// Due reports whether the record may be attempted at now.
func (r *SubmissionRecord) Due(now time.Time) bool {
	return r.NextRetryAt == nil || !r.NextRetryAt.After(now)
}

// SubmissionFilter narrows a listing of a tenant's records.
type SubmissionFilter struct {
	TenantKey crypto.LookupSealed
	Status    Status
	Kind      DocumentKind
	Limit     int
	Offset    int
}

// BatchResult is returned to the client once a batch is durably stored.
type BatchResult struct {
	ResultCd          string `json:"resultCd"`
	ResultMsg         string `json:"resultMsg"`
	InvoicesCreated   int    `json:"invoices_created"`
	LastInvoiceNumber int64  `json:"last_invoice_number"`
}

// FailureUpdate carries the fields written when an attempt fails.
// Response is only set when the upstream actually returned a body.
type FailureUpdate struct {
	RetryCount  int
	NextRetryAt *time.Time
	LastError   string
	Response    json.RawMessage
	At          time.Time
}
