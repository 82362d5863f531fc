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
	"net/http"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/request"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

// OutcomeKind classifies a single delivery attempt.
type OutcomeKind int

const (
	// OutcomeSuccess is a 2xx with a parseable body and an accepted result code.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeRejected is a non-2xx, an unparseable 2xx body, or a refused result code.
	OutcomeRejected
	// OutcomeTransportError means no response was received.
	OutcomeTransportError
	// OutcomeLocalError means the request was never sent: the tenant fields
	// could not be opened or the stored payload could not be decoded.
	OutcomeLocalError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRejected:
		return "rejected"
	case OutcomeTransportError:
		return "transport_error"
	case OutcomeLocalError:
		return "local_error"
	}
	return "unknown"
}

// Outcome is the result of one delivery attempt. Body is only set when the
// upstream returned a JSON body.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Body       json.RawMessage
	Err        error
}

type upstreamResult struct {
	ResultCd  *string `json:"resultCd"`
	ResultMsg string  `json:"resultMsg"`
}

// DeliveryClient performs exactly one POST of a record to the authority.
// It never retries.
type DeliveryClient struct {
	client       *http.Client
	codec        *crypto.Codec
	timeout      time.Duration
	successCodes map[string]struct{}
}

// NewDeliveryClient builds a client. httpClient may be nil.
func NewDeliveryClient(codec *crypto.Codec, timeout time.Duration, successCodes []string, httpClient *http.Client) *DeliveryClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	accepted := make(map[string]struct{}, len(successCodes))
	for _, c := range successCodes {
		accepted[c] = struct{}{}
	}
	return &DeliveryClient{client: httpClient, codec: codec, timeout: timeout, successCodes: accepted}
}

// buildBody opens the tenant fields and maps the stored payload to the
// authority's body.
func (d *DeliveryClient) buildBody(record *model.SubmissionRecord) (interface{}, error) {
	tin, err := d.codec.OpenLookup(record.Tin)
	if err != nil {
		return nil, errors.Wrap(err, "open tin")
	}
	bhfID, err := d.codec.OpenLookup(record.BhfID)
	if err != nil {
		return nil, errors.Wrap(err, "open bhf_id")
	}

	doc, err := model.DecodeDocument(record.Kind, record.Payload)
	if err != nil {
		return nil, errors.Wrap(err, "decode stored payload")
	}
	return doc.ToUpstream(tin, bhfID, record.SequenceNo), nil
}

// Deliver sends record to its endpoint and classifies the answer.
func (d *DeliveryClient) Deliver(ctx context.Context, record *model.SubmissionRecord) Outcome {
	ctx, span := tracer.Start(ctx, "Delivering submission upstream")
	defer span.End()
	span.SetAttributes(
		attribute.String("record.id", record.RecordID),
		attribute.String("record.kind", string(record.Kind)),
		attribute.Int64("record.sequence_no", record.SequenceNo),
	)

	outcome := d.deliver(ctx, record)
	span.SetAttributes(attribute.String("outcome", outcome.Kind.String()), attribute.Int("http.status_code", outcome.StatusCode))
	if outcome.Err != nil {
		span.SetStatus(codes.Error, outcome.Err.Error())
	}
	return outcome
}

func (d *DeliveryClient) deliver(ctx context.Context, record *model.SubmissionRecord) Outcome {
	body, err := d.buildBody(record)
	if err != nil {
		return Outcome{Kind: OutcomeLocalError, Err: err}
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	status, raw, err := request.PostJSON(ctx, d.client, record.Endpoint, nil, body)
	if status == 0 {
		if err == nil {
			err = errors.New("no response from upstream")
		}
		return Outcome{Kind: OutcomeTransportError, Err: errors.Wrap(err, "upstream request")}
	}

	var stored json.RawMessage
	if len(raw) > 0 && json.Valid(raw) {
		stored = json.RawMessage(raw)
	}

	if err != nil {
		return Outcome{Kind: OutcomeRejected, StatusCode: status, Body: stored, Err: err}
	}

	var result upstreamResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return Outcome{Kind: OutcomeRejected, StatusCode: status, Err: errors.Wrap(err, "unparseable upstream response")}
	}

	if result.ResultCd != nil {
		if _, ok := d.successCodes[*result.ResultCd]; !ok {
			return Outcome{
				Kind:       OutcomeRejected,
				StatusCode: status,
				Body:       stored,
				Err:        fmt.Errorf("upstream rejected submission: resultCd %s %s", *result.ResultCd, result.ResultMsg),
			}
		}
	}

	return Outcome{Kind: OutcomeSuccess, StatusCode: status, Body: stored}
}

// IsDecryptionFailure reports whether the outcome failed because a sealed
// tenant field could not be opened.
func (o Outcome) IsDecryptionFailure() bool {
	return o.Kind == OutcomeLocalError && errors.Is(o.Err, crypto.ErrDecryption)
}
