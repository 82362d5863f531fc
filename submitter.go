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
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

// maxBackoffShift keeps base<<n from overflowing when max_retries is large.
const maxBackoffShift = 20

// NextRetryDelay is the wait after the n-th consecutive failure: base·2^n.
func NextRetryDelay(base time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	if failures > maxBackoffShift {
		failures = maxBackoffShift
	}
	return base << uint(failures)
}

// ProcessSubmission performs the first delivery attempt of a committed
// record. Records that are no longer RECEIVED are left to the scheduler.
func (s *Service) ProcessSubmission(ctx context.Context, recordID string) error {
	record, err := s.datasource.GetSubmission(ctx, recordID)
	if err != nil {
		return err
	}
	if record.Status != model.StatusReceived {
		logrus.WithFields(logrus.Fields{"record_id": recordID, "status": record.Status}).Debug("skipping record that is no longer received")
		return nil
	}
	return s.attempt(ctx, record)
}

// attempt claims record from its current status and version, delivers it
// once and persists the outcome. Losing the claim is not an error.
func (s *Service) attempt(ctx context.Context, record *model.SubmissionRecord) error {
	claimed, err := s.datasource.ClaimSubmission(ctx, record.RecordID, record.Status, record.Version, s.now())
	if err != nil {
		if errors.Is(err, model.ErrClaimLost) {
			logrus.WithField("record_id", record.RecordID).Debug("claim lost to another worker")
			return nil
		}
		return err
	}

	outcome := s.delivery.Deliver(ctx, claimed)
	return s.resolve(ctx, claimed, outcome)
}

// resolve writes the terminal state of one claimed attempt.
func (s *Service) resolve(ctx context.Context, claimed *model.SubmissionRecord, outcome Outcome) error {
	now := s.now()
	fields := logrus.Fields{
		"record_id":   claimed.RecordID,
		"kind":        claimed.Kind,
		"sequence_no": claimed.SequenceNo,
		"status_code": outcome.StatusCode,
		"outcome":     outcome.Kind.String(),
	}

	if outcome.Kind == OutcomeSuccess {
		if err := s.datasource.MarkTransmitted(ctx, claimed.RecordID, claimed.Version, outcome.Body, now); err != nil {
			return s.resolveErr(claimed, err)
		}
		logrus.WithFields(fields).Info("submission transmitted")
		claimed.Status = model.StatusTransmitted
		claimed.UpstreamResponse = outcome.Body
		claimed.NextRetryAt = nil
		claimed.UpdatedAt = now
		s.notifyLifecycle(EventSubmissionTransmitted, claimed)
		return nil
	}

	retryCount := claimed.RetryCount + 1
	var nextRetryAt *time.Time
	if retryCount < claimed.RetryBudget {
		failures := claimed.FailuresInBudget(retryCount, s.cfg.Retry.MaxRetries)
		next := now.Add(NextRetryDelay(s.cfg.BackoffBase(), failures))
		nextRetryAt = &next
	}

	lastError := "delivery failed"
	if outcome.Err != nil {
		lastError = outcome.Err.Error()
	}
	if outcome.IsDecryptionFailure() {
		lastError = "decryption failed: " + lastError
	}

	update := model.FailureUpdate{
		RetryCount:  retryCount,
		NextRetryAt: nextRetryAt,
		LastError:   lastError,
		Response:    outcome.Body,
		At:          now,
	}
	if err := s.datasource.MarkFailed(ctx, claimed.RecordID, claimed.Version, update); err != nil {
		return s.resolveErr(claimed, err)
	}

	claimed.Status = model.StatusFailed
	claimed.RetryCount = retryCount
	claimed.NextRetryAt = nextRetryAt
	claimed.LastError = lastError
	if outcome.Body != nil {
		claimed.UpstreamResponse = outcome.Body
	}
	claimed.UpdatedAt = now

	fields["retry_count"] = retryCount
	if nextRetryAt == nil {
		logrus.WithFields(fields).Error("submission exhausted its retries")
		s.notifyExhausted(claimed)
		return nil
	}
	fields["next_retry_at"] = nextRetryAt.Format(time.RFC3339)
	logrus.WithFields(fields).Warn("submission failed, will retry")
	s.notifyLifecycle(EventSubmissionFailed, claimed)
	return nil
}

func (s *Service) resolveErr(claimed *model.SubmissionRecord, err error) error {
	if errors.Is(err, model.ErrClaimLost) {
		logrus.WithField("record_id", claimed.RecordID).Warn("claim expired before the attempt was resolved")
		return nil
	}
	return err
}

type deliveryJob struct {
	ctx      context.Context
	recordID string
}

// InlineSubmitter runs first delivery attempts on a bounded pool of
// goroutines inside the API process.
type InlineSubmitter struct {
	svc     *Service
	workers int
	jobs    chan deliveryJob
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	closed  bool
}

func NewInlineSubmitter(svc *Service, workers, queueSize int) *InlineSubmitter {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	return &InlineSubmitter{
		svc:     svc,
		workers: workers,
		jobs:    make(chan deliveryJob, queueSize),
	}
}

func (p *InlineSubmitter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.closed {
		return
	}
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				if err := p.svc.ProcessSubmission(job.ctx, job.recordID); err != nil {
					logrus.WithField("record_id", job.recordID).WithError(err).Error("inline delivery failed")
				}
			}
		}()
	}
	logrus.Infof("Inline submitter started with %d workers", p.workers)
}

// Stop refuses new work, finishes what is queued and waits for the workers.
func (p *InlineSubmitter) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Inline submitter stopped")
}

// Dispatch queues records for delivery without blocking. When the pool is
// saturated or stopped the record is left for the retry scheduler.
func (p *InlineSubmitter) Dispatch(ctx context.Context, recordIDs []string) {
	// detach from the request so a finished response does not cancel delivery
	jobCtx := context.WithoutCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range recordIDs {
		if p.closed {
			logrus.WithField("record_id", id).Warn("inline submitter stopped, leaving record for the scheduler")
			continue
		}
		select {
		case p.jobs <- deliveryJob{ctx: jobCtx, recordID: id}:
		default:
			logrus.WithField("record_id", id).Warn("inline submitter saturated, leaving record for the scheduler")
		}
	}
}
