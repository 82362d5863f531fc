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
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	redlock "github.com/Solvitwithus/kra-vscu-microservice/internal/lock"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

const schedulerLockKey = "vscu:retry-scheduler"

// RearmChannel is the PostgreSQL NOTIFY channel a re-armed record is announced on.
const RearmChannel = "vscu_retry"

// RetryScheduler re-drives records that failed or whose claim went stale.
// Records of one stream are retried in sequence order; streams run in
// parallel up to maxWorkers.
type RetryScheduler struct {
	svc          *Service
	batchSize    int
	maxWorkers   int
	pollInterval time.Duration
	claimTimeout time.Duration
	locker       *redlock.Locker
	wake         chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup
	running      bool
	mu           sync.Mutex
}

func NewRetryScheduler(svc *Service) *RetryScheduler {
	cfg := svc.cfg
	p := &RetryScheduler{
		svc:          svc,
		batchSize:    cfg.Retry.BatchSize,
		maxWorkers:   cfg.Retry.MaxWorkers,
		pollInterval: cfg.RetryInterval(),
		claimTimeout: cfg.ClaimTimeout(),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}
	if p.maxWorkers < 1 {
		p.maxWorkers = 1
	}
	if svc.redis != nil {
		p.locker = redlock.NewLocker(svc.redis, schedulerLockKey, uuid.NewString())
	}
	return p
}

func (p *RetryScheduler) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(ctx)
	}()

	logrus.Infof("Retry scheduler started (interval=%v, max_retries=%d)", p.pollInterval, p.svc.cfg.Retry.MaxRetries)
}

func (p *RetryScheduler) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
	logrus.Info("Retry scheduler stopped")
}

// Trigger asks for a scan ahead of the next tick. Triggers arriving while one
// is pending are coalesced.
func (p *RetryScheduler) Trigger() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *RetryScheduler) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *RetryScheduler) run(ctx context.Context) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Retry scheduler context cancelled")
			return
		case <-p.stopCh:
			logrus.Info("Retry scheduler stop signal received")
			return
		case <-ticker.C:
			p.RunOnce(ctx)
		case <-p.wake:
			p.RunOnce(ctx)
		}
	}
}

// RunOnce performs one scan and returns how many records it picked up.
// When another instance holds the scheduler lock the tick is skipped.
func (p *RetryScheduler) RunOnce(ctx context.Context) int {
	ctx, span := tracer.Start(ctx, "Retry scheduler tick")
	defer span.End()

	if p.locker != nil {
		if err := p.locker.Lock(ctx, p.pollInterval); err != nil {
			if errors.Is(err, redlock.ErrLockHeld) {
				logrus.Debug("retry scheduler lock held by another instance, skipping tick")
				return 0
			}
			logrus.WithError(err).Warn("retry scheduler lock unavailable, scanning anyway")
		} else {
			defer func() {
				if err := p.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
					logrus.WithError(err).Debug("retry scheduler lock release failed")
				}
			}()
		}
	}

	now := p.svc.now()
	candidates, err := p.svc.datasource.GetRetryCandidates(ctx, now, now.Add(-p.claimTimeout), p.batchSize)
	if err != nil {
		logrus.WithError(err).Error("failed to get retry candidates")
		return 0
	}
	span.SetAttributes(attribute.Int("candidates", len(candidates)))
	if len(candidates) == 0 {
		return 0
	}

	streams := groupByStream(candidates)
	logrus.Infof("Retrying %d submissions across %d streams with %d workers", len(candidates), len(streams), p.maxWorkers)

	sem := make(chan struct{}, p.maxWorkers)
	var batchWg sync.WaitGroup
	for _, stream := range streams {
		sem <- struct{}{}
		batchWg.Add(1)
		go func(records []*model.SubmissionRecord) {
			defer batchWg.Done()
			defer func() { <-sem }()
			for _, record := range records {
				if err := p.retry(ctx, record); err != nil {
					logrus.WithField("record_id", record.RecordID).WithError(err).Error("retry failed")
				}
			}
		}(stream)
	}
	batchWg.Wait()
	return len(candidates)
}

// retry handles one candidate. A stale PROCESSING claim is first closed as
// a failed attempt so the record moves through FAILED.
func (p *RetryScheduler) retry(ctx context.Context, record *model.SubmissionRecord) error {
	now := p.svc.now()

	switch record.Status {
	case model.StatusTransmitted:
		return nil
	case model.StatusFailed:
		if !record.Due(now) || record.RetryCount >= record.RetryBudget {
			return nil
		}
	case model.StatusProcessing:
		expired, err := p.expireClaim(ctx, record, now)
		if err != nil || expired == nil {
			return err
		}
		record = expired
	}

	return p.svc.attempt(ctx, record)
}

// expireClaim records a timed-out attempt. It returns the record as it now
// stands, or nil when it must not be attempted again this tick.
func (p *RetryScheduler) expireClaim(ctx context.Context, record *model.SubmissionRecord, now time.Time) (*model.SubmissionRecord, error) {
	retryCount := record.RetryCount + 1
	update := model.FailureUpdate{RetryCount: retryCount, LastError: "claim timed out without a result", At: now}
	exhausted := retryCount >= record.RetryBudget
	if !exhausted {
		update.NextRetryAt = &now
	}

	if err := p.svc.datasource.MarkFailed(ctx, record.RecordID, record.Version, update); err != nil {
		return nil, p.svc.resolveErr(record, err)
	}
	logrus.WithFields(logrus.Fields{"record_id": record.RecordID, "retry_count": retryCount}).Warn("expired stale delivery claim")

	expired := *record
	expired.Status = model.StatusFailed
	expired.RetryCount = retryCount
	expired.NextRetryAt = update.NextRetryAt
	expired.LastError = update.LastError
	expired.Version = record.Version + 1
	expired.UpdatedAt = now

	if exhausted {
		expired.NextRetryAt = nil
		p.svc.notifyExhausted(&expired)
		return nil, nil
	}
	return &expired, nil
}

type streamKey struct {
	tenant string
	kind   model.DocumentKind
}

// groupByStream splits candidates per (tenant, kind), keeping their order.
func groupByStream(records []*model.SubmissionRecord) [][]*model.SubmissionRecord {
	index := make(map[streamKey]int)
	var streams [][]*model.SubmissionRecord
	for _, r := range records {
		key := streamKey{tenant: string(r.TenantKey), kind: r.Kind}
		i, ok := index[key]
		if !ok {
			i = len(streams)
			index[key] = i
			streams = append(streams, nil)
		}
		streams[i] = append(streams[i], r)
	}
	return streams
}

// RetryNow runs one scheduler pass immediately, for operators.
func (s *Service) RetryNow(ctx context.Context) int {
	return NewRetryScheduler(s).RunOnce(ctx)
}
