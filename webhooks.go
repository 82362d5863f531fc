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
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/notification"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/request"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

const (
	EventSubmissionTransmitted = "submission.transmitted"
	EventSubmissionFailed      = "submission.failed"
	EventSubmissionExhausted   = "submission.exhausted"
)

// NewWebhook represents the structure of a webhook notification.
type NewWebhook struct {
	Event   string      `json:"event"`
	Payload interface{} `json:"data"`
}

// SubmissionEvent is the webhook view of a record. Tenant fields are never included.
type SubmissionEvent struct {
	RecordID    string             `json:"record_id"`
	Kind        model.DocumentKind `json:"kind"`
	SequenceNo  int64              `json:"sequence_no"`
	Status      model.Status       `json:"status"`
	RetryCount  int                `json:"retry_count"`
	NextRetryAt *time.Time         `json:"next_retry_at,omitempty"`
	LastError   string             `json:"last_error,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

func newSubmissionEvent(record *model.SubmissionRecord) SubmissionEvent {
	return SubmissionEvent{
		RecordID:    record.RecordID,
		Kind:        record.Kind,
		SequenceNo:  record.SequenceNo,
		Status:      record.Status,
		RetryCount:  record.RetryCount,
		NextRetryAt: record.NextRetryAt,
		LastError:   record.LastError,
		UpdatedAt:   record.UpdatedAt,
	}
}

func (s *Service) notifyLifecycle(event string, record *model.SubmissionRecord) {
	notification.NotifyEvent(event, newSubmissionEvent(record))
}

// notifyExhausted emits the exhausted event and alerts operators on Slack.
func (s *Service) notifyExhausted(record *model.SubmissionRecord) {
	s.notifyLifecycle(EventSubmissionExhausted, record)
	notification.NotifyError(fmt.Errorf("submission %s (%s #%d) exhausted %d retries: %s",
		record.RecordID, record.Kind, record.SequenceNo, record.RetryCount, record.LastError))
}

// sendWebhook is registered as the notification webhook sender. Events are
// queued when Redis is available and posted directly otherwise.
func (s *Service) sendWebhook(event string, payload interface{}) error {
	if s.cfg.Notification.Webhook.Url == "" {
		return nil
	}
	hook := NewWebhook{Event: event, Payload: payload}
	if s.queue != nil {
		return s.queue.EnqueueWebhook(context.Background(), hook)
	}
	go func() {
		if err := processHTTP(context.Background(), s.cfg, hook); err != nil {
			logrus.WithField("event", event).WithError(err).Warn("webhook delivery failed")
		}
	}()
	return nil
}

// processHTTP posts a webhook to the configured URL with the configured headers.
func processHTTP(ctx context.Context, cfg *config.Configuration, hook NewWebhook) error {
	ctx, cancel := context.WithTimeout(ctx, request.DefaultTimeout)
	defer cancel()

	_, _, err := request.PostJSON(ctx, nil, cfg.Notification.Webhook.Url, cfg.Notification.Webhook.Headers, hook)
	if err != nil {
		return err
	}
	logrus.WithField("event", hook.Event).Debug("webhook notification sent")
	return nil
}

// ProcessWebhook processes a webhook notification task from the queue.
func ProcessWebhook(ctx context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}
	if conf.Notification.Webhook.Url == "" {
		return nil
	}

	var payload NewWebhook
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("invalid webhook task payload")
		return err
	}
	return processHTTP(ctx, conf, payload)
}
