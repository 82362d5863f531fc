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

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
	redis_db "github.com/Solvitwithus/kra-vscu-microservice/internal/redis-db"
)

const (
	// TaskDeliverSubmission carries one committed record id to a worker.
	TaskDeliverSubmission = "submission:deliver"
	// TaskSendWebhook carries one lifecycle event.
	TaskSendWebhook = "webhook:send"

	webhookMaxRetry = 5
)

type enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Queue publishes delivery and webhook tasks to Redis through asynq.
type Queue struct {
	Client        enqueuer
	deliveryQueue string
	webhookQueue  string
}

// DeliveryPayload is the body of a TaskDeliverSubmission task.
type DeliveryPayload struct {
	RecordID string `json:"record_id"`
}

// RedisConnOpt converts the configured Redis DNS into asynq connection options.
func RedisConnOpt(conf *config.Configuration) (asynq.RedisClientOpt, error) {
	redisOption, err := redis_db.ParseRedisURL(redis_db.SplitAddresses(conf.Redis.Dns)[0], conf.Redis.SkipTLSVerify)
	if err != nil {
		return asynq.RedisClientOpt{}, fmt.Errorf("error parsing Redis URL: %w", err)
	}
	return asynq.RedisClientOpt{
		Addr:      redisOption.Addr,
		Password:  redisOption.Password,
		DB:        redisOption.DB,
		TLSConfig: redisOption.TLSConfig,
	}, nil
}

// NewQueue initializes a Queue against the configured Redis.
func NewQueue(conf *config.Configuration) (*Queue, error) {
	opt, err := RedisConnOpt(conf)
	if err != nil {
		return nil, err
	}
	return newQueue(asynq.NewClient(opt), conf.Queue), nil
}

func newQueue(client enqueuer, conf config.QueueConfig) *Queue {
	return &Queue{Client: client, deliveryQueue: conf.DeliveryQueue, webhookQueue: conf.WebhookQueue}
}

func (q *Queue) Close() error {
	return q.Client.Close()
}

// Dispatch enqueues one delivery task per record. The task id is the record
// id so a record is never queued twice. Enqueue failures leave the record to
// the retry scheduler.
func (q *Queue) Dispatch(ctx context.Context, recordIDs []string) {
	for _, id := range recordIDs {
		payload, err := json.Marshal(DeliveryPayload{RecordID: id})
		if err != nil {
			logrus.WithField("record_id", id).WithError(err).Error("failed to encode delivery task")
			continue
		}
		task := asynq.NewTask(TaskDeliverSubmission, payload)
		if _, err := q.Client.EnqueueContext(ctx, task,
			asynq.TaskID(id),
			asynq.Queue(q.deliveryQueue),
			asynq.MaxRetry(0),
		); err != nil {
			logrus.WithField("record_id", id).WithError(err).Warn("failed to enqueue delivery, leaving record for the scheduler")
		}
	}
}

// EnqueueWebhook queues a lifecycle event for the webhook worker.
func (q *Queue) EnqueueWebhook(ctx context.Context, hook NewWebhook) error {
	payload, err := json.Marshal(hook)
	if err != nil {
		return err
	}
	task := asynq.NewTask(TaskSendWebhook, payload)
	_, err = q.Client.EnqueueContext(ctx, task, asynq.Queue(q.webhookQueue), asynq.MaxRetry(webhookMaxRetry))
	return err
}

// ProcessDeliveryTask is the asynq handler for TaskDeliverSubmission.
// Delivery errors are recorded on the record, so the task itself only fails
// when the record could not be read or written.
func (s *Service) ProcessDeliveryTask(ctx context.Context, task *asynq.Task) error {
	ctx, span := tracer.Start(ctx, "Process submission from Redis queue")
	defer span.End()

	var payload DeliveryPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		logrus.WithError(err).Error("invalid delivery task payload")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return s.ProcessSubmission(ctx, payload.RecordID)
}
