package vscu

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	mu     sync.Mutex
	tasks  []enqueued
	err    error
	closed bool
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{ID: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error {
	f.closed = true
	return nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) interface{} {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func testQueue(client enqueuer) *Queue {
	return newQueue(client, config.QueueConfig{DeliveryQueue: "submission_delivery", WebhookQueue: "webhook_queue"})
}

func TestQueue_DispatchEnqueuesOneTaskPerRecord(t *testing.T) {
	fake := &fakeEnqueuer{}
	q := testQueue(fake)

	q.Dispatch(context.Background(), []string{"sub_1", "sub_2"})

	require.Len(t, fake.tasks, 2)
	first := fake.tasks[0]
	assert.Equal(t, TaskDeliverSubmission, first.task.Type())
	assert.JSONEq(t, `{"record_id":"sub_1"}`, string(first.task.Payload()))
	assert.Equal(t, "sub_1", optionValue(first.opts, asynq.TaskIDOpt))
	assert.Equal(t, "submission_delivery", optionValue(first.opts, asynq.QueueOpt))
	assert.Equal(t, 0, optionValue(first.opts, asynq.MaxRetryOpt))
}

func TestQueue_DispatchSurvivesEnqueueFailure(t *testing.T) {
	fake := &fakeEnqueuer{err: errors.New("redis down")}
	q := testQueue(fake)
	assert.NotPanics(t, func() { q.Dispatch(context.Background(), []string{"sub_1"}) })
	assert.Empty(t, fake.tasks)
}

func TestQueue_EnqueueWebhook(t *testing.T) {
	fake := &fakeEnqueuer{}
	q := testQueue(fake)

	err := q.EnqueueWebhook(context.Background(), NewWebhook{Event: EventSubmissionFailed, Payload: map[string]string{"record_id": "sub_1"}})
	require.NoError(t, err)
	require.Len(t, fake.tasks, 1)
	assert.Equal(t, TaskSendWebhook, fake.tasks[0].task.Type())
	assert.Equal(t, "webhook_queue", optionValue(fake.tasks[0].opts, asynq.QueueOpt))
	assert.JSONEq(t, `{"event":"submission.failed","data":{"record_id":"sub_1"}}`, string(fake.tasks[0].task.Payload()))

	require.NoError(t, q.Close())
	assert.True(t, fake.closed)
}

func TestRedisConnOpt(t *testing.T) {
	opt, err := RedisConnOpt(&config.Configuration{Redis: config.RedisConfig{Dns: "redis://:secret@cache.local:6380/2"}})
	require.NoError(t, err)
	assert.Equal(t, "cache.local:6380", opt.Addr)
	assert.Equal(t, "secret", opt.Password)
	assert.Equal(t, 2, opt.DB)
}

func TestProcessDeliveryTask(t *testing.T) {
	stub, server := newUpstream(t, http.StatusOK, `{"resultCd":"000"}`)
	env := newTestEnv(t, server.URL)
	fake := &fakeEnqueuer{}
	env.svc.UseDispatcher(testQueue(fake))

	record := submitOne(t, env, env.caller(t, "key-A"))
	require.Len(t, fake.tasks, 1)
	assert.Equal(t, model.StatusReceived, env.store.record(record.RecordID).Status)

	require.NoError(t, env.svc.ProcessDeliveryTask(context.Background(), fake.tasks[0].task))
	assert.Equal(t, model.StatusTransmitted, env.store.record(record.RecordID).Status)

	// a duplicate task finds the record already handled
	require.NoError(t, env.svc.ProcessDeliveryTask(context.Background(), fake.tasks[0].task))
	assert.Equal(t, 1, stub.Calls())
}

func TestProcessDeliveryTask_BadPayloadSkipsRetry(t *testing.T) {
	env := newTestEnv(t, "https://etims.test")
	err := env.svc.ProcessDeliveryTask(context.Background(), asynq.NewTask(TaskDeliverSubmission, []byte("{")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestProcessDeliveryTask_UnknownRecord(t *testing.T) {
	env := newTestEnv(t, "https://etims.test")
	payload, _ := json.Marshal(DeliveryPayload{RecordID: "sub_missing"})
	err := env.svc.ProcessDeliveryTask(context.Background(), asynq.NewTask(TaskDeliverSubmission, payload))
	assert.True(t, errors.Is(err, model.ErrRecordNotFound))
}
