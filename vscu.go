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
	"embed"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
	"github.com/Solvitwithus/kra-vscu-microservice/database"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/notification"
	redis_db "github.com/Solvitwithus/kra-vscu-microservice/internal/redis-db"
)

//go:embed sql/*.sql
var SQLFiles embed.FS

var tracer = otel.Tracer("vscu.submissions")

// Dispatcher hands committed record ids to whatever performs the first
// delivery attempt. It must not block the caller on network I/O.
type Dispatcher interface {
	Dispatch(ctx context.Context, recordIDs []string)
}

// Service owns the submission pipeline: intake, first delivery, retries and
// the device credentials callers authenticate with.
type Service struct {
	datasource database.IDataSource
	codec      *crypto.Codec
	delivery   *DeliveryClient
	queue      *Queue
	redis      redis.UniversalClient
	cfg        *config.Configuration
	now        func() time.Time

	mu         sync.RWMutex
	dispatcher Dispatcher
}

// NewService wires a Service from the loaded configuration. Redis is optional;
// without it there is no scheduler lock, no queue mode and no webhook queue.
func NewService(db database.IDataSource) (*Service, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	codec, err := crypto.NewCodecFromBase64(cfg.Crypto.OpaqueKey, cfg.Crypto.LookupKey)
	if err != nil {
		return nil, err
	}

	s := newService(db, cfg, codec, nil)

	if cfg.Redis.Dns != "" {
		redisClient, err := redis_db.NewRedisClient(redis_db.SplitAddresses(cfg.Redis.Dns), cfg.Redis.SkipTLSVerify)
		if err != nil {
			return nil, err
		}
		s.redis = redisClient.Client()

		q, err := NewQueue(cfg)
		if err != nil {
			return nil, err
		}
		s.queue = q
	}

	notification.RegisterWebhookSender(s.sendWebhook)
	return s, nil
}

func newService(db database.IDataSource, cfg *config.Configuration, codec *crypto.Codec, delivery *DeliveryClient) *Service {
	if delivery == nil {
		delivery = NewDeliveryClient(codec, cfg.UpstreamTimeout(), cfg.Upstream.SuccessCodes, nil)
	}
	return &Service{
		datasource: db,
		codec:      codec,
		delivery:   delivery,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// UseDispatcher installs the first-attempt dispatcher. With none installed,
// committed records wait for the retry scheduler.
func (s *Service) UseDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatcher = d
}

func (s *Service) currentDispatcher() Dispatcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dispatcher
}

// Queue returns the asynq queue, or nil when Redis is not configured.
func (s *Service) Queue() *Queue { return s.queue }

// Redis returns the Redis client, or nil when Redis is not configured.
func (s *Service) Redis() redis.UniversalClient { return s.redis }

// Config returns the configuration the service was built with.
func (s *Service) Config() *config.Configuration { return s.cfg }

// Close releases the Redis client and the queue.
func (s *Service) Close() {
	if s.queue != nil {
		if err := s.queue.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close queue")
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close redis client")
		}
	}
}
