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

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vscu "github.com/Solvitwithus/kra-vscu-microservice"
	"github.com/Solvitwithus/kra-vscu-microservice/config"
)

// initializeQueues weights delivery above webhooks.
func initializeQueues(cfg *config.Configuration) map[string]int {
	return map[string]int{
		cfg.Queue.DeliveryQueue: 3,
		cfg.Queue.WebhookQueue:  1,
	}
}

func initializeWorkerServer(conf *config.Configuration) (*asynq.Server, error) {
	redisOption, err := vscu.RedisConnOpt(conf)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(redisOption, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      initializeQueues(conf),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logrus.WithField("task", task.Type()).WithError(err).Warn("task failed")
		}),
	}), nil
}

func initializeTaskHandlers(svc *vscu.Service, mux *asynq.ServeMux) {
	mux.HandleFunc(vscu.TaskDeliverSubmission, svc.ProcessDeliveryTask)
	mux.HandleFunc(vscu.TaskSendWebhook, vscu.ProcessWebhook)
}

func startMonitoring(conf *config.Configuration) error {
	redisOption, err := vscu.RedisConnOpt(conf)
	if err != nil {
		return err
	}
	h := asynqmon.New(asynqmon.Options{
		RootPath:     "/monitoring",
		RedisConnOpt: redisOption,
	})

	go func() {
		monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
		log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
		if err := http.ListenAndServe(monitoringAddr, h); err != nil {
			logrus.WithError(err).Error("could not start asynqmon server")
		}
	}()
	return nil
}

// workerCommands defines the "workers" command. Workers perform queued first
// attempts and deliver lifecycle webhooks; retries stay with the scheduler.
func workerCommands(app *vscuInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start vscu queue workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := app.cnf
			defer app.svc.Close()

			if conf.Redis.Dns == "" {
				log.Fatal("workers require redis; set redis.dns")
			}

			shutdown, err := initializeTracing(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, err := initializeWorkerServer(conf)
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			initializeTaskHandlers(app.svc, mux)

			if err := startMonitoring(conf); err != nil {
				log.Fatal(err)
			}

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
