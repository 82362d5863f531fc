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
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	vscu "github.com/Solvitwithus/kra-vscu-microservice"
	"github.com/Solvitwithus/kra-vscu-microservice/api"
	"github.com/Solvitwithus/kra-vscu-microservice/config"
	pg_listener "github.com/Solvitwithus/kra-vscu-microservice/internal/pg-listener"
	trace "github.com/Solvitwithus/kra-vscu-microservice/internal/traces"
)

const shutdownTimeout = 15 * time.Second

/*
newTLSServer builds an HTTPS server whose certificates are managed by CertMagic.
With no domain configured the certificate is issued for localhost.
*/
func newTLSServer(ctx context.Context, r *gin.Engine, conf config.ServerConfig) (*http.Server, error) {
	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.Email = conf.Email
	cfg := certmagic.NewDefault()
	cfg.Storage = &certmagic.FileStorage{Path: "certmagic"}

	domains := []string{conf.Domain}
	if conf.Domain == "" {
		log.Println("No domain specified, defaulting to localhost")
		domains = []string{"localhost"}
	}

	if err := cfg.ManageSync(ctx, domains); err != nil {
		return nil, err
	}

	return &http.Server{
		Addr:      ":" + conf.Port,
		Handler:   r,
		TLSConfig: cfg.TLSConfig(),
	}, nil
}

func initializeTracing(ctx context.Context, cfg *config.Configuration) (func(context.Context) error, error) {
	if !cfg.EnableTelemetry {
		return func(context.Context) error { return nil }, nil
	}
	shutdown, err := trace.SetupOTelSDK(ctx, cfg.ProjectName, cfg.OtlpEndpoint)
	if err != nil {
		return nil, fmt.Errorf("error setting up OTel SDK: %v", err)
	}
	return shutdown, nil
}

// startSubmitter installs the first-attempt dispatcher for the configured
// mode. The returned func stops it.
func startSubmitter(svc *vscu.Service, cfg *config.Configuration) func() {
	if cfg.Submitter.Mode == config.SubmitterModeQueue {
		svc.UseDispatcher(svc.Queue())
		logrus.Info("first delivery attempts are queued for the workers")
		return func() {}
	}

	inline := vscu.NewInlineSubmitter(svc, cfg.Submitter.Workers, cfg.Submitter.QueueSize)
	inline.Start()
	svc.UseDispatcher(inline)
	logrus.WithField("workers", cfg.Submitter.Workers).Info("inline submitter started")
	return inline.Stop
}

func startScheduler(ctx context.Context, svc *vscu.Service, cfg *config.Configuration) func() {
	if cfg.Retry.Disabled {
		logrus.Warn("retry scheduler disabled; failed submissions will not be retried by this instance")
		return func() {}
	}
	scheduler := vscu.NewRetryScheduler(svc)
	scheduler.Start(ctx)

	listener := pg_listener.NewDBListener(pg_listener.ListenerConfig{
		PgConnStr: cfg.DataSource.Dns,
		Channel:   vscu.RearmChannel,
	}, func(string) { scheduler.Trigger() })
	go func() {
		if err := listener.Start(ctx); err != nil {
			logrus.WithError(err).Warn("re-arm listener stopped; re-armed records wait for the next tick")
		}
	}()

	return scheduler.Stop
}

// serve runs srv until ctx is cancelled, then drains in-flight requests.
func serve(ctx context.Context, srv *http.Server, tls bool) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls {
			log.Printf("Starting HTTPS server on %s", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Printf("Starting server on http://localhost%s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

/*
serverCommands returns the `start` command: the HTTP API, the first-attempt
submitter and the retry scheduler in one process.
*/
func serverCommands(app *vscuInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start the vscu server",
		Run: func(cmd *cobra.Command, args []string) {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg := app.cnf
			svc := app.svc
			defer svc.Close()

			shutdown, err := initializeTracing(ctx, cfg)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			stopSubmitter := startSubmitter(svc, cfg)
			defer stopSubmitter()
			stopScheduler := startScheduler(ctx, svc, cfg)
			defer stopScheduler()

			router := api.NewAPI(svc, cfg).Router()

			srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: router}
			if cfg.Server.SSL {
				srv, err = newTLSServer(ctx, router, cfg.Server)
				if err != nil {
					log.Fatal(err)
				}
			}

			if err := serve(ctx, srv, cfg.Server.SSL); err != nil {
				logrus.WithError(err).Error("server stopped")
			}
		},
	}

	return cmd
}
