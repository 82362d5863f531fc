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


package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	vscu "github.com/Solvitwithus/kra-vscu-microservice"
	"github.com/Solvitwithus/kra-vscu-microservice/api/middleware"
	"github.com/Solvitwithus/kra-vscu-microservice/config"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

// Service is the part of the submission service the HTTP layer drives.
type Service interface {
	SubmitBatch(ctx context.Context, caller *model.CallerIdentity, kind model.DocumentKind, body []byte) (*model.BatchResult, error)
	GetSubmission(ctx context.Context, caller *model.CallerIdentity, recordID string) (*model.SubmissionRecord, error)
	ListSubmissions(ctx context.Context, caller *model.CallerIdentity, filter model.SubmissionFilter) ([]*model.SubmissionRecord, error)
	RearmSubmission(ctx context.Context, recordID string) (*model.SubmissionRecord, error)
	InitializeDevice(ctx context.Context, req vscu.InitializeRequest) (*vscu.InitializeResult, error)
	ResolveCaller(ctx context.Context, token string) (*model.CallerIdentity, error)
}

type Api struct {
	service Service
	conf    *config.Configuration
	router  *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router

	router.POST("/initialize", a.InitializeDevice)

	tenant := router.Group("/", middleware.BearerAuth(a.service))
	tenant.POST("/sales", a.submit(model.KindSale))
	tenant.POST("/stock/master", a.submit(model.KindStockMaster))
	tenant.POST("/items", a.submit(model.KindItem))
	tenant.GET("/submissions/:id", a.GetSubmission)
	tenant.GET("/submissions", a.ListSubmissions)

	admin := router.Group("/admin", middleware.SecretKeyAuthMiddleware(a.conf))
	admin.POST("/submissions/:id/rearm", a.RearmSubmission)

	return a.router
}

func NewAPI(service Service, conf *config.Configuration) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Logger())
	if conf.EnableTelemetry {
		r.Use(otelgin.Middleware(conf.ProjectName))
	}
	r.Use(middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{service: service, conf: conf, router: r}
}

func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": errorMessage(err)})
}

func errorMessage(err error) string {
	var apiErr apierror.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
