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

package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

const callerKey = "caller"

// CallerResolver turns a bearer token into the identity of a registered device.
type CallerResolver interface {
	ResolveCaller(ctx context.Context, token string) (*model.CallerIdentity, error)
}

// BearerAuth authenticates device requests with "Authorization: Bearer <api key>"
// and stores the resolved identity on the context.
//
// Responses:
// - 401 Unauthorized: the header is missing or the key is unknown.
// - 500 Internal Server Error: the key could not be looked up.
func BearerAuth(resolver CallerResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "Authentication required. Use Authorization: Bearer <api key>"})
			return
		}

		caller, err := resolver.ResolveCaller(c.Request.Context(), token)
		if err != nil {
			message := "Failed to authenticate"
			var apiErr apierror.APIError
			if errors.As(err, &apiErr) {
				message = apiErr.Message
			}
			c.AbortWithStatusJSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": message})
			return
		}

		c.Set(callerKey, caller)
		c.Next()
	}
}

// CallerFromContext returns the identity stored by BearerAuth.
func CallerFromContext(c *gin.Context) (*model.CallerIdentity, bool) {
	v, ok := c.Get(callerKey)
	if !ok {
		return nil, false
	}
	caller, ok := v.(*model.CallerIdentity)
	return caller, ok && caller != nil
}

func extractBearer(c *gin.Context) string {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
