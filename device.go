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
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

// InitializeRequest registers a point-of-sale device.
type InitializeRequest struct {
	CompanyID       string `json:"companyId"`
	EnvironmentName string `json:"environmentName"`
	EnvironmentURL  string `json:"environmentUrl"`
	Pin             string `json:"pin"`
	BranchID        string `json:"branchId"`
	DeviceSerial    string `json:"deviceSerial"`
}

func (r InitializeRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.CompanyID, validation.Required),
		validation.Field(&r.EnvironmentName, validation.Required),
		validation.Field(&r.EnvironmentURL, validation.Required, validation.By(absoluteURL)),
		validation.Field(&r.Pin, validation.Required),
		validation.Field(&r.BranchID, validation.Required),
		validation.Field(&r.DeviceSerial, validation.Required),
	)
}

func absoluteURL(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}

// InitializeResult is returned once. The API key is never stored in the clear.
type InitializeResult struct {
	DeviceID string `json:"device_id"`
	APIKey   string `json:"api_key"`
}

// InitializeDevice registers a device and issues its API key. A serial may
// only be registered once, and a PIN once per environment.
func (s *Service) InitializeDevice(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	if err := req.Validate(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, err.Error(), err)
	}

	serial, err := s.codec.SealLookup(req.DeviceSerial)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal device serial", err)
	}
	exists, err := s.datasource.DeviceSerialExists(ctx, serial)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "Device serial number already exists", nil)
	}

	pin, err := s.codec.SealLookup(req.Pin)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal pin", err)
	}
	exists, err = s.datasource.PinExistsInEnvironment(ctx, pin, req.EnvironmentName)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, apierror.NewAPIError(apierror.ErrConflict, "PIN already exists in this environment", nil)
	}

	apiKey, err := model.GenerateAPIKey()
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to generate API key", err)
	}

	device := &model.Device{
		EnvironmentName: req.EnvironmentName,
		EnvironmentURL:  strings.TrimRight(req.EnvironmentURL, "/"),
		Pin:             pin,
		DeviceSerial:    serial,
	}
	if device.CompanyID, err = s.codec.Seal(req.CompanyID); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal company id", err)
	}
	if device.BranchID, err = s.codec.SealLookup(req.BranchID); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal branch id", err)
	}
	if device.APIKey, err = s.codec.SealLookup(apiKey); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal API key", err)
	}

	created, err := s.datasource.CreateDevice(ctx, device)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{"device_id": created.DeviceID, "environment": created.EnvironmentName}).Info("device initialized")
	return &InitializeResult{DeviceID: created.DeviceID, APIKey: apiKey}, nil
}

// ResolveCaller authenticates a bearer token. The tenant fields of the
// returned identity stay sealed.
func (s *Service) ResolveCaller(ctx context.Context, token string) (*model.CallerIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Missing API key", nil)
	}
	sealed, err := s.codec.SealLookup(token)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to seal API key", err)
	}
	device, err := s.datasource.GetDeviceByAPIKey(ctx, sealed)
	if err != nil {
		return nil, err
	}
	return device.Identity(), nil
}
