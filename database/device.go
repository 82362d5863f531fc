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

package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/apierror"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

const deviceCacheTTL = 5 * time.Minute

func deviceCacheKey(apiKey crypto.LookupSealed) string {
	return "device:" + string(apiKey)
}

// CreateDevice registers a device. Uniqueness of serial, api key and
// environment pin is enforced by the table's indexes.
func (d Datasource) CreateDevice(ctx context.Context, device *model.Device) (*model.Device, error) {
	device.DeviceID = model.GenerateUUIDWithSuffix("dev")
	device.CreatedAt = time.Now().UTC()

	err := d.Conn.QueryRowContext(ctx, `
		INSERT INTO vscu.devices (device_id, company_id, environment_name, environment_url, pin, branch_id, device_serial, api_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, device.DeviceID, device.CompanyID, device.EnvironmentName, device.EnvironmentURL,
		device.Pin, device.BranchID, device.DeviceSerial, device.APIKey, device.CreatedAt).Scan(&device.ID)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return nil, apierror.NewAPIError(apierror.ErrConflict, "Device is already registered", err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to register device", err)
	}
	return device, nil
}

// GetDeviceByAPIKey finds the device owning a sealed API key. Hits are cached
// for a few minutes when a cache is configured.
func (d Datasource) GetDeviceByAPIKey(ctx context.Context, apiKey crypto.LookupSealed) (*model.Device, error) {
	cacheKey := deviceCacheKey(apiKey)
	if d.Cache != nil {
		cached := &model.Device{}
		if err := d.Cache.Get(ctx, cacheKey, cached); err != nil {
			logrus.WithError(err).Warn("device cache read failed")
		} else if cached.DeviceID != "" {
			return cached, nil
		}
	}

	device := &model.Device{}
	err := d.Conn.QueryRowContext(ctx, `
		SELECT id, device_id, company_id, environment_name, environment_url, pin, branch_id, device_serial, api_key, created_at
		FROM vscu.devices
		WHERE api_key = $1
	`, apiKey).Scan(&device.ID, &device.DeviceID, &device.CompanyID, &device.EnvironmentName, &device.EnvironmentURL,
		&device.Pin, &device.BranchID, &device.DeviceSerial, &device.APIKey, &device.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrUnauthorized, "Invalid API key", nil)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to look up device", err)
	}

	if d.Cache != nil {
		if err := d.Cache.Set(ctx, cacheKey, device, deviceCacheTTL); err != nil {
			logrus.WithError(err).Warn("device cache write failed")
		}
	}
	return device, nil
}

func (d Datasource) DeviceSerialExists(ctx context.Context, serial crypto.LookupSealed) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM vscu.devices WHERE device_serial = $1)`, serial).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check device serial", err)
	}
	return exists, nil
}

func (d Datasource) PinExistsInEnvironment(ctx context.Context, pin crypto.LookupSealed, environment string) (bool, error) {
	var exists bool
	err := d.Conn.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM vscu.devices WHERE pin = $1 AND environment_name = $2)
	`, pin, environment).Scan(&exists)
	if err != nil {
		return false, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to check device pin", err)
	}
	return exists, nil
}
