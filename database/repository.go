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
	"encoding/json"
	"time"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	submission // Interface for submission record operations
	device     // Interface for device credential operations
}

// submission defines methods for persisting and driving submission records.
type submission interface {
	InsertSubmissions(ctx context.Context, records []*model.SubmissionRecord) ([]*model.SubmissionRecord, error)                                        // Numbers and stores a batch atomically
	NextSequence(ctx context.Context, q Querier, tenant crypto.LookupSealed, kind model.DocumentKind) (int64, error)                                    // Next free sequence number for a stream
	GetSubmission(ctx context.Context, recordID string) (*model.SubmissionRecord, error)                                                                // Retrieves a record by ID
	ListSubmissions(ctx context.Context, filter model.SubmissionFilter) ([]*model.SubmissionRecord, error)                                              // Lists a tenant's records
	ClaimSubmission(ctx context.Context, recordID string, expected model.Status, expectedVersion int64, now time.Time) (*model.SubmissionRecord, error) // Moves a record to PROCESSING
	MarkTransmitted(ctx context.Context, recordID string, claimVersion int64, response json.RawMessage, now time.Time) error                            // Records a successful delivery
	MarkFailed(ctx context.Context, recordID string, claimVersion int64, update model.FailureUpdate) error                                              // Records a failed delivery
	GetRetryCandidates(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]*model.SubmissionRecord, error)                         // Records due for another attempt
	RearmSubmission(ctx context.Context, recordID string, grant int, now time.Time) (*model.SubmissionRecord, error)                                    // Raises an exhausted record's budget
}

// device defines methods for registered devices.
type device interface {
	CreateDevice(ctx context.Context, d *model.Device) (*model.Device, error)                              // Registers a device
	GetDeviceByAPIKey(ctx context.Context, apiKey crypto.LookupSealed) (*model.Device, error)              // Finds a device by its sealed key
	DeviceSerialExists(ctx context.Context, serial crypto.LookupSealed) (bool, error)                      // Reports whether a serial is registered
	PinExistsInEnvironment(ctx context.Context, pin crypto.LookupSealed, environment string) (bool, error) // Reports whether a pin is registered in an environment
}
