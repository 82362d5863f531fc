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
package mocks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/Solvitwithus/kra-vscu-microservice/database"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
	"github.com/Solvitwithus/kra-vscu-microservice/model"
)

// MockDataSource is a mock implementation of the IDataSource interface
type MockDataSource struct {
	mock.Mock
}

var _ database.IDataSource = (*MockDataSource)(nil)

func records(v interface{}) []*model.SubmissionRecord {
	if v == nil {
		return nil
	}
	return v.([]*model.SubmissionRecord)
}

func record(v interface{}) *model.SubmissionRecord {
	if v == nil {
		return nil
	}
	return v.(*model.SubmissionRecord)
}

func device(v interface{}) *model.Device {
	if v == nil {
		return nil
	}
	return v.(*model.Device)
}

// Submission methods

func (m *MockDataSource) InsertSubmissions(ctx context.Context, recs []*model.SubmissionRecord) ([]*model.SubmissionRecord, error) {
	args := m.Called(ctx, recs)
	return records(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) NextSequence(ctx context.Context, q database.Querier, tenant crypto.LookupSealed, kind model.DocumentKind) (int64, error) {
	args := m.Called(ctx, q, tenant, kind)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockDataSource) GetSubmission(ctx context.Context, recordID string) (*model.SubmissionRecord, error) {
	args := m.Called(ctx, recordID)
	return record(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) ListSubmissions(ctx context.Context, filter model.SubmissionFilter) ([]*model.SubmissionRecord, error) {
	args := m.Called(ctx, filter)
	return records(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) ClaimSubmission(ctx context.Context, recordID string, expected model.Status, expectedVersion int64, now time.Time) (*model.SubmissionRecord, error) {
	args := m.Called(ctx, recordID, expected, expectedVersion, now)
	return record(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) MarkTransmitted(ctx context.Context, recordID string, claimVersion int64, response json.RawMessage, now time.Time) error {
	args := m.Called(ctx, recordID, claimVersion, response, now)
	return args.Error(0)
}

func (m *MockDataSource) MarkFailed(ctx context.Context, recordID string, claimVersion int64, update model.FailureUpdate) error {
	args := m.Called(ctx, recordID, claimVersion, update)
	return args.Error(0)
}

func (m *MockDataSource) GetRetryCandidates(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]*model.SubmissionRecord, error) {
	args := m.Called(ctx, now, staleBefore, limit)
	return records(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) RearmSubmission(ctx context.Context, recordID string, grant int, now time.Time) (*model.SubmissionRecord, error) {
	args := m.Called(ctx, recordID, grant, now)
	return record(args.Get(0)), args.Error(1)
}

// Device methods

func (m *MockDataSource) CreateDevice(ctx context.Context, d *model.Device) (*model.Device, error) {
	args := m.Called(ctx, d)
	return device(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) GetDeviceByAPIKey(ctx context.Context, apiKey crypto.LookupSealed) (*model.Device, error) {
	args := m.Called(ctx, apiKey)
	return device(args.Get(0)), args.Error(1)
}

func (m *MockDataSource) DeviceSerialExists(ctx context.Context, serial crypto.LookupSealed) (bool, error) {
	args := m.Called(ctx, serial)
	return args.Bool(0), args.Error(1)
}

func (m *MockDataSource) PinExistsInEnvironment(ctx context.Context, pin crypto.LookupSealed, environment string) (bool, error) {
	args := m.Called(ctx, pin, environment)
	return args.Bool(0), args.Error(1)
}
