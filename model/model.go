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

package model

import (
	"fmt"

	"github.com/google/uuid"
)

// GenerateUUIDWithSuffix generates a UUID prefixed with the given module name,
// e.g. "sub_3f0c...".
func GenerateUUIDWithSuffix(module string) string {
	return fmt.Sprintf("%s_%s", module, uuid.New().String())
}

// NewSubmissionRecord builds a RECEIVED record for one document of a batch.
// The sequence number is left unset; it is assigned inside the insert transaction.
func NewSubmissionRecord(caller *CallerIdentity, kind DocumentKind, payload []byte, endpoint string) *SubmissionRecord {
	return &SubmissionRecord{
		RecordID:  GenerateUUIDWithSuffix("sub"),
		TenantKey: caller.TenantKey,
		Kind:      kind,
		Status:    StatusReceived,
		Payload:   payload,
		Tin:       caller.Tin,
		BhfID:     caller.BhfID,
		Endpoint:  endpoint,
	}
}
