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
	"crypto/rand"
	"math/big"
	"time"

	"github.com/Solvitwithus/kra-vscu-microservice/internal/crypto"
)

// Device is a registered point-of-sale device. Identifying fields are stored
// sealed: the ones used for lookups with the deterministic seal, the rest with
// the randomized one. Sealed fields never leave the process as JSON but are
// kept in the msgpack form used by the cache.
type Device struct {
	ID              int64               `json:"id"`
	DeviceID        string              `json:"device_id"`
	CompanyID       crypto.OpaqueSealed `json:"-" msgpack:"company_id"`
	EnvironmentName string              `json:"environment_name"`
	EnvironmentURL  string              `json:"environment_url"`
	Pin             crypto.LookupSealed `json:"-" msgpack:"pin"`
	BranchID        crypto.LookupSealed `json:"-" msgpack:"branch_id"`
	DeviceSerial    crypto.LookupSealed `json:"-" msgpack:"device_serial"`
	APIKey          crypto.LookupSealed `json:"-" msgpack:"api_key"`
	CreatedAt       time.Time           `json:"created_at"`
}

// CallerIdentity is what resolve_caller yields for an authenticated request.
// The tenant fields stay sealed until delivery.
type CallerIdentity struct {
	DeviceID        string              `json:"device_id"`
	TenantKey       crypto.LookupSealed `json:"tenant_key"`
	Tin             crypto.LookupSealed `json:"tin"`
	BhfID           crypto.LookupSealed `json:"bhf_id"`
	EnvironmentName string              `json:"environment_name"`
	EnvironmentURL  string              `json:"environment_url"`
}

// Identity builds the caller identity a device authenticates as.
func (d *Device) Identity() *CallerIdentity {
	return &CallerIdentity{
		DeviceID:        d.DeviceID,
		TenantKey:       d.APIKey,
		Tin:             d.Pin,
		BhfID:           d.BranchID,
		EnvironmentName: d.EnvironmentName,
		EnvironmentURL:  d.EnvironmentURL,
	}
}

const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// APIKeyLength is the length of a generated device API key.
const APIKeyLength = 64

// GenerateAPIKey returns a random alphanumeric device key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, APIKeyLength)
	max := big.NewInt(int64(len(apiKeyAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = apiKeyAlphabet[n.Int64()]
	}
	return string(b), nil
}
