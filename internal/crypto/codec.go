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

// Package crypto seals field values at rest.
//
// Two schemes are provided and each produces its own type so they cannot be
// mixed up: OpaqueSealed values use AES-256-GCM with a random nonce and are for
// confidentiality only; LookupSealed values use AES-SIV, which is
// deterministic, so equal plaintexts give equal ciphertexts and the sealed
// value can be used as a lookup key.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/tink-crypto/tink-go/v2/daead/subtle"
)

const (
	// OpaqueKeySize is the AES-256 key length for the randomized seal.
	OpaqueKeySize = 32
	// LookupKeySize is the AES-SIV key length (two AES-256 keys).
	LookupKeySize = 64
)

var lookupAssociatedData = []byte("vscu.lookup.v1")

// ErrDecryption is returned when a sealed value cannot be opened.
var ErrDecryption = errors.New("unable to open sealed value")

// OpaqueSealed is a base64 AES-GCM ciphertext with the nonce prepended.
type OpaqueSealed string

// LookupSealed is a base64 AES-SIV ciphertext.
type LookupSealed string

// Codec seals and opens values with the two configured keys.
type Codec struct {
	gcm cipher.AEAD
	siv *subtle.AESSIV
}

// NewCodec builds a codec from raw key material.
func NewCodec(opaqueKey, lookupKey []byte) (*Codec, error) {
	if len(opaqueKey) != OpaqueKeySize {
		return nil, fmt.Errorf("opaque key must be %d bytes, got %d", OpaqueKeySize, len(opaqueKey))
	}
	if len(lookupKey) != LookupKeySize {
		return nil, fmt.Errorf("lookup key must be %d bytes, got %d", LookupKeySize, len(lookupKey))
	}

	block, err := aes.NewCipher(opaqueKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	siv, err := subtle.NewAESSIV(lookupKey)
	if err != nil {
		return nil, err
	}

	return &Codec{gcm: gcm, siv: siv}, nil
}

// NewCodecFromBase64 decodes standard-base64 keys and builds a codec.
func NewCodecFromBase64(opaqueKey, lookupKey string) (*Codec, error) {
	ok, err := base64.StdEncoding.DecodeString(opaqueKey)
	if err != nil {
		return nil, fmt.Errorf("decoding opaque key: %w", err)
	}
	lk, err := base64.StdEncoding.DecodeString(lookupKey)
	if err != nil {
		return nil, fmt.Errorf("decoding lookup key: %w", err)
	}
	return NewCodec(ok, lk)
}

// Seal encrypts value with a fresh random nonce.
func (c *Codec) Seal(value string) (OpaqueSealed, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := c.gcm.Seal(nonce, nonce, []byte(value), nil)
	return OpaqueSealed(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

// Open reverses Seal.
func (c *Codec) Open(sealed OpaqueSealed) (string, error) {
	data, err := base64.StdEncoding.DecodeString(string(sealed))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryption)
	}
	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// SealLookup encrypts value deterministically.
func (c *Codec) SealLookup(value string) (LookupSealed, error) {
	ciphertext, err := c.siv.EncryptDeterministically([]byte(value), lookupAssociatedData)
	if err != nil {
		return "", err
	}
	return LookupSealed(base64.StdEncoding.EncodeToString(ciphertext)), nil
}

// OpenLookup reverses SealLookup.
func (c *Codec) OpenLookup(sealed LookupSealed) (string, error) {
	data, err := base64.StdEncoding.DecodeString(string(sealed))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	plaintext, err := c.siv.DecryptDeterministically(data, lookupAssociatedData)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// GenerateKey returns size random bytes encoded as standard base64,
// suitable for the crypto section of the configuration.
func GenerateKey(size int) (string, error) {
	b := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
