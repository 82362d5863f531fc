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

package notification

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
)

func TestRegisterWebhookSender_CalledCorrectly(t *testing.T) {
	RegisterWebhookSender(nil)

	var capturedEvent string
	var capturedPayload interface{}
	RegisterWebhookSender(func(event string, payload interface{}) error {
		capturedEvent = event
		capturedPayload = payload
		return nil
	})

	testPayload := map[string]string{"record_id": "sub_1"}
	NotifyEvent("submission.transmitted", testPayload)

	assert.Equal(t, "submission.transmitted", capturedEvent)
	assert.Equal(t, testPayload, capturedPayload)
}

func TestRegisterWebhookSender_ReplacesPrevious(t *testing.T) {
	callCount := 0
	RegisterWebhookSender(func(event string, payload interface{}) error {
		callCount = 1
		return nil
	})
	RegisterWebhookSender(func(event string, payload interface{}) error {
		callCount = 2
		return nil
	})

	NotifyEvent("submission.failed", nil)
	assert.Equal(t, 2, callCount)
}

func TestNotifyEvent_SenderErrorIsSwallowed(t *testing.T) {
	called := false
	RegisterWebhookSender(func(event string, payload interface{}) error {
		called = true
		return errors.New("webhook failed")
	})

	assert.NotPanics(t, func() { NotifyEvent("submission.exhausted", nil) })
	assert.True(t, called)
}

func TestNotifyEvent_NoSender(t *testing.T) {
	RegisterWebhookSender(nil)
	assert.NotPanics(t, func() { NotifyEvent("submission.exhausted", nil) })
}

func TestSendSlack(t *testing.T) {
	var got map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := SendSlack(context.Background(), server.URL, "Submission exhausted", "*Record:*\nsub_1")
	require.NoError(t, err)

	blocks, ok := got["blocks"].([]interface{})
	require.True(t, ok)
	require.Len(t, blocks, 3)
	header := blocks[0].(map[string]interface{})["text"].(map[string]interface{})
	assert.Equal(t, "Submission exhausted", header["text"])
}

func TestSlackNotification_UsesConfiguredWebhook(t *testing.T) {
	hits := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	cfg := &config.Configuration{}
	cfg.Notification.Slack.WebhookUrl = server.URL
	config.MockConfig(cfg)

	NotifyError(errors.New("database unreachable"))

	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("slack webhook was not called")
	}
}
