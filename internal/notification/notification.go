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
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Solvitwithus/kra-vscu-microservice/config"
	"github.com/Solvitwithus/kra-vscu-microservice/internal/request"
)

// WebhookSender delivers a lifecycle event to the configured webhook.
// The root package registers one at startup so this package does not import it.
type WebhookSender func(event string, payload interface{}) error

var (
	senderMu      sync.RWMutex
	webhookSender WebhookSender
)

// RegisterWebhookSender installs the function used by NotifyEvent.
// A later registration replaces an earlier one.
func RegisterWebhookSender(sender WebhookSender) {
	senderMu.Lock()
	defer senderMu.Unlock()
	webhookSender = sender
}

func currentSender() WebhookSender {
	senderMu.RLock()
	defer senderMu.RUnlock()
	return webhookSender
}

// slackMessage builds a Slack block-kit payload with a header, a body field
// and the time it was raised.
func slackMessage(title, body string, at time.Time) json.RawMessage {
	msg := map[string]interface{}{
		"blocks": []interface{}{
			map[string]interface{}{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": title, "emoji": true},
			},
			map[string]interface{}{
				"type":   "section",
				"fields": []interface{}{map[string]string{"type": "mrkdwn", "text": body}},
			},
			map[string]interface{}{
				"type":   "section",
				"fields": []interface{}{map[string]string{"type": "mrkdwn", "text": fmt.Sprintf("*Time:*\n%v", at.Format(time.RFC822))}},
			},
		},
	}
	raw, _ := json.Marshal(msg)
	return raw
}

// SendSlack posts a message to a Slack incoming webhook.
func SendSlack(ctx context.Context, webhookURL, title, body string) error {
	_, _, err := request.PostJSON(ctx, nil, webhookURL, nil, slackMessage(title, body, time.Now()))
	return err
}

// SlackNotification reports err to the configured Slack webhook, if any.
func SlackNotification(err error) {
	conf, cfgErr := config.Fetch()
	if cfgErr != nil {
		logrus.Error(cfgErr)
		return
	}
	if conf.Notification.Slack.WebhookUrl == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), request.DefaultTimeout)
	defer cancel()
	if sendErr := SendSlack(ctx, conf.Notification.Slack.WebhookUrl, "Error From VSCU 🐞", fmt.Sprintf("*Error:*\n%v", err)); sendErr != nil {
		logrus.WithError(sendErr).Warn("slack notification failed")
	}
}

// NotifyError logs systemError and forwards it to Slack without blocking the caller.
func NotifyError(systemError error) {
	go func(systemError error) {
		logrus.Error(systemError)
		SlackNotification(systemError)
	}(systemError)
}

// NotifyEvent hands a lifecycle event to the registered webhook sender.
// It is a no-op when no sender is registered.
func NotifyEvent(event string, payload interface{}) {
	sender := currentSender()
	if sender == nil {
		return
	}
	if err := sender(event, payload); err != nil {
		logrus.WithFields(logrus.Fields{"event": event}).WithError(err).Warn("failed to send lifecycle event")
	}
}
