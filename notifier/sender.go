/*
Copyright 2024 Fundflow Authors.

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

package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fundflowhq/fundflow/config"
	"github.com/fundflowhq/fundflow/internal/request"
)

// DefaultSender picks the slack sender when a webhook is configured and falls
// back to structured logging otherwise.
func DefaultSender(conf *config.Configuration) Sender {
	if conf.Notification.Slack.WebhookUrl != "" {
		return &SlackSender{}
	}
	return &LogSender{}
}

// LogSender writes the notification to the service log.
type LogSender struct{}

func (s *LogSender) Send(_ context.Context, message *OutcomeMessage) error {
	logrus.WithFields(logrus.Fields{
		"transaction_id": message.TransactionID,
		"status":         message.Status,
		"reason":         message.Reason,
	}).Info("transaction finalized")
	return nil
}

// SlackSender posts the notification to the configured Slack webhook.
type SlackSender struct{}

func (s *SlackSender) Send(ctx context.Context, message *OutcomeMessage) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	body := fmt.Sprintf("*Transaction:*\n%s\n*Status:*\n%s", message.TransactionID, message.Status)
	if message.Reason != "" {
		body = fmt.Sprintf("%s\n*Reason:*\n%s", body, message.Reason)
	}
	data := json.RawMessage(fmt.Sprintf(`{
		"blocks": [
			{
				"type": "header",
				"text": {
					"type": "plain_text",
					"text": "Transaction %s",
					"emoji": true
				}
			},
			{
				"type": "section",
				"fields": [
					{
						"type": "mrkdwn",
						"text": %q
					},
					{
						"type": "mrkdwn",
						"text": "*Time:*\n%v"
					}
				]
			}
		]
	}`, message.Status, body, message.OccurredAt.Format(time.RFC822)))

	payload, err := request.ToJsonReq(&data)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conf.Notification.Slack.WebhookUrl, payload)
	if err != nil {
		return err
	}

	var response map[string]interface{}
	resp, err := request.Call(req, &response)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
