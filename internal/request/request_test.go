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

package request

import (
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToJsonReq(t *testing.T) {
	payload := map[string]string{"key": "value"}
	buf, err := ToJsonReq(payload)
	assert.NoError(t, err)
	assert.JSONEq(t, `{"key":"value"}`, buf.String())
}

func TestCall(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("POST", "http://example.com/hook",
		httpmock.NewStringResponder(200, `{"ok": true}`))

	buf, err := ToJsonReq(map[string]string{"event": "transaction.posted"})
	require.NoError(t, err)

	req, err := http.NewRequest("POST", "http://example.com/hook", buf)
	require.NoError(t, err)

	var response map[string]interface{}
	resp, err := Call(req, &response)
	assert.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, true, response["ok"])
	assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestCallToleratesNonJSONResponseBodies(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	// Receivers commonly acknowledge with an empty body or a bare "ok"
	// (Slack's incoming webhooks do the latter). Neither may fail the call:
	// by the time the body is read the request has already been delivered.
	for name, body := range map[string]string{
		"empty body": "",
		"bare ok":    "ok",
		"truncated":  `{"ok":`,
		"json array": `[1, 2]`,
	} {
		httpmock.RegisterResponder("POST", "http://example.com/hook",
			httpmock.NewStringResponder(200, body))

		req, err := http.NewRequest("POST", "http://example.com/hook", nil)
		require.NoError(t, err)

		var response map[string]interface{}
		resp, err := Call(req, &response)
		assert.NoError(t, err, name)
		assert.Equal(t, 200, resp.StatusCode, name)
	}
}
