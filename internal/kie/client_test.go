package kie

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meemee-bot/internal/logging"
	"meemee-bot/internal/metrics"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIKey: "secret"}, logging.Discard(), metrics.NewUnregistered())
}

func TestCreateTaskSendsVideoRequest(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/createTask", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req createTaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultModel, req.Model)
		assert.Equal(t, "Маша dances", req.Input.Prompt)
		assert.Equal(t, "landscape", req.Input.AspectRatio)
		assert.Equal(t, "10", req.Input.NFrames)
		assert.True(t, req.Input.RemoveWatermark)

		_, _ = w.Write([]byte(`{"code":200,"msg":"ok","data":{"taskId":"task-9"}}`))
	})

	id, err := client.CreateTask(context.Background(), "Маша dances")
	require.NoError(t, err)
	assert.Equal(t, "task-9", id)
}

func TestCreateTaskEnvelopeError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":402,"msg":"insufficient credits"}`))
	})
	_, err := client.CreateTask(context.Background(), "p")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient credits")
}

func TestCreateTaskUnauthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := client.CreateTask(context.Background(), "p")
	assert.True(t, errors.Is(err, ErrInvalidCredential))
}

func TestRecordInfoResultFormats(t *testing.T) {
	cases := map[string]string{
		"string": `{"code":200,"data":{"taskId":"t","state":"success","resultJson":"{\"resultUrls\":[\"https://cdn/v.mp4\"]}"}}`,
		"object": `{"code":200,"data":{"taskId":"t","state":"success","resultJson":{"resultUrls":["https://cdn/v.mp4"]}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/recordInfo", r.URL.Path)
				assert.Equal(t, "t", r.URL.Query().Get("taskId"))
				_, _ = w.Write([]byte(body))
			})
			info, err := client.RecordInfo(context.Background(), "t")
			require.NoError(t, err)
			assert.Equal(t, StateSuccess, info.State)
			assert.Equal(t, []string{"https://cdn/v.mp4"}, info.ResultURLs)
		})
	}
}

func TestRecordInfoFailure(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":200,"data":{"taskId":"t","state":"fail","failMsg":"content policy"}}`))
	})
	info, err := client.RecordInfo(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, StateFail, info.State)
	assert.Equal(t, "content policy", info.FailMsg)
	assert.Empty(t, info.ResultURLs)
}
