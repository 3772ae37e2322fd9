package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"relex-backend/internal/notify"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookNotifier(t *testing.T) {
	received := make(chan notify.PipelineSummary, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var summary notify.PipelineSummary
		require.NoError(t, json.NewDecoder(r.Body).Decode(&summary))
		received <- summary
	}))
	defer server.Close()

	notifier := notify.NewWebhookNotifier(server.URL)

	sent := notify.PipelineSummary{
		PipelineId: uuid.New(),
		Name:       "experiment",
		Dataset:    "test",
		Status:     "COMPLETED",
		ResultKey:  "abc/ensemble.out",
		Timestamp:  time.Now().UTC().Truncate(time.Second),
	}
	notifier.PipelineFinished(context.Background(), sent)

	select {
	case summary := <-received:
		assert.Equal(t, sent, summary)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
}

func TestWebhookNotifierServerError(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	notifier := notify.NewWebhookNotifier(server.URL)

	// Errors are logged, never propagated.
	notifier.PipelineFinished(context.Background(), notify.PipelineSummary{PipelineId: uuid.New(), Status: "FAILED"})
	assert.Greater(t, calls, 0)
}
