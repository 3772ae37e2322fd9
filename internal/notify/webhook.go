package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

// PipelineSummary is posted to the configured webhook when a pipeline reaches
// a terminal state.
type PipelineSummary struct {
	PipelineId uuid.UUID `json:"pipeline_id"`
	Name       string    `json:"name"`
	Dataset    string    `json:"dataset"`
	Status     string    `json:"status"`
	ResultKey  string    `json:"result_key,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type Notifier interface {
	PipelineFinished(ctx context.Context, summary PipelineSummary)
}

type WebhookNotifier struct {
	client *resty.Client
	url    string
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(2 * time.Second)

	return &WebhookNotifier{client: client, url: url}
}

// PipelineFinished delivers the summary. Delivery failures are logged, never
// propagated; notification must not affect pipeline state.
func (n *WebhookNotifier) PipelineFinished(ctx context.Context, summary PipelineSummary) {
	res, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(summary).
		Post(n.url)
	if err != nil {
		slog.Error("error delivering pipeline webhook", "pipeline_id", summary.PipelineId, "url", n.url, "error", err)
		return
	}
	if res.IsError() {
		slog.Error("pipeline webhook rejected", "pipeline_id", summary.PipelineId, "url", n.url, "status", res.StatusCode(), "body", fmt.Sprintf("%.200s", res.String()))
		return
	}

	slog.Info("delivered pipeline webhook", "pipeline_id", summary.PipelineId, "status", summary.Status)
}

// NoopNotifier is used when no webhook URL is configured.
type NoopNotifier struct{}

func (NoopNotifier) PipelineFinished(ctx context.Context, summary PipelineSummary) {}
