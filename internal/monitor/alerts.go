package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mediaops/mediaops/pkg/errors"
)

// AlertSink delivers a raised alert to one notification channel.
type AlertSink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

// ConsoleSink writes alerts to the structured log.
type ConsoleSink struct {
	logger *slog.Logger
}

func NewConsoleSink() *ConsoleSink {
	return &ConsoleSink{logger: slog.Default().With("component", "alerts")}
}

func (s *ConsoleSink) Name() string { return "console" }

func (s *ConsoleSink) Send(_ context.Context, a Alert) error {
	s.logger.Warn(a.Message,
		"alert_id", a.ID,
		"metric", a.Metric,
		"severity", a.Severity,
		"value", a.Value,
		"threshold", a.Threshold)
	return nil
}

// WebhookSink POSTs alerts as JSON to a configured endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Send(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to encode alert").
			WithCause(err).
			WithComponent("alerts")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return errors.New(errors.ErrCodeInvalidArgument, "invalid webhook url").
			WithCause(err).
			WithComponent("alerts")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.New(errors.ErrCodeNetworkError, "webhook delivery failed").
			WithCause(err).
			WithComponent("alerts").
			WithContext("url", s.url)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.New(errors.ErrCodeNetworkError,
			fmt.Sprintf("webhook returned status %d", resp.StatusCode)).
			WithComponent("alerts").
			WithContext("url", s.url)
	}
	return nil
}
