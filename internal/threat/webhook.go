package threat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// WebhookSink posts each alert as JSON to a URL.
type WebhookSink struct {
	url        string
	httpClient *http.Client
	log        *slog.Logger
}

// NewWebhookSink creates a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: slog.Default().With("component", "threat-webhook"),
	}
}

// Emit posts a. Non-2xx responses are errors.
func (w *WebhookSink) Emit(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tb-shellguard")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("webhook failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}
	w.log.Debug("alert delivered", "id", a.ID, "rule", a.Rule)
	return nil
}
