package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// LogNotifier writes events to the log. Used when no mail relay is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier { return &LogNotifier{log: log} }

func (n *LogNotifier) Notify(_ context.Context, ev Event) error {
	n.log.Info("notification",
		zap.String("kind", string(ev.Kind)),
		zap.String("transaction_id", ev.TransactionID),
		zap.String("borrower_id", ev.BorrowerID),
		zap.Time("expected_return_date", ev.ExpectedReturnDate),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// WebhookNotifier POSTs the event as JSON to the mail relay.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (n *WebhookNotifier) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode event: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// 4xx は再送しても結果が変わらない
		return backoff.Permanent(fmt.Errorf("webhook rejected event: status %d", resp.StatusCode))
	default:
		return fmt.Errorf("webhook unavailable: status %d", resp.StatusCode)
	}
}
