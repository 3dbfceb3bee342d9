package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/okoabh/okoa-automated-processor-sub000/pkg/retry"
)

// Notifier delivers operator-facing alerts. Implementations are
// fire-and-forget: a failed delivery must never fail job progress.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

// ChatWebhook posts alerts to a chat incoming-webhook URL.
type ChatWebhook struct {
	client *http.Client
	url    string
	logger *slog.Logger
}

// NewChatWebhook creates a ChatWebhook notifier. An empty URL yields a
// notifier that drops everything (useful in dev).
func NewChatWebhook(url string, logger *slog.Logger) *ChatWebhook {
	return &ChatWebhook{
		client: &http.Client{Timeout: 10 * time.Second},
		url:    url,
		logger: logger,
	}
}

type chatMessage struct {
	Text string `json:"text"`
}

// Notify posts the message. Errors are retried briefly, then logged and
// swallowed.
func (n *ChatWebhook) Notify(ctx context.Context, text string) {
	if n.url == "" {
		return
	}

	body, err := json.Marshal(chatMessage{Text: text})
	if err != nil {
		n.logger.Error("marshal chat message", slog.String("error", err.Error()))
		return
	}

	err = retry.Do(ctx, retry.Config{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond}, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build chat request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			return fmt.Errorf("chat webhook call: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("chat webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		n.logger.Error("chat notification dropped", slog.String("error", err.Error()))
	}
}
