package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"resty.dev/v3"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// Retry delays between delivery attempts
var retryDelays = []time.Duration{
	5 * time.Second,
	30 * time.Second,
	2 * time.Minute,
}

// Notifier posts signed pipeline events to a single endpoint
type Notifier struct {
	client  *resty.Client
	url     string
	secret  string
	retries int
	delays  []time.Duration
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *logging.Logger
}

// New creates a webhook notifier
func New(cfg config.WebhookConfig, logger *logging.Logger) *Notifier {
	if logger == nil {
		logger = logging.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("User-Agent", "podmirror-webhook/1.0")

	return &Notifier{
		client:  client,
		url:     cfg.URL,
		secret:  cfg.Secret,
		retries: cfg.Retries,
		delays:  retryDelays,
		sleep:   sleepContext,
		logger:  logger,
	}
}

// Close releases idle connections
func (n *Notifier) Close() error {
	return n.client.Close()
}

// Name identifies the notifier in logs and metrics
func (n *Notifier) Name() string {
	return "webhook"
}

// EpisodePublished sends notification when an episode is published
func (n *Notifier) EpisodePublished(ctx context.Context, evt models.EpisodePublishedEvent) error {
	return n.Notify(ctx, evt.Event, evt)
}

// EpisodeFailed sends notification when an item is skipped or left unpublished
func (n *Notifier) EpisodeFailed(ctx context.Context, evt models.EpisodeFailedEvent) error {
	return n.Notify(ctx, evt.Event, evt)
}

// FeedGenerated sends notification when the feed is regenerated
func (n *Notifier) FeedGenerated(ctx context.Context, evt models.FeedGeneratedEvent) error {
	return n.Notify(ctx, evt.Event, evt)
}

// Notify delivers payload, retrying failed attempts with backoff. Every
// attempt carries the same delivery ID so receivers can deduplicate.
func (n *Notifier) Notify(ctx context.Context, event string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	deliveryID := uuid.New().String()
	log := n.logger.WithFields(map[string]interface{}{
		"event":       event,
		"delivery_id": deliveryID,
	})

	var lastErr error
	for attempt := 0; attempt <= n.retries; attempt++ {
		if attempt > 0 {
			if err := n.sleep(ctx, n.delay(attempt)); err != nil {
				return err
			}
		}

		lastErr = n.deliver(ctx, event, deliveryID, body)
		if lastErr == nil {
			log.Debug("Webhook delivered")
			return nil
		}
		log.WithField("attempt", attempt+1).WarnWithErr("Webhook delivery failed", lastErr)
	}

	return fmt.Errorf("webhook delivery of %s failed after %d attempts: %w", event, n.retries+1, lastErr)
}

func (n *Notifier) deliver(ctx context.Context, event, deliveryID string, payload []byte) error {
	req := n.client.R().
		SetContext(ctx).
		SetHeader("X-Webhook-Event", event).
		SetHeader("X-Webhook-Delivery", deliveryID).
		SetBody(payload)

	if n.secret != "" {
		req.SetHeader("X-Webhook-Signature", Signature(payload, n.secret))
	}

	resp, err := req.Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode())
	}
	return nil
}

func (n *Notifier) delay(attempt int) time.Duration {
	if len(n.delays) == 0 {
		return 0
	}
	if attempt > len(n.delays) {
		return n.delays[len(n.delays)-1]
	}
	return n.delays[attempt-1]
}

// Signature generates the HMAC-SHA256 signature header value for payload
func Signature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether signature matches payload
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Signature(payload, secret)), []byte(signature))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
