package pipeline

import (
	"context"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/metrics"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// Notifier receives pipeline events. Delivery is best effort: failures are
// logged and never fail the stage.
type Notifier interface {
	Name() string
	EpisodePublished(ctx context.Context, evt models.EpisodePublishedEvent) error
	EpisodeFailed(ctx context.Context, evt models.EpisodeFailedEvent) error
	FeedGenerated(ctx context.Context, evt models.FeedGeneratedEvent) error
}

func (p *Pipeline) notify(ctx context.Context, event string, send func(Notifier) error) {
	for _, n := range p.notifiers {
		err := send(n)
		metrics.RecordNotification(n.Name(), err)
		if err != nil {
			p.logger.WithFields(map[string]interface{}{
				"notifier": n.Name(),
				"event":    event,
			}).WarnWithErr("Notification failed", err)
		}
	}
}

func (p *Pipeline) notifyPublished(ctx context.Context, rec models.VideoRecord) {
	evt := models.NewEpisodePublishedEvent(rec, p.now())
	p.notify(ctx, evt.Event, func(n Notifier) error { return n.EpisodePublished(ctx, evt) })
}

func (p *Pipeline) notifyFailed(ctx context.Context, videoID, stage string, err error) {
	reason := "unknown"
	if err != nil {
		reason = err.Error()
	}
	evt := models.NewEpisodeFailedEvent(videoID, stage, reason, p.now())
	p.notify(ctx, evt.Event, func(n Notifier) error { return n.EpisodeFailed(ctx, evt) })
}

func (p *Pipeline) notifyFeed(ctx context.Context, path string, episodes int) {
	evt := models.NewFeedGeneratedEvent(path, episodes, p.now())
	p.notify(ctx, evt.Event, func(n Notifier) error { return n.FeedGenerated(ctx, evt) })
}
