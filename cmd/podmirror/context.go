package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/cache"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/database"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/feed"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/ghrelease"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/ingest"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/logging"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/monitoring"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/queue"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/release"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/source"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/state"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/storage"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/tracing"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/transcoder"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/webhook"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

// stageSet selects which collaborators a command needs
type stageSet struct {
	ingest  bool
	publish bool
	feed    bool
}

var allStages = stageSet{ingest: true, publish: true, feed: true}

type commandContext struct {
	configFlag *string
	jsonFlag   *bool

	configOnce sync.Once
	config     *config.Config
	configErr  error

	loggerOnce sync.Once
	logger     *logging.Logger

	mu      sync.Mutex
	closers []func()
	cache   *cache.Cache
	queue   *queue.Queue
}

func newCommandContext(configFlag *string, jsonFlag *bool) *commandContext {
	return &commandContext{
		configFlag: configFlag,
		jsonFlag:   jsonFlag,
	}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		if path == "" {
			path = strings.TrimSpace(os.Getenv(configEnv))
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}

func (c *commandContext) ensureLogger() *logging.Logger {
	c.loggerOnce.Do(func() {
		cfg, err := c.ensureConfig()
		if err != nil || cfg == nil {
			c.logger = logging.New(os.Stderr, "info", false)
			return
		}
		logger, err := logging.NewLogger(logging.Config{
			Level:      cfg.Logging.Level,
			Format:     cfg.Logging.Format,
			Output:     cfg.Logging.Output,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		if err != nil {
			logger = logging.New(os.Stderr, cfg.Logging.Level, false)
			logger.WarnWithErr("Falling back to stderr logging", err)
		}
		c.logger = logger
	})
	return c.logger
}

// onClose registers cleanup run after the command finishes, last in first out
func (c *commandContext) onClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closers = append(c.closers, fn)
}

func (c *commandContext) onCloseCloser(name string, closer io.Closer) {
	c.onClose(func() {
		if err := closer.Close(); err != nil {
			c.ensureLogger().WarnWithErr("Failed to close "+name, err)
		}
	})
}

func (c *commandContext) close() {
	c.mu.Lock()
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

// setupTracing installs the global tracer for the lifetime of the command
func (c *commandContext) setupTracing(cfg *config.Config) error {
	closer, err := tracing.Setup(cfg.Tracing.Enabled, cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	c.onCloseCloser("tracer", closer)
	return nil
}

func (c *commandContext) buildStore(ctx context.Context, cfg *config.Config) (state.Store, error) {
	logger := c.ensureLogger()
	switch cfg.State.Backend {
	case "postgres":
		db, err := database.New(ctx, cfg.State.Database)
		if err != nil {
			return nil, err
		}
		c.onClose(db.Close)
		store, err := state.NewPostgresStore(ctx, db, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "file", "":
		return state.NewFileStore(cfg.State.Path, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown state backend %q", config.ErrInvalidConfig, cfg.State.Backend)
	}
}

// ensureCache connects to redis once. It returns nil when the cache is disabled.
func (c *commandContext) ensureCache(cfg *config.Config) (*cache.Cache, error) {
	if !cfg.Cache.Enabled {
		return nil, nil
	}
	c.mu.Lock()
	existing := c.cache
	c.mu.Unlock()
	if existing != nil {
		return existing, nil
	}

	rc, err := cache.NewCache(cfg.Cache.Host, cfg.Cache.Port, cfg.Cache.Password, cfg.Cache.DB)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cache = rc
	c.mu.Unlock()
	c.onCloseCloser("cache", rc)
	return rc, nil
}

func (c *commandContext) buildSource(cfg *config.Config) pipeline.Source {
	logger := c.ensureLogger()
	client := source.NewClient(source.Config{
		YtDlpPath:    cfg.Source.YtDlpPath,
		CookiesFile:  cfg.Source.CookiesFile,
		Timeout:      cfg.Source.Timeout,
		Retries:      cfg.Source.Retries,
		RetryBackoff: cfg.Source.RetryBackoff,
		AudioFormat:  cfg.Source.AudioFormat,
		AudioQuality: cfg.Source.AudioQuality,
	}, nil, logger)

	rc, err := c.ensureCache(cfg)
	if err != nil {
		logger.WarnWithErr("Metadata cache unavailable, fetching directly", err)
		return client
	}
	if rc == nil {
		return client
	}
	return cachedSource{
		Client: client,
		meta:   source.NewCachedMetadata(client, rc, cfg.Cache.TTL, logger),
	}
}

// cachedSource serves metadata through the redis cache
type cachedSource struct {
	*source.Client
	meta *source.CachedMetadata
}

func (s cachedSource) FetchMetadata(ctx context.Context, id string) (models.Metadata, error) {
	return s.meta.FetchMetadata(ctx, id)
}

func (c *commandContext) buildPublisher(ctx context.Context, cfg *config.Config) (release.Publisher, error) {
	logger := c.ensureLogger()
	switch cfg.Publisher.Backend {
	case "s3":
		st, err := storage.New(ctx, cfg.Publisher.S3, logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "github":
		client, err := ghrelease.New(cfg.Publisher.GitHub, logger)
		if err != nil {
			return nil, err
		}
		c.onCloseCloser("github client", client)
		return client, nil
	default:
		return nil, fmt.Errorf("%w: unknown publisher backend %q", config.ErrInvalidConfig, cfg.Publisher.Backend)
	}
}

// buildNotifiers connects the optional event sinks. A sink that cannot be
// reached is logged and left out.
func (c *commandContext) buildNotifiers(cfg *config.Config) []pipeline.Notifier {
	logger := c.ensureLogger()
	var notifiers []pipeline.Notifier

	if cfg.Notify.AMQP.Enabled {
		q, err := queue.New(cfg.Notify.AMQP)
		if err != nil {
			logger.WarnWithErr("AMQP notifications disabled", err)
		} else {
			c.onCloseCloser("amqp connection", q)
			c.queue = q
			notifiers = append(notifiers, q)
		}
	}
	if cfg.Notify.Webhook.URL != "" {
		n := webhook.New(cfg.Notify.Webhook, logger)
		c.onCloseCloser("webhook client", n)
		notifiers = append(notifiers, n)
	}
	return notifiers
}

// buildMonitor watches the ledger and, when notifications go through AMQP,
// the event queues. Call it after buildPipeline so the queue is known.
func (c *commandContext) buildMonitor(cfg *config.Config, store state.Store) *monitoring.Monitor {
	var qp monitoring.QueueProvider
	if c.queue != nil {
		qp = c.queue
	}
	return monitoring.NewMonitor(store, qp, monitoring.Thresholds{
		StaleAfter:   cfg.Monitor.StaleAfter,
		PendingBytes: cfg.Monitor.MaxPendingBytes,
		QueueDepth:   cfg.Monitor.MaxQueueDepth,
		FailureDepth: cfg.Monitor.MaxFailureDepth,
	}, cfg.Monitor.Interval, c.ensureLogger())
}

// buildPipeline wires only the collaborators the selected stages use
func (c *commandContext) buildPipeline(ctx context.Context, cfg *config.Config, stages stageSet) (*pipeline.Pipeline, error) {
	logger := c.ensureLogger()

	store, err := c.buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	deps := pipeline.Deps{Store: store, Notifiers: c.buildNotifiers(cfg)}

	if stages.ingest {
		src := c.buildSource(cfg)
		ffmpeg := transcoder.NewFFmpeg(cfg.Ingest.FFmpegPath, cfg.Ingest.FFprobePath)
		deps.Source = src
		deps.Prober = ffmpeg
		if cfg.Ingest.NormalizeLoudness {
			deps.Normalizer = ffmpeg
		}
	}
	if stages.publish {
		pub, err := c.buildPublisher(ctx, cfg)
		if err != nil {
			return nil, err
		}
		deps.Publisher = pub
	}
	if stages.feed {
		deps.Renderer = feed.NewRenderer(cfg.Feed.OutputPath, logger)
	}

	return pipeline.New(pipelineConfig(cfg), deps, logger), nil
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		PlaylistURL: cfg.Source.PlaylistURL,
		Worker: ingest.WorkerConfig{
			DownloadDir: cfg.Ingest.DownloadDir,
			MinDelay:    cfg.Ingest.MinDelay,
			MaxDelay:    cfg.Ingest.MaxDelay,
		},
		Release: release.Config{
			CapacityBytes:    cfg.Release.CapacityBytes,
			TagPrefix:        cfg.Release.TagPrefix,
			ResumeLatest:     cfg.Release.ResumeLatest,
			RemoveLocalFiles: cfg.Release.RemoveLocalFiles,
		},
		Show:     feed.NewShowConfig(cfg.Show),
		LockPath: cfg.State.LockPath,
	}
}
