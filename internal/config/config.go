package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// DefaultCapacityBytes keeps a safety margin under a 2GB per-release limit
const DefaultCapacityBytes int64 = 1932735283 // 1.8 GiB

// Config holds all configuration for the application
type Config struct {
	Show      ShowConfig
	Source    SourceConfig
	Ingest    IngestConfig
	Release   ReleaseConfig
	Publisher PublisherConfig
	State     StateConfig
	Feed      FeedConfig
	Cache     CacheConfig
	Notify    NotifyConfig
	Metrics   MetricsConfig
	Monitor   MonitorConfig
	Tracing   TracingConfig
	Server    ServerConfig
	Schedule  ScheduleConfig
	Logging   LoggingConfig
}

// ShowConfig holds podcast-level metadata
type ShowConfig struct {
	Title       string
	Description string
	Author      string
	Language    string
	Link        string
	Category    string
	ImageURL    string
	Explicit    bool
	Email       string
}

// SourceConfig holds video platform client configuration
type SourceConfig struct {
	PlaylistURL  string
	YtDlpPath    string
	CookiesFile  string
	Timeout      time.Duration
	Retries      int
	RetryBackoff time.Duration
	AudioFormat  string
	AudioQuality string
}

// IngestConfig holds ingestion worker configuration
type IngestConfig struct {
	DownloadDir       string
	MinDelay          time.Duration
	MaxDelay          time.Duration
	FFprobePath       string
	FFmpegPath        string
	NormalizeLoudness bool
}

// ReleaseConfig holds release batching configuration
type ReleaseConfig struct {
	CapacityBytes    int64
	TagPrefix        string
	ResumeLatest     bool
	RemoveLocalFiles bool
}

// PublisherConfig selects and configures the blob publisher
type PublisherConfig struct {
	Backend string // s3, github
	S3      S3Config
	GitHub  GitHubConfig
}

// S3Config holds S3-compatible object storage configuration
type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool
	PublicBaseURL   string
}

// GitHubConfig holds GitHub Releases configuration
type GitHubConfig struct {
	Token      string
	Repository string // owner/name
	APIURL     string
	UploadURL  string
	Timeout    time.Duration
	Retries    int
}

// StateConfig holds state store configuration
type StateConfig struct {
	Backend  string // file, postgres
	Path     string
	LockPath string
	Database DatabaseConfig
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// FeedConfig holds feed rendering configuration
type FeedConfig struct {
	OutputPath string
}

// CacheConfig holds Redis configuration for the metadata cache
type CacheConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	TTL      time.Duration
}

// NotifyConfig holds notification configuration
type NotifyConfig struct {
	AMQP    AMQPConfig
	Webhook WebhookConfig
}

// AMQPConfig holds message queue configuration
type AMQPConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Vhost    string
	Exchange string
}

// WebhookConfig holds webhook configuration
type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Retries int
}

// MetricsConfig holds metrics export configuration
type MetricsConfig struct {
	Textfile string
	Addr     string // listen address of the standalone metrics server used by schedule
}

// MonitorConfig holds ledger health thresholds. Zero disables a check.
type MonitorConfig struct {
	Interval        time.Duration
	StaleAfter      time.Duration
	MaxPendingBytes int64
	MaxQueueDepth   int
	MaxFailureDepth int
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Endpoint    string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	JWTSecret       string
	RateLimitRPS    int
	RateLimitBurst  int
}

// ScheduleConfig holds recurring run configuration
type ScheduleConfig struct {
	Cron string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads configuration from an optional file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PODMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)
	bindLegacyEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("%w: config file %s: %v", ErrInvalidConfig, configPath, err)
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.State.LockPath == "" && config.State.Path != "" {
		config.State.LockPath = config.State.Path + ".lock"
	}

	return &config, nil
}

// bindLegacyEnv maps the environment names used by CI workflows.
func bindLegacyEnv(v *viper.Viper) {
	_ = v.BindEnv("source.playlistURL", "PODMIRROR_SOURCE_PLAYLISTURL", "PLAYLIST_URL")
	_ = v.BindEnv("publisher.github.token", "PODMIRROR_PUBLISHER_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("publisher.github.repository", "PODMIRROR_PUBLISHER_GITHUB_REPOSITORY", "GITHUB_REPOSITORY")
}

func setDefaults(v *viper.Viper) {
	// Show defaults
	for _, key := range []string{"title", "description", "author", "language", "link", "imageURL", "email"} {
		v.SetDefault("show."+key, "")
	}
	v.SetDefault("show.category", "Technology")
	v.SetDefault("show.explicit", false)

	// Source defaults
	v.SetDefault("source.ytDlpPath", "yt-dlp")
	v.SetDefault("source.cookiesFile", "/tmp/yt_cookies.txt")
	v.SetDefault("source.timeout", "30m")
	v.SetDefault("source.retries", 3)
	v.SetDefault("source.retryBackoff", "10s")
	v.SetDefault("source.audioFormat", "mp3")
	v.SetDefault("source.audioQuality", "128K")

	// Ingest defaults
	v.SetDefault("ingest.downloadDir", "downloads")
	v.SetDefault("ingest.minDelay", "5s")
	v.SetDefault("ingest.maxDelay", "10s")
	v.SetDefault("ingest.ffprobePath", "ffprobe")
	v.SetDefault("ingest.ffmpegPath", "ffmpeg")
	v.SetDefault("ingest.normalizeLoudness", false)

	// Release defaults
	v.SetDefault("release.capacityBytes", DefaultCapacityBytes)
	v.SetDefault("release.tagPrefix", "release")
	v.SetDefault("release.resumeLatest", true)
	v.SetDefault("release.removeLocalFiles", false)

	// Publisher defaults
	v.SetDefault("publisher.backend", "github")
	v.SetDefault("publisher.s3.endpoint", "localhost:9000")
	v.SetDefault("publisher.s3.bucketName", "podcast")
	v.SetDefault("publisher.s3.region", "us-east-1")
	v.SetDefault("publisher.s3.useSSL", false)
	v.SetDefault("publisher.s3.accessKeyID", "")
	v.SetDefault("publisher.s3.secretAccessKey", "")
	v.SetDefault("publisher.s3.publicBaseURL", "")
	v.SetDefault("publisher.github.apiURL", "https://api.github.com")
	v.SetDefault("publisher.github.uploadURL", "https://uploads.github.com")
	v.SetDefault("publisher.github.timeout", "10m")
	v.SetDefault("publisher.github.retries", 3)

	// State defaults
	v.SetDefault("state.backend", "file")
	v.SetDefault("state.path", "state/processed_videos.json")
	v.SetDefault("state.lockPath", "")
	v.SetDefault("state.database.host", "localhost")
	v.SetDefault("state.database.port", 5432)
	v.SetDefault("state.database.user", "postgres")
	v.SetDefault("state.database.password", "postgres")
	v.SetDefault("state.database.dbname", "podmirror")
	v.SetDefault("state.database.sslmode", "disable")
	v.SetDefault("state.database.maxConns", 4)
	v.SetDefault("state.database.minConns", 1)

	// Feed defaults
	v.SetDefault("feed.outputPath", "feed/podcast.xml")

	// Cache defaults
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.password", "")
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.ttl", "168h")

	// Notify defaults
	v.SetDefault("notify.amqp.enabled", false)
	v.SetDefault("notify.amqp.host", "localhost")
	v.SetDefault("notify.amqp.port", 5672)
	v.SetDefault("notify.amqp.user", "guest")
	v.SetDefault("notify.amqp.password", "guest")
	v.SetDefault("notify.amqp.vhost", "/")
	v.SetDefault("notify.amqp.exchange", "podmirror")
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.secret", "")
	v.SetDefault("notify.webhook.timeout", "30s")
	v.SetDefault("notify.webhook.retries", 3)

	// Metrics defaults
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("metrics.addr", ":9090")

	// Monitor defaults
	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.staleAfter", "48h")
	v.SetDefault("monitor.maxPendingBytes", int64(4<<30))
	v.SetDefault("monitor.maxQueueDepth", 1000)
	v.SetDefault("monitor.maxFailureDepth", 100)

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.serviceName", "podmirror")
	v.SetDefault("tracing.endpoint", "http://localhost:14268/api/traces")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.jwtSecret", "")
	v.SetDefault("server.rateLimitRPS", 10)
	v.SetDefault("server.rateLimitBurst", 20)

	// Schedule defaults
	v.SetDefault("schedule.cron", "0 */6 * * *")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.maxSizeMB", 50)
	v.SetDefault("logging.maxBackups", 5)
	v.SetDefault("logging.maxAgeDays", 30)
	v.SetDefault("logging.compress", true)
}

// ValidateIngest checks everything the ingest stage needs
func (c *Config) ValidateIngest() error {
	var missing []string
	if strings.TrimSpace(c.Source.PlaylistURL) == "" {
		missing = append(missing, "source.playlistURL (PLAYLIST_URL)")
	}
	if c.Ingest.DownloadDir == "" {
		missing = append(missing, "ingest.downloadDir")
	}
	if err := missingErr(missing); err != nil {
		return err
	}
	if c.Ingest.MinDelay < 0 || c.Ingest.MaxDelay < c.Ingest.MinDelay {
		return fmt.Errorf("%w: ingest delay bounds must satisfy 0 <= minDelay <= maxDelay", ErrInvalidConfig)
	}
	return c.validateState()
}

// ValidatePublish checks everything the publish stage needs
func (c *Config) ValidatePublish() error {
	if c.Release.CapacityBytes <= 0 {
		return fmt.Errorf("%w: release.capacityBytes must be positive", ErrInvalidConfig)
	}

	var missing []string
	switch c.Publisher.Backend {
	case "github":
		if c.Publisher.GitHub.Token == "" {
			missing = append(missing, "publisher.github.token (GITHUB_TOKEN)")
		}
		if c.Publisher.GitHub.Repository == "" {
			missing = append(missing, "publisher.github.repository (GITHUB_REPOSITORY)")
		} else if parts := strings.Split(c.Publisher.GitHub.Repository, "/"); len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("%w: invalid repository format %q, want owner/name", ErrInvalidConfig, c.Publisher.GitHub.Repository)
		}
	case "s3":
		if c.Publisher.S3.Endpoint == "" {
			missing = append(missing, "publisher.s3.endpoint")
		}
		if c.Publisher.S3.BucketName == "" {
			missing = append(missing, "publisher.s3.bucketName")
		}
		if c.Publisher.S3.PublicBaseURL == "" {
			missing = append(missing, "publisher.s3.publicBaseURL")
		}
	default:
		return fmt.Errorf("%w: unknown publisher backend %q", ErrInvalidConfig, c.Publisher.Backend)
	}
	if err := missingErr(missing); err != nil {
		return err
	}
	return c.validateState()
}

// ValidateFeed checks everything the feed stage needs
func (c *Config) ValidateFeed() error {
	var missing []string
	if c.Show.Title == "" {
		missing = append(missing, "show.title")
	}
	if c.Show.Description == "" {
		missing = append(missing, "show.description")
	}
	if c.Show.Author == "" {
		missing = append(missing, "show.author")
	}
	if c.Show.Language == "" {
		missing = append(missing, "show.language")
	}
	if c.Show.Link == "" {
		missing = append(missing, "show.link")
	}
	if c.Feed.OutputPath == "" {
		missing = append(missing, "feed.outputPath")
	}
	if err := missingErr(missing); err != nil {
		return err
	}
	return c.validateState()
}

func (c *Config) validateState() error {
	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			return fmt.Errorf("%w: missing required fields: state.path", ErrInvalidConfig)
		}
	case "postgres":
		if c.State.Database.Host == "" || c.State.Database.DBName == "" {
			return fmt.Errorf("%w: missing required fields: state.database.host, state.database.dbname", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown state backend %q", ErrInvalidConfig, c.State.Backend)
	}
	return nil
}

func missingErr(missing []string) error {
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: missing required fields: %s", ErrInvalidConfig, strings.Join(missing, ", "))
}
