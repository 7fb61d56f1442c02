package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podmirror.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
show:
  title: "My Show"
  description: "Mirrored talks"
  author: "Someone"
  language: "en"
  link: "https://example.com"
source:
  playlistURL: "https://www.youtube.com/playlist?list=PL123"
ingest:
  minDelay: 1s
  maxDelay: 2s
release:
  capacityBytes: 1000
publisher:
  backend: s3
  s3:
    endpoint: "minio:9000"
    bucketName: "episodes"
    publicBaseURL: "https://cdn.example.com"
state:
  path: "/var/lib/podmirror/state.json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Show.Title != "My Show" {
		t.Errorf("Expected title My Show, got %s", cfg.Show.Title)
	}
	if cfg.Show.Category != "Technology" {
		t.Errorf("Expected default category Technology, got %s", cfg.Show.Category)
	}
	if cfg.Ingest.MaxDelay != 2*time.Second {
		t.Errorf("Expected max delay 2s, got %s", cfg.Ingest.MaxDelay)
	}
	if cfg.Release.CapacityBytes != 1000 {
		t.Errorf("Expected capacity 1000, got %d", cfg.Release.CapacityBytes)
	}
	if cfg.State.LockPath != "/var/lib/podmirror/state.json.lock" {
		t.Errorf("Expected derived lock path, got %s", cfg.State.LockPath)
	}

	for name, validate := range map[string]func() error{
		"ingest":  cfg.ValidateIngest,
		"publish": cfg.ValidatePublish,
		"feed":    cfg.ValidateFeed,
	} {
		if err := validate(); err != nil {
			t.Errorf("%s validation failed: %v", name, err)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load defaults: %v", err)
	}

	if cfg.Release.CapacityBytes != DefaultCapacityBytes {
		t.Errorf("Expected default capacity %d, got %d", DefaultCapacityBytes, cfg.Release.CapacityBytes)
	}
	if cfg.Ingest.MinDelay != 5*time.Second || cfg.Ingest.MaxDelay != 10*time.Second {
		t.Errorf("Unexpected delay bounds %s..%s", cfg.Ingest.MinDelay, cfg.Ingest.MaxDelay)
	}
	if cfg.State.Path != "state/processed_videos.json" {
		t.Errorf("Unexpected state path %s", cfg.State.Path)
	}
	if cfg.Feed.OutputPath != "feed/podcast.xml" {
		t.Errorf("Unexpected feed path %s", cfg.Feed.OutputPath)
	}
	if cfg.Monitor.Interval != time.Minute || cfg.Monitor.StaleAfter != 48*time.Hour {
		t.Errorf("Unexpected monitor timings %s/%s", cfg.Monitor.Interval, cfg.Monitor.StaleAfter)
	}
	if cfg.Monitor.MaxPendingBytes != 4<<30 {
		t.Errorf("Unexpected pending threshold %d", cfg.Monitor.MaxPendingBytes)
	}
}

func TestLoadLegacyEnvironment(t *testing.T) {
	t.Setenv("PLAYLIST_URL", "https://www.youtube.com/playlist?list=PLenv")
	t.Setenv("GITHUB_TOKEN", "ghp_test")
	t.Setenv("GITHUB_REPOSITORY", "owner/repo")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Source.PlaylistURL != "https://www.youtube.com/playlist?list=PLenv" {
		t.Errorf("Expected playlist from env, got %q", cfg.Source.PlaylistURL)
	}
	if cfg.Publisher.GitHub.Token != "ghp_test" {
		t.Errorf("Expected token from env, got %q", cfg.Publisher.GitHub.Token)
	}
	if err := cfg.ValidatePublish(); err != nil {
		t.Errorf("Expected publish config to validate, got %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent.yaml")
	if err == nil {
		t.Error("Expected error when loading nonexistent file")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateFeedMissingShowFields(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Show.Title = "Only a title"

	err = cfg.ValidateFeed()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateIngest(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}, wantErr: false},
		{name: "missing playlist", mutate: func(c *Config) { c.Source.PlaylistURL = "" }, wantErr: true},
		{name: "inverted delays", mutate: func(c *Config) { c.Ingest.MinDelay = 3 * time.Second; c.Ingest.MaxDelay = time.Second }, wantErr: true},
		{name: "unknown state backend", mutate: func(c *Config) { c.State.Backend = "etcd" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			cfg.Source.PlaylistURL = "https://www.youtube.com/playlist?list=PL1"
			tt.mutate(cfg)

			err = cfg.ValidateIngest()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIngest() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePublishBadRepository(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Publisher.GitHub.Token = "x"
	cfg.Publisher.GitHub.Repository = "no-slash"

	if err := cfg.ValidatePublish(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Expected ErrInvalidConfig, got %v", err)
	}
}
