package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/podmirror/internal/config"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/middleware"
	"github.com/therealutkarshpriyadarshi/podmirror/internal/pipeline"
	"github.com/therealutkarshpriyadarshi/podmirror/pkg/models"
)

const sampleState = `{
  "last_updated": "2024-06-01T12:00:00Z",
  "videos": [
    {"id": "a", "title": "Alpha", "discovered_at": "2024-06-01T10:00:00Z", "size_bytes": 1048576,
     "batch_id": "release-2024-06-01-100000", "public_url": "https://example.com/a.mp3"},
    {"id": "b", "title": "Beta", "discovered_at": "2024-06-01T11:00:00Z", "size_bytes": 2048,
     "local_path": "downloads/b.mp3"}
  ]
}`

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	t.Setenv("PLAYLIST_URL", "")
	t.Setenv("GITHUB_TOKEN", "")
	t.Setenv("GITHUB_REPOSITORY", "")
	t.Setenv(configEnv, "")

	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(sampleState), 0o644))

	cfg := "state:\n  path: " + statePath + "\n" +
		"logging:\n  output: stderr\n  format: json\n  level: error\n" +
		"server:\n  jwtSecret: cli-secret\n" + extra
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusJSON(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "--json", "status")
	require.NoError(t, err)

	var report pipeline.StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Counts[models.VideoStatusPublished])
	assert.Equal(t, 1, report.Counts[models.VideoStatusIngested])
	assert.Equal(t, int64(2048), report.PendingBytes)
	require.Len(t, report.Batches, 1)
	assert.Equal(t, "release-2024-06-01-100000", report.Batches[0].Tag)
}

func TestStatusTable(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "release-2024-06-01-100000")
	assert.Contains(t, out, "1.0 MiB")
	assert.Contains(t, out, "2.0 KiB")
}

func TestConfigFromEnvironment(t *testing.T) {
	path := writeConfig(t, "")
	t.Setenv(configEnv, path)

	out, err := execute(t, "--json", "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"total": 2`)
}

func TestStageRejectsIncompleteConfig(t *testing.T) {
	path := writeConfig(t, "")

	tests := []struct {
		name string
		args []string
	}{
		{"ingest without playlist", []string{"ingest"}},
		{"publish without credentials", []string{"publish"}},
		{"feed without show", []string{"feed"}},
		{"run without anything", []string{"run"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, append([]string{"--config", path}, tt.args...)...)
			assert.ErrorIs(t, err, config.ErrInvalidConfig)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	writeConfig(t, "")
	_, err := execute(t, "--config", filepath.Join(t.TempDir(), "absent.yaml"), "status")
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestTokenCommand(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "token", "--subject", "ci", "--ttl", "1h")
	require.NoError(t, err)

	claims, err := middleware.NewAuthenticator("cli-secret").Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
	assert.Equal(t, middleware.ScopeRun, claims.Scope)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, time.Minute)
}

func TestRenderSummary(t *testing.T) {
	out := renderSummary(pipeline.Summary{
		RunID:        "run-1",
		Stage:        pipeline.StageRun,
		New:          2,
		Published:    2,
		Total:        5,
		FeedEpisodes: 5,
		Batches: []models.ReleaseBatch{
			{Tag: "release-2024-06-01-120000", CumulativeBytes: 500 << 20, Episodes: 1},
		},
	})

	assert.Contains(t, out, "run-1")
	assert.Contains(t, out, "Feed episodes")
	assert.Contains(t, out, "500 MiB")
	assert.Contains(t, out, "release-2024-06-01-120000")
}
