package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
)

// FFmpeg wraps FFmpeg operations
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
}

// NewFFmpeg creates a new FFmpeg instance
func NewFFmpeg(ffmpegPath, ffprobePath string) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
	}
}

// AudioMetadata holds audio metadata extracted from ffprobe
type AudioMetadata struct {
	Format  FormatInfo   `json:"format"`
	Streams []StreamInfo `json:"streams"`
}

// FormatInfo holds format information
type FormatInfo struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// StreamInfo holds stream information
type StreamInfo struct {
	CodecType  string `json:"codec_type"`
	CodecName  string `json:"codec_name"`
	SampleRate string `json:"sample_rate"`
	Channels   int    `json:"channels"`
	BitRate    string `json:"bit_rate"`
	Duration   string `json:"duration"`
}

// ProbeAudio extracts metadata from an audio file
func (f *FFmpeg) ProbeAudio(ctx context.Context, inputPath string) (*AudioMetadata, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		inputPath,
	}

	cmd := exec.CommandContext(ctx, f.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w, stderr: %s", err, stderr.String())
	}

	return parseProbeOutput(stdout.Bytes())
}

// Duration returns the whole-second duration of an audio file
func (f *FFmpeg) Duration(ctx context.Context, inputPath string) (int64, error) {
	metadata, err := f.ProbeAudio(ctx, inputPath)
	if err != nil {
		return 0, err
	}
	return metadata.DurationSeconds()
}

// DurationSeconds reads the container duration, falling back to the first
// audio stream.
func (m *AudioMetadata) DurationSeconds() (int64, error) {
	candidates := []string{m.Format.Duration}
	for _, stream := range m.Streams {
		if stream.CodecType == "audio" {
			candidates = append(candidates, stream.Duration)
			break
		}
	}

	for _, raw := range candidates {
		if raw == "" || raw == "N/A" {
			continue
		}
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds < 0 || math.IsNaN(seconds) {
			continue
		}
		return int64(seconds), nil
	}
	return 0, fmt.Errorf("no duration in ffprobe output for %s", m.Format.Filename)
}

func parseProbeOutput(data []byte) (*AudioMetadata, error) {
	var metadata AudioMetadata
	if err := json.Unmarshal(data, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	return &metadata, nil
}
