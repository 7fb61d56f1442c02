package transcoder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// AudioNormalizationOptions holds options for audio normalization
type AudioNormalizationOptions struct {
	InputPath     string
	OutputPath    string
	TargetLevel   float64 // Target loudness level in LUFS (default: -16.0)
	TruePeak      float64 // True peak in dBTP (default: -1.5)
	LoudnessRange float64 // Loudness range in LU (default: 11.0)
	Bitrate       string  // MP3 bitrate (default: 128k)
	DualPass      bool    // Use two-pass normalization for better results
}

func (o *AudioNormalizationOptions) setDefaults() {
	if o.TargetLevel == 0 {
		o.TargetLevel = -16.0
	}
	if o.TruePeak == 0 {
		o.TruePeak = -1.5
	}
	if o.LoudnessRange == 0 {
		o.LoudnessRange = 11.0
	}
	if o.Bitrate == "" {
		o.Bitrate = "128k"
	}
}

// NormalizeAudio normalizes audio levels using loudnorm filter
func (f *FFmpeg) NormalizeAudio(ctx context.Context, opts AudioNormalizationOptions) error {
	opts.setDefaults()

	if opts.DualPass {
		return f.normalizeTwoPass(ctx, opts)
	}

	return f.normalizeSinglePass(ctx, opts)
}

// NormalizeInPlace normalizes an MP3 and replaces it. On failure the original
// file is left untouched.
func (f *FFmpeg) NormalizeInPlace(ctx context.Context, path string) error {
	ext := filepath.Ext(path)
	tmp := strings.TrimSuffix(path, ext) + ".loudnorm" + ext

	err := f.NormalizeAudio(ctx, AudioNormalizationOptions{
		InputPath:  path,
		OutputPath: tmp,
		DualPass:   true,
	})
	if err != nil {
		os.Remove(tmp)
		return err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace normalized audio: %w", err)
	}
	return nil
}

func loudnormFilter(opts AudioNormalizationOptions) string {
	return fmt.Sprintf("loudnorm=I=%.1f:TP=%.1f:LRA=%.1f",
		opts.TargetLevel, opts.TruePeak, opts.LoudnessRange)
}

func encodeArgs(opts AudioNormalizationOptions, filter string) []string {
	return []string{
		"-i", opts.InputPath,
		"-af", filter,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", opts.Bitrate,
		"-y",
		opts.OutputPath,
	}
}

// normalizeSinglePass performs single-pass audio normalization
func (f *FFmpeg) normalizeSinglePass(ctx context.Context, opts AudioNormalizationOptions) error {
	cmd := exec.CommandContext(ctx, f.ffmpegPath, encodeArgs(opts, loudnormFilter(opts))...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("audio normalization failed: %w, stderr: %s", err, stderr.String())
	}

	return nil
}

// normalizeTwoPass performs two-pass audio normalization for better results
func (f *FFmpeg) normalizeTwoPass(ctx context.Context, opts AudioNormalizationOptions) error {
	// First pass: measure loudness
	args := []string{
		"-i", opts.InputPath,
		"-af", loudnormFilter(opts) + ":print_format=json",
		"-f", "null",
		"-",
	}

	cmd := exec.CommandContext(ctx, f.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("first pass failed: %w", err)
	}

	// Parse loudness measurements from stderr
	measurements := parseLoudnormMeasurements(stderr.String())
	if measurements == nil {
		// Fall back to single pass if parsing failed
		return f.normalizeSinglePass(ctx, opts)
	}

	// Second pass: apply normalization with measured values
	filter := fmt.Sprintf("%s:measured_I=%.2f:measured_TP=%.2f:measured_LRA=%.2f:measured_thresh=%.2f:offset=%.2f",
		loudnormFilter(opts),
		measurements.InputI, measurements.InputTP, measurements.InputLRA,
		measurements.InputThresh, measurements.TargetOffset)

	cmd2 := exec.CommandContext(ctx, f.ffmpegPath, encodeArgs(opts, filter)...)

	var stderr2 bytes.Buffer
	cmd2.Stderr = &stderr2

	if err := cmd2.Run(); err != nil {
		return fmt.Errorf("second pass failed: %w, stderr: %s", err, stderr2.String())
	}

	return nil
}

// LoudnormMeasurements holds loudness measurements from first pass.
// ffmpeg prints the values as JSON strings.
type LoudnormMeasurements struct {
	InputI       float64 `json:"input_i,string"`
	InputTP      float64 `json:"input_tp,string"`
	InputLRA     float64 `json:"input_lra,string"`
	InputThresh  float64 `json:"input_thresh,string"`
	TargetOffset float64 `json:"target_offset,string"`
}

// parseLoudnormMeasurements extracts loudness measurements from FFmpeg output
func parseLoudnormMeasurements(output string) *LoudnormMeasurements {
	// loudnorm prints its JSON block last
	startIdx := strings.LastIndex(output, "{")
	if startIdx == -1 {
		return nil
	}
	endIdx := strings.Index(output[startIdx:], "}")
	if endIdx == -1 {
		return nil
	}

	jsonStr := output[startIdx : startIdx+endIdx+1]

	var measurements LoudnormMeasurements
	if err := json.Unmarshal([]byte(jsonStr), &measurements); err != nil {
		return nil
	}

	return &measurements
}
