// Package media wraps ffmpeg and ffprobe for the two operations the
// pipeline needs: probing total duration and deriving a transcription
// audio track from an uploaded video.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/relearnhq/stepline/internal/logging"
)

// Processor runs ffmpeg/ffprobe. Zero-value command names default to
// the binaries on PATH.
type Processor struct {
	ffmpegCmd  string
	ffprobeCmd string
	runner     commandRunner
	logger     *logging.Logger
}

func NewProcessor(logger *logging.Logger) *Processor {
	return &Processor{
		ffmpegCmd:  "ffmpeg",
		ffprobeCmd: "ffprobe",
		runner:     execRunner{},
		logger:     logger,
	}
}

// Available reports whether the media tools are on PATH. Checked once
// at startup so a misconfigured host fails loud, not mid-pipeline.
func (p *Processor) Available() error {
	if _, err := p.runner.LookPath(p.ffmpegCmd); err != nil {
		return fmt.Errorf("%s not found: %w", p.ffmpegCmd, err)
	}
	if _, err := p.runner.LookPath(p.ffprobeCmd); err != nil {
		return fmt.Errorf("%s not found: %w", p.ffprobeCmd, err)
	}
	return nil
}

// ProbeDuration returns the media duration in seconds.
func (p *Processor) ProbeDuration(ctx context.Context, path string) (float64, error) {
	result, err := p.runner.Run(ctx, p.ffprobeCmd,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	if err != nil {
		p.logger.WithError(err).WithField("stderr", result.Stderr).Error("ffprobe failed")
		return 0, fmt.Errorf("ffprobe failed (exit %d): %w", result.ExitCode, err)
	}

	var probe struct {
		Format struct {
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal([]byte(result.Stdout), &probe); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if probe.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe reported no duration for %s", path)
	}
	seconds, err := strconv.ParseFloat(probe.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", probe.Format.Duration, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("non-positive duration %v for %s", seconds, path)
	}
	return seconds, nil
}

// ExtractAudio derives the mono 16 kHz PCM WAV track speech-to-text
// providers expect.
func (p *Processor) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	result, err := p.runner.Run(ctx, p.ffmpegCmd, extractAudioArgs(videoPath, audioPath)...)
	if err != nil {
		p.logger.WithError(err).WithField("stderr", result.Stderr).Error("ffmpeg audio extraction failed")
		return fmt.Errorf("ffmpeg audio extraction failed (exit %d): %w", result.ExitCode, err)
	}
	return nil
}

func extractAudioArgs(in, out string) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", in,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		out,
	}
}
