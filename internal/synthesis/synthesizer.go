package synthesis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relearnhq/stepline/internal/llm"
	"github.com/relearnhq/stepline/internal/logging"
	"github.com/relearnhq/stepline/internal/metrics"
	"github.com/relearnhq/stepline/internal/transcribe"
)

const (
	// mergeShortSegmentSeconds folds provider fragments shorter than
	// this into the previous step instead of emitting noise windows.
	mergeShortSegmentSeconds = 1.0
	// fallbackStepSeconds is the synthetic window width when neither
	// segments nor total duration exist.
	fallbackStepSeconds = 15.0
)

// Synthesizer resolves through strategies: LLM (when a completer is
// configured), provider segments, then plain-text chunking as the last
// resort.
type Synthesizer struct {
	completer llm.Completer
	logger    *logging.Logger
	collector metrics.Collector
}

// New builds a Synthesizer. completer may be nil; the strategy ladder
// simply starts at segments.
func New(completer llm.Completer, logger *logging.Logger, collector metrics.Collector) *Synthesizer {
	return &Synthesizer{completer: completer, logger: logger, collector: collector}
}

// Synthesize converts a transcript into normalized steps.
func (s *Synthesizer) Synthesize(ctx context.Context, transcript transcribe.Result, total float64) ([]Step, error) {
	started := time.Now()
	defer func() {
		s.collector.ObserveHistogram(metrics.StageSeconds, time.Since(started).Seconds(), "stage", "synthesis")
	}()

	if strings.TrimSpace(transcript.Text) == "" {
		return nil, ErrNoSteps
	}

	if s.completer != nil {
		steps, err := s.fromLLM(ctx, transcript, total)
		switch {
		case err != nil:
			s.logger.WithError(err).Warn("llm step strategy failed, falling back")
		case LooksUniform(steps, total) && len(transcript.Segments) > 0:
			// Evenly padded windows over a transcript that carries real
			// timings means the model made the numbers up.
			s.logger.Warn("llm produced uniform placeholder timings, falling back to segments")
		default:
			return steps, nil
		}
	}

	if len(transcript.Segments) > 0 {
		steps := s.fromSegments(transcript.Segments, total)
		if len(steps) > 0 {
			return steps, nil
		}
	}

	steps := s.fromText(transcript.Text, total)
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	return steps, nil
}

const stepSystemPrompt = `You convert training video transcripts into step-by-step instructions.
Reply with a JSON array only: [{"order": 1, "text": "...", "startTime": 0, "endTime": 12.5}, ...].
Times are seconds from the start of the video. Use the timestamps from the transcript; never invent evenly spaced times.`

func (s *Synthesizer) fromLLM(ctx context.Context, transcript transcribe.Result, total float64) ([]Step, error) {
	var sb strings.Builder
	if total > 0 {
		fmt.Fprintf(&sb, "Video duration: %.1f seconds.\n\n", total)
	}
	if len(transcript.Segments) > 0 {
		sb.WriteString("Timed transcript:\n")
		for _, seg := range transcript.Segments {
			fmt.Fprintf(&sb, "[%.1f-%.1f] %s\n", seg.Start, seg.End, seg.Text)
		}
	} else {
		sb.WriteString("Transcript (no timing data):\n")
		sb.WriteString(transcript.Text)
	}

	reply, err := s.completer.Complete(ctx, llm.Request{
		System: stepSystemPrompt,
		Prompt: sb.String(),
		JSON:   true,
	})
	if err != nil {
		return nil, err
	}

	parsed, err := parseStepJSON(reply)
	if err != nil {
		return nil, err
	}
	// The model saw no timings, so whatever it emitted is synthetic.
	if len(transcript.Segments) == 0 {
		for i := range parsed {
			parsed[i].Approximate = true
		}
	}
	steps := Normalize(parsed, total)
	if len(steps) == 0 {
		return nil, ErrNoSteps
	}
	return steps, nil
}

// fromSegments emits one step per segment, folding fragments too short
// to stand alone into their predecessor. Exact segment bounds survive.
func (s *Synthesizer) fromSegments(segments []transcribe.Segment, total float64) []Step {
	steps := make([]Step, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		if len(steps) > 0 && seg.End-seg.Start < mergeShortSegmentSeconds {
			last := &steps[len(steps)-1]
			last.Text = strings.TrimSpace(last.Text + " " + text)
			if seg.End > last.End {
				last.End = seg.End
			}
			continue
		}
		steps = append(steps, Step{Text: text, Start: seg.Start, End: seg.End})
	}
	return Normalize(steps, total)
}

// fromText is the last resort: sentence-split the transcript and
// spread synthetic equal windows across the duration. Every step is
// flagged approximate.
func (s *Synthesizer) fromText(text string, total float64) []Step {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	width := fallbackStepSeconds
	if total > 0 {
		width = total / float64(len(sentences))
	}

	steps := make([]Step, 0, len(sentences))
	for i, sentence := range sentences {
		steps = append(steps, Step{
			Text:        sentence,
			Start:       float64(i) * width,
			End:         float64(i+1) * width,
			Approximate: true,
		})
	}
	return Normalize(steps, total)
}

// splitSentences cuts text into sentence-like units on terminal
// punctuation and newlines.
func splitSentences(text string) []string {
	var (
		ret     []string
		current strings.Builder
	)
	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			ret = append(ret, s)
		}
		current.Reset()
	}

	for _, r := range text {
		switch r {
		case '.', '!', '?', '\n', ';':
			if r != '\n' && r != ';' {
				current.WriteRune(r)
			}
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return ret
}
