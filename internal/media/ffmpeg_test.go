package media

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relearnhq/stepline/internal/logging"
)

type fakeRunner struct {
	calls   [][]string
	stdout  string
	stderr  string
	runErr  error
	pathErr error
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if f.pathErr != nil {
		return "", f.pathErr
	}
	return "/usr/bin/" + name, nil
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (commandResult, error) {
	f.calls = append(f.calls, append([]string{name}, args...))
	res := commandResult{Stdout: f.stdout, Stderr: f.stderr}
	if f.runErr != nil {
		res.ExitCode = 1
	}
	return res, f.runErr
}

func newTestProcessor(runner commandRunner) *Processor {
	return &Processor{
		ffmpegCmd:  "ffmpeg",
		ffprobeCmd: "ffprobe",
		runner:     runner,
		logger:     logging.NewNop(),
	}
}

func TestProcessor_ProbeDuration_ParsesFormatDuration(t *testing.T) {
	runner := &fakeRunner{stdout: `{"format":{"duration":"133.52"}}`}
	p := newTestProcessor(runner)

	seconds, err := p.ProbeDuration(context.Background(), "/tmp/video.mp4")
	require.NoError(t, err)
	assert.InDelta(t, 133.52, seconds, 0.001)

	require.Len(t, runner.calls, 1)
	assert.Equal(t, "ffprobe", runner.calls[0][0])
	assert.Contains(t, runner.calls[0], "-show_format")
}

func TestProcessor_ProbeDuration_RejectsMissingDuration(t *testing.T) {
	p := newTestProcessor(&fakeRunner{stdout: `{"format":{}}`})

	_, err := p.ProbeDuration(context.Background(), "/tmp/video.mp4")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no duration")
}

func TestProcessor_ExtractAudio_BuildsMono16kArgs(t *testing.T) {
	runner := &fakeRunner{}
	p := newTestProcessor(runner)

	require.NoError(t, p.ExtractAudio(context.Background(), "/tmp/in.mp4", "/tmp/out.wav"))

	require.Len(t, runner.calls, 1)
	call := runner.calls[0]
	assert.Equal(t, "ffmpeg", call[0])
	assert.Contains(t, call, "-vn")
	assert.Contains(t, call, "pcm_s16le")

	// -ac 1 and -ar 16000 must be adjacent flag/value pairs.
	joined := fmt.Sprint(call)
	assert.Contains(t, joined, "-ac 1")
	assert.Contains(t, joined, "-ar 16000")
	assert.Equal(t, "/tmp/out.wav", call[len(call)-1])
}

func TestProcessor_ExtractAudio_WrapsCommandFailure(t *testing.T) {
	p := newTestProcessor(&fakeRunner{runErr: assert.AnError, stderr: "corrupt input"})

	err := p.ExtractAudio(context.Background(), "/tmp/in.mp4", "/tmp/out.wav")
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
}

func TestProcessor_Available_ReportsMissingBinaries(t *testing.T) {
	p := newTestProcessor(&fakeRunner{pathErr: assert.AnError})
	require.Error(t, p.Available())

	p = newTestProcessor(&fakeRunner{})
	require.NoError(t, p.Available())
}
