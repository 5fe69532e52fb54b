package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/fmueller/takestamps/internal/whisper"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args []string) (stdout string, stderr string, err error) {
	t.Helper()
	return runApp(t, newAppState(), args)
}

func runApp(t *testing.T, app *appState, args []string) (stdout string, stderr string, err error) {
	t.Helper()

	cmd := newRootCmd(app)
	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)

	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	cmd.SetArgs(args)

	err = cmd.ExecuteContext(context.Background())
	return outBuf.String(), errBuf.String(), err
}

// stubEngine answers by audio file name.
type stubEngine struct {
	mu       sync.Mutex
	results  map[string]whisper.Result
	failures map[string]error
	requests []whisper.TranscriptionRequest
}

func (s *stubEngine) Transcribe(_ context.Context, req whisper.TranscriptionRequest) (whisper.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	name := filepath.Base(req.AudioPath)
	if err, ok := s.failures[name]; ok {
		return whisper.Result{}, err
	}
	return s.results[name], nil
}

func withEngine(app *appState, engine whisper.Engine) *appState {
	app.engineFn = func(context.Context) (whisper.Engine, error) {
		return engine, nil
	}
	return app
}

func spokenResult(text string, end float64, words ...whisper.Word) whisper.Result {
	return whisper.Result{
		Text:     " " + text,
		Segments: []whisper.Segment{{Start: 0, End: end, Text: " " + text, Words: words}},
	}
}

func touchFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("not really audio"), 0o644))
	}
}

func writePCM16WAV(t *testing.T, path string, samples []int, sampleRate int) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Data:           samples,
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
}
