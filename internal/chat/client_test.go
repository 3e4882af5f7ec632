package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientSpeak(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tts", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write([]byte("RIFFdata"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL+"/", nil)
	audio, err := client.Speak(context.Background(), "Привет")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFdata"), audio)
	assert.Equal(t, "Привет", got["text"])
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Set PIPER_MODEL_PATH and PIPER_CONFIG_PATH"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).Speak(context.Background(), "hi")
	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusInternalServerError, statusErr.Code)
	assert.Equal(t, "Set PIPER_MODEL_PATH and PIPER_CONFIG_PATH", statusErr.Message)
}

func TestFileSinkWritesPlayback(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	audio := silent(t)

	require.NoError(t, FileSink{Dir: dir}.Play(context.Background(), audio))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	written, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, audio, written)
}

func TestCommandSinkPipesAudio(t *testing.T) {
	out := filepath.Join(t.TempDir(), "played.wav")
	sink, err := NewCommandSink("/bin/sh -c 'cat > " + out + "'")
	require.NoError(t, err)

	audio := silent(t)
	require.NoError(t, sink.Play(context.Background(), audio))

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, audio, written)
}

func TestCommandSinkStopsOnCancel(t *testing.T) {
	sink, err := NewCommandSink("/bin/sh -c 'exec sleep 5'")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = sink.Play(ctx, []byte("RIFF"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestNewCommandSinkRejectsEmpty(t *testing.T) {
	_, err := NewCommandSink("   ")
	assert.Error(t, err)
}

func TestClientWaitsForSlowSynthesis(t *testing.T) {
	client := NewClient("http://gateway.invalid", nil)
	assert.Zero(t, client.http.Timeout)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte("RIFF"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL, nil).Speak(ctx, "slow")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	audio, err := NewClient(srv.URL, nil).Speak(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), audio)
}
