package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-speak/internal/config"
	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func silentHeader() []byte {
	h := make([]byte, 44)
	copy(h[0:], "RIFF")
	binary.LittleEndian.PutUint32(h[4:], 36)
	copy(h[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(h[16:], 16)
	binary.LittleEndian.PutUint16(h[20:], 1)
	binary.LittleEndian.PutUint16(h[22:], 1)
	binary.LittleEndian.PutUint32(h[24:], 22050)
	binary.LittleEndian.PutUint32(h[28:], 44100)
	binary.LittleEndian.PutUint16(h[32:], 2)
	binary.LittleEndian.PutUint16(h[34:], 16)
	copy(h[36:], "data")
	return h
}

// piperStub writes a fake synthesizer that records it ran, ignores its input
// and copies a fixed header to --output_file.
type piperStub struct {
	bin    string
	marker string
	outDir string
}

func newPiperStub(t *testing.T, exitCode int) piperStub {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub synthesizer requires /bin/sh")
	}
	dir := t.TempDir()
	fixture := filepath.Join(dir, "silence.wav")
	require.NoError(t, os.WriteFile(fixture, silentHeader(), 0o644))
	stub := piperStub{
		bin:    filepath.Join(dir, "piper"),
		marker: filepath.Join(dir, "spawned"),
		outDir: filepath.Join(dir, "out"),
	}
	require.NoError(t, os.MkdirAll(stub.outDir, 0o755))
	script := fmt.Sprintf(`#!/bin/sh
touch %q
out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "--output_file" ]; then out="$2"; fi
  shift
done
cat > /dev/null
if [ %d -ne 0 ]; then
  echo "model load failed" >&2
  exit %d
fi
cp %q "$out"
`, stub.marker, exitCode, exitCode, fixture)
	require.NoError(t, os.WriteFile(stub.bin, []byte(script), 0o755))
	return stub
}

func (s piperStub) spawned() bool {
	_, err := os.Stat(s.marker)
	return err == nil
}

func (s piperStub) synth(t *testing.T, modelPath string) tts.Synthesizer {
	t.Helper()
	synth, err := tts.NewPiperSynth(config.TTSConfig{
		Bin:        s.bin,
		ModelPath:  modelPath,
		ConfigPath: "/voices/test.onnx.json",
		OutputDir:  s.outDir,
	})
	require.NoError(t, err)
	return synth
}

func postTTS(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/tts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	msg, ok := payload["error"]
	require.True(t, ok, "expected error field in %s", rec.Body.String())
	return msg
}

func TestTTSReturnsSynthesizedAudio(t *testing.T) {
	stub := newPiperStub(t, 0)
	g := New(stub.synth(t, "/voices/test.onnx"), Options{}, newLogger())

	rec := postTTS(t, g.Routes(), `{"text": "hello"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "audio/wav", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, silentHeader(), rec.Body.Bytes())
	assert.True(t, stub.spawned())

	entries, err := os.ReadDir(stub.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "output file must be removed")
}

func TestTTSEmptyTextIsRejected(t *testing.T) {
	stub := newPiperStub(t, 0)
	g := New(stub.synth(t, "/voices/test.onnx"), Options{}, newLogger())

	for _, body := range []string{`{"text": ""}`, `{}`, `{"text": 42}`, `not json`, ``} {
		t.Run(body, func(t *testing.T) {
			rec := postTTS(t, g.Routes(), body)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "text required", decodeError(t, rec))
		})
	}
	assert.False(t, stub.spawned(), "no subprocess may be spawned for invalid input")
}

func TestTTSMissingModelPath(t *testing.T) {
	stub := newPiperStub(t, 0)
	g := New(stub.synth(t, ""), Options{}, newLogger())

	rec := postTTS(t, g.Routes(), `{"text": "hello"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, decodeError(t, rec), "PIPER_MODEL_PATH")
	assert.False(t, stub.spawned())
}

func TestTTSSynthesizerFailure(t *testing.T) {
	stub := newPiperStub(t, 1)
	g := New(stub.synth(t, "/voices/test.onnx"), Options{}, newLogger())

	rec := postTTS(t, g.Routes(), `{"text": "hello"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "synthesis failed", decodeError(t, rec))
	assert.True(t, stub.spawned())
}

type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
	audio []byte
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.SynthRequest) (tts.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, req.Text)
	if f.err != nil {
		return tts.Result{}, f.err
	}
	return tts.Result{Audio: f.audio, ContentType: tts.ContentTypeWAV}, nil
}

type fakeRecorder struct {
	events []eventstore.Event
	err    error
}

func (f *fakeRecorder) AppendEvent(_ context.Context, evt eventstore.Event) error {
	f.events = append(f.events, evt)
	return f.err
}

type fakePublisher struct {
	statuses []protocol.TTSStatus
	err      error
}

func (f *fakePublisher) PublishStatus(status protocol.TTSStatus) error {
	f.statuses = append(f.statuses, status)
	return f.err
}

func TestTTSPassesTextUnchanged(t *testing.T) {
	synth := &fakeSynth{audio: []byte("RIFF")}
	g := New(synth, Options{}, newLogger())

	text := "  Привет\n\"quoted\"  "
	body, err := json.Marshal(map[string]string{"text": text})
	require.NoError(t, err)
	rec := postTTS(t, g.Routes(), string(body))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{text}, synth.texts)
}

func TestTTSRecordsAndPublishesOutcomes(t *testing.T) {
	recorder := &fakeRecorder{err: errors.New("disk full")}
	publisher := &fakePublisher{err: errors.New("bus down")}
	synth := &fakeSynth{audio: silentHeader()}
	g := New(synth, Options{Recorder: recorder, Publisher: publisher}, newLogger())
	h := g.Routes()

	ok := postTTS(t, h, `{"text": "hello"}`)
	require.Equal(t, http.StatusOK, ok.Code, "recorder and publisher errors must not change the response")

	bad := postTTS(t, h, `{"text": ""}`)
	require.Equal(t, http.StatusBadRequest, bad.Code)

	synth.err = &tts.SynthesisError{ExitCode: 2, Stderr: "boom"}
	failed := postTTS(t, h, `{"text": "hello"}`)
	require.Equal(t, http.StatusInternalServerError, failed.Code)

	require.Len(t, recorder.events, 3)
	assert.Equal(t, eventstore.OutcomeSynthesized, recorder.events[0].Outcome)
	assert.Equal(t, 44, recorder.events[0].AudioBytes)
	assert.Equal(t, 5, recorder.events[0].TextLength)
	assert.Equal(t, eventstore.OutcomeRejected, recorder.events[1].Outcome)
	assert.Equal(t, eventstore.OutcomeFailed, recorder.events[2].Outcome)
	assert.Contains(t, recorder.events[2].Error, "boom")
	assert.NotEmpty(t, recorder.events[0].RequestID)

	require.Len(t, publisher.statuses, 3)
	assert.Empty(t, publisher.statuses[0].Error)
	assert.NotEmpty(t, publisher.statuses[2].Error)
}

func TestTTSRejectsOversizedBody(t *testing.T) {
	synth := &fakeSynth{audio: []byte("RIFF")}
	g := New(synth, Options{MaxBodyBytes: 16}, newLogger())

	rec := postTTS(t, g.Routes(), `{"text": "`+strings.Repeat("a", 64)+`"}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, synth.texts)
}

func TestReadyzReportsChecks(t *testing.T) {
	g := New(&fakeSynth{}, Options{Checks: []Check{
		{Name: "event_store", Probe: func(context.Context) error { return nil }},
		{Name: "bus", Probe: func(context.Context) error { return errors.New("disconnected") }},
	}}, newLogger())

	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var payload struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, "not ready", payload.Status)
	assert.Equal(t, "ok", payload.Checks["event_store"])
	assert.Contains(t, payload.Checks["bus"], "disconnected")
}

func TestHealthzAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	g := New(&fakeSynth{}, Options{MetricsHandler: metrics}, newLogger())
	h := g.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("# metrics")))
}

func TestCORSPreflight(t *testing.T) {
	g := New(&fakeSynth{}, Options{CORSOrigins: []string{"http://localhost:3000"}}, newLogger())

	req := httptest.NewRequest(http.MethodOptions, "/api/tts", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	g.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
