// Package gateway exposes the speech synthesis endpoint over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-speak/internal/eventstore"
	"github.com/loqalabs/loqa-speak/internal/protocol"
	"github.com/loqalabs/loqa-speak/internal/tts"
)

const instrumentationName = "github.com/loqalabs/loqa-speak/gateway"

// EventRecorder stores the outcome of each request.
type EventRecorder interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// StatusPublisher broadcasts the outcome of each request.
type StatusPublisher interface {
	PublishStatus(status protocol.TTSStatus) error
}

// Check is a named readiness probe.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

type Options struct {
	Recorder       EventRecorder
	Publisher      StatusPublisher
	Checks         []Check
	MetricsHandler http.Handler
	CORSOrigins    []string
	MaxBodyBytes   int64
}

type Gateway struct {
	synth     tts.Synthesizer
	opts      Options
	logger    *slog.Logger
	tracer    trace.Tracer
	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	audioSize metric.Int64Histogram
}

func New(synth tts.Synthesizer, opts Options, logger *slog.Logger) *Gateway {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	g := &Gateway{
		synth:  synth,
		opts:   opts,
		logger: logger.With(slog.String("component", "tts-gateway")),
		tracer: otel.Tracer(instrumentationName),
	}
	if err := g.initMetrics(); err != nil {
		g.logger.Warn("failed to initialize metrics", slogError(err))
	}
	return g
}

func (g *Gateway) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	g.requests, err = meter.Int64Counter("loqa.tts.requests", metric.WithDescription("Synthesis requests by outcome"))
	if err != nil {
		return err
	}
	g.duration, err = meter.Float64Histogram("loqa.tts.duration", metric.WithDescription("Synthesis wall time"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}
	g.audioSize, err = meter.Int64Histogram("loqa.tts.audio_bytes", metric.WithDescription("Size of returned audio"), metric.WithUnit("By"))
	return err
}

// Routes returns the HTTP handler serving the gateway.
func (g *Gateway) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(g.logger))
	r.Use(chimiddleware.Recoverer)
	if len(g.opts.CORSOrigins) > 0 {
		r.Use(cors(g.opts.CORSOrigins))
	}

	r.Get("/healthz", g.handleHealth)
	r.Get("/readyz", g.handleReady)
	if g.opts.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", g.opts.MetricsHandler)
	}
	r.Post("/api/tts", g.handleTTS)
	return r
}

type ttsRequest struct {
	Text string `json:"text"`
}

func (g *Gateway) handleTTS(w http.ResponseWriter, r *http.Request) {
	requestID := chimiddleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}
	start := time.Now()

	var req ttsRequest
	body := http.MaxBytesReader(w, r.Body, g.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		req.Text = ""
	}
	if req.Text == "" {
		g.finish(r.Context(), requestID, start, 0, 0, tts.ErrInvalidInput)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
		return
	}

	ctx, span := g.tracer.Start(r.Context(), "tts.synthesize",
		trace.WithAttributes(
			attribute.String("loqa.request_id", requestID),
			attribute.Int("loqa.text_length", len(req.Text)),
		))
	res, err := g.synth.Synthesize(ctx, tts.SynthRequest{RequestID: requestID, Text: req.Text})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	switch {
	case err == nil:
	case errors.Is(err, tts.ErrInvalidInput):
		g.finish(r.Context(), requestID, start, len(req.Text), 0, err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
		return
	case errors.Is(err, tts.ErrMisconfigured):
		g.finish(r.Context(), requestID, start, len(req.Text), 0, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Set PIPER_MODEL_PATH and PIPER_CONFIG_PATH"})
		return
	default:
		g.finish(r.Context(), requestID, start, len(req.Text), 0, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "synthesis failed"})
		return
	}

	g.finish(r.Context(), requestID, start, len(req.Text), len(res.Audio), nil)
	contentType := res.ContentType
	if contentType == "" {
		contentType = tts.ContentTypeWAV
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(res.Audio)
}

// finish logs, measures, records and publishes the outcome of one request.
// Failures of the recorder or publisher never affect the response.
func (g *Gateway) finish(ctx context.Context, requestID string, start time.Time, textLen, audioLen int, err error) {
	ctx = context.WithoutCancel(ctx)
	elapsed := time.Since(start)
	outcome := outcomeOf(err)

	attrs := []slog.Attr{
		slog.String("request_id", requestID),
		slog.String("outcome", outcome),
		slog.Int("text_length", textLen),
		slog.Int("audio_bytes", audioLen),
		slog.Duration("elapsed", elapsed),
	}
	level := slog.LevelInfo
	switch outcome {
	case eventstore.OutcomeFailed:
		level = slog.LevelError
		attrs = append(attrs, slogError(err))
		var synthErr *tts.SynthesisError
		if errors.As(err, &synthErr) {
			attrs = append(attrs, slog.Int("exit_code", synthErr.ExitCode))
		}
	case eventstore.OutcomeRejected:
		level = slog.LevelWarn
		attrs = append(attrs, slogError(err))
	}
	g.logger.LogAttrs(ctx, level, "tts request finished", attrs...)

	outcomeAttr := metric.WithAttributes(attribute.String("outcome", outcome))
	if g.requests != nil {
		g.requests.Add(ctx, 1, outcomeAttr)
	}
	if g.duration != nil {
		g.duration.Record(ctx, float64(elapsed.Microseconds())/1000, outcomeAttr)
	}
	if g.audioSize != nil && err == nil {
		g.audioSize.Record(ctx, int64(audioLen))
	}

	var errText string
	if err != nil {
		errText = err.Error()
	}
	if g.opts.Recorder != nil {
		evt := eventstore.Event{
			RequestID:  requestID,
			Outcome:    outcome,
			TextLength: textLen,
			AudioBytes: audioLen,
			DurationMS: elapsed.Milliseconds(),
			Error:      errText,
		}
		if recErr := g.opts.Recorder.AppendEvent(ctx, evt); recErr != nil {
			g.logger.Warn("failed to record tts event", slogError(recErr))
		}
	}
	if g.opts.Publisher != nil {
		status := protocol.TTSStatus{
			RequestID:  requestID,
			Outcome:    outcome,
			TextLength: textLen,
			AudioBytes: audioLen,
			DurationMS: elapsed.Milliseconds(),
			Error:      errText,
			Timestamp:  time.Now().UTC(),
		}
		if pubErr := g.opts.Publisher.PublishStatus(status); pubErr != nil {
			g.logger.Warn("failed to publish tts status", slogError(pubErr))
		}
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return eventstore.OutcomeSynthesized
	case errors.Is(err, tts.ErrInvalidInput), errors.Is(err, tts.ErrMisconfigured):
		return eventstore.OutcomeRejected
	default:
		return eventstore.OutcomeFailed
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	status := http.StatusOK
	for _, c := range g.opts.Checks {
		if err := c.Probe(r.Context()); err != nil {
			checks[c.Name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}
	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
