package answer

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-copilot/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-copilot/answer"

// Fallback is the failure boundary around a Provider. Every call makes one
// bounded attempt; any error or timeout yields the configured fallback text.
type Fallback struct {
	provider Provider
	mode     string
	timeout  time.Duration
	message  string
	logger   *slog.Logger
	tracer   trace.Tracer

	requests  metric.Int64Counter
	fallbacks metric.Int64Counter
	latency   metric.Float64Histogram
}

func NewFallback(provider Provider, cfg config.AnswerConfig, logger *slog.Logger) *Fallback {
	message := cfg.Fallback
	if message == "" {
		message = config.DefaultFallbackAnswer
	}
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	f := &Fallback{
		provider: provider,
		mode:     cfg.Mode,
		timeout:  timeout,
		message:  message,
		logger:   logger.With(slog.String("component", "answer")),
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := f.initMetrics(); err != nil {
		f.logger.Warn("failed to initialize answer metrics", slogError(err))
	}
	return f
}

func (f *Fallback) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if f.requests, err = meter.Int64Counter("copilot.answer.requests", metric.WithDescription("Answer generation attempts")); err != nil {
		return err
	}
	if f.fallbacks, err = meter.Int64Counter("copilot.answer.fallbacks", metric.WithDescription("Answers replaced by the fallback text")); err != nil {
		return err
	}
	f.latency, err = meter.Float64Histogram("copilot.answer.latency", metric.WithUnit("ms"), metric.WithDescription("Answer generation latency"))
	return err
}

// Answer returns the provider's answer, or the fallback text on failure.
func (f *Fallback) Answer(ctx context.Context, question string) string {
	ctx, span := f.tracer.Start(ctx, "answer.generate", trace.WithAttributes(
		attribute.String("answer.mode", f.mode),
		attribute.Int("question.length", len(question)),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	attrs := metric.WithAttributes(attribute.String("mode", f.mode))
	if f.requests != nil {
		f.requests.Add(ctx, 1, attrs)
	}

	start := time.Now()
	text, err := f.provider.Generate(ctx, question)
	elapsed := time.Since(start)
	if f.latency != nil {
		f.latency.Record(context.WithoutCancel(ctx), float64(elapsed.Milliseconds()), attrs)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if f.fallbacks != nil {
			f.fallbacks.Add(context.WithoutCancel(ctx), 1, attrs)
		}
		f.logger.Warn("answer generation failed", slogError(err), slog.Duration("latency", elapsed))
		return f.message
	}
	f.logger.Info("answer generated", slog.Duration("latency", elapsed))
	return text
}

// Generate lets Fallback stand in for a Provider; it never returns an error.
func (f *Fallback) Generate(ctx context.Context, question string) (string, error) {
	return f.Answer(ctx, question), nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
