package app

import (
	"context"
	"errors"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shpitdev/developer-enricher/pkg/enrichment"
	"github.com/shpitdev/developer-enricher/pkg/mcp"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/redact"
	"github.com/shpitdev/developer-enricher/pkg/pipeline/worker"
)

const tracerName = "github.com/shpitdev/developer-enricher/internal/app"

// tracedCaller logs every tool call attempt with its arguments, duration and size, and
// records one span per attempt on the global tracer provider.
type tracedCaller struct {
	next       enrichment.Caller
	logger     zerolog.Logger
	tracer     trace.Tracer
	maxRetries int

	mu       sync.Mutex
	attempts map[string]int
}

func newTracedCaller(next enrichment.Caller, logger zerolog.Logger, maxRetries int) *tracedCaller {
	return &tracedCaller{
		next:       next,
		logger:     logger,
		tracer:     otel.Tracer(tracerName),
		maxRetries: maxRetries,
		attempts:   make(map[string]int),
	}
}

func (t *tracedCaller) Call(ctx context.Context, s mcp.Session, tool string, args map[string]any) ([]byte, error) {
	argsJSON, _ := json.Marshal(args)
	key := tool + " " + string(argsJSON)
	attempt := t.nextAttempt(key)

	deadlineIn := "none"
	if d, ok := ctx.Deadline(); ok {
		deadlineIn = time.Until(d).Round(time.Millisecond).String()
	}
	t.logger.Debug().
		Str("tool", tool).
		RawJSON("args", argsJSON).
		Int("attempt", attempt).
		Str("deadlineIn", deadlineIn).
		Msg("tool request")

	ctx, span := t.tracer.Start(ctx, "mcp.tools/call "+tool, trace.WithAttributes(
		attribute.String("mcp.tool", tool),
		attribute.Int("mcp.attempt", attempt),
	))
	defer span.End()

	start := time.Now()
	body, err := t.next.Call(ctx, s, tool, args)
	elapsed := time.Since(start).Round(time.Millisecond)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, redact.Secrets(err.Error()))
		budget := retryBudgetForErr(t.maxRetries, err)
		retryable := worker.IsTransient(err)
		willRetry := retryable && attempt <= budget
		if !willRetry {
			t.resetAttempts(key)
		}
		t.logger.Debug().
			Str("tool", tool).
			Int("attempt", attempt).
			Dur("duration", elapsed).
			Bool("retryable", retryable).
			Bool("willRetry", willRetry).
			Int("maxExtraRetries", budget).
			Str("error", redact.Secrets(err.Error())).
			Msg("tool response")
		return body, err
	}

	t.resetAttempts(key)
	span.SetAttributes(attribute.Int("mcp.response_bytes", len(body)))
	t.logger.Debug().
		Str("tool", tool).
		Int("attempt", attempt).
		Dur("duration", elapsed).
		Int("bytes", len(body)).
		Msg("tool response")
	return body, nil
}

// nextAttempt counts attempts of one call. The count is cleared once the call succeeds
// or gives up, so a later call with the same tool and arguments starts at 1.
func (t *tracedCaller) nextAttempt(key string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts[key]++
	return t.attempts[key]
}

func (t *tracedCaller) resetAttempts(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.attempts, key)
}

type retryCap interface {
	MaxExtraRetries() int
}

func retryBudgetForErr(defaultMax int, err error) int {
	if defaultMax < 0 {
		defaultMax = 0
	}
	var capErr retryCap
	if errors.As(err, &capErr) {
		capMax := capErr.MaxExtraRetries()
		if capMax < 0 {
			capMax = 0
		}
		if capMax < defaultMax {
			return capMax
		}
	}
	return defaultMax
}
