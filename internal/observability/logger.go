package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logScope is the set of identifiers a context contributes to log entries.
type logScope struct {
	correlationID string
	jobID         string
}

type logScopeKey struct{}

// NewLogger builds the JSON production logger. service is attached to every entry.
func NewLogger(level, service string) (*zap.Logger, error) {
	atomic, err := zap.ParseAtomicLevel(normalizeLevel(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	encoder := zap.NewProductionEncoderConfig()
	encoder.TimeKey = "timestamp"
	encoder.EncodeTime = zapcore.ISO8601TimeEncoder

	cfg := zap.Config{
		Level:             atomic,
		Encoding:          "json",
		EncoderConfig:     encoder,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	if service = strings.TrimSpace(service); service != "" {
		cfg.InitialFields = map[string]any{"service": service}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

func normalizeLevel(level string) string {
	if normalized := strings.ToLower(strings.TrimSpace(level)); normalized != "" {
		return normalized
	}
	return "info"
}

func scopeFromContext(ctx context.Context) logScope {
	if ctx == nil {
		return logScope{}
	}
	scope, _ := ctx.Value(logScopeKey{}).(logScope)
	return scope
}

func withScope(ctx context.Context, update func(*logScope)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	scope := scopeFromContext(ctx)
	update(&scope)
	return context.WithValue(ctx, logScopeKey{}, scope)
}

// WithCorrelationID tags ctx with the id of the request that triggered the work.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withScope(ctx, func(s *logScope) { s.correlationID = correlationID })
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFromContext(ctx).correlationID
	return id, id != ""
}

// WithJobID tags ctx with the broadcast job a delivery run works on.
func WithJobID(ctx context.Context, jobID string) context.Context {
	return withScope(ctx, func(s *logScope) { s.jobID = jobID })
}

func JobIDFromContext(ctx context.Context) (string, bool) {
	id := scopeFromContext(ctx).jobID
	return id, id != ""
}

// WithContextLogger adds the identifiers carried by ctx to logger.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	scope := scopeFromContext(ctx)
	fields := make([]zap.Field, 0, 2)
	if scope.correlationID != "" {
		fields = append(fields, zap.String("correlationId", scope.correlationID))
	}
	if scope.jobID != "" {
		fields = append(fields, zap.String("jobId", scope.jobID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

// JobLogger scopes logger to one broadcast job, keeping the request correlation id if present.
func JobLogger(logger *zap.Logger, ctx context.Context, jobID string) *zap.Logger {
	if logger == nil {
		return nil
	}
	return WithContextLogger(logger, WithJobID(ctx, jobID))
}
