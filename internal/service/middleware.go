package service

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sealedchat/conv-gateway/internal/domain/model"
)

var tracer = otel.Tracer("conv-gateway/service")

// AppendMiddleware implements [DECORATOR_PATTERN] to add observability to
// the append path without touching ordering logic. Envelope bytes and
// tokens never reach the log, only sizes and identifiers.
type AppendMiddleware struct {
	Next   Appender
	Logger *slog.Logger
}

func (m *AppendMiddleware) Append(ctx context.Context, in AppendInput) (model.AppendResult, error) {
	ctx, span := tracer.Start(ctx, "Appender/Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("conv.id", in.ConvID),
		attribute.Int("envelope.bytes", len(in.Env)),
		attribute.Bool("append.trusted", in.Trusted),
	)

	start := time.Now()

	res, err := m.Next.Append(ctx, in)

	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(model.CodeOf(err)))
		m.Logger.Warn("APPEND_REJECTED",
			"conv_id", in.ConvID,
			"code", string(model.CodeOf(err)),
			"env_bytes", len(in.Env),
			"trusted", in.Trusted,
			"duration_ms", duration.Milliseconds(),
		)
	} else {
		span.SetAttributes(attribute.Int64("envelope.seq", int64(res.Seq)))
		m.Logger.Debug("APPEND_COMPLETED",
			"conv_id", in.ConvID,
			"seq", res.Seq,
			"duplicate", res.Duplicate,
			"env_bytes", len(in.Env),
			"duration_ms", duration.Milliseconds(),
		)
	}

	return res, err
}
