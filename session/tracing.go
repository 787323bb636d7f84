package session

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "board-sync/session"

	dropSpanName  = "board.drop"
	writeSpanName = "board.remote_write"
	undoSpanName  = "board.remote_undo"
)

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func moveAttributes(m Move) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("board.column.from", m.FromColumn),
		attribute.String("board.column.to", m.ToColumn),
		attribute.Int64("board.task.position", int64(m.Position)),
		attribute.Int("board.task.index", m.Index),
		attribute.Int("board.rebalanced", len(m.Rebalanced)),
	}
}
