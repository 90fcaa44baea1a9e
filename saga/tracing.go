package saga

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bookingsaga/saga"

// TracingObserver 为 Saga 与每个步骤/补偿创建 OpenTelemetry span
//
// Saga span 是步骤 span 的父 span；步骤通过 ctx 拿到自己的 span，
// 因此下游调用（数据库、Redis、支付）会挂在对应步骤下。
type TracingObserver struct {
	tracer trace.Tracer
}

// NewTracingObserver 创建 tracing 观察者，tp 为 nil 时使用全局 TracerProvider
func NewTracingObserver(tp trace.TracerProvider) *TracingObserver {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingObserver{tracer: tp.Tracer(tracerName)}
}

func runAttrs(run RunInfo) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("saga.name", run.SagaName),
		attribute.String("saga.correlation_id", run.CorrelationID),
	}
}

func (t *TracingObserver) SagaStarted(ctx context.Context, run RunInfo) context.Context {
	attrs := append(runAttrs(run), attribute.Int("saga.step_count", run.StepCount))
	ctx, _ = t.tracer.Start(ctx, "saga "+run.SagaName, trace.WithAttributes(attrs...))
	return ctx
}

func (t *TracingObserver) StepStarted(ctx context.Context, run RunInfo, step string, index int) context.Context {
	attrs := append(runAttrs(run),
		attribute.String("saga.step", step),
		attribute.Int("saga.step_index", index))
	ctx, _ = t.tracer.Start(ctx, "step "+step, trace.WithAttributes(attrs...))
	return ctx
}

func (t *TracingObserver) StepSucceeded(ctx context.Context, _ RunInfo, _ string, _ time.Duration) {
	span := trace.SpanFromContext(ctx)
	span.SetStatus(codes.Ok, "")
	span.End()
}

func (t *TracingObserver) StepFailed(ctx context.Context, _ RunInfo, _ string, optional bool, err error, _ time.Duration) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetAttributes(attribute.Bool("saga.step.optional", optional))
	if optional {
		// 可选步骤失败被容忍，span 不标记为错误
		span.AddEvent("optional step skipped")
	} else {
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (t *TracingObserver) CompensationStarted(ctx context.Context, _ RunInfo, failedStep string, pending []string) {
	trace.SpanFromContext(ctx).AddEvent("compensation started", trace.WithAttributes(
		attribute.String("saga.failed_step", failedStep),
		attribute.StringSlice("saga.pending", pending),
	))
}

func (t *TracingObserver) CompensationStepStarted(ctx context.Context, run RunInfo, step string) context.Context {
	attrs := append(runAttrs(run), attribute.String("saga.step", step))
	ctx, _ = t.tracer.Start(ctx, "compensate "+step, trace.WithAttributes(attrs...))
	return ctx
}

func (t *TracingObserver) StepCompensated(ctx context.Context, _ RunInfo, _ string, err error, _ time.Duration) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (t *TracingObserver) CompensationFinished(ctx context.Context, _ RunInfo, compensated []string, failures int) {
	trace.SpanFromContext(ctx).AddEvent("compensation finished", trace.WithAttributes(
		attribute.StringSlice("saga.compensated", compensated),
		attribute.Int("saga.compensation_failures", failures),
	))
}

func (t *TracingObserver) SagaFinished(ctx context.Context, _ RunInfo, summary Summary) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("saga.success", summary.Success),
		attribute.StringSlice("saga.executed", summary.ExecutedSteps),
		attribute.StringSlice("saga.compensated", summary.CompensatedSteps),
	)
	if summary.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("saga.failed_step", summary.FailedStep))
		if summary.Err != nil {
			span.RecordError(summary.Err)
		}
		span.SetStatus(codes.Error, "saga failed")
	}
	span.End()
}
