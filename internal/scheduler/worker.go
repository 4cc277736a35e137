package scheduler

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// worker executes dispatched tasks until the work channel is closed.
func (p *Pool) worker() {
	defer p.workers.Done()
	for t := range p.work {
		res := p.run(t)
		p.finish(t, res)
	}
}

func (p *Pool) run(t *task) InferenceResult {
	ctx, span := p.tracer.Start(t.ctx, "inferq.execute", trace.WithAttributes(
		attribute.String("job.id", t.meta.ID),
		attribute.String("job.request_id", t.job.RequestID),
		attribute.String("job.priority", t.meta.Priority.String()),
		attribute.Int64("job.units", int64(t.meta.Cost.Units)),
		attribute.Bool("job.streaming", t.job.Streaming),
	))
	defer span.End()

	start := time.Now()
	res := invoke(ctx, p.exec, t.job, t.meta, p.log)
	executionSeconds.Observe(time.Since(start).Seconds())

	span.SetAttributes(attribute.String("job.outcome", res.outcome()))
	if res.IsError() {
		span.SetStatus(codes.Error, res.ErrorMessage())
	}
	return res
}
