package stepflow

import "context"

// EventRecorder records pipeline execution events for observability.
type EventRecorder interface {
	RecordEvent(ctx context.Context, executionID string, eventType string, data map[string]any) error
}

// Event types emitted during a run.
const (
	EventPipelineStarted   = "pipeline.started"
	EventPipelineCompleted = "pipeline.completed"
	EventValidationFailed  = "pipeline.validation_failed"
	EventStepCompleted     = "step.completed"
	EventStepSkipped       = "step.skipped"
	EventStepFailed        = "step.failed"
	EventStepCompensated   = "step.compensated"
	EventCacheHit          = "cache.hit"
	EventCacheResume       = "cache.resume"
	EventCacheMiss         = "cache.miss"
)

func (p *Pipeline[R, C]) recordEvent(ctx context.Context, run *runState[C], eventType string, data map[string]any) {
	if p.opts.recorder == nil {
		return
	}
	if data == nil {
		data = map[string]any{}
	}
	data["pipeline"] = p.name
	if err := p.opts.recorder.RecordEvent(ctx, run.id, eventType, data); err != nil {
		run.logger.Warn("Failed to record event", "event", eventType, "error", err)
	}
}
