package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoCodeAlone/stepflow"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type req struct {
	Amount int `json:"amount"`
}

type runCtx struct {
	stepflow.BaseContext[req]
}

func step(out stepflow.Outcome) stepflow.Step[*runCtx] {
	return stepflow.StepFunc[*runCtx](func(context.Context, *runCtx) (stepflow.Outcome, error) {
		return out, nil
	})
}

func TestCollectorRecordsRun(t *testing.T) {
	c := NewCollector(DefaultConfig())

	p := stepflow.New[req]("deposit", func() *runCtx { return &runCtx{} }, stepflow.WithEventRecorder(c))
	p.AddNext("Debit", step(stepflow.Proceed())).
		AddRollback("Refund", stepflow.CompensatorFunc[*runCtx](func(context.Context, *runCtx) error { return nil })).
		AddNext("Skipped", step(stepflow.Proceed())).When(func(*runCtx) bool { return false }).
		AddNext("Credit", step(stepflow.Rollback(nil, 422)))

	res, err := p.Execute(context.Background(), req{Amount: 5}, "")
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != 422 {
		t.Fatalf("unexpected result %+v", res)
	}

	if got := testutil.ToFloat64(c.Runs.WithLabelValues("deposit", "false", "422")); got != 1 {
		t.Errorf("runs counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Steps.WithLabelValues("deposit", "deposit.Debit", "completed")); got != 1 {
		t.Errorf("Debit completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Steps.WithLabelValues("deposit", "deposit.Skipped", "skipped")); got != 1 {
		t.Errorf("Skipped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.Compensations.WithLabelValues("deposit", "deposit.Refund")); got != 1 {
		t.Errorf("compensations = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.ActiveRuns.WithLabelValues("deposit")); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
	if n := testutil.CollectAndCount(c.RunDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestCollectorValidationAndCache(t *testing.T) {
	c := NewCollector(Config{Namespace: "bank"})
	ctx := context.Background()

	_ = c.RecordEvent(ctx, "r1", stepflow.EventValidationFailed, map[string]any{"pipeline": "p"})
	_ = c.RecordEvent(ctx, "r1", stepflow.EventCacheMiss, map[string]any{"pipeline": "p"})
	_ = c.RecordEvent(ctx, "r2", stepflow.EventCacheHit, map[string]any{"pipeline": "p"})
	_ = c.RecordEvent(ctx, "r3", stepflow.EventCacheResume, map[string]any{"pipeline": "p"})
	_ = c.RecordEvent(ctx, "r3", "unknown.event", map[string]any{"pipeline": "p"})

	expected := `
# HELP bank_pipeline_cache_lookups_total Snapshot lookups by result (hit, resume, miss)
# TYPE bank_pipeline_cache_lookups_total counter
bank_pipeline_cache_lookups_total{pipeline="p",result="hit"} 1
bank_pipeline_cache_lookups_total{pipeline="p",result="miss"} 1
bank_pipeline_cache_lookups_total{pipeline="p",result="resume"} 1
`
	if err := testutil.CollectAndCompare(c.CacheLookups, strings.NewReader(expected)); err != nil {
		t.Error(err)
	}
	if got := testutil.ToFloat64(c.Validations.WithLabelValues("p")); got != 1 {
		t.Errorf("validation failures = %v, want 1", got)
	}
}

func TestCollectorCompletedWithoutStart(t *testing.T) {
	c := NewCollector(DefaultConfig())
	err := c.RecordEvent(context.Background(), "orphan", stepflow.EventPipelineCompleted, map[string]any{
		"pipeline": "p", "success": true, "status_code": 200,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(c.ActiveRuns.WithLabelValues("p")); got != 0 {
		t.Errorf("gauge must not go negative, got %v", got)
	}
	if got := testutil.ToFloat64(c.Runs.WithLabelValues("p", "true", "200")); got != 1 {
		t.Errorf("runs counter = %v, want 1", got)
	}
}

func TestCollectorHandler(t *testing.T) {
	c := NewCollector(DefaultConfig())
	_ = c.RecordEvent(context.Background(), "r", stepflow.EventStepFailed, map[string]any{"pipeline": "p", "step": "p.A"})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `stepflow_pipeline_steps_total{pipeline="p",status="failed",step="p.A"} 1`) {
		t.Errorf("metric missing from exposition:\n%s", rec.Body.String())
	}
}
