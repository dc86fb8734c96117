package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// stepEntry is a registered forward step and its attributes.
type stepEntry[C any] struct {
	name          string
	id            string
	step          Step[C]
	cond          predicate[C]
	policy        Policy
	recovery      RecoveryFunc[C]
	rollbackIndex int
}

type attachKind int

const (
	attachNone attachKind = iota
	attachStep
	attachCompensator
)

// runState is the per-Execute state.
type runState[C any] struct {
	id         string
	c          C
	logger     *slog.Logger
	executed   int
	inProgress string
}


// Pipeline is an ordered sequence of steps sharing one Context. A Pipeline
// and its Context are owned by a single goroutine and execute once.
type Pipeline[R any, C Context[R]] struct {
	name       string
	newContext func() C
	c          C
	opts       options

	steps     []*stepEntry[C]
	index     map[string]int
	finally   *stepEntry[C]
	rollbacks rollbackStack[C]

	lastKind attachKind
	lastStep *stepEntry[C]
	lastComp *compensatorEntry[C]

	resolver     Resolver[C]
	validator    Validator[R]
	requestKey   string
	cacheEnabled bool

	errs     []error
	executed bool
}

// New creates a Pipeline named name. newContext must return a pointer to a
// fresh struct embedding BaseContext[R]; it is also used to decode snapshots.
func New[R any, C Context[R]](name string, newContext func() C, opts ...Option) *Pipeline[R, C] {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	p := &Pipeline[R, C]{
		name:         name,
		newContext:   newContext,
		opts:         o,
		index:        make(map[string]int),
		cacheEnabled: o.store != nil,
	}
	p.c = p.freshContext()
	return p
}

func (p *Pipeline[R, C]) freshContext() C {
	c := p.newContext()
	if b := c.base(); b.ID == "" {
		b.ID = uuid.NewString()
	}
	return c
}

// Name returns the pipeline name.
func (p *Pipeline[R, C]) Name() string { return p.name }

// Context returns the live context. After a resumed run it is the context
// restored from the snapshot.
func (p *Pipeline[R, C]) Context() C { return p.c }

// Identifier returns the identifier a step named name gets in this pipeline.
func (p *Pipeline[R, C]) Identifier(name string) string { return p.name + "." + name }

// StepIdentifiers lists the forward steps in execution order, followed by
// the finally step if one is set.
func (p *Pipeline[R, C]) StepIdentifiers() []string {
	ids := make([]string, 0, len(p.steps)+1)
	for _, st := range p.steps {
		ids = append(ids, st.id)
	}
	if p.finally != nil {
		ids = append(ids, p.finally.id)
	}
	return ids
}

// Err reports the configuration faults recorded during assembly.
func (p *Pipeline[R, C]) Err() error {
	return errors.Join(p.errs...)
}

func (p *Pipeline[R, C]) configFault(op string, err error) *Pipeline[R, C] {
	p.errs = append(p.errs, &ConfigError{Pipeline: p.name, Op: op, Err: err})
	return p
}

// AddNext appends a forward step.
func (p *Pipeline[R, C]) AddNext(name string, step Step[C]) *Pipeline[R, C] {
	switch {
	case p.finally != nil:
		return p.configFault("add next "+name, ErrAlreadyFinalized)
	case step == nil:
		return p.configFault("add next "+name, ErrNilStep)
	}
	id := p.Identifier(name)
	if _, dup := p.index[id]; dup {
		return p.configFault("add next "+name, ErrDuplicateStep)
	}
	st := &stepEntry[C]{name: name, id: id, step: step, rollbackIndex: noRollbackIndex}
	p.index[id] = len(p.steps)
	p.steps = append(p.steps, st)
	p.lastKind, p.lastStep, p.lastComp = attachStep, st, nil
	return p
}

// AddNextType appends a forward step resolved from the configured Resolver.
// The step type doubles as its name.
func (p *Pipeline[R, C]) AddNextType(stepType string) *Pipeline[R, C] {
	if p.resolver == nil {
		return p.configFault("add next "+stepType, ErrNoResolver)
	}
	step, err := p.resolver.ResolveStep(stepType)
	if err != nil {
		return p.configFault("add next "+stepType, err)
	}
	return p.AddNext(stepType, step)
}

// AddFinally sets the step that runs last regardless of how the run ended.
// No forward step may be added afterwards.
func (p *Pipeline[R, C]) AddFinally(name string, step Step[C]) *Pipeline[R, C] {
	switch {
	case p.finally != nil:
		return p.configFault("add finally "+name, ErrAlreadyFinalized)
	case step == nil:
		return p.configFault("add finally "+name, ErrNilStep)
	}
	id := p.Identifier(name)
	if _, dup := p.index[id]; dup {
		return p.configFault("add finally "+name, ErrDuplicateStep)
	}
	p.finally = &stepEntry[C]{name: name, id: id, step: step, rollbackIndex: noRollbackIndex}
	p.lastKind, p.lastStep, p.lastComp = attachStep, p.finally, nil
	return p
}

// AddRollback binds a compensator to the most recently added forward step
// and pushes it onto the rollback stack.
func (p *Pipeline[R, C]) AddRollback(name string, compensator Compensator[C]) *Pipeline[R, C] {
	switch {
	case p.finally != nil:
		return p.configFault("add rollback "+name, ErrAlreadyFinalized)
	case p.lastStep == nil:
		return p.configFault("add rollback "+name, ErrNoStep)
	case compensator == nil:
		return p.configFault("add rollback "+name, ErrNilStep)
	}
	e := &compensatorEntry[C]{name: name, id: p.Identifier(name), compensator: compensator}
	idx := p.rollbacks.push(e)
	if p.lastStep.rollbackIndex == noRollbackIndex {
		p.lastStep.rollbackIndex = idx
	}
	p.lastKind, p.lastComp = attachCompensator, e
	return p
}

// AddRollbackType binds a compensator resolved from the configured Resolver.
func (p *Pipeline[R, C]) AddRollbackType(stepType string) *Pipeline[R, C] {
	if p.resolver == nil {
		return p.configFault("add rollback "+stepType, ErrNoResolver)
	}
	comp, err := p.resolver.ResolveCompensator(stepType)
	if err != nil {
		return p.configFault("add rollback "+stepType, err)
	}
	return p.AddRollback(stepType, comp)
}

// When gates the most recently added step or compensator.
func (p *Pipeline[R, C]) When(cond Condition[C]) *Pipeline[R, C] {
	if cond == nil {
		return p.configFault("when", ErrInvalidCondition)
	}
	return p.attachCondition("when", fromCondition(cond))
}

// WhenExpr gates the most recently added step or compensator with an
// expression over "ctx" (the context) and "req" (the request), for example
// `req.Amount > 100`.
func (p *Pipeline[R, C]) WhenExpr(src string) *Pipeline[R, C] {
	pred, err := compileExpr[R, C](src)
	if err != nil {
		return p.configFault("when expr", err)
	}
	return p.attachCondition("when expr", pred)
}

func (p *Pipeline[R, C]) attachCondition(op string, pred predicate[C]) *Pipeline[R, C] {
	switch p.lastKind {
	case attachStep:
		p.lastStep.cond = pred
	case attachCompensator:
		p.lastComp.cond = pred
	default:
		return p.configFault(op, ErrNoStep)
	}
	return p
}

// WithPolicy wraps the most recently added step or compensator.
func (p *Pipeline[R, C]) WithPolicy(policy Policy) *Pipeline[R, C] {
	switch p.lastKind {
	case attachStep:
		p.lastStep.policy = policy
	case attachCompensator:
		p.lastComp.policy = policy
	default:
		return p.configFault("with policy", ErrNoStep)
	}
	return p
}

// WithRecovery attaches a recovery hook to the most recently added step.
func (p *Pipeline[R, C]) WithRecovery(fn RecoveryFunc[C]) *Pipeline[R, C] {
	if p.lastStep == nil || p.lastKind != attachStep {
		return p.configFault("with recovery", ErrNoStep)
	}
	p.lastStep.recovery = fn
	return p
}

// WithResolver sets the resolver used by AddNextType and AddRollbackType.
func (p *Pipeline[R, C]) WithResolver(r Resolver[C]) *Pipeline[R, C] {
	p.resolver = r
	return p
}

// WithValidator validates every request before the fingerprint is taken.
func (p *Pipeline[R, C]) WithValidator(v Validator[R]) *Pipeline[R, C] {
	p.validator = v
	return p
}

// WithRequestKey tags every log line of the run with key.
func (p *Pipeline[R, C]) WithRequestKey(key string) *Pipeline[R, C] {
	p.requestKey = key
	return p
}

// EnableCache turns on snapshot caching against store.
func (p *Pipeline[R, C]) EnableCache(store SnapshotStore) *Pipeline[R, C] {
	if store == nil {
		return p.configFault("enable cache", ErrNoSnapshotStore)
	}
	p.opts.store = store
	p.cacheEnabled = true
	return p
}

// DisableCache turns off snapshot caching.
func (p *Pipeline[R, C]) DisableCache() *Pipeline[R, C] {
	p.cacheEnabled = false
	return p
}

// Execute runs the pipeline for request. idempotencyKey, when non-empty,
// replaces the request fingerprint. The returned error is non-nil only for
// configuration faults; every runtime failure is reported in the Result.
func (p *Pipeline[R, C]) Execute(ctx context.Context, request R, idempotencyKey string) (*Result, error) {
	return p.execute(ctx, request, idempotencyKey, "")
}

// ExecuteFrom is Execute starting at the step with identifier stepID. Steps
// before it are skipped but their recovery hooks run.
func (p *Pipeline[R, C]) ExecuteFrom(ctx context.Context, request R, idempotencyKey, stepID string) (*Result, error) {
	if !p.knownStep(stepID) {
		return nil, &ConfigError{Pipeline: p.name, Op: "execute from " + stepID, Err: ErrUnknownResumeStep}
	}
	return p.execute(ctx, request, idempotencyKey, stepID)
}

func (p *Pipeline[R, C]) knownStep(id string) bool {
	if _, ok := p.index[id]; ok {
		return true
	}
	return p.finally != nil && p.finally.id == id
}

func (p *Pipeline[R, C]) execute(ctx context.Context, request R, idempotencyKey, startID string) (*Result, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}
	if p.executed {
		return nil, &ConfigError{Pipeline: p.name, Op: "execute", Err: ErrAlreadyExecuted}
	}
	p.executed = true

	r := &runState[C]{id: uuid.NewString(), c: p.c}
	r.logger = p.opts.logger.With("pipeline", p.name, "run_id", r.id)
	if p.requestKey != "" {
		r.logger = r.logger.With("request_key", p.requestKey)
	}

	ctx, span := p.opts.tracer.StartRun(ctx, p.name, r.id)
	defer span.End()

	start := time.Now()
	r.logger.Info("Pipeline started", "steps", len(p.steps))
	p.recordEvent(ctx, r, EventPipelineStarted, map[string]any{"steps": len(p.steps)})

	result := p.run(ctx, r, request, idempotencyKey, startID)

	r.logger.Info("Pipeline completed",
		"success", result.Success, "status", result.StatusCode,
		"step", result.StepIdentifier, "elapsed", time.Since(start))
	p.recordEvent(context.WithoutCancel(ctx), r, EventPipelineCompleted, map[string]any{
		"success":     result.Success,
		"status_code": result.StatusCode,
		"step":        result.StepIdentifier,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	p.opts.tracer.EndRun(span, result.Success, result.StatusCode)
	return result, nil
}

func (p *Pipeline[R, C]) run(ctx context.Context, r *runState[C], request R, idempotencyKey, startID string) *Result {
	p.c.base().Request = request

	if p.validator != nil {
		if errs := p.validator.Validate(ctx, request); len(errs) > 0 {
			res := &Result{
				StatusCode:     http.StatusBadRequest,
				Errors:         errs,
				StepIdentifier: p.name + ".validation",
			}
			p.c.base().Result = res
			r.logger.Info("Request validation failed", "errors", len(errs))
			p.recordEvent(ctx, r, EventValidationFailed, map[string]any{"errors": len(errs)})
			return res
		}
	}

	fingerprint := idempotencyKey
	if fingerprint == "" {
		fp, err := p.opts.hasher.Fingerprint(p.name, request)
		if err != nil {
			return p.fault(ctx, r, p.name+".fingerprint", err)
		}
		fingerprint = fp
	}
	key := SnapshotKey(p.opts.keyPrefix, fingerprint)

	if p.opts.claimer != nil {
		release, acquired, err := p.opts.claimer.TryAcquire(ctx, claimKey(key), p.opts.claimTTL)
		if err != nil {
			return p.fault(ctx, r, p.name+".claim", fmt.Errorf("claim %q: %w", key, err))
		}
		if !acquired {
			r.logger.Info("Run already in progress for fingerprint", "key", key)
			return &Result{
				StatusCode:     http.StatusConflict,
				Errors:         []Error{{Source: p.name + ".claim", Message: "request is already being processed"}},
				StepIdentifier: p.name + ".claim",
			}
		}
		defer release()
	}

	var cache *snapshotCache
	if p.cacheEnabled {
		cache = newSnapshotCache(p.opts.store, p.opts.keyPrefix, p.opts.ttl)
	}

	resume := startID
	if cache != nil {
		snap, err := cache.load(ctx, fingerprint)
		if err != nil {
			return p.fault(ctx, r, p.name+".snapshot", err)
		}
		switch {
		case snap == nil:
			p.recordEvent(ctx, r, EventCacheMiss, nil)
		case snap.Success:
			restored, err := p.restore(snap)
			if err != nil {
				return p.fault(ctx, r, p.name+".snapshot", err)
			}
			p.c = restored
			r.logger.Info("Returning memoized result", "step", snap.LastExecutedStepIdentifier)
			p.recordEvent(ctx, r, EventCacheHit, map[string]any{"step": snap.LastExecutedStepIdentifier})
			if res := restored.base().Result; res != nil {
				return res
			}
			return NoResult()
		default:
			restored, err := p.restore(snap)
			if err != nil {
				return p.fault(ctx, r, p.name+".snapshot", err)
			}
			restored.base().Request = request
			p.c = restored
			r.c = restored
			if resume == "" {
				resume = snap.LastExecutedStepIdentifier
				if !p.knownStep(resume) {
					r.logger.Warn("Snapshot resume point is not a step of this pipeline, starting from the head", "step", resume)
					resume = ""
				}
			}
			r.logger.Info("Resuming from snapshot", "step", resume)
			p.recordEvent(ctx, r, EventCacheResume, map[string]any{"step": resume})
		}
	}

	// faults above end the run before it starts; finally runs only from here
	p.runSteps(ctx, r, resume)
	p.runFinally(ctx, r)

	result := p.c.base().Result
	if result == nil {
		result = NoResult()
	}

	if cache != nil {
		if err := p.persist(ctx, cache, fingerprint, r, result); err != nil {
			return p.fault(ctx, r, p.name+".snapshot", err)
		}
	}
	return result
}

// resumePoint is the step a failed run resumes at: the step that produced
// result when it is a step of this pipeline (the finally step included),
// otherwise the last forward step dequeued.
func (p *Pipeline[R, C]) resumePoint(r *runState[C], result *Result) string {
	if result != nil && p.knownStep(result.StepIdentifier) {
		return result.StepIdentifier
	}
	return r.inProgress
}

func (p *Pipeline[R, C]) restore(snap *Snapshot) (C, error) {
	c := p.freshContext()
	if err := json.Unmarshal(snap.Context, c); err != nil {
		var zero C
		return zero, fmt.Errorf("decode snapshot context: %w", err)
	}
	return c, nil
}

func (p *Pipeline[R, C]) persist(ctx context.Context, cache *snapshotCache, fingerprint string, r *runState[C], result *Result) error {
	data, err := encodeContext[R](p.c, result.Success)
	if err != nil {
		return err
	}
	snap := &Snapshot{
		CreatedAt:                  p.opts.now().UTC(),
		Success:                    result.Success,
		LastExecutedStepIdentifier: p.resumePoint(r, result),
		Context:                    data,
	}
	return cache.save(context.WithoutCancel(ctx), fingerprint, snap)
}

// runSteps is the dequeue loop. It returns once the context holds a Result
// or the queue is exhausted.
func (p *Pipeline[R, C]) runSteps(ctx context.Context, r *runState[C], resume string) {
	pos := 0
	if resume != "" {
		target, ok := p.index[resume]
		if !ok {
			// resume is the finally step
			target = len(p.steps)
		}
		for _, st := range p.steps[:target] {
			r.logger.Info("Step skipped while resuming", "step", st.id)
			if err := p.runRecovery(ctx, r, st); err != nil {
				p.fault(ctx, r, st.id, err)
				return
			}
		}
		pos = target
	}

	for pos < len(p.steps) {
		st := p.steps[pos]
		if err := ctx.Err(); err != nil {
			p.cancelled(ctx, r, st.id, err)
			return
		}
		if r.executed >= p.opts.maxSteps {
			p.fault(ctx, r, st.id, fmt.Errorf("%w (%d)", ErrMaxStepsExceeded, p.opts.maxSteps))
			return
		}
		pos++
		r.executed++
		r.inProgress = st.id
		sctx := withStepIdentifier(ctx, st.id)

		if err := p.runRecovery(sctx, r, st); err != nil {
			p.fault(ctx, r, st.id, err)
			return
		}
		if st.cond != nil {
			ok, err := st.cond(sctx, r.c)
			if err != nil {
				p.fault(ctx, r, st.id, err)
				return
			}
			if !ok {
				r.logger.Info("Step skipped", "step", st.id)
				p.recordEvent(ctx, r, EventStepSkipped, map[string]any{"step": st.id})
				continue
			}
		}

		startTime := time.Now()
		r.logger.Info("Step started", "step", st.id)
		out, err := p.invoke(sctx, r, st)
		elapsed := time.Since(startTime)
		if err != nil {
			p.stepError(ctx, r, st.id, err)
			return
		}
		r.logger.Info("Step completed", "step", st.id, "outcome", out.kind.String(), "elapsed", elapsed)
		p.recordEvent(ctx, r, EventStepCompleted, map[string]any{
			"step":        st.id,
			"outcome":     out.kind.String(),
			"duration_ms": elapsed.Milliseconds(),
		})

		b := r.c.base()
		switch out.kind {
		case KindProceed:
			if b.Result != nil {
				if b.Result.StepIdentifier == "" {
					b.Result.StepIdentifier = st.id
				}
				return
			}
			if out.target == "" {
				continue
			}
			next, ok := p.index[out.target]
			switch {
			case ok:
				pos = next
			case p.finally != nil && out.target == p.finally.id:
				pos = len(p.steps)
			default:
				p.fault(ctx, r, st.id, fmt.Errorf("%w: %q", ErrUnknownGotoStep, out.target))
				return
			}
		case KindAbort:
			b.Result = out.result
			r.logger.Info("Pipeline aborted", "step", st.id, "status", out.result.StatusCode, "errors", out.result.ErrorMessage())
			return
		case KindFinish:
			b.Result = out.result
			return
		case KindRollback:
			b.Result = out.result
			limit := rollbackLimit(p.steps[pos:], p.rollbacks.size())
			if compID, err := p.compensate(ctx, r, limit); err != nil {
				p.fault(ctx, r, compID, err)
			}
			return
		}
	}
}

// runFinally executes the closing step. Its Result never replaces one that
// is already set; a fault inside it does.
func (p *Pipeline[R, C]) runFinally(ctx context.Context, r *runState[C]) {
	st := p.finally
	if st == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	sctx := withStepIdentifier(ctx, st.id)

	if err := p.runRecovery(sctx, r, st); err != nil {
		p.fault(ctx, r, st.id, err)
		return
	}
	if st.cond != nil {
		ok, err := st.cond(sctx, r.c)
		if err != nil {
			p.fault(ctx, r, st.id, err)
			return
		}
		if !ok {
			r.logger.Info("Step skipped", "step", st.id)
			p.recordEvent(ctx, r, EventStepSkipped, map[string]any{"step": st.id})
			return
		}
	}

	r.logger.Info("Step started", "step", st.id)
	out, err := p.invoke(sctx, r, st)
	if err != nil {
		p.stepError(ctx, r, st.id, err)
		return
	}
	r.logger.Info("Step completed", "step", st.id, "outcome", out.kind.String())
	p.recordEvent(ctx, r, EventStepCompleted, map[string]any{"step": st.id, "outcome": out.kind.String()})

	if b := r.c.base(); b.Result == nil && out.result != nil {
		b.Result = out.result
	}
}

func (p *Pipeline[R, C]) runRecovery(ctx context.Context, r *runState[C], st *stepEntry[C]) (err error) {
	if st.recovery == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("recovery hook of %q panicked: %v", st.id, rec)
		}
	}()
	if err := st.recovery(ctx, r.c); err != nil {
		return fmt.Errorf("recovery hook of %q: %w", st.id, err)
	}
	return nil
}

// invoke runs a step once, or under its policy. Every Result it returns is
// stamped with the step identifier.
func (p *Pipeline[R, C]) invoke(ctx context.Context, r *runState[C], st *stepEntry[C]) (Outcome, error) {
	ctx, span := p.opts.tracer.StartStep(ctx, p.name, st.id)
	defer span.End()

	once := func(ctx context.Context) (out Outcome, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("step %q panicked: %v", st.id, rec)
			}
		}()
		return st.step.Handle(ctx, r.c)
	}

	var (
		out Outcome
		err error
	)
	if st.policy == nil {
		out, err = once(ctx)
	} else {
		attempt := 0
		_, err = st.policy.Execute(ctx, func(ctx context.Context) (*Result, error) {
			if attempt > 0 {
				if res := r.c.base().Result; res != nil && !res.Success && res.StepIdentifier != st.id {
					return res, &ForeignFailureError{StepIdentifier: st.id, Result: res}
				}
				r.logger.Info("Retrying step", "step", st.id, "attempt", attempt)
			}
			attempt++
			o, err := once(ctx)
			if err != nil {
				out = Outcome{}
				return nil, err
			}
			out = o.stamped(st.id)
			return out.result, nil
		})
	}
	out = out.stamped(st.id)
	p.opts.tracer.End(span, err, out.kind.String())
	return out, err
}

// stepError classifies an error returned by invoke.
func (p *Pipeline[R, C]) stepError(ctx context.Context, r *runState[C], id string, err error) {
	var ff *ForeignFailureError
	switch {
	case errors.As(err, &ff):
		r.logger.Info("Step stopped by a failure from another step", "step", id, "source", ff.Result.StepIdentifier)
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		p.cancelled(ctx, r, id, ctx.Err())
	default:
		p.fault(ctx, r, id, err)
	}
}

// cancelled ends the run because ctx is done before stepID could run.
func (p *Pipeline[R, C]) cancelled(ctx context.Context, r *runState[C], stepID string, err error) {
	status := StatusClientClosed
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusRequestTimeout
	}
	r.inProgress = stepID
	r.logger.Warn("Pipeline cancelled", "step", stepID, "error", err)
	r.c.base().Result = &Result{
		StatusCode:     status,
		Errors:         []Error{{Source: stepID, Message: err.Error()}},
		StepIdentifier: stepID,
	}
	p.recordEvent(context.WithoutCancel(ctx), r, EventStepFailed, map[string]any{"step": stepID, "error": err.Error()})
}

// fault converts an engine error into an internal-error Result.
func (p *Pipeline[R, C]) fault(ctx context.Context, r *runState[C], stepID string, err error) *Result {
	r.logger.Error("Step failed", "step", stepID, "error", err)
	res := InternalError(stepID, err)
	r.c.base().Result = res
	p.recordEvent(context.WithoutCancel(ctx), r, EventStepFailed, map[string]any{"step": stepID, "error": err.Error()})
	return res
}
