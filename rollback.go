package stepflow

import (
	"context"
	"fmt"
)

// noRollbackIndex marks a forward step without a bound compensator.
const noRollbackIndex = -1

// compensatorEntry is a registered compensator and the index it was given.
type compensatorEntry[C any] struct {
	name        string
	id          string
	index       int
	compensator Compensator[C]
	cond        predicate[C]
	policy      Policy
}

// rollbackStack holds compensators in registration order. Indices are
// assigned from a counter, so entries[i].index == i.
type rollbackStack[C any] struct {
	entries []*compensatorEntry[C]
}

func (s *rollbackStack[C]) push(e *compensatorEntry[C]) int {
	e.index = len(s.entries)
	s.entries = append(s.entries, e)
	return e.index
}

func (s *rollbackStack[C]) size() int { return len(s.entries) }

// rollbackLimit returns the RollbackIndex of the first pending forward step
// carrying one, or total when none does. Compensators at or above the limit
// belong to steps that never ran.
func rollbackLimit[C any](pending []*stepEntry[C], total int) int {
	for _, st := range pending {
		if st.rollbackIndex != noRollbackIndex {
			return st.rollbackIndex
		}
	}
	return total
}

// compensate pops compensators LIFO and runs those whose index is below
// limit. The first compensator error stops the loop and is returned together
// with the identifier of the compensator that produced it.
func (p *Pipeline[R, C]) compensate(ctx context.Context, run *runState[C], limit int) (string, error) {
	logger := run.logger
	logger.Info("Running compensation", "limit", limit, "registered", p.rollbacks.size())

	for i := p.rollbacks.size() - 1; i >= 0; i-- {
		e := p.rollbacks.entries[i]
		if e.index >= limit {
			continue
		}
		if err := ctx.Err(); err != nil {
			ctx = context.WithoutCancel(ctx)
		}
		sctx := withStepIdentifier(ctx, e.id)

		if e.cond != nil {
			ok, err := e.cond(sctx, run.c)
			if err != nil {
				return e.id, err
			}
			if !ok {
				logger.Info("Compensation skipped", "step", e.id)
				p.recordEvent(sctx, run, EventStepSkipped, map[string]any{"step": e.id, "compensation": true})
				continue
			}
		}

		err := p.invokeCompensator(sctx, run, e)
		if err != nil {
			logger.Error("Compensation step failed", "step", e.id, "error", err)
			return e.id, err
		}
		logger.Info("Compensation step completed", "step", e.id)
		p.recordEvent(sctx, run, EventStepCompensated, map[string]any{"step": e.id, "index": e.index})
	}
	return "", nil
}

func (p *Pipeline[R, C]) invokeCompensator(ctx context.Context, run *runState[C], e *compensatorEntry[C]) error {
	spanCtx, span := p.opts.tracer.StartCompensation(ctx, p.name, e.id)
	defer span.End()

	once := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("compensator %q panicked: %v", e.id, r)
			}
		}()
		return e.compensator.Compensate(ctx, run.c)
	}

	var err error
	if e.policy == nil {
		err = once(spanCtx)
	} else {
		_, err = e.policy.Execute(spanCtx, func(ctx context.Context) (*Result, error) {
			return nil, once(ctx)
		})
	}
	p.opts.tracer.End(span, err, "")
	return err
}
