package interp

import (
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/stellard/internal/ctxlog"
)

// submit hands fn to the shared worker pool, falling back to a plain
// goroutine when no pool is attached.
func (in *Interpreter) submit(fn func()) {
	if in.opts.Pool != nil && in.opts.Pool.Submit(fn) {
		return
	}
	go fn()
}

// stepParallel runs each child on its own goroutine rather than the shared
// pool: a parallel step blocks until its children join, so running the
// children on the same pool could starve a nested parallel of workers.
func (in *Interpreter) stepParallel(st *execState, step map[string]any) error {
	steps, _ := step["steps"].([]any)
	if len(steps) == 0 {
		return nil
	}

	var g errgroup.Group
	for _, child := range steps {
		child := child
		g.Go(func() error {
			childState := &execState{script: st.script, gotoCounts: make(map[string]int)}
			return in.executeStep(childState, child)
		})
	}
	// Every sibling joins before any child exception propagates.
	return g.Wait()
}

func (in *Interpreter) stepAsync(st *execState, step map[string]any) error {
	var steps []any
	if nested, ok := step["steps"].([]any); ok {
		steps = nested
	} else {
		// async also wraps a single inline step.
		inline := make(map[string]any, len(step))
		for key, value := range step {
			if key != "type" {
				inline[key] = value
			}
		}
		if innerType, ok := inline["step_type"].(string); ok {
			inline["type"] = innerType
			delete(inline, "step_type")
			steps = []any{inline}
		}
	}
	if len(steps) == 0 {
		return nil
	}

	script := st.script
	in.workers.Add(1)
	in.submit(func() {
		defer in.workers.Done()
		childState := &execState{script: script, gotoCounts: make(map[string]int)}
		if err := in.executeBlock(childState, steps); err != nil && !isControl(err) {
			ctxlog.FromContext(in.ctx).Error("Async block failed.", "script", script, "error", err)
		}
	})
	return nil
}

func (in *Interpreter) stepSchedule(st *execState, step map[string]any) error {
	delayVal, err := in.Evaluate(step["delay"])
	if err != nil {
		return err
	}
	ms, ok := asNumber(delayVal)
	if !ok {
		return newInvalidArgument("schedule delay must evaluate to a number")
	}
	delay := time.Duration(ms) * time.Millisecond
	steps, _ := step["steps"].([]any)
	runParallel, _ := step["parallel"].(bool)

	if !runParallel {
		if err := in.sleep(delay); err != nil {
			return err
		}
		return in.executeBlock(st, steps)
	}

	script := st.script
	in.workers.Add(1)
	in.submit(func() {
		defer in.workers.Done()
		if err := in.sleep(delay); err != nil {
			return
		}
		childState := &execState{script: script, gotoCounts: make(map[string]int)}
		if err := in.executeBlock(childState, steps); err != nil && !isControl(err) {
			ctxlog.FromContext(in.ctx).Error("Scheduled block failed.", "script", script, "error", err)
		}
	})
	return nil
}
