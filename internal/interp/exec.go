package interp

import (
	"fmt"
	"sort"
	"time"

	"github.com/vk/stellard/internal/ctxlog"
)

// maxGotoReentries bounds how often a single label may be re-entered per
// execution, stopping runaway goto loops.
const maxGotoReentries = 100

// assignLockAttempts and assignLockBackoff govern how the assign step
// competes with readers for the writer lock.
const (
	assignLockAttempts = 3
	assignLockBackoff  = 100 * time.Millisecond
)

type execState struct {
	script     string
	gotoCounts map[string]int
}

func (in *Interpreter) runScript(name string, steps []any) error {
	st := &execState{script: name, gotoCounts: make(map[string]int)}
	err := in.runTopLevel(st, steps)
	// A top-level return terminates the script normally; break/continue
	// escaping every loop is a script fault.
	switch err.(type) {
	case returnSignal:
		return nil
	case breakSignal, continueSignal:
		return newScriptError("break or continue outside of a loop")
	}
	return err
}

// runTopLevel walks the top-level steps of a script. goto signals resolve
// against this script's label index; everything else unwinds out.
func (in *Interpreter) runTopLevel(st *execState, steps []any) error {
	i := 0
	for i < len(steps) {
		if err := in.checkpoint(); err != nil {
			return err
		}
		err := in.executeStep(st, steps[i])
		if err == nil {
			i++
			continue
		}
		g, ok := err.(gotoSignal)
		if !ok {
			return err
		}
		in.mu.RLock()
		idx, known := in.labels[st.script][g.label]
		in.mu.RUnlock()
		if !known {
			return newScriptError(fmt.Sprintf("goto to unknown label %q", g.label))
		}
		st.gotoCounts[g.label]++
		if st.gotoCounts[g.label] > maxGotoReentries {
			return newRuntime(fmt.Sprintf("label %q re-entered more than %d times", g.label, maxGotoReentries))
		}
		i = idx
	}
	return nil
}

// executeBlock walks a nested block of steps. Control signals propagate to
// the enclosing construct.
func (in *Interpreter) executeBlock(st *execState, steps []any) error {
	for _, step := range steps {
		if err := in.checkpoint(); err != nil {
			return err
		}
		if err := in.executeStep(st, step); err != nil {
			return err
		}
	}
	return nil
}

// executeBranch accepts either a single step object or an array of steps,
// both of which the script format allows for branch bodies.
func (in *Interpreter) executeBranch(st *execState, v any) error {
	switch branch := v.(type) {
	case nil:
		return nil
	case []any:
		return in.executeBlock(st, branch)
	case map[string]any:
		if err := in.checkpoint(); err != nil {
			return err
		}
		return in.executeStep(st, branch)
	default:
		return newScriptError("branch body must be a step or an array of steps")
	}
}

// checkpoint honors stop and pause at step boundaries.
func (in *Interpreter) checkpoint() error {
	if in.stopRequested.Load() {
		return stopSignal{}
	}
	if !in.pauseRequested.Load() {
		return nil
	}
	in.eventMu.Lock()
	defer in.eventMu.Unlock()
	for in.pauseRequested.Load() && !in.stopRequested.Load() {
		in.eventCond.Wait()
	}
	if in.stopRequested.Load() {
		return stopSignal{}
	}
	return nil
}

func (in *Interpreter) executeStep(st *execState, raw any) error {
	step, ok := raw.(map[string]any)
	if !ok {
		return newScriptError("step is not a JSON object")
	}
	stepType, ok := step["type"].(string)
	if !ok {
		return newScriptError("step lacks a string type field")
	}
	ctxlog.FromContext(in.ctx).Debug("Executing step.", "script", st.script, "type", stepType)

	var err error
	switch stepType {
	case "assign":
		err = in.stepAssign(st, step)
	case "call", "function":
		err = in.stepCall(st, step)
	case "condition":
		err = in.stepCondition(st, step)
	case "loop":
		err = in.stepLoop(st, step)
	case "while":
		err = in.stepWhile(st, step)
	case "goto":
		err = in.stepGoto(step)
	case "switch":
		err = in.stepSwitch(st, step)
	case "delay":
		err = in.stepDelay(step)
	case "parallel":
		err = in.stepParallel(st, step)
	case "async":
		err = in.stepAsync(st, step)
	case "nested_script":
		err = in.stepNestedScript(step)
	case "import":
		err = in.stepImport(step)
	case "wait_event":
		err = in.stepWaitEvent(step)
	case "listen_event":
		err = in.stepListenEvent(st, step)
	case "broadcast_event":
		err = in.stepBroadcastEvent(step)
	case "print":
		err = in.stepPrint(step)
	case "message":
		err = in.stepMessage(step)
	case "try":
		err = in.stepTry(st, step)
	case "function_def":
		err = in.stepFunctionDef(step)
	case "return":
		err = in.stepReturn(step)
	case "break":
		err = breakSignal{}
	case "continue":
		err = continueSignal{}
	case "retry":
		err = in.stepRetry(st, step)
	case "schedule":
		err = in.stepSchedule(st, step)
	case "scope":
		err = in.stepScope(st, step)
	case "throw":
		err = in.stepThrow(step)
	default:
		err = newScriptError(fmt.Sprintf("unknown step type %q", stepType))
	}

	if err != nil && !isControl(err) {
		if se := asScriptError(err); se.Step == "" {
			se.Step = stepType
			return se
		}
	}
	return err
}

func (in *Interpreter) stepAssign(st *execState, step map[string]any) error {
	name, ok := step["variable"].(string)
	if !ok || name == "" {
		return newScriptError("assign requires a variable name")
	}
	value, err := in.Evaluate(step["value"])
	if err != nil {
		return err
	}

	// Readers hold the shared lock during evaluate; yield a bounded number
	// of times rather than starving behind them forever.
	for attempt := 0; attempt < assignLockAttempts; attempt++ {
		if in.mu.TryLock() {
			err := in.bindLocked(name, value, DetermineType(value))
			in.mu.Unlock()
			return err
		}
		time.Sleep(assignLockBackoff)
	}
	return newRuntime(fmt.Sprintf("could not acquire variable lock to assign %q", name))
}

func (in *Interpreter) stepCondition(st *execState, step map[string]any) error {
	condVal, err := in.Evaluate(step["condition"])
	if err != nil {
		return err
	}
	cond, err := truthy(condVal)
	if err != nil {
		return err
	}
	if cond {
		return in.executeBranch(st, step["true"])
	}
	return in.executeBranch(st, step["false"])
}

func (in *Interpreter) stepLoop(st *execState, step map[string]any) error {
	countVal, err := in.Evaluate(step["loop_iterations"])
	if err != nil {
		return err
	}
	count, ok := asNumber(countVal)
	if !ok {
		return newInvalidArgument("loop_iterations must evaluate to a number")
	}
	steps, _ := step["steps"].([]any)

	for i := 0; i < int(count); i++ {
		err := in.executeBlock(st, steps)
		if err == nil {
			continue
		}
		if _, isBreak := err.(breakSignal); isBreak {
			return nil
		}
		if _, isContinue := err.(continueSignal); isContinue {
			continue
		}
		return err
	}
	return nil
}

func (in *Interpreter) stepWhile(st *execState, step map[string]any) error {
	steps, _ := step["steps"].([]any)
	for {
		condVal, err := in.Evaluate(step["condition"])
		if err != nil {
			return err
		}
		cond, err := truthy(condVal)
		if err != nil {
			return err
		}
		if !cond {
			return nil
		}

		err = in.executeBlock(st, steps)
		if err == nil {
			continue
		}
		if _, isBreak := err.(breakSignal); isBreak {
			return nil
		}
		if _, isContinue := err.(continueSignal); isContinue {
			continue
		}
		return err
	}
}

func (in *Interpreter) stepGoto(step map[string]any) error {
	label, ok := step["label"].(string)
	if !ok || label == "" {
		return newScriptError("goto requires a label")
	}
	return gotoSignal{label: label}
}

func (in *Interpreter) stepSwitch(st *execState, step map[string]any) error {
	varName, ok := step["variable"].(string)
	if !ok {
		return newScriptError("switch requires a variable name")
	}
	value, ok := in.GetVariable(varName)
	if !ok {
		return newRuntime(fmt.Sprintf("switch variable %q is not defined", varName))
	}

	cases, _ := step["cases"].([]any)
	for _, rawCase := range cases {
		c, ok := rawCase.(map[string]any)
		if !ok {
			continue
		}
		caseVal, err := in.Evaluate(c["case"])
		if err != nil {
			return err
		}
		if valuesEqual(value, caseVal) {
			steps, _ := c["steps"].([]any)
			return in.executeBlock(st, steps)
		}
	}

	switch def := step["default"].(type) {
	case map[string]any:
		steps, _ := def["steps"].([]any)
		return in.executeBlock(st, steps)
	case []any:
		return in.executeBlock(st, def)
	}
	return nil
}

func (in *Interpreter) stepDelay(step map[string]any) error {
	msVal, err := in.Evaluate(step["milliseconds"])
	if err != nil {
		return err
	}
	ms, ok := asNumber(msVal)
	if !ok {
		return newInvalidArgument("delay milliseconds must evaluate to a number")
	}
	return in.sleep(time.Duration(ms) * time.Millisecond)
}

// sleep suspends the worker, rechecking stop promptly.
func (in *Interpreter) sleep(d time.Duration) error {
	const slice = 20 * time.Millisecond
	deadline := time.Now().Add(d)
	for {
		if in.stopRequested.Load() {
			return stopSignal{}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}
		if remaining > slice {
			remaining = slice
		}
		time.Sleep(remaining)
	}
}

func (in *Interpreter) stepPrint(step map[string]any) error {
	msg, err := in.formatMessage(step["message"])
	if err != nil {
		return err
	}
	ctxlog.FromContext(in.ctx).Info(msg)
	return nil
}

func (in *Interpreter) stepMessage(step map[string]any) error {
	label, _ := step["label"].(string)
	ctxlog.FromContext(in.ctx).Info("Script message.", "label", label)
	return nil
}

func (in *Interpreter) stepThrow(step map[string]any) error {
	msg, _ := step["message"].(string)
	typeName, _ := step["exception_type"].(string)
	switch typeName {
	case "runtime", "runtime_error":
		return newRuntime(msg)
	case "invalid_argument":
		return newInvalidArgument(msg)
	case "out_of_range":
		return newOutOfRange(msg)
	default:
		return newScriptError(fmt.Sprintf("throw with unknown exception type %q", typeName))
	}
}

func (in *Interpreter) stepNestedScript(step map[string]any) error {
	name, ok := step["script"].(string)
	if !ok || name == "" {
		return newScriptError("nested_script requires a script name")
	}
	in.mu.RLock()
	steps, loaded := in.scripts[name]
	in.mu.RUnlock()
	if !loaded {
		return newRuntime(fmt.Sprintf("nested script %q is not loaded", name))
	}
	nested := &execState{script: name, gotoCounts: make(map[string]int)}
	return in.runTopLevel(nested, steps)
}

// sortedKeys is shared by closure save/restore so ordering is stable.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
