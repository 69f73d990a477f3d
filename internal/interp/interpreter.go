// Package interp executes JSON-encoded scripts: statements, expressions,
// closures, events, exceptions, parallelism, scheduling and retries.
package interp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/vk/stellard/internal/bus"
	"github.com/vk/stellard/internal/ctxlog"
	"github.com/vk/stellard/internal/workpool"
)

// ReturnValueVar is where return steps bind their value.
const ReturnValueVar = "__return_value__"

// EventDataVar holds the payload of the most recently matched event inside
// listen_event sub-steps.
const EventDataVar = "__event_data__"

// EventNameVar holds the name of the most recently matched event.
const EventNameVar = "__event_name__"

// defaultEventQueueCap bounds the interpreter's event queue.
const defaultEventQueueCap = 1000

// Function is a callable registered into the interpreter: JSON object of
// parameters in, JSON value out.
type Function func(params map[string]any) (any, error)

// ExceptionHandler receives unhandled script faults for a script name.
type ExceptionHandler func(err error)

// Header carries script metadata.
type Header struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	AutoExecute bool   `json:"auto_execute"`
}

type scriptFunc struct {
	name       string
	params     []string
	defaults   map[string]any
	steps      []any
	returnExpr any
	hasReturn  bool
	closure    map[string]Variable // by-value snapshot at definition time
}

// Options configure an Interpreter.
type Options struct {
	// Pool is the shared worker pool async and schedule{parallel} steps
	// submit to; parallel children run on their own goroutines, not the pool.
	Pool *workpool.Pool
	// Bus mirrors broadcast_event messages onto the application bus.
	Bus *bus.Bus[any]
	// ScriptDir is the task folder import{fromFile} reads from.
	ScriptDir string
	// EventQueueCap bounds the event queue (<=0 selects the default).
	EventQueueCap int
}

// Interpreter executes loaded scripts. One background worker runs per
// executing script; all mutable maps are guarded by a reader-writer lock and
// user functions are invoked with no locks held.
type Interpreter struct {
	mu           sync.RWMutex
	scripts      map[string][]any
	headers      map[string]Header
	labels       map[string]map[string]int
	variables    map[string]Variable
	functions    map[string]Function
	scriptFuncs  map[string]*scriptFunc
	handlers     map[string]ExceptionHandler
	customErrors map[string]int
	callStack    []string

	eventMu   sync.Mutex
	eventCond *sync.Cond
	events    []queuedEvent
	eventCap  int

	stopRequested  atomic.Bool
	pauseRequested atomic.Bool
	running        atomic.Int32

	workers sync.WaitGroup

	opts Options
	ctx  context.Context
}

type queuedEvent struct {
	key     string // event_name + "@" + channel
	payload any
}

// New constructs an interpreter. ctx supplies the logger for all workers.
func New(ctx context.Context, opts Options) *Interpreter {
	if opts.EventQueueCap <= 0 {
		opts.EventQueueCap = defaultEventQueueCap
	}
	in := &Interpreter{
		scripts:      make(map[string][]any),
		headers:      make(map[string]Header),
		labels:       make(map[string]map[string]int),
		variables:    make(map[string]Variable),
		functions:    make(map[string]Function),
		scriptFuncs:  make(map[string]*scriptFunc),
		handlers:     make(map[string]ExceptionHandler),
		customErrors: make(map[string]int),
		eventCap:     opts.EventQueueCap,
		opts:         opts,
		ctx:          ctx,
	}
	in.eventCond = sync.NewCond(&in.eventMu)
	return in
}

// LoadScript parses raw JSON (either a bare step array or {header, steps})
// and registers it under name, refreshing the label index.
func (in *Interpreter) LoadScript(name string, raw []byte) error {
	steps, header, err := parseScript(raw)
	if err != nil {
		return fmt.Errorf("failed to load script %q: %w", name, err)
	}
	in.loadParsed(name, steps, header)
	return nil
}

// LoadParsedScript registers an already-decoded script value.
func (in *Interpreter) LoadParsedScript(name string, script any) error {
	steps, header, err := normalizeScript(script)
	if err != nil {
		return fmt.Errorf("failed to load script %q: %w", name, err)
	}
	in.loadParsed(name, steps, header)
	return nil
}

func (in *Interpreter) loadParsed(name string, steps []any, header Header) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.scripts[name] = steps
	in.headers[name] = header
	in.labels[name] = indexLabels(steps)
	ctxlog.FromContext(in.ctx).Info("Script loaded.", "script", name, "steps", len(steps))
}

func parseScript(raw []byte) ([]any, Header, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, Header{}, fmt.Errorf("invalid script JSON: %w", err)
	}
	return normalizeScript(v)
}

func normalizeScript(v any) ([]any, Header, error) {
	switch script := v.(type) {
	case []any:
		return script, Header{}, nil
	case map[string]any:
		rawSteps, ok := script["steps"].([]any)
		if !ok {
			return nil, Header{}, fmt.Errorf("script object lacks a steps array")
		}
		var header Header
		if h, ok := script["header"].(map[string]any); ok {
			data, err := json.Marshal(h)
			if err == nil {
				json.Unmarshal(data, &header)
			}
		}
		return rawSteps, header, nil
	default:
		return nil, Header{}, fmt.Errorf("script must be an array of steps or an object with steps")
	}
}

// indexLabels maps label fields of top-level steps to their indices. A goto
// step's label names its target, so goto steps declare no label.
func indexLabels(steps []any) map[string]int {
	labels := make(map[string]int)
	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok || step["type"] == "goto" {
			continue
		}
		if label, ok := step["label"].(string); ok && label != "" {
			labels[label] = i
		}
	}
	return labels
}

// UnloadScript forgets a loaded script.
func (in *Interpreter) UnloadScript(name string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.scripts, name)
	delete(in.headers, name)
	delete(in.labels, name)
}

// HasScript reports whether name is loaded.
func (in *Interpreter) HasScript(name string) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	_, ok := in.scripts[name]
	return ok
}

// GetScript returns the parsed steps of a loaded script.
func (in *Interpreter) GetScript(name string) ([]any, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	steps, ok := in.scripts[name]
	return steps, ok
}

// GetHeader returns the metadata of a loaded script.
func (in *Interpreter) GetHeader(name string) (Header, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	h, ok := in.headers[name]
	return h, ok
}

// RegisterFunction registers a callable under name. It fails when the name
// is already taken.
func (in *Interpreter) RegisterFunction(name string, fn Function) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, taken := in.functions[name]; taken {
		return fmt.Errorf("function %q is already registered", name)
	}
	if _, taken := in.scriptFuncs[name]; taken {
		return fmt.Errorf("function %q is already defined by a script", name)
	}
	in.functions[name] = fn
	return nil
}

// RegisterExceptionHandler installs the unhandled-fault callback for a
// script name.
func (in *Interpreter) RegisterExceptionHandler(script string, handler ExceptionHandler) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.handlers[script] = handler
}

// RegisterCustomError associates a custom error type name with a code; catch
// and retry clauses may match it by name.
func (in *Interpreter) RegisterCustomError(name string, code int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.customErrors[name] = code
}

// SetVariable binds a typed value. The recorded type of an existing variable
// must match.
func (in *Interpreter) SetVariable(name string, value any, t VariableType) error {
	if DetermineType(value) != t && t != TypeUnknown {
		return newInvalidArgument(fmt.Sprintf("value for %q is not of type %s", name, t))
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.bindLocked(name, value, t)
}

func (in *Interpreter) bindLocked(name string, value any, t VariableType) error {
	if existing, ok := in.variables[name]; ok && existing.Type != TypeUnknown && t != TypeUnknown && existing.Type != t {
		return newInvalidArgument(fmt.Sprintf("type mismatch assigning %s to variable %q of type %s", t, name, existing.Type))
	}
	in.variables[name] = Variable{Type: t, Value: value}
	return nil
}

// forceBind rebinds a variable, re-inferring its type. Used for call results
// and closure restoration, where the new type wins.
func (in *Interpreter) forceBind(name string, value any) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.variables[name] = Variable{Type: DetermineType(value), Value: value}
}

// GetVariable returns the value bound to name.
func (in *Interpreter) GetVariable(name string) (any, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.variables[name]
	if !ok {
		return nil, false
	}
	return v.Value, true
}

// GetVariableType returns the recorded type of name.
func (in *Interpreter) GetVariableType(name string) (VariableType, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	v, ok := in.variables[name]
	return v.Type, ok
}

// DeleteVariable removes a binding.
func (in *Interpreter) DeleteVariable(name string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.variables, name)
}

// CallStack returns the currently-executing function names.
func (in *Interpreter) CallStack() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return append([]string(nil), in.callStack...)
}

// IsRunning reports whether any script worker is active.
func (in *Interpreter) IsRunning() bool { return in.running.Load() > 0 }

// Pause requests suspension at the next step boundary of every worker.
func (in *Interpreter) Pause() {
	in.pauseRequested.Store(true)
}

// Resume releases paused workers.
func (in *Interpreter) Resume() {
	in.pauseRequested.Store(false)
	in.eventCond.Broadcast()
}

// Stop cooperatively terminates all workers at their next step boundary and
// joins them.
func (in *Interpreter) Stop() {
	in.stopRequested.Store(true)
	in.pauseRequested.Store(false)
	in.eventCond.Broadcast()
	in.workers.Wait()
	in.stopRequested.Store(false)
}

// Execute runs a loaded script to completion on a worker goroutine and
// joins it. Unhandled faults go to the script's exception handler; without
// one the error is returned.
func (in *Interpreter) Execute(name string) error {
	done := make(chan error, 1)
	if err := in.executeOn(name, func(err error) { done <- err }); err != nil {
		return err
	}
	return <-done
}

// ExecuteAsync starts a script worker and returns immediately. Completion
// faults are routed to the exception handler or logged.
func (in *Interpreter) ExecuteAsync(name string) error {
	return in.executeOn(name, nil)
}

func (in *Interpreter) executeOn(name string, report func(error)) error {
	in.mu.RLock()
	steps, ok := in.scripts[name]
	in.mu.RUnlock()
	if !ok {
		return newRuntime(fmt.Sprintf("script %q is not loaded", name))
	}

	in.workers.Add(1)
	in.running.Add(1)
	go func() {
		defer in.workers.Done()
		err := in.runScript(name, steps)
		if err != nil {
			err = in.dispatchFault(name, err)
		}
		in.running.Add(-1)
		if report != nil {
			report(err)
		} else if err != nil {
			ctxlog.FromContext(in.ctx).Error("Script failed.", "script", name, "error", err)
		}
	}()
	return nil
}

// dispatchFault routes an unhandled fault to the script's registered
// exception handler. Handled faults are absorbed.
func (in *Interpreter) dispatchFault(name string, err error) error {
	if _, isStop := err.(stopSignal); isStop {
		return nil
	}
	in.mu.RLock()
	handler := in.handlers[name]
	in.mu.RUnlock()
	if handler != nil {
		handler(asScriptError(err))
		return nil
	}
	return err
}

// ExecuteAll runs every loaded script whose header requests auto-execution.
func (in *Interpreter) ExecuteAll() error {
	in.mu.RLock()
	var names []string
	for name, h := range in.headers {
		if h.AutoExecute {
			names = append(names, name)
		}
	}
	in.mu.RUnlock()

	for _, name := range names {
		if err := in.Execute(name); err != nil {
			return err
		}
	}
	return nil
}

// readScriptFile reads <ScriptDir>/<name> with a .json suffix added when
// missing. Used by import{fromFile}.
func (in *Interpreter) readScriptFile(name string) ([]byte, error) {
	file := name
	if filepath.Ext(file) == "" {
		file += ".json"
	}
	return os.ReadFile(filepath.Join(in.opts.ScriptDir, file))
}
