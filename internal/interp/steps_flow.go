package interp

import (
	"fmt"
	"strings"
	"time"

	"github.com/vk/stellard/internal/ctxlog"
)

func (in *Interpreter) stepTry(st *execState, step map[string]any) error {
	tryErr := in.executeBranch(st, step["try"])

	// Control signals pass through untouched; only faults are catchable.
	if tryErr != nil && isControl(tryErr) {
		in.executeBranch(st, step["finally"])
		return tryErr
	}

	var result error
	if tryErr != nil {
		caught, err := in.matchCatch(st, step["catch"], asScriptError(tryErr))
		if err != nil {
			result = err
		} else if !caught {
			result = tryErr
		}
	} else if elseBody, ok := step["else"]; ok {
		result = in.executeBranch(st, elseBody)
	}

	if finErr := in.executeBranch(st, step["finally"]); finErr != nil && result == nil {
		result = finErr
	}
	return result
}

// matchCatch walks the catch clauses and executes the first whose type
// matches. "all" matches anything; a concrete name matches the fault's type
// name or a registered custom error.
func (in *Interpreter) matchCatch(st *execState, rawCatch any, fault *ScriptError) (bool, error) {
	var clauses []any
	switch c := rawCatch.(type) {
	case nil:
		return false, nil
	case []any:
		clauses = c
	case map[string]any:
		clauses = []any{c}
	default:
		return false, newScriptError("catch must be a clause or an array of clauses")
	}

	for _, rawClause := range clauses {
		clause, ok := rawClause.(map[string]any)
		if !ok {
			continue
		}
		typeName, _ := clause["type"].(string)
		if !in.catchMatches(typeName, fault) {
			continue
		}
		steps, _ := clause["steps"].([]any)
		return true, in.executeBlock(st, steps)
	}
	return false, nil
}

func (in *Interpreter) catchMatches(typeName string, fault *ScriptError) bool {
	if typeName == "" || typeName == "all" {
		return true
	}
	if typeName == fault.TypeName() {
		return true
	}
	in.mu.RLock()
	_, isCustom := in.customErrors[typeName]
	in.mu.RUnlock()
	return isCustom && fault.Custom == typeName
}

func (in *Interpreter) stepRetry(st *execState, step map[string]any) error {
	retriesVal, err := in.Evaluate(step["retries"])
	if err != nil {
		return err
	}
	retries, ok := asNumber(retriesVal)
	if !ok {
		return newInvalidArgument("retry retries must evaluate to a number")
	}

	delay := time.Duration(0)
	if rawDelay, present := step["delay"]; present {
		delayVal, err := in.Evaluate(rawDelay)
		if err != nil {
			return err
		}
		ms, ok := asNumber(delayVal)
		if !ok {
			return newInvalidArgument("retry delay must evaluate to a number")
		}
		delay = time.Duration(ms) * time.Millisecond
	}
	exponential, _ := step["exponential_backoff"].(bool)
	errorType, _ := step["error_type"].(string)
	steps, _ := step["steps"].([]any)

	logger := ctxlog.FromContext(in.ctx)
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = in.executeBlock(st, steps)
		if lastErr == nil {
			return nil
		}
		if isControl(lastErr) {
			return lastErr
		}
		fault := asScriptError(lastErr)
		if errorType != "" && !in.catchMatches(errorType, fault) {
			return lastErr
		}
		if attempt >= int(retries) {
			return lastErr
		}

		logger.Warn("Retrying failed steps.", "script", st.script, "attempt", attempt+1, "error", fault)
		if onRetry, ok := step["on_retry"].([]any); ok {
			if err := in.executeBlock(st, onRetry); err != nil {
				return err
			}
		}
		if delay > 0 {
			if err := in.sleep(delay); err != nil {
				return err
			}
			if exponential {
				delay *= 2
			}
		}
	}
}

func (in *Interpreter) stepScope(st *execState, step map[string]any) error {
	declared, _ := step["variables"].(map[string]any)
	declaredFuncs, _ := step["functions"].(map[string]any)

	// Save the shadowed bindings before installing the frame.
	savedVars := make(map[string]*Variable, len(declared))
	in.mu.RLock()
	for name := range declared {
		if v, ok := in.variables[name]; ok {
			saved := v
			savedVars[name] = &saved
		} else {
			savedVars[name] = nil
		}
	}
	savedFuncs := make(map[string]*scriptFunc, len(declaredFuncs))
	for name := range declaredFuncs {
		savedFuncs[name] = in.scriptFuncs[name]
	}
	in.mu.RUnlock()

	for _, name := range sortedKeys(declared) {
		value, err := in.Evaluate(declared[name])
		if err != nil {
			return err
		}
		in.forceBind(name, value)
	}
	for _, name := range sortedKeys(declaredFuncs) {
		def, ok := declaredFuncs[name].(map[string]any)
		if !ok {
			return newScriptError(fmt.Sprintf("scope function %q must be an object", name))
		}
		fn, err := in.buildScriptFunc(name, def)
		if err != nil {
			return err
		}
		in.mu.Lock()
		in.scriptFuncs[name] = fn
		in.mu.Unlock()
	}

	restore := func() {
		in.mu.Lock()
		for name, saved := range savedVars {
			if saved == nil {
				delete(in.variables, name)
			} else {
				in.variables[name] = *saved
			}
		}
		for name, saved := range savedFuncs {
			if saved == nil {
				delete(in.scriptFuncs, name)
			} else {
				in.scriptFuncs[name] = saved
			}
		}
		in.mu.Unlock()
	}

	steps, _ := step["steps"].([]any)
	scopeErr := in.executeBlock(st, steps)
	if scopeErr != nil && !isControl(scopeErr) {
		if onError, ok := step["on_error"].([]any); ok {
			if err := in.executeBlock(st, onError); err != nil && !isControl(err) {
				ctxlog.FromContext(in.ctx).Error("Scope on_error block failed.", "script", st.script, "error", err)
			}
		}
	}
	if cleanup, ok := step["cleanup"].([]any); ok {
		if err := in.executeBlock(st, cleanup); err != nil && scopeErr == nil {
			scopeErr = err
		}
	}
	restore()
	return scopeErr
}

func (in *Interpreter) stepReturn(step map[string]any) error {
	value, err := in.Evaluate(step["value"])
	if err != nil {
		return err
	}
	in.forceBind(ReturnValueVar, value)
	return returnSignal{}
}

func (in *Interpreter) stepImport(step map[string]any) error {
	name, ok := step["script"].(string)
	if !ok || name == "" {
		return newScriptError("import requires a script name")
	}
	fromFile, _ := step["fromFile"].(bool)
	namespace, _ := step["namespace"].(string)

	loadedName := name
	if namespace != "" {
		loadedName = namespace + "::" + name
	}

	if fromFile {
		if err := in.importFromFile(name, namespace, make(map[string]bool)); err != nil {
			return err
		}
	}

	in.mu.RLock()
	steps, loaded := in.scripts[loadedName]
	in.mu.RUnlock()
	if !loaded {
		return newRuntime(fmt.Sprintf("imported script %q is not loaded", loadedName))
	}
	ctxlog.FromContext(in.ctx).Info("Imported script.", "script", loadedName)

	nested := &execState{script: loadedName, gotoCounts: make(map[string]int)}
	return in.runTopLevel(nested, steps)
}

// importFromFile reads a script from the task folder, registers it under
// its (optionally namespaced) name, and recurses through nested file
// imports so they are resolvable before execution.
func (in *Interpreter) importFromFile(name, namespace string, seen map[string]bool) error {
	loadedName := name
	if namespace != "" {
		loadedName = namespace + "::" + name
	}
	if seen[loadedName] {
		return nil
	}
	seen[loadedName] = true

	raw, err := in.readScriptFile(name)
	if err != nil {
		return newRuntime(fmt.Sprintf("failed to read imported script %q: %v", name, err))
	}
	steps, header, err := parseScript(raw)
	if err != nil {
		return newScriptError(fmt.Sprintf("imported script %q is invalid: %v", name, err))
	}
	in.loadParsed(loadedName, steps, header)

	for _, raw := range steps {
		nested, ok := raw.(map[string]any)
		if !ok || nested["type"] != "import" {
			continue
		}
		nestedFromFile, _ := nested["fromFile"].(bool)
		if !nestedFromFile {
			continue
		}
		nestedName, _ := nested["script"].(string)
		nestedNS, _ := nested["namespace"].(string)
		if nestedName == "" {
			continue
		}
		if err := in.importFromFile(nestedName, nestedNS, seen); err != nil {
			return err
		}
	}
	return nil
}

// formatMessage evaluates a message value and interpolates $variable
// references inside strings.
func (in *Interpreter) formatMessage(raw any) (string, error) {
	if s, ok := raw.(string); ok {
		return in.interpolate(s), nil
	}
	value, err := in.Evaluate(raw)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%v", value), nil
}

// interpolate replaces $name tokens with the bound variable values.
func (in *Interpreter) interpolate(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] != '$' {
			b.WriteByte(s[i])
			i++
			continue
		}
		j := i + 1
		for j < len(s) && (isIdentByte(s[j]) || (j > i+1 && isDigitByte(s[j]))) {
			j++
		}
		if j == i+1 {
			b.WriteByte('$')
			i++
			continue
		}
		name := s[i+1 : j]
		if value, ok := in.GetVariable(name); ok {
			b.WriteString(formatValue(value))
		} else {
			b.WriteString(s[i:j])
		}
		i = j
	}
	return b.String()
}

func formatValue(v any) string {
	if f, ok := asNumber(v); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}

func isIdentByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func isDigitByte(c byte) bool { return c >= '0' && c <= '9' }
