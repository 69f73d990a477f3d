// Package sysfn registers general-purpose host functions into the task
// interpreter: logging, sleeping, environment lookup and component listing.
package sysfn

import (
	"os"
	"time"

	"github.com/vk/stellard/internal/ctxlog"
	"github.com/vk/stellard/internal/interp"
	"github.com/vk/stellard/modules"
)

// Module implements the modules.Module interface for this package.
type Module struct{}

// Register wires the sysfn callables into the interpreter.
func (m *Module) Register(h *modules.Host) error {
	logger := ctxlog.FromContext(h.Ctx)

	fns := map[string]interp.Function{
		"log": func(params map[string]any) (any, error) {
			msg, _ := params["message"].(string)
			switch params["level"] {
			case "debug":
				logger.Debug(msg)
			case "warn":
				logger.Warn(msg)
			case "error":
				logger.Error(msg)
			default:
				logger.Info(msg)
			}
			return nil, nil
		},
		"sleep": func(params map[string]any) (any, error) {
			ms, ok := params["milliseconds"].(float64)
			if !ok {
				return nil, interp.NewInvalidArgumentError("sleep requires numeric milliseconds")
			}
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return nil, nil
		},
		"getenv": func(params map[string]any) (any, error) {
			name, ok := params["name"].(string)
			if !ok || name == "" {
				return nil, interp.NewInvalidArgumentError("getenv requires a name")
			}
			return os.Getenv(name), nil
		},
		"now_ms": func(map[string]any) (any, error) {
			return float64(time.Now().UnixMilli()), nil
		},
	}

	if h.Manager != nil {
		fns["components"] = func(map[string]any) (any, error) {
			names := h.Manager.List()
			out := make([]any, len(names))
			for i, name := range names {
				out[i] = name
			}
			return out, nil
		}
	}

	for name, fn := range fns {
		if err := h.Interp.RegisterFunction(name, fn); err != nil {
			return err
		}
	}
	return nil
}
