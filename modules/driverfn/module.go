// Package driverfn bridges scripts to the standalone driver supervisor:
// start, stop, send and listen-toggle as registered interpreter functions.
package driverfn

import (
	"fmt"
	"sync"

	"github.com/vk/stellard/internal/ctxlog"
	"github.com/vk/stellard/internal/interp"
	"github.com/vk/stellard/internal/standalone"
	"github.com/vk/stellard/modules"
)

// Module implements the modules.Module interface for this package.
type Module struct {
	mu      sync.Mutex
	drivers map[string]*standalone.Driver
}

// New returns the driver-function module.
func New() *Module {
	return &Module{drivers: make(map[string]*standalone.Driver)}
}

// StopAll terminates every driver started through this module.
func (m *Module) StopAll(h *modules.Host) {
	m.mu.Lock()
	drivers := make([]*standalone.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	m.drivers = make(map[string]*standalone.Driver)
	m.mu.Unlock()

	for _, d := range drivers {
		d.Stop(h.Ctx)
	}
}

func (m *Module) get(name string) (*standalone.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[name]
	if !ok {
		return nil, interp.NewInvalidArgumentError(fmt.Sprintf("driver %q is not started", name))
	}
	return d, nil
}

// Register wires the driver callables into the interpreter. Driver output
// observed while listening is re-broadcast as driver_output events on the
// driver channel.
func (m *Module) Register(h *modules.Host) error {
	logger := ctxlog.FromContext(h.Ctx)

	output := func(name string, data []byte) {
		h.Interp.BroadcastEvent("driver_output", name, string(data))
	}

	fns := map[string]interp.Function{
		"driver_start": func(params map[string]any) (any, error) {
			name, _ := params["name"].(string)
			command, _ := params["command"].(string)
			if name == "" || command == "" {
				return nil, interp.NewInvalidArgumentError("driver_start requires name and command")
			}
			var args []string
			if rawArgs, ok := params["args"].([]any); ok {
				for _, rawArg := range rawArgs {
					args = append(args, fmt.Sprintf("%v", rawArg))
				}
			}

			m.mu.Lock()
			if _, exists := m.drivers[name]; exists {
				m.mu.Unlock()
				return nil, interp.NewInvalidArgumentError(fmt.Sprintf("driver %q already started", name))
			}
			m.mu.Unlock()

			d := standalone.NewDriver(name, command, args, output)
			if err := d.Start(h.Ctx); err != nil {
				return nil, err
			}
			m.mu.Lock()
			m.drivers[name] = d
			m.mu.Unlock()
			logger.Info("Driver started from script.", "name", name)
			return true, nil
		},
		"driver_stop": func(params map[string]any) (any, error) {
			name, _ := params["name"].(string)
			d, err := m.get(name)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			delete(m.drivers, name)
			m.mu.Unlock()
			if err := d.Stop(h.Ctx); err != nil {
				return nil, err
			}
			return true, nil
		},
		"driver_send": func(params map[string]any) (any, error) {
			name, _ := params["name"].(string)
			message, _ := params["message"].(string)
			d, err := m.get(name)
			if err != nil {
				return nil, err
			}
			if err := d.Send([]byte(message)); err != nil {
				return nil, err
			}
			return true, nil
		},
		"driver_listen": func(params map[string]any) (any, error) {
			name, _ := params["name"].(string)
			d, err := m.get(name)
			if err != nil {
				return nil, err
			}
			return d.ToggleListening(), nil
		},
	}

	for name, fn := range fns {
		if err := h.Interp.RegisterFunction(name, fn); err != nil {
			return err
		}
	}
	return nil
}
