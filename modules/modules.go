// Package modules defines the contract compiled-in function modules use to
// register callables into the task interpreter.
package modules

import (
	"context"

	"github.com/vk/stellard/internal/bus"
	"github.com/vk/stellard/internal/interp"
	"github.com/vk/stellard/internal/manager"
)

// Host bundles the collaborators a module may register against.
type Host struct {
	Ctx     context.Context
	Interp  *interp.Interpreter
	Manager *manager.Manager
	Bus     *bus.Bus[any]
}

// Module is implemented by every compiled-in function module.
type Module interface {
	Register(h *Host) error
}
