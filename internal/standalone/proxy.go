package standalone

import (
	"context"
	"log/slog"

	"github.com/vk/stellard/internal/component"
)

// Proxy adapts a supervised driver process to the component capability set
// so standalone manifest entries flow through the same manager path as
// in-process components.
type Proxy struct {
	fqn    string
	driver *Driver
	ctx    context.Context
	deps   map[string]component.Ref
}

// NewProxy wraps a driver launched from command for the component named fqn.
func NewProxy(ctx context.Context, fqn, command string, args []string, output OutputHandler) *Proxy {
	return &Proxy{
		fqn:    fqn,
		driver: NewDriver(fqn, command, args, output),
		ctx:    ctx,
		deps:   make(map[string]component.Ref),
	}
}

// Name returns the fully-qualified component name.
func (p *Proxy) Name() string { return p.fqn }

// Initialize starts the driver process.
func (p *Proxy) Initialize() error {
	return p.driver.Start(p.ctx)
}

// Destroy stops the driver process.
func (p *Proxy) Destroy() error {
	return p.driver.Stop(p.ctx)
}

// AddDependency records a weak borrow. Driver processes cannot call into
// other components directly; the borrow is kept so dependency accounting
// stays uniform across component kinds.
func (p *Proxy) AddDependency(name string, ref component.Ref) {
	if name == "" {
		slog.Warn("Empty dependency name on standalone component.", "component", p.fqn)
		return
	}
	p.deps[name] = ref
}

// Driver exposes the underlying supervised process for send/listen control.
func (p *Proxy) Driver() *Driver { return p.driver }
