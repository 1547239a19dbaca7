package plugin

import (
	"errors"
	"fmt"
)

// Manager errors.
var (
	ErrInstantiation      = errors.New("plugin: instantiation failed")
	ErrDestruction        = errors.New("plugin: destruction failed")
	ErrPacketTypeConflict = errors.New("plugin: packet type already routed")
	ErrHandlerPanic       = errors.New("plugin: handler panicked")
)

// Op is the operation a Result reports on.
type Op uint8

const (
	// OpLoad is a plugin load.
	OpLoad Op = iota
	// OpUnload is a plugin unload.
	OpUnload
)

// String returns the operation name.
func (o Op) String() string {
	if o == OpUnload {
		return "unload"
	}
	return "load"
}

// Result is the outcome for one plugin in a batch.
type Result struct {
	Name string
	Op   Op

	// Err is ErrInstantiation or ErrDestruction wrapping the cause, or nil.
	Err error

	// Conflicts lists packet types the plugin claimed that were already
	// routed to another plugin. The plugin still loads for its other types.
	Conflicts []string
}

// ConflictError returns the conflicts as an ErrPacketTypeConflict, or nil.
func (r Result) ConflictError() error {
	if len(r.Conflicts) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s claims %v", ErrPacketTypeConflict, r.Name, r.Conflicts)
}

// BatchResult collects the per-plugin outcomes of LoadAll or UnloadAll.
type BatchResult struct {
	Results []Result
}

// Err joins every failure and conflict, or returns nil.
func (b BatchResult) Err() error {
	var errs []error
	for _, r := range b.Results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
		if err := r.ConflictError(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Succeeded returns the names of plugins whose operation succeeded.
func (b BatchResult) Succeeded() []string {
	var out []string
	for _, r := range b.Results {
		if r.Err == nil {
			out = append(out, r.Name)
		}
	}
	return out
}

// Failed returns the names of plugins whose operation failed.
func (b BatchResult) Failed() []string {
	var out []string
	for _, r := range b.Results {
		if r.Err != nil {
			out = append(out, r.Name)
		}
	}
	return out
}

// Changed reports whether any plugin was loaded or unloaded.
func (b BatchResult) Changed() bool {
	return len(b.Succeeded()) > 0
}
