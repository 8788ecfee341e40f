package common

import "errors"

// ErrModulePaused is returned by entry points while their module is halted.
var ErrModulePaused = errors.New("module paused")

// ModuleOracle and ModulePeg name the pausable native modules.
const (
	ModuleOracle = "oracle"
	ModulePeg    = "peg"
)

// PauseView exposes the pause flag of a module. Engines implement it against
// their own persisted state.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused. A nil view or empty
// module name allows the call through.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
