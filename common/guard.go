// Package common holds the module guard primitives shared across the
// protocol engines.
package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports whether a named module has been halted by the
// operator. A nil view means nothing is paused.
type PauseView interface {
	IsPaused(module string) bool
}

// Guard rejects the call when the module is paused.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
