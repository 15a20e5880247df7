package manager

import (
	"errors"
	"log/slog"
)

type undoStep struct {
	name string
	fn   func() error
}

// undoStack accumulates rollback closures that are executed in reverse
// order when an attach fails partway through. Each closure undoes one
// kernel-side effect (close the program, detach the link, remove the
// map pin). Because steps are pushed in acquisition order, rollback
// releases them in the same order as a normal detach.
type undoStack []undoStep

// push appends a named rollback closure to the stack.
func (u *undoStack) push(name string, fn func() error) {
	*u = append(*u, undoStep{name: name, fn: fn})
}

// rollback executes all closures in reverse order, logging and
// collecting any errors. Returns nil if every closure succeeds.
func (u undoStack) rollback(logger *slog.Logger) error {
	var errs []error
	for i := len(u) - 1; i >= 0; i-- {
		if err := u[i].fn(); err != nil {
			logger.Error("rollback step failed", "step", u[i].name, "error", err)
			errs = append(errs, err)
		} else {
			logger.Debug("rolled back", "step", u[i].name)
		}
	}
	return errors.Join(errs...)
}
