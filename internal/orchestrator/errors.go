package orchestrator

import (
	"errors"

	"github.com/fyrsmithlabs/conductor/internal/role"
	"github.com/fyrsmithlabs/conductor/internal/session"
	"github.com/fyrsmithlabs/conductor/internal/workitem"
)

// ErrNotFound marks the NotFound category for packages that wrap it in their
// own sentinels.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err means a referenced entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, workitem.ErrNotFound) ||
		errors.Is(err, session.ErrNotFound) ||
		errors.Is(err, role.ErrNotFound)
}
