package loft

import (
	"errors"
	"fmt"
)

// Sentinel errors for the resolution error taxonomy. Callers branch on these
// with errors.Is (or the Is* helpers) to map failures to their transport's
// status codes. The distinction matters:
//
//   - ErrNotFound: the alias/space/share/root does not exist, or the
//     principal has no reachable membership (including via group closure)
//     and is neither owner nor administrator. Deliberately indistinguishable
//     from true absence so that probing cannot enumerate entities.
//   - ErrForbidden: the entity is visible but disabled, or a required
//     operation is absent from the resolved permission set.
//   - ErrConflict: stored location metadata is self-contradictory (for
//     example a claimed file id that does not belong to the claimed space).
//     This is an internal logic error and is never coerced into NotFound.
var (
	ErrNotFound  = errors.New("loft: not found")
	ErrForbidden = errors.New("loft: forbidden")
	ErrConflict  = errors.New("loft: conflicting hierarchy metadata")
)

// NotFoundf returns an error wrapping ErrNotFound with formatted context.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Forbiddenf returns an error wrapping ErrForbidden with formatted context.
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrForbidden)...)
}

// Conflictf returns an error wrapping ErrConflict with formatted context.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsForbidden returns true if err is or wraps ErrForbidden.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsConflict returns true if err is or wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
