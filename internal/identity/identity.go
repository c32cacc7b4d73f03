// Package identity enforces the process-wide startup preconditions: the run
// account and an owner-only file creation mask.
package identity

import (
	"fmt"
	"os/user"

	"golang.org/x/sys/unix"
)

// Mask is applied before any file is created.
const Mask = 0o077

// currentUser is replaced in tests.
var currentUser = user.Current

// Error reports that the process runs under the wrong account.
type Error struct {
	Want, Got string
}

func (e *Error) Error() string {
	return fmt.Sprintf("must run as user %q, running as %q", e.Want, e.Got)
}

// Check fails unless the effective user is want.
func Check(want string) error {
	u, err := currentUser()
	if err != nil {
		return fmt.Errorf("lookup current user: %w", err)
	}
	if u.Username != want {
		return &Error{Want: want, Got: u.Username}
	}
	return nil
}

// RestrictUmask sets the process umask to Mask and returns the previous one.
func RestrictUmask() int {
	return unix.Umask(Mask)
}
