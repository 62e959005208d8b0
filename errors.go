package craftdb

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by connection, command and backup operations.
var (
	ErrDriverNotRegistered = errors.New("database driver not registered")
	ErrConnectionFailed    = errors.New("database connection failed")
	ErrUnsupportedDriver   = errors.New("operation not supported by driver")
	ErrBackupDisabled      = errors.New("database backups are disabled")
	ErrRestoreDisabled     = errors.New("database restores are disabled")
	ErrTableNotFound       = errors.New("table not found")
	ErrNotFound            = errors.New("not found")
)

// ConnectError is returned by Open. Kind is ErrDriverNotRegistered or ErrConnectionFailed.
type ConnectError struct {
	Driver string
	Kind   error
	Err    error
}

func (e *ConnectError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connect %s: %v", e.Driver, e.Kind)
	}
	return fmt.Sprintf("connect %s: %v: %v", e.Driver, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
