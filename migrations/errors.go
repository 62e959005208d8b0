package migrations

import (
	"errors"
	"fmt"
)

var (
	ErrMigrationFailed    = errors.New("migration failed")
	ErrDuplicateMigration = errors.New("duplicate migration")
	ErrMigrationNotFound  = errors.New("migration not found")
	ErrDeclined           = errors.New("migration declined")
	ErrReservedName       = errors.New("reserved migration name")
	ErrInvalidName        = errors.New("invalid migration name")
)

// MigrationError reports a migration step that failed and was rolled back.
type MigrationError struct {
	Name      string
	Direction Direction
	// Output holds what the step printed when output is buffered.
	Output string
	Cause  error
}

func (e *MigrationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s (%s)", ErrMigrationFailed, e.Name, e.Direction)
	}
	return fmt.Sprintf("%s: %s (%s): %v", ErrMigrationFailed, e.Name, e.Direction, e.Cause)
}

func (e *MigrationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches ErrMigrationFailed.
func (e *MigrationError) Is(target error) bool {
	return target == ErrMigrationFailed
}
