package migrations

import (
	"context"
	"fmt"
	"io"

	"github.com/eqr/craftdb"
)

// Migration defines a reversible schema or data change. Implementations must
// return a stable, sortable name (e.g. m240309_140506_add_entries) and provide
// Up/Down steps that perform the forward and rollback work inside tx.
//
// Returning ErrDeclined from either step refuses the change and rolls it back.
type Migration interface {
	Name() string
	Up(ctx context.Context, tx *Tx) error
	Down(ctx context.Context, tx *Tx) error
}

// Direction tells which step of a migration is running.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// Tx is the handle passed to migration steps. Every statement issued through the
// embedded command runs in the step's transaction.
type Tx struct {
	*craftdb.Command
	out io.Writer
}

// Printf writes progress output for the running step.
func (t *Tx) Printf(format string, args ...any) {
	if t.out == nil {
		return
	}
	fmt.Fprintf(t.out, format, args...)
}

// Output returns the writer that receives the step's output.
func (t *Tx) Output() io.Writer {
	if t.out == nil {
		return io.Discard
	}
	return t.out
}

type funcMigration struct {
	name string
	up   func(context.Context, *Tx) error
	down func(context.Context, *Tx) error
}

// Func adapts a pair of functions into a Migration. A nil down declines reverts.
func Func(name string, up, down func(ctx context.Context, tx *Tx) error) Migration {
	return funcMigration{name: name, up: up, down: down}
}

func (m funcMigration) Name() string { return m.name }

func (m funcMigration) Up(ctx context.Context, tx *Tx) error {
	if m.up == nil {
		return nil
	}
	return m.up(ctx, tx)
}

func (m funcMigration) Down(ctx context.Context, tx *Tx) error {
	if m.down == nil {
		return fmt.Errorf("%w: %s cannot be reverted", ErrDeclined, m.name)
	}
	return m.down(ctx, tx)
}
