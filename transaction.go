package craftdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pocketbase/dbx"
)

type txContextKey struct{ conn *Connection }

// txState tracks one outermost transaction and the callbacks queued against it.
type txState struct {
	tx *dbx.Tx

	mu    sync.Mutex
	done  bool
	after []func()
}

func (s *txState) isDone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// queue appends fn unless the transaction already finished.
func (s *txState) queue(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	s.after = append(s.after, fn)
	return true
}

func (s *txState) finish() {
	s.mu.Lock()
	s.done = true
	callbacks := s.after
	s.after = nil
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (c *Connection) txFromContext(ctx context.Context) *txState {
	if ctx == nil {
		return nil
	}
	state, _ := ctx.Value(txContextKey{conn: c}).(*txState)
	return state
}

// InTransaction reports whether ctx carries an active transaction for this connection.
func (c *Connection) InTransaction(ctx context.Context) bool {
	state := c.txFromContext(ctx)
	return state != nil && !state.isDone()
}

// Transaction runs fn inside a database transaction. fn receives a context that
// carries the transaction; nested Transaction calls made with that context join
// the outer transaction instead of starting a new one. The transaction commits
// when fn returns nil and rolls back on error or panic.
func (c *Connection) Transaction(ctx context.Context, fn func(ctx context.Context, cmd *Command) error) (err error) {
	if fn == nil {
		return errors.New("transaction func is nil")
	}
	if state := c.txFromContext(ctx); state != nil && !state.isDone() {
		return fn(ctx, c.commandFor(state.tx))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	state := &txState{tx: tx}
	txCtx := context.WithValue(ctx, txContextKey{conn: c}, state)

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			state.finish()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
			}
		} else if commitErr := tx.Commit(); commitErr != nil {
			err = fmt.Errorf("commit: %w", commitErr)
		}
		state.finish()
	}()

	return fn(txCtx, c.commandFor(tx))
}

// OnAfterTransaction runs fn once the transaction carried by ctx commits or
// rolls back. Without an active transaction fn runs immediately.
func (c *Connection) OnAfterTransaction(ctx context.Context, fn func()) {
	if fn == nil {
		return
	}
	if state := c.txFromContext(ctx); state != nil && state.queue(fn) {
		return
	}
	fn()
}
