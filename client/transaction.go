package client

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/multierr"

	"github.com/luma/respite/protocol"
)

// MaxTransactionAttempts bounds how often Transaction retries after a watched
// key changed.
const MaxTransactionAttempts = 16

// Tx is handed to the function run by Transaction. Reads done with Do see the
// watched keys; commands added with Queue run atomically afterwards.
type Tx struct {
	conn *Conn
	pipe *Pipeline
}

// Do executes a command right away, before the transaction starts.
func (tx *Tx) Do(ctx context.Context, name string, args ...interface{}) (protocol.Value, error) {
	return tx.conn.Do(ctx, name, args...)
}

// Queue adds a command to the transaction.
func (tx *Tx) Queue(name string, args ...interface{}) *Tx {
	tx.pipe.Cmd(name, args...)
	return tx
}

// Ignore drops the result of the last queued command.
func (tx *Tx) Ignore() *Tx {
	tx.pipe.Ignore()
	return tx
}

// Transaction runs an optimistic check-and-set: it WATCHes keys, calls fn to
// read them and queue writes, then runs the queued writes in MULTI/EXEC. When
// a watched key changed in between, the whole sequence is retried.
//
// WATCH is scoped to the connection, so nothing else should use c while the
// transaction runs.
func (c *Conn) Transaction(ctx context.Context, keys []string, fn func(context.Context, *Tx) error) ([]Result, error) {
	for attempt := 1; attempt <= MaxTransactionAttempts; attempt++ {
		if _, err := c.Execute(ctx, stringCommand("WATCH", keys)); err != nil {
			return nil, fmt.Errorf("failed to watch keys: %w", err)
		}

		tx := &Tx{conn: c, pipe: c.Pipeline().Atomic()}

		if err := fn(ctx, tx); err != nil {
			return nil, multierr.Append(err, c.unwatch(ctx))
		}

		if tx.pipe.Len() == 0 {
			return nil, c.unwatch(ctx)
		}

		results, err := tx.pipe.Exec(ctx)
		if errors.Is(err, ErrTxAborted) {
			c.log.Debug("Watched key changed, retrying transaction")
			continue
		}

		return results, err
	}

	return nil, fmt.Errorf("gave up after %d attempts: %w", MaxTransactionAttempts, ErrTxAborted)
}

func (c *Conn) unwatch(ctx context.Context) error {
	_, err := c.Execute(ctx, protocol.NewCommand("UNWATCH"))
	return err
}
