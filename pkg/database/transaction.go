package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
)

type TxContextKey string

const txKey = TxContextKey("tx-context-key")

type Tx interface {
	Queryer
	IsOpen() bool
	// IsOwner reports whether this handle began the transaction. Only the owner commits or rolls back.
	IsOwner() bool
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type txState struct {
	mu     sync.Mutex
	closed bool
}

// Transaction wraps sqlx.Tx. Handles returned to nested GetTx callers share the
// underlying transaction but leave commit and rollback to the owner.
type Transaction struct {
	*sqlx.Tx
	logger ectologger.Logger
	state  *txState
	owner  bool
}

func NewTx(tx *sqlx.Tx, logger ectologger.Logger) *Transaction {
	return &Transaction{
		Tx:     tx,
		logger: logger,
		state:  &txState{},
		owner:  true,
	}
}

// TxFromContext returns the transaction stored on ctx, if any.
func TxFromContext(ctx context.Context) Tx {
	tx, ok := ctx.Value(txKey).(*Transaction)
	if !ok || tx == nil {
		return nil
	}
	return tx
}

// WithoutTx returns a context that no longer carries a transaction, for writes that
// must survive the caller's rollback.
func WithoutTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey, (*Transaction)(nil))
}

func GetTx(ctx context.Context, logger ectologger.Logger, db DB, opts *sql.TxOptions) (context.Context, Tx, error) {
	if ctxTx, ok := ctx.Value(txKey).(*Transaction); ok && ctxTx != nil && ctxTx.IsOpen() {
		return ctx, &Transaction{Tx: ctxTx.Tx, logger: logger, state: ctxTx.state, owner: false}, nil
	}

	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		logger.WithContext(ctx).WithError(err).Errorf("error while beginning transaction")
		return ctx, nil, fmt.Errorf("error while beginning transaction: %w", err)
	}

	newTx := NewTx(tx, logger)

	ctx = context.WithValue(ctx, txKey, newTx)
	return ctx, newTx, nil
}

func (t *Transaction) IsOpen() bool {
	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	return !t.state.closed
}

func (t *Transaction) IsOwner() bool {
	return t.owner
}

func (t *Transaction) Rollback(ctx context.Context) error {
	if !t.owner {
		return nil
	}

	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.closed {
		return nil
	}
	t.state.closed = true

	if err := t.Tx.Rollback(); err != nil && err != sql.ErrTxDone {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while rolling back transaction")
		return fmt.Errorf("error while rolling back transaction: %w", err)
	}
	return nil
}

func (t *Transaction) Commit(ctx context.Context) error {
	if !t.owner {
		return nil
	}

	t.state.mu.Lock()
	defer t.state.mu.Unlock()
	if t.state.closed {
		return fmt.Errorf("transaction already closed")
	}
	t.state.closed = true

	if err := t.Tx.Commit(); err != nil {
		t.logger.WithContext(ctx).WithError(err).Errorf("error while committing transaction")
		return fmt.Errorf("error while committing transaction: %w", err)
	}

	return nil
}
