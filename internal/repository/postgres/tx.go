package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type txCtxKey struct{}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx, so repositories run the same
// queries inside or outside a transaction.
type DBTX interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TxManager runs units of work in a transaction carried on the context.
type TxManager struct {
	db beginner
}

func NewTxManager(pool *pgxpool.Pool) *TxManager {
	return &TxManager{db: pool}
}

// WithTransaction commits when fn returns nil and rolls back otherwise. A call
// made with a context that already carries a transaction opens a savepoint in
// it, so only the nested work is undone on failure.
func (m *TxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	var (
		tx  pgx.Tx
		err error
	)
	if outer, ok := txFromCtx(ctx); ok {
		tx, err = outer.Begin(ctx)
	} else {
		tx, err = m.db.Begin(ctx)
	}
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(context.WithValue(ctx, txCtxKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// ConnFromCtx returns the transaction carried by ctx, or pool when there is none.
func ConnFromCtx(ctx context.Context, pool *pgxpool.Pool) DBTX {
	if tx, ok := txFromCtx(ctx); ok {
		return tx
	}
	return pool
}

func txFromCtx(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txCtxKey{}).(pgx.Tx)
	return tx, ok
}
