package storage

import (
	"context"
	"database/sql"
	"fmt"
)

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries implements Queries on top of either the pool or an open
// transaction.
type queries struct {
	db      execer
	dialect Dialect
}

func (q *queries) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return res, nil
}

// execOne runs a statement that must touch exactly one row.
func (q *queries) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := q.exec(ctx, op, query, args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if rows == 0 {
		return classify(op, sql.ErrNoRows)
	}
	return nil
}

func (q *queries) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := q.db.QueryContext(ctx, q.dialect.Rebind(query), args...)
	if err != nil {
		return nil, classify(op, err)
	}
	return rows, nil
}

func (q *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.db.QueryRowContext(ctx, q.dialect.Rebind(query), args...)
}

// SQLStore is the dialect-neutral Queries implementation shared by the
// SQLite and PostgreSQL providers.
type SQLStore struct {
	*queries
	db *sql.DB
}

func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{
		queries: &queries{db: db, dialect: dialect},
		db:      db,
	}
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) InTx(ctx context.Context, fn func(Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}

	if err := fn(&queries{db: tx, dialect: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify("commit transaction", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func scanErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return classify(op, err)
}

func parseErr(field, id string, err error) error {
	return fmt.Errorf("failed to parse %s for %s: %w", field, id, err)
}
