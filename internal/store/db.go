// Package store holds the Postgres-backed repositories for campaigns,
// queued runs, workflow runs, and tenant usage cycles (spec §4.H, §4.I,
// §6 "Persisted state keys").
package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the narrow interface every store in this package depends on.
// *pgxpool.Pool and pgx.Tx both satisfy it, so a store can run against the
// pool directly or against an open transaction (quota reservation,
// campaign admission) without a second implementation.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Schema is the combined DDL for every table this package owns. Callers
// typically run it once at startup via a *pgxpool.Pool.
const Schema = campaignSchema + queuedRunSchema + workflowRunSchema + usageCycleSchema

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
