package storage

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// Constraint names referenced when classifying unique violations.
const (
	constraintOneActiveRun = "runs_one_active_per_conversation"
	constraintToolCallPKey = "tool_calls_pkey"
)

// uniqueViolation returns the violated constraint name if err is a
// Postgres unique_violation (23505).
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}
