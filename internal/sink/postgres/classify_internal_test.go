package postgres

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsConstraintViolation_MatchesClass23(t *testing.T) {
	assert.True(t, isConstraintViolation(&pgconn.PgError{Code: "23502"}))  // not_null_violation
	assert.True(t, isConstraintViolation(&pgconn.PgError{Code: "23505"}))  // unique_violation
	assert.False(t, isConstraintViolation(&pgconn.PgError{Code: "40001"})) // serialization_failure
	assert.False(t, isConstraintViolation(&pgconn.PgError{Code: "08006"})) // connection_failure
}

func TestIsPgError_UnwrapsWrappedErrors(t *testing.T) {
	pgErr := &pgconn.PgError{Code: "23502"}
	wrapped := fmt.Errorf("batch failed: %w", pgErr)

	var target *pgconn.PgError
	assert.True(t, isPgError(wrapped, &target))
	assert.Equal(t, "23502", target.Code)
}

func TestIsPgError_FalseForUnrelatedError(t *testing.T) {
	var target *pgconn.PgError
	assert.False(t, isPgError(fmt.Errorf("boom"), &target))
}
