package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Problem classifies a store failure for logs and job reports.
type Problem struct {
	Code      string // Reference code: "DB001"
	Message   string // What happened
	Retryable bool   // Re-running the job may succeed
}

// SQLSTATE codes the importer distinguishes.
var pgCodes = map[string]Problem{
	"23505": {Code: "DB001", Message: "duplicate primary key"},
	"23503": {Code: "DB003", Message: "referenced record does not exist"},
	"23502": {Code: "DB008", Message: "required column is null"},
	"22P02": {Code: "DB009", Message: "invalid value for column type"},
	"42P01": {Code: "DB010", Message: "table does not exist"},
	"42703": {Code: "DB011", Message: "column does not exist"},
	"40P01": {Code: "DB007", Message: "deadlock detected", Retryable: true},
	"40001": {Code: "DB007", Message: "serialization failure", Retryable: true},
	"57014": {Code: "DB006", Message: "statement cancelled or timed out", Retryable: true},
	"53300": {Code: "DB004", Message: "too many connections", Retryable: true},
}

// errorPatterns match errors that do not carry a SQLSTATE, in order.
var errorPatterns = []struct {
	pattern string
	problem Problem
}{
	{"duplicate key", Problem{Code: "DB001", Message: "duplicate primary key"}},
	{"connection refused", Problem{Code: "DB004", Message: "unable to connect to database", Retryable: true}},
	{"connection reset", Problem{Code: "DB005", Message: "database connection was interrupted", Retryable: true}},
	{"timeout", Problem{Code: "DB006", Message: "operation timed out", Retryable: true}},
}

var unknownProblem = Problem{Code: "ERR000", Message: "unexpected store error"}

// Describe classifies err. Nil gives the zero Problem.
func Describe(err error) Problem {
	if err == nil {
		return Problem{}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if p, ok := pgCodes[pgErr.Code]; ok {
			return p
		}
		return Problem{Code: "PG" + pgErr.Code, Message: pgErr.Message}
	}

	if errors.Is(err, ErrDuplicateKey) {
		return pgCodes["23505"]
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Problem{Code: "DB006", Message: "operation timed out", Retryable: true}
	}
	if errors.Is(err, context.Canceled) {
		return Problem{Code: "RUN001", Message: "run was cancelled"}
	}

	s := strings.ToLower(err.Error())
	for _, ep := range errorPatterns {
		if strings.Contains(s, ep.pattern) {
			return ep.problem
		}
	}
	return unknownProblem
}

// IsRetryable reports whether a failed job may succeed when run again unchanged.
func IsRetryable(err error) bool {
	return Describe(err).Retryable
}
