package dbglue

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorCode represents a database error classification
type ErrorCode string

const (
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeDuplicate          ErrorCode = "DUPLICATE"
	CodeForeignKey         ErrorCode = "FOREIGN_KEY"
	CodeCheckViolation     ErrorCode = "CHECK_VIOLATION"
	CodeNotNullViolation   ErrorCode = "NOT_NULL"
	CodeNoConnection       ErrorCode = "NO_CONNECTION"
	CodeConnectionFailed   ErrorCode = "CONNECTION_FAILED"
	CodeTimeout            ErrorCode = "TIMEOUT"
	CodeSerialization      ErrorCode = "SERIALIZATION"
	CodeDeadlock           ErrorCode = "DEADLOCK"
	CodeParameterCount     ErrorCode = "PARAMETER_COUNT"
	CodeGeneratedKey       ErrorCode = "GENERATED_KEY"
	CodeUnsupportedDialect ErrorCode = "UNSUPPORTED_DIALECT"
	CodeUnknown            ErrorCode = "UNKNOWN"
)

// Sentinel errors for quick checks
var (
	ErrNotFound         = errors.New("dbglue: record not found")
	ErrDuplicate        = errors.New("dbglue: duplicate key violation")
	ErrForeignKey       = errors.New("dbglue: foreign key violation")
	ErrCheckViolation   = errors.New("dbglue: check constraint violation")
	ErrNotNullViolation = errors.New("dbglue: not null violation")

	// ErrNoConnection marks a connection-acquisition failure, as opposed to a
	// statement that failed on an established connection. Once the connector
	// observes it, further attempts may be short-circuited until ResetState.
	ErrNoConnection = errors.New("dbglue: no connection available")

	ErrConnection    = errors.New("dbglue: connection failed")
	ErrTimeout       = errors.New("dbglue: operation timeout")
	ErrSerialization = errors.New("dbglue: serialization failure")
	ErrDeadlock      = errors.New("dbglue: deadlock detected")

	// ErrParameterCount marks a positional-parameter count mismatch. It is a
	// programmer error and is raised before any round-trip, never routed
	// through the error callbacks.
	ErrParameterCount = errors.New("dbglue: parameter count mismatch")

	// ErrGeneratedKey marks a generated-key retrieval that did not yield
	// exactly one scalar value.
	ErrGeneratedKey = errors.New("dbglue: generated key not a single scalar")

	// ErrUnsupportedDialect marks a dialect with no Go driver wired in.
	ErrUnsupportedDialect = errors.New("dbglue: unsupported dialect")
)

// Error is a rich database error with context
type Error struct {
	Code       ErrorCode // Error classification
	Message    string    // Human-readable message
	Op         string    // Operation that failed (e.g., "QueryCount", "InTransaction")
	Table      string    // Table name if known
	Column     string    // Column name if known
	Constraint string    // Constraint name if applicable
	Detail     string    // Additional detail from the server
	Query      string    // Query that failed (may be empty for security)
	Cause      error     // Underlying error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("dbglue: %s", e.Message)
	if e.Op != "" {
		msg = fmt.Sprintf("dbglue.%s: %s", e.Op, e.Message)
	}
	if e.Table != "" {
		msg += fmt.Sprintf(" (table: %s)", e.Table)
	}
	if e.Constraint != "" {
		msg += fmt.Sprintf(" (constraint: %s)", e.Constraint)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is for sentinel error matching
func (e *Error) Is(target error) bool {
	switch e.Code {
	case CodeNotFound:
		return target == ErrNotFound
	case CodeDuplicate:
		return target == ErrDuplicate
	case CodeForeignKey:
		return target == ErrForeignKey
	case CodeCheckViolation:
		return target == ErrCheckViolation
	case CodeNotNullViolation:
		return target == ErrNotNullViolation
	case CodeNoConnection:
		return target == ErrNoConnection
	case CodeConnectionFailed:
		return target == ErrConnection
	case CodeTimeout:
		return target == ErrTimeout
	case CodeSerialization:
		return target == ErrSerialization
	case CodeDeadlock:
		return target == ErrDeadlock
	case CodeParameterCount:
		return target == ErrParameterCount
	case CodeGeneratedKey:
		return target == ErrGeneratedKey
	case CodeUnsupportedDialect:
		return target == ErrUnsupportedDialect
	}
	return false
}

// WrapError converts a raw driver error to a rich *Error, classifying
// PostgreSQL and MySQL server errors. Already-wrapped errors pass through.
func WrapError(err error, op string) error {
	return wrapError(err, op)
}

// wrapError converts a raw error to a rich Error
func wrapError(err error, op string) error {
	if err == nil {
		return nil
	}

	// Already wrapped
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return err
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &Error{
			Code:    CodeNotFound,
			Message: "record not found",
			Op:      op,
			Cause:   err,
		}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return wrapPgError(pgErr, op)
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return wrapMySQLError(myErr, op)
	}

	return &Error{
		Code:    CodeUnknown,
		Message: err.Error(),
		Op:      op,
		Cause:   err,
	}
}

// wrapPgError converts PostgreSQL errors to rich errors
func wrapPgError(pgErr *pgconn.PgError, op string) *Error {
	e := &Error{
		Op:         op,
		Table:      pgErr.TableName,
		Column:     pgErr.ColumnName,
		Constraint: pgErr.ConstraintName,
		Detail:     pgErr.Detail,
		Cause:      pgErr,
	}

	// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
	switch pgErr.Code {
	case "23505": // unique_violation
		e.Code = CodeDuplicate
		e.Message = "duplicate key value violates unique constraint"
	case "23503": // foreign_key_violation
		e.Code = CodeForeignKey
		e.Message = "foreign key constraint violation"
	case "23502": // not_null_violation
		e.Code = CodeNotNullViolation
		e.Message = "null value in column violates not-null constraint"
	case "23514": // check_violation
		e.Code = CodeCheckViolation
		e.Message = "check constraint violation"
	case "40001": // serialization_failure
		e.Code = CodeSerialization
		e.Message = "serialization failure, retry transaction"
	case "40P01": // deadlock_detected
		e.Code = CodeDeadlock
		e.Message = "deadlock detected"
	case "57014": // query_canceled (timeout)
		e.Code = CodeTimeout
		e.Message = "query was cancelled due to timeout"
	case "08000", "08003", "08006": // connection errors
		e.Code = CodeConnectionFailed
		e.Message = "database connection failed"
	default:
		e.Code = CodeUnknown
		e.Message = pgErr.Message
	}

	return e
}

// wrapMySQLError converts MySQL errors to rich errors
func wrapMySQLError(myErr *mysql.MySQLError, op string) *Error {
	e := &Error{
		Op:    op,
		Cause: myErr,
	}

	// See: https://dev.mysql.com/doc/mysql-errors/8.0/en/server-error-reference.html
	switch myErr.Number {
	case 1062: // ER_DUP_ENTRY
		e.Code = CodeDuplicate
		e.Message = "duplicate key value violates unique constraint"
	case 1216, 1217, 1451, 1452: // foreign key violations
		e.Code = CodeForeignKey
		e.Message = "foreign key constraint violation"
	case 1048, 1364: // NULL into NOT NULL column
		e.Code = CodeNotNullViolation
		e.Message = "null value in column violates not-null constraint"
	case 3819: // ER_CHECK_CONSTRAINT_VIOLATED
		e.Code = CodeCheckViolation
		e.Message = "check constraint violation"
	case 1213: // ER_LOCK_DEADLOCK
		e.Code = CodeDeadlock
		e.Message = "deadlock detected"
	case 1205, 3024: // lock wait / statement timeout
		e.Code = CodeTimeout
		e.Message = "query was cancelled due to timeout"
	default:
		e.Code = CodeUnknown
		e.Message = myErr.Message
	}

	return e
}

// noConnectionError builds the dedicated acquisition-failure error.
func noConnectionError(op string, cause error) *Error {
	return &Error{
		Code:    CodeNoConnection,
		Message: "no connection available",
		Op:      op,
		Cause:   cause,
	}
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsDuplicate checks if error is a duplicate key error
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// IsForeignKey checks if error is a foreign key error
func IsForeignKey(err error) bool {
	return errors.Is(err, ErrForeignKey)
}

// IsNoConnection checks if error is a connection-acquisition failure
func IsNoConnection(err error) bool {
	return errors.Is(err, ErrNoConnection)
}

// IsConnection checks if error is a connection error
func IsConnection(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsTimeout checks if error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsParameterCount checks if error is a positional-parameter count mismatch
func IsParameterCount(err error) bool {
	return errors.Is(err, ErrParameterCount)
}

// IsRetryable checks if the error is retryable (serialization, deadlock)
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization) || errors.Is(err, ErrDeadlock)
}

// GetErrorCode extracts the error code if it's a dbglue error
func GetErrorCode(err error) (ErrorCode, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code, true
	}
	return "", false
}

// GetConstraint extracts the constraint name if available
func GetConstraint(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Constraint != "" {
		return dbErr.Constraint, true
	}
	return "", false
}

// GetTable extracts the table name if available
func GetTable(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Table != "" {
		return dbErr.Table, true
	}
	return "", false
}

// GetColumn extracts the column name if available
func GetColumn(err error) (string, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) && dbErr.Column != "" {
		return dbErr.Column, true
	}
	return "", false
}
