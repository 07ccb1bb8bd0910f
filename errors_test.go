package dbglue

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWrapError_Nil(t *testing.T) {
	if err := wrapError(nil, "Op"); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}

func TestWrapError_NoRows(t *testing.T) {
	err := wrapError(sql.ErrNoRows, "QuerySingle")
	if !IsNotFound(err) {
		t.Errorf("Expected not found, got %v", err)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		t.Error("Expected cause to be preserved")
	}
}

func TestWrapError_AlreadyWrappedPassesThrough(t *testing.T) {
	orig := &Error{Code: CodeDuplicate, Message: "dup", Op: "Insert"}
	wrapped := wrapError(fmt.Errorf("outer: %w", orig), "Other")

	var dbErr *Error
	if !errors.As(wrapped, &dbErr) || dbErr != orig {
		t.Errorf("Expected original error to pass through, got %v", wrapped)
	}
}

func TestWrapError_Postgres(t *testing.T) {
	tests := []struct {
		code     string
		wantCode ErrorCode
		sentinel error
	}{
		{"23505", CodeDuplicate, ErrDuplicate},
		{"23503", CodeForeignKey, ErrForeignKey},
		{"23502", CodeNotNullViolation, ErrNotNullViolation},
		{"23514", CodeCheckViolation, ErrCheckViolation},
		{"40001", CodeSerialization, ErrSerialization},
		{"40P01", CodeDeadlock, ErrDeadlock},
		{"57014", CodeTimeout, ErrTimeout},
		{"08006", CodeConnectionFailed, ErrConnection},
		{"42P01", CodeUnknown, nil},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			pgErr := &pgconn.PgError{
				Code:           tt.code,
				Message:        "server message",
				TableName:      "users",
				ConstraintName: "users_email_key",
			}
			err := wrapError(pgErr, "Insert")

			code, ok := GetErrorCode(err)
			if !ok || code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, code)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("Expected errors.Is(%v) to hold", tt.sentinel)
			}
			if table, _ := GetTable(err); table != "users" {
				t.Errorf("Expected table users, got %q", table)
			}
			if constraint, _ := GetConstraint(err); constraint != "users_email_key" {
				t.Errorf("Expected constraint users_email_key, got %q", constraint)
			}
		})
	}
}

func TestWrapError_MySQL(t *testing.T) {
	tests := []struct {
		number   uint16
		wantCode ErrorCode
	}{
		{1062, CodeDuplicate},
		{1216, CodeForeignKey},
		{1452, CodeForeignKey},
		{1048, CodeNotNullViolation},
		{3819, CodeCheckViolation},
		{1213, CodeDeadlock},
		{1205, CodeTimeout},
		{1146, CodeUnknown},
	}

	for _, tt := range tests {
		myErr := &mysql.MySQLError{Number: tt.number, Message: "server message"}
		err := wrapError(myErr, "Insert")

		code, ok := GetErrorCode(err)
		if !ok || code != tt.wantCode {
			t.Errorf("Number %d: expected code %s, got %s", tt.number, tt.wantCode, code)
		}
	}
}

func TestWrapError_UnknownError(t *testing.T) {
	cause := errors.New("something odd")
	err := wrapError(cause, "Exec")

	code, ok := GetErrorCode(err)
	if !ok || code != CodeUnknown {
		t.Errorf("Expected unknown code, got %s", code)
	}
	if !errors.Is(err, cause) {
		t.Error("Expected cause to be preserved")
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{
		Code:       CodeDuplicate,
		Message:    "duplicate key",
		Op:         "Insert",
		Table:      "users",
		Constraint: "users_pkey",
	}
	got := err.Error()
	want := "dbglue.Insert: duplicate key (table: users) (constraint: users_pkey)"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestError_SentinelMatching(t *testing.T) {
	err := noConnectionError("Connection", errors.New("dial refused"))
	if !IsNoConnection(err) {
		t.Error("Expected no-connection classification")
	}
	if IsConnection(err) {
		t.Error("Acquisition failure must not match statement-level connection errors")
	}

	genErr := &Error{Code: CodeGeneratedKey, Message: "no key", Op: "Insert"}
	if !errors.Is(genErr, ErrGeneratedKey) {
		t.Error("Expected generated key sentinel to match")
	}

	dialectErr := &Error{Code: CodeUnsupportedDialect, Message: "no driver", Op: "DB"}
	if !errors.Is(dialectErr, ErrUnsupportedDialect) {
		t.Error("Expected unsupported dialect sentinel to match")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&Error{Code: CodeDeadlock}) {
		t.Error("Expected deadlock to be retryable")
	}
	if !IsRetryable(&Error{Code: CodeSerialization}) {
		t.Error("Expected serialization failure to be retryable")
	}
	if IsRetryable(&Error{Code: CodeDuplicate}) {
		t.Error("Expected duplicate not to be retryable")
	}
}
