package dbglue

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestExecutor(t *testing.T) (*Executor, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}

	cfg := Config{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	exec, err := NewExecutor(NewDBProvider(db), cfg)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}
	return exec, mock, db
}

func TestExecutor_ExecutePrepared(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO t(x) VALUES (?)").
		WithArgs(42).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := exec.ExecutePrepared(context.Background(), "INSERT INTO t(x) VALUES (?)", 42)
	if err != nil {
		t.Fatalf("ExecutePrepared failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestExecutor_ParameterCountMismatch_NoRoundTrip(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	// No expectations registered: the call must fail before touching the
	// database.
	err := exec.ExecutePrepared(context.Background(), "INSERT INTO t(x, y) VALUES (?, ?)", 42)
	if !IsParameterCount(err) {
		t.Fatalf("Expected parameter count error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected no database interaction: %v", err)
	}
}

func TestExecutor_ExecFailureRollsBackAndRoutesCallback(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	boom := errors.New("boom")
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM t").WillReturnError(boom)
	mock.ExpectRollback()

	var routed []error
	exec.OnError(func(op string, err error) {
		routed = append(routed, err)
	})

	err := exec.ExecuteStatement(context.Background(), "DELETE FROM t")
	if err == nil {
		t.Fatal("Expected error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("Expected wrapped cause, got %v", err)
	}
	if len(routed) == 0 {
		t.Error("Expected error to be routed through callbacks")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestExecutor_InsertOrUpdateOrDelete(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t SET x = ?").
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	rows, err := exec.InsertOrUpdateOrDelete(context.Background(), "UPDATE t SET x = ?", 1)
	if err != nil {
		t.Fatalf("InsertOrUpdateOrDelete failed: %v", err)
	}
	if rows != 3 {
		t.Errorf("Expected 3 rows affected, got %d", rows)
	}
}

func TestExecutor_NestedTransactionCommitsOnce(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	// One begin, one commit: the nested scope joins the outer transaction.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO a(x) VALUES (?)").
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO b(y) VALUES (?)").
		WithArgs(2).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := exec.InTransaction(context.Background(), func(tx *Executor) error {
		if err := tx.ExecutePrepared(context.Background(), "INSERT INTO a(x) VALUES (?)", 1); err != nil {
			return err
		}
		return tx.InTransaction(context.Background(), func(inner *Executor) error {
			if !inner.InTransactionScope() {
				t.Error("Expected inner executor to be transaction-bound")
			}
			return inner.ExecutePrepared(context.Background(), "INSERT INTO b(y) VALUES (?)", 2)
		})
	})
	if err != nil {
		t.Fatalf("InTransaction failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestExecutor_NestedFailureRollsBackOutermost(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO a(x) VALUES (?)").
		WithArgs(1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectRollback()

	inner := errors.New("inner failure")
	err := exec.InTransaction(context.Background(), func(tx *Executor) error {
		if err := tx.ExecutePrepared(context.Background(), "INSERT INTO a(x) VALUES (?)", 1); err != nil {
			return err
		}
		return tx.InTransaction(context.Background(), func(nested *Executor) error {
			return inner
		})
	})
	if !errors.Is(err, inner) {
		t.Fatalf("Expected inner error to propagate, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestExecutor_InsertWithGeneratedKey_LastInsertID(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO t(x) VALUES (?)").
		WithArgs(42).
		WillReturnResult(sqlmock.NewResult(5, 1))
	mock.ExpectCommit()

	key, err := exec.InsertWithGeneratedKey(context.Background(), "INSERT INTO t(x) VALUES (?)", 42)
	if err != nil {
		t.Fatalf("InsertWithGeneratedKey failed: %v", err)
	}

	id, err := key.Int64()
	if err != nil || id != 5 {
		t.Errorf("Expected key 5, got %d (%v)", id, err)
	}
}

func TestExecutor_InsertWithGeneratedKey_Returning(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	const query = "INSERT INTO t(x) VALUES ($1) RETURNING id"

	mock.ExpectBegin()
	mock.ExpectQuery(query).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectCommit()

	key, err := exec.InsertWithGeneratedKey(context.Background(), query, 42)
	if err != nil {
		t.Fatalf("InsertWithGeneratedKey failed: %v", err)
	}

	id, err := key.Int64()
	if err != nil || id != 9 {
		t.Errorf("Expected key 9, got %d (%v)", id, err)
	}
	if key.Name() != "id" {
		t.Errorf("Expected column id, got %q", key.Name())
	}
}

func TestExecutor_InsertWithGeneratedKey_RejectsZeroRows(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	const query = "INSERT INTO t(x) VALUES ($1) RETURNING id"

	mock.ExpectBegin()
	mock.ExpectQuery(query).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := exec.InsertWithGeneratedKey(context.Background(), query, 42)
	if !errors.Is(err, ErrGeneratedKey) {
		t.Fatalf("Expected generated key error, got %v", err)
	}
}

func TestExecutor_InsertWithGeneratedKey_RejectsMultipleRows(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	const query = "INSERT INTO t(x) VALUES ($1) RETURNING id"

	mock.ExpectBegin()
	mock.ExpectQuery(query).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectRollback()

	_, err := exec.InsertWithGeneratedKey(context.Background(), query, 42)
	if !errors.Is(err, ErrGeneratedKey) {
		t.Fatalf("Expected generated key error, got %v", err)
	}
}

func TestExecutor_InsertWithGeneratedKey_RejectsMultipleColumns(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	const query = "INSERT INTO t(x) VALUES ($1) RETURNING id, x"

	mock.ExpectBegin()
	mock.ExpectQuery(query).
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"id", "x"}).AddRow(int64(1), int64(42)))
	mock.ExpectRollback()

	_, err := exec.InsertWithGeneratedKey(context.Background(), query, 42)
	if !errors.Is(err, ErrGeneratedKey) {
		t.Fatalf("Expected generated key error, got %v", err)
	}
}

func TestExecutor_QueryAll(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id, name FROM users").
		WillReturnRows(sqlmock.
			NewRows([]string{"id", "name"}).
			AddRow(int64(1), "alice").
			AddRow(int64(2), "bob"))

	rows, err := exec.QueryAll(context.Background(), "SELECT id, name FROM users")
	if err != nil {
		t.Fatalf("QueryAll failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 rows, got %d", len(rows))
	}

	name, _ := rows[1].Field(1).String()
	if name != "bob" {
		t.Errorf("Expected bob, got %q", name)
	}
}

func TestExecutor_QueryForEach_RowsAreRetainable(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM users").
		WillReturnRows(sqlmock.
			NewRows([]string{"id"}).
			AddRow(int64(1)).
			AddRow(int64(2)))

	var retained []Row
	err := exec.QueryForEach(context.Background(), "SELECT id FROM users", func(row Row) error {
		retained = append(retained, row)
		return nil
	})
	if err != nil {
		t.Fatalf("QueryForEach failed: %v", err)
	}

	// Each callback receives a fresh Row: retaining must not observe
	// later rows overwriting earlier ones.
	first, _ := retained[0].Field(0).Int64()
	second, _ := retained[1].Field(0).Int64()
	if first != 1 || second != 2 {
		t.Errorf("Expected retained rows 1 and 2, got %d and %d", first, second)
	}
}

func TestExecutor_QuerySingle_NotFound(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectQuery("SELECT id FROM users WHERE id = ?").
		WithArgs(99).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := exec.QuerySingle(context.Background(), "SELECT id FROM users WHERE id = ?", 99)
	if !IsNotFound(err) {
		t.Fatalf("Expected not found, got %v", err)
	}
}

func TestExecutor_QueryCount(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT(*) FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := exec.QueryCount(context.Background(), "SELECT COUNT(*) FROM t")
	if err != nil {
		t.Fatalf("QueryCount failed: %v", err)
	}
	if n != 7 {
		t.Errorf("Expected 7, got %d", n)
	}
}

func TestExecutor_SlowExecutionCallback(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	cfg := Config{
		Logger:                 slog.New(slog.NewTextHandler(io.Discard, nil)),
		ExecutionWarnEnabled:   true,
		ExecutionWarnThreshold: time.Nanosecond,
	}
	exec, err := NewExecutor(NewDBProvider(db), cfg)
	if err != nil {
		t.Fatalf("Failed to create executor: %v", err)
	}

	var slowOps []string
	exec.OnSlowExecution(func(op, query string, elapsed time.Duration) {
		slowOps = append(slowOps, op)
	})

	mock.ExpectQuery("SELECT COUNT(*) FROM t").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	if _, err := exec.QueryCount(context.Background(), "SELECT COUNT(*) FROM t"); err != nil {
		t.Fatalf("QueryCount failed: %v", err)
	}

	if len(slowOps) == 0 {
		t.Error("Expected slow execution callback to fire")
	}
}

func TestExecutor_ExecuteBatch(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	const query = "INSERT INTO t(x) VALUES (?)"

	mock.ExpectBegin()
	prepared := mock.ExpectPrepare(query)
	prepared.ExpectExec().WithArgs(1).WillReturnResult(sqlmock.NewResult(1, 1))
	prepared.ExpectExec().WithArgs(2).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	total, err := exec.ExecuteBatch(context.Background(), query, [][]any{{1}, {2}})
	if err != nil {
		t.Fatalf("ExecuteBatch failed: %v", err)
	}
	if total != 2 {
		t.Errorf("Expected 2 rows affected, got %d", total)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unmet expectations: %v", err)
	}
}

func TestExecutor_ExecuteBatch_ValidatesEverySet(t *testing.T) {
	exec, mock, db := newTestExecutor(t)
	defer db.Close()

	_, err := exec.ExecuteBatch(context.Background(), "INSERT INTO t(x) VALUES (?)", [][]any{{1}, {2, 3}})
	if !IsParameterCount(err) {
		t.Fatalf("Expected parameter count error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Expected no database interaction: %v", err)
	}
}
