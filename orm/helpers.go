package orm

import (
	"context"

	"github.com/uptrace/bun"

	"github.com/stackhaven/dbglue"
)

// Generic CRUD helpers over any bun.IDB. They compose with the manager: the
// handle passed to a unit of work is a bun.IDB, so helpers run inside or
// outside a managed transaction unchanged.

// FindByID finds a record by its primary key
func FindByID[T any](ctx context.Context, db bun.IDB, id any) (*T, error) {
	model := new(T)

	err := db.NewSelect().
		Model(model).
		Where("id = ?", id).
		Scan(ctx)

	if err != nil {
		return nil, dbglue.WrapError(err, "FindByID")
	}
	return model, nil
}

// FindOne finds a single record matching the query
func FindOne[T any](ctx context.Context, db bun.IDB, query func(q *bun.SelectQuery) *bun.SelectQuery) (*T, error) {
	model := new(T)

	q := db.NewSelect().Model(model)
	if query != nil {
		q = query(q)
	}

	if err := q.Limit(1).Scan(ctx); err != nil {
		return nil, dbglue.WrapError(err, "FindOne")
	}
	return model, nil
}

// FindAll finds all records matching the query
func FindAll[T any](ctx context.Context, db bun.IDB, query func(q *bun.SelectQuery) *bun.SelectQuery) ([]T, error) {
	var models []T

	q := db.NewSelect().Model(&models)
	if query != nil {
		q = query(q)
	}

	if err := q.Scan(ctx); err != nil {
		return nil, dbglue.WrapError(err, "FindAll")
	}
	return models, nil
}

// Create inserts a new record
func Create[T any](ctx context.Context, db bun.IDB, model *T) error {
	if _, err := db.NewInsert().Model(model).Exec(ctx); err != nil {
		return dbglue.WrapError(err, "Create")
	}
	return nil
}

// Update updates an existing record by primary key. Updating a missing
// record fails with dbglue.ErrNotFound.
func Update[T any](ctx context.Context, db bun.IDB, model *T) error {
	result, err := db.NewUpdate().
		Model(model).
		WherePK().
		Exec(ctx)

	if err != nil {
		return dbglue.WrapError(err, "Update")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &dbglue.Error{
			Code:    dbglue.CodeNotFound,
			Message: "record not found for update",
			Op:      "Update",
		}
	}
	return nil
}

// Delete deletes a record by primary key. Deleting a missing record fails
// with dbglue.ErrNotFound.
func Delete[T any](ctx context.Context, db bun.IDB, model *T) error {
	result, err := db.NewDelete().
		Model(model).
		WherePK().
		Exec(ctx)

	if err != nil {
		return dbglue.WrapError(err, "Delete")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return &dbglue.Error{
			Code:    dbglue.CodeNotFound,
			Message: "record not found for deletion",
			Op:      "Delete",
		}
	}
	return nil
}

// Count counts records matching the query
func Count[T any](ctx context.Context, db bun.IDB, query func(q *bun.SelectQuery) *bun.SelectQuery) (int, error) {
	var model T
	q := db.NewSelect().Model(&model)
	if query != nil {
		q = query(q)
	}

	count, err := q.Count(ctx)
	if err != nil {
		return 0, dbglue.WrapError(err, "Count")
	}
	return count, nil
}

// Exists checks if any record matches the query
func Exists[T any](ctx context.Context, db bun.IDB, query func(q *bun.SelectQuery) *bun.SelectQuery) (bool, error) {
	var model T
	q := db.NewSelect().Model(&model)
	if query != nil {
		q = query(q)
	}

	exists, err := q.Exists(ctx)
	if err != nil {
		return false, dbglue.WrapError(err, "Exists")
	}
	return exists, nil
}
