package dbglue

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"
)

// Field is a single column value: (column name, database type name, raw
// value). Fields are immutable after construction.
type Field struct {
	name   string
	dbType string
	value  any
}

// NewField constructs a Field. Mostly useful in tests; the executor builds
// fields during result-set iteration.
func NewField(name, dbType string, value any) Field {
	return Field{name: name, dbType: dbType, value: value}
}

// Name returns the column name
func (f Field) Name() string { return f.name }

// DatabaseType returns the driver-reported database type name (e.g. "VARCHAR")
func (f Field) DatabaseType() string { return f.dbType }

// Value returns the raw driver value
func (f Field) Value() any { return f.value }

// IsNull reports whether the column was SQL NULL
func (f Field) IsNull() bool { return f.value == nil }

// String coerces the value to a string
func (f Field) String() (string, error) {
	switch v := f.value.(type) {
	case nil:
		return "", f.nullError("String")
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64, float64, bool:
		return fmt.Sprint(v), nil
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Int64 coerces the value to an int64
func (f Field) Int64() (int64, error) {
	switch v := f.value.(type) {
	case nil:
		return 0, f.nullError("Int64")
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case []byte:
		return strconv.ParseInt(string(v), 10, 64)
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, f.typeError("Int64")
	}
}

// Float64 coerces the value to a float64
func (f Field) Float64() (float64, error) {
	switch v := f.value.(type) {
	case nil:
		return 0, f.nullError("Float64")
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case []byte:
		return strconv.ParseFloat(string(v), 64)
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, f.typeError("Float64")
	}
}

// Bool coerces the value to a bool. Integer values follow the SQL convention
// (0 false, non-zero true).
func (f Field) Bool() (bool, error) {
	switch v := f.value.(type) {
	case nil:
		return false, f.nullError("Bool")
	case bool:
		return v, nil
	case int64:
		return v != 0, nil
	case []byte:
		return strconv.ParseBool(string(v))
	case string:
		return strconv.ParseBool(v)
	default:
		return false, f.typeError("Bool")
	}
}

// Time coerces the value to a time.Time. String and byte values are parsed
// as RFC 3339 or the common SQL datetime layout.
func (f Field) Time() (time.Time, error) {
	switch v := f.value.(type) {
	case nil:
		return time.Time{}, f.nullError("Time")
	case time.Time:
		return v, nil
	case []byte:
		return parseTime(string(v))
	case string:
		return parseTime(v)
	default:
		return time.Time{}, f.typeError("Time")
	}
}

// Bytes returns the value as a byte slice (blob accessor)
func (f Field) Bytes() ([]byte, error) {
	switch v := f.value.(type) {
	case nil:
		return nil, f.nullError("Bytes")
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, f.typeError("Bytes")
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("dbglue: cannot parse %q as time", s)
}

func (f Field) nullError(op string) error {
	return &Error{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("column %q is NULL", f.name),
		Op:      op,
	}
}

func (f Field) typeError(op string) error {
	return &Error{
		Code:    CodeUnknown,
		Message: fmt.Sprintf("column %q holds %T, not convertible", f.name, f.value),
		Op:      op,
	}
}

// Row is a fixed-width row of Fields. Rows handed to callbacks are freshly
// allocated per iteration step; callers may retain them without copying.
type Row struct {
	fields []Field
}

// Len returns the number of columns
func (r Row) Len() int { return len(r.fields) }

// Field returns the field at position i
func (r Row) Field(i int) Field { return r.fields[i] }

// FieldByName returns the first field with the given column name
func (r Row) FieldByName(name string) (Field, bool) {
	for _, f := range r.fields {
		if f.name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Columns returns the column names in order
func (r Row) Columns() []string {
	cols := make([]string, len(r.fields))
	for i, f := range r.fields {
		cols[i] = f.name
	}
	return cols
}

// scanRow reads the current row of rs into a fresh Row
func scanRow(rs *sql.Rows, cols []string, types []*sql.ColumnType) (Row, error) {
	dest := make([]any, len(cols))
	destPtrs := make([]any, len(cols))
	for i := range dest {
		destPtrs[i] = &dest[i]
	}

	if err := rs.Scan(destPtrs...); err != nil {
		return Row{}, err
	}

	fields := make([]Field, len(cols))
	for i, col := range cols {
		dbType := ""
		if i < len(types) && types[i] != nil {
			dbType = types[i].DatabaseTypeName()
		}
		fields[i] = Field{name: col, dbType: dbType, value: dest[i]}
	}
	return Row{fields: fields}, nil
}
