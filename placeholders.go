package dbglue

import "fmt"

// countPlaceholders returns the number of positional parameters a statement
// expects. Both "?" markers and PostgreSQL-style "$N" markers are
// recognized; text inside string literals, quoted identifiers and comments
// is skipped. For numbered markers the count is the highest N seen, so
// "WHERE a = $1 OR b = $1" expects one parameter.
func countPlaceholders(query string) int {
	question := 0
	maxNumbered := 0

	i := 0
	n := len(query)
	for i < n {
		c := query[i]
		switch c {
		case '\'', '"', '`':
			i = skipQuoted(query, i, c)
		case '-':
			if i+1 < n && query[i+1] == '-' {
				i = skipLineComment(query, i)
			} else {
				i++
			}
		case '/':
			if i+1 < n && query[i+1] == '*' {
				i = skipBlockComment(query, i)
			} else {
				i++
			}
		case '?':
			question++
			i++
		case '$':
			num := 0
			j := i + 1
			for j < n && query[j] >= '0' && query[j] <= '9' {
				num = num*10 + int(query[j]-'0')
				j++
			}
			if j > i+1 {
				if num > maxNumbered {
					maxNumbered = num
				}
				i = j
			} else {
				i++
			}
		default:
			i++
		}
	}

	if maxNumbered > 0 {
		return maxNumbered
	}
	return question
}

// skipQuoted advances past a quoted region starting at i. Doubled quote
// characters escape themselves, per SQL.
func skipQuoted(query string, i int, quote byte) int {
	i++ // opening quote
	n := len(query)
	for i < n {
		if query[i] == quote {
			if i+1 < n && query[i+1] == quote {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return n
}

func skipLineComment(query string, i int) int {
	for i < len(query) && query[i] != '\n' {
		i++
	}
	return i
}

func skipBlockComment(query string, i int) int {
	i += 2 // "/*"
	n := len(query)
	for i+1 < n {
		if query[i] == '*' && query[i+1] == '/' {
			return i + 2
		}
		i++
	}
	return n
}

// checkParameterCount enforces the positional-parameter contract before any
// round-trip. A mismatch is a programmer error: it is returned immediately
// and never routed through the error callbacks.
func checkParameterCount(op, query string, supplied int) error {
	expected := countPlaceholders(query)
	if expected == supplied {
		return nil
	}
	return &Error{
		Code:    CodeParameterCount,
		Message: fmt.Sprintf("statement expects %d parameters, %d supplied", expected, supplied),
		Op:      op,
	}
}
