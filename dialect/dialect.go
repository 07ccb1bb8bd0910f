// Package dialect holds per-vendor database constants and connection-string
// helpers: Go driver names, JDBC interop prefixes and driver classes, and
// property-appending helpers for the two URL flavors in the wild
// (query-string and semicolon-separated).
package dialect

// Dialect identifies a database vendor.
type Dialect string

const (
	MySQL      Dialect = "mysql"
	PostgreSQL Dialect = "postgresql"
	Oracle     Dialect = "oracle"
	DB2        Dialect = "db2"
	SQLServer  Dialect = "sqlserver"
	H2         Dialect = "h2"
	SQLite     Dialect = "sqlite"
)

// Go database/sql driver names, for vendors with a pure-Go or cgo-free
// driver wired into this module. PostgreSQL is opened through bun's
// pgdriver connector rather than a registered driver name.
const (
	DriverNameMySQL     = "mysql"
	DriverNameSQLServer = "sqlserver"
	DriverNameSQLite    = "sqlite"
)

// JDBC URL prefixes, for emitting configuration consumed by JDBC-based
// tooling (Flyway CLI, DBeaver exports and the like).
const (
	JDBCPrefixMySQL      = "jdbc:mysql:"
	JDBCPrefixH2         = "jdbc:h2:"
	JDBCPrefixOracleThin = "jdbc:oracle:thin:@"
	JDBCPrefixOracleOCI  = "jdbc:oracle:oci:@"
	JDBCPrefixSQLServer  = "jdbc:sqlserver://"
	// JDBCPrefixPostgreSQL carries a historical typo (doubled "j"). Kept
	// verbatim so emitted configs stay byte-compatible with existing
	// consumers that already work around it.
	JDBCPrefixPostgreSQL = "jjdbc:postgresql:"
	JDBCPrefixDB2        = "jdbc:db2://"
)

// JDBC driver class names per vendor.
const (
	JDBCDriverMySQL      = "com.mysql.cj.jdbc.Driver"
	JDBCDriverH2         = "org.h2.Driver"
	JDBCDriverOracle     = "oracle.jdbc.driver.OracleDriver"
	JDBCDriverDB2        = "com.ibm.db2.jcc.DB2Driver"
	JDBCDriverSQLServer  = "com.microsoft.sqlserver.jdbc.SQLServerDriver"
	JDBCDriverPostgreSQL = "org.postgresql.Driver"
)

// DriverName returns the Go database/sql driver name for d, or "" when no
// driver is wired into this module for the vendor.
func DriverName(d Dialect) string {
	switch d {
	case MySQL:
		return DriverNameMySQL
	case SQLServer:
		return DriverNameSQLServer
	case SQLite, H2:
		// H2 is served by the embedded SQLite driver in Go deployments;
		// the JDBC constants above remain available for interop.
		return DriverNameSQLite
	default:
		return ""
	}
}

// Property is a single connection property. Properties are carried as an
// ordered slice, not a map, so appending preserves insertion order.
type Property struct {
	Key   string
	Value string
}

// BuildQueryString appends properties to url in query-string form:
// "?a=true&b=true". An empty property list returns url unchanged.
// MySQL URLs use this form.
func BuildQueryString(url string, props []Property) string {
	return appendProps(url, props, '?', '&')
}

// BuildSemicolonString appends properties to url in semicolon form:
// ";a=true;b=true". An empty property list returns url unchanged.
// H2 and SQL Server URLs use this form.
func BuildSemicolonString(url string, props []Property) string {
	return appendProps(url, props, ';', ';')
}

// BuildConnectionString appends props to url using the separator style of d.
// Vendors without a known property style return url unchanged when props is
// empty and query-string style otherwise.
func BuildConnectionString(d Dialect, url string, props []Property) string {
	switch d {
	case H2, SQLServer:
		return BuildSemicolonString(url, props)
	default:
		return BuildQueryString(url, props)
	}
}

func appendProps(url string, props []Property, first, rest byte) string {
	if len(props) == 0 {
		return url
	}
	buf := make([]byte, 0, len(url)+16*len(props))
	buf = append(buf, url...)
	for i, p := range props {
		if i == 0 {
			buf = append(buf, first)
		} else {
			buf = append(buf, rest)
		}
		buf = append(buf, p.Key...)
		buf = append(buf, '=')
		buf = append(buf, p.Value...)
	}
	return string(buf)
}
