// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL portability.
package dialect

const (
	SQLite3  = "sqlite3"
	PGX      = "pgx"
	Postgres = "postgres"
)

// IsPostgres returns true if the driver is PostgreSQL (pgx or lib/pq).
func IsPostgres(driver string) bool {
	return driver == PGX || driver == Postgres
}

// Now returns the SQL expression for the current timestamp.
//
//	SQLite:   datetime('now')
//	Postgres: NOW()
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// AutoIncrementPK returns the column definition for an auto-generated
// integer primary key named id.
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "id BIGSERIAL PRIMARY KEY"
	}
	return "id INTEGER PRIMARY KEY AUTOINCREMENT"
}

// Like returns the case-insensitive LIKE operator for the driver.
//
//	SQLite:   LIKE (case-insensitive for ASCII by default)
//	Postgres: ILIKE
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}
