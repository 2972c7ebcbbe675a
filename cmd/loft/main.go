// Package main provides a CLI for operating the loft access-control engine.
//
// The CLI supports:
//   - migrate: create the hierarchy schema in PostgreSQL
//   - status: check the database schema state
//   - doctor: run health checks against the hierarchy store
//   - resolve: translate a virtual path for a principal
//   - check: test whether a permission string grants an operation
//
// Commands that require database access (migrate, status, doctor, resolve)
// need --db, a configured loft.yaml, or LOFT_DATABASE_URL.
package main

func main() {
	Execute()
}
