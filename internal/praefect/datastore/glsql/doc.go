// Package glsql (Gitaly SQL) is a helper package to work with plain SQL queries.
//
// Tests which need a database are guarded by the `postgres` build tag. They connect to the
// instance described by the PGHOST, PGPORT and PGUSER environment variables and create a
// throw-away database for every test:
//
//   $ PGHOST=localhost PGPORT=5432 PGUSER=postgres go test -tags postgres ./internal/praefect/...
//
// The queries don't use prepared statements so the database can be placed behind a
// transaction pooling PgBouncer.
package glsql
