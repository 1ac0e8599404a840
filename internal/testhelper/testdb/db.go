// Package testdb provides Postgres databases for tests. The tests using it are guarded by the
// postgres build tag and expect PGHOST and PGPORT to point at a running Postgres instance.
package testdb

import (
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"
	"testing"

	"github.com/google/uuid"
	migrate "github.com/rubenv/sql-migrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/config"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore/glsql"
)

const (
	// advisoryLockIDDatabaseTemplate serializes the creation of the template database between
	// concurrently running test binaries.
	advisoryLockIDDatabaseTemplate = 1638360000
	praefectTemplateDatabase       = "praefect_cluster_template"
)

// DB is a helper struct that should be used only for testing purposes.
type DB struct {
	*sql.DB
	// Name is a name of the database.
	Name string
}

// Truncate removes all data from the list of tables and restarts the sequences.
func (db DB) Truncate(t testing.TB, tables ...string) {
	t.Helper()

	for _, table := range tables {
		_, err := db.DB.Exec("DELETE FROM " + table)
		require.NoError(t, err, "database cleanup failed: %s", tables)
	}

	_, err := db.DB.Exec("SELECT setval(relname::TEXT, 1, false) from pg_class where relkind = 'S'")
	require.NoError(t, err, "database cleanup failed: %s", tables)
}

// TruncateAll removes all data from the repository tables.
func (db DB) TruncateAll(t testing.TB) {
	db.Truncate(t, "storage_repositories", "repositories")
}

// RequireRowsInTable verifies that `tname` table has `n` amount of rows in it.
func (db DB) RequireRowsInTable(t *testing.T, tname string, n int) {
	t.Helper()

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM "+tname).Scan(&count))
	require.Equal(t, n, count, "unexpected amount of rows in table: %d instead of %d", count, n)
}

// MustExec executes `q` with `args` and verifies there are no errors.
func (db DB) MustExec(t testing.TB, q string, args ...interface{}) {
	t.Helper()
	_, err := db.DB.Exec(q, args...)
	require.NoError(t, err)
}

// New returns a wrapper around a connection pool of a freshly created and migrated database.
// The database is dropped once the test completes. It uses env vars:
//   PGHOST - required, URL/socket/dir
//   PGPORT - required, binding port
//   PGUSER - optional, user - `$ whoami` would be used if not provided
func New(t testing.TB) DB {
	t.Helper()
	database := "praefect_" + strings.ReplaceAll(uuid.New().String(), "-", "")
	return DB{DB: initTestDB(t, database), Name: database}
}

// GetConfig returns the database configuration determined by the environment variables. See New
// for the list of variables.
func GetConfig(t testing.TB, database string) config.DB {
	t.Helper()

	host, hostFound := os.LookupEnv("PGHOST")
	require.True(t, hostFound, "PGHOST env var expected to be provided to connect to Postgres database")

	port, portFound := os.LookupEnv("PGPORT")
	require.True(t, portFound, "PGPORT env var expected to be provided to connect to Postgres database")
	portNumber, err := strconv.Atoi(port)
	require.NoError(t, err, "PGPORT must be a port number of the Postgres database listens for incoming connections")

	return config.DB{
		Host:    host,
		Port:    portNumber,
		DBName:  database,
		SSLMode: "disable",
		User:    os.Getenv("PGUSER"),
	}
}

func requireSQLOpen(t testing.TB, dbCfg config.DB) *sql.DB {
	t.Helper()
	db, err := sql.Open("postgres", glsql.DSN(dbCfg))
	require.NoErrorf(t, err, "failed to connect to %q database", dbCfg.DBName)
	if !assert.NoErrorf(t, db.Ping(), "failed to communicate with %q database", dbCfg.DBName) {
		require.NoErrorf(t, db.Close(), "release connection to the %q database", dbCfg.DBName)
	}
	return db
}

func initTestDB(t testing.TB, database string) *sql.DB {
	t.Helper()

	dbCfg := GetConfig(t, "postgres")
	postgresDB := requireSQLOpen(t, dbCfg)
	defer func() { require.NoErrorf(t, postgresDB.Close(), "release connection to the %q database", dbCfg.DBName) }()

	_, err := postgresDB.Exec(`SELECT pg_advisory_lock($1)`, advisoryLockIDDatabaseTemplate)
	require.NoError(t, err, "not able to acquire lock for synchronisation")
	unlocked := false
	unlock := func() {
		if unlocked {
			return
		}
		unlocked = true

		var released bool
		require.NoError(t, postgresDB.QueryRow(`SELECT pg_advisory_unlock($1)`, advisoryLockIDDatabaseTemplate).Scan(&released))
		require.True(t, released, "release advisory lock")
	}
	defer unlock()

	var exists bool
	require.NoError(t, postgresDB.QueryRow(`SELECT EXISTS(SELECT * FROM pg_database WHERE datname = $1)`, praefectTemplateDatabase).Scan(&exists))
	if !exists {
		_, err := postgresDB.Exec("CREATE DATABASE " + praefectTemplateDatabase + " WITH ENCODING 'UTF8'")
		require.NoErrorf(t, err, "failed to create %q database", praefectTemplateDatabase)
	}

	templateCfg := GetConfig(t, praefectTemplateDatabase)
	templateDB := requireSQLOpen(t, templateCfg)
	if _, err := glsql.Migrate(templateDB, false); err != nil {
		require.NoErrorf(t, templateDB.Close(), "release connection to the %q database", praefectTemplateDatabase)

		// A template migrated by another branch contains migrations unknown to this one, so it
		// is recreated from scratch.
		var planErr *migrate.PlanError
		require.Truef(t, errors.As(err, &planErr), "failed to run database migration on %q: %v", praefectTemplateDatabase, err)

		_, err = postgresDB.Exec("DROP DATABASE " + praefectTemplateDatabase)
		require.NoErrorf(t, err, "failed to drop %q database", praefectTemplateDatabase)
		_, err = postgresDB.Exec("CREATE DATABASE " + praefectTemplateDatabase + " WITH ENCODING 'UTF8'")
		require.NoErrorf(t, err, "failed to create %q database", praefectTemplateDatabase)

		templateDB = requireSQLOpen(t, templateCfg)
		_, err = glsql.Migrate(templateDB, false)
		require.NoErrorf(t, err, "failed to run database migration on %q", praefectTemplateDatabase)
	}
	require.NoErrorf(t, templateDB.Close(), "release connection to the %q database", praefectTemplateDatabase)

	unlock()

	_, err = postgresDB.Exec(`CREATE DATABASE ` + database + ` TEMPLATE ` + praefectTemplateDatabase)
	require.NoErrorf(t, err, "failed to create %q database", database)

	t.Cleanup(func() {
		postgresDB := requireSQLOpen(t, dbCfg)
		defer func() { require.NoErrorf(t, postgresDB.Close(), "release connection to the %q database", dbCfg.DBName) }()

		_, err := postgresDB.Exec("SELECT PG_TERMINATE_BACKEND(pid) FROM PG_STAT_ACTIVITY WHERE datname = '" + database + "'")
		require.NoError(t, err)

		_, err = postgresDB.Exec("DROP DATABASE " + database)
		require.NoErrorf(t, err, "failed to drop %q database", database)
	})

	testCfg := GetConfig(t, database)
	testDB := requireSQLOpen(t, testCfg)
	t.Cleanup(func() {
		require.NoErrorf(t, testDB.Close(), "release connection to the %q database", database)
	})

	return testDB
}
