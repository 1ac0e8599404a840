// +build postgres

package main

import (
	"bytes"
	"flag"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/config"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore/migrations"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/testhelper/testdb"
)

func TestSubCmdSqlMigrate(t *testing.T) {
	db := testdb.New(t)
	cfg := config.Config{DB: testdb.GetConfig(t, db.Name)}

	var stdout bytes.Buffer
	migrateCmd := sqlMigrateSubcommand{w: &stdout, ignoreUnknown: true}
	require.NoError(t, migrateCmd.Exec(flag.NewFlagSet("", flag.PanicOnError), cfg))
	require.Contains(t, stdout.String(), "praefect sql-migrate: all migrations are up")

	db.MustExec(t, fmt.Sprintf("DELETE FROM %s WHERE id = $1", migrations.MigrationTableName), migrations.All()[len(migrations.All())-1].Id)
	last := migrations.All()[len(migrations.All())-1]
	for _, stmt := range last.Down {
		db.MustExec(t, stmt)
	}

	stdout.Reset()
	require.NoError(t, migrateCmd.Exec(flag.NewFlagSet("", flag.PanicOnError), cfg))
	require.Contains(t, stdout.String(), "praefect sql-migrate: migrations to apply: 1")
	require.Contains(t, stdout.String(), last.Id+": pending")
	require.Contains(t, stdout.String(), "praefect sql-migrate: OK (applied 1 migrations")
}

func TestSubCmdSqlMigrateStatus(t *testing.T) {
	db := testdb.New(t)
	cfg := config.Config{DB: testdb.GetConfig(t, db.Name)}

	db.MustExec(t, fmt.Sprintf("INSERT INTO %s (id, applied_at) VALUES ('20000101000000_removed', NOW())", migrations.MigrationTableName))

	var stdout bytes.Buffer
	statusCmd := sqlMigrateStatusSubcommand{w: &stdout}
	require.NoError(t, statusCmd.Exec(flag.NewFlagSet("", flag.PanicOnError), cfg))

	for _, m := range migrations.All() {
		require.Contains(t, stdout.String(), m.Id)
	}
	require.Contains(t, stdout.String(), "(unknown migration)")
}

func TestSubCmdSqlPing(t *testing.T) {
	db := testdb.New(t)
	cfg := config.Config{DB: testdb.GetConfig(t, db.Name)}

	var stdout bytes.Buffer
	pingCmd := sqlPingSubcommand{w: &stdout}
	require.NoError(t, pingCmd.Exec(flag.NewFlagSet("", flag.PanicOnError), cfg))
	require.Equal(t, "praefect sql-ping: OK\n", stdout.String())
}
