package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	migrate "github.com/rubenv/sql-migrate"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/config"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore/migrations"
)

const sqlMigrateStatusCmdName = "sql-migrate-status"

type sqlMigrateStatusSubcommand struct {
	w io.Writer
}

func (s *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (s *sqlMigrateStatusSubcommand) Exec(flags *flag.FlagSet, conf config.Config) error {
	const subCmd = progname + " " + sqlMigrateStatusCmdName

	db, clean, err := openDB(conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	migrate.SetTable(migrations.MigrationTableName)

	records, err := migrate.GetMigrationRecords(db, "postgres")
	if err != nil {
		return fmt.Errorf("%s: get migration records: %v", subCmd, err)
	}

	applied := make(map[string]string, len(records))
	for _, r := range records {
		applied[r.Id] = r.AppliedAt.Format(timeFmt)
	}

	ids := make([]string, 0, len(migrations.All()))
	known := make(map[string]struct{}, len(migrations.All()))
	for _, m := range migrations.All() {
		ids = append(ids, m.Id)
		known[m.Id] = struct{}{}
	}

	for id := range applied {
		if _, ok := known[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(s.w)
	table.SetHeader([]string{"Migration", "Applied"})
	table.SetColWidth(60)
	for _, id := range ids {
		status, ok := applied[id]
		switch {
		case !ok:
			status = "no"
		case !isKnown(known, id):
			status += " (unknown migration)"
		}

		table.Append([]string{id, status})
	}

	table.Render()
	return nil
}

func isKnown(known map[string]struct{}, id string) bool {
	_, ok := known[id]
	return ok
}
