package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20211201093000_assigned_storages_index",
		Up: []string{
			// Supports counting the assignments of each storage when picking the least loaded
			// storages for a replication factor increase.
			"CREATE INDEX assigned_storages_index ON storage_repositories (storage) WHERE assigned",
		},
		Down: []string{
			"DROP INDEX assigned_storages_index",
		},
	}

	allMigrations = append(allMigrations, m)
}
