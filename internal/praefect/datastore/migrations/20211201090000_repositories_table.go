package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &migrate.Migration{
		Id: "20211201090000_repositories_table",
		Up: []string{
			`CREATE TABLE repositories (
				repository_id   BIGSERIAL PRIMARY KEY,
				virtual_storage TEXT NOT NULL,
				relative_path   TEXT NOT NULL,
				replica_path    TEXT NOT NULL DEFAULT '',
				"primary"       TEXT,
				generation      BIGINT NOT NULL DEFAULT -1 CHECK (generation >= -1),
				revision        BIGINT NOT NULL DEFAULT 0
			)`,
			"CREATE UNIQUE INDEX repository_lookup_index ON repositories (virtual_storage, relative_path)",
			`CREATE TABLE storage_repositories (
				repository_id BIGINT NOT NULL REFERENCES repositories (repository_id) ON DELETE CASCADE,
				storage       TEXT NOT NULL,
				assigned      BOOLEAN NOT NULL DEFAULT false,
				generation    BIGINT NOT NULL DEFAULT -1 CHECK (generation >= -1),
				healthy       BOOLEAN NOT NULL DEFAULT true,
				PRIMARY KEY (repository_id, storage)
			)`,
		},
		Down: []string{
			"DROP TABLE storage_repositories",
			"DROP TABLE repositories",
		},
	}

	allMigrations = append(allMigrations, m)
}
