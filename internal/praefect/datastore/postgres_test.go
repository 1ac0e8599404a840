// +build postgres

package datastore

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/testhelper"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/testhelper/testdb"
)

func TestRepositoryStore_Postgres(t *testing.T) {
	db := testdb.New(t)
	testRepositoryStore(t, func(t *testing.T) RepositoryStore {
		db.TruncateAll(t)
		return NewPostgresRepositoryStore(db.DB)
	})
}

func TestPostgresRepositoryStore_rows(t *testing.T) {
	ctx, cancel := testhelper.Context()
	defer cancel()

	db := testdb.New(t)
	rs := NewPostgresRepositoryStore(db.DB)

	m, err := CreateRepository(ctx, rs, "virtual-storage-1", "repository-1", "storage-1", []string{"storage-2"}, []string{"storage-3"})
	require.NoError(t, err)

	db.RequireRowsInTable(t, "repositories", 1)
	db.RequireRowsInTable(t, "storage_repositories", 3)

	var primary, replicaPath string
	var generation, revision int64
	require.NoError(t, db.QueryRow(`
SELECT "primary", replica_path, generation, revision
FROM repositories
WHERE repository_id = $1
	`, m.RepositoryID).Scan(&primary, &replicaPath, &generation, &revision))
	require.Equal(t, "storage-1", primary)
	require.Equal(t, DeriveReplicaPath(m.RepositoryID), replicaPath)
	require.Equal(t, int64(0), generation)
	require.Equal(t, int64(1), revision)

	rows, err := db.Query(`
SELECT storage, assigned, generation, healthy
FROM storage_repositories
WHERE repository_id = $1
ORDER BY storage
	`, m.RepositoryID)
	require.NoError(t, err)
	defer rows.Close()

	var replicas []Replica
	for rows.Next() {
		var r Replica
		require.NoError(t, rows.Scan(&r.Storage, &r.Assigned, &r.Generation, &r.Healthy))
		replicas = append(replicas, r)
	}
	require.NoError(t, rows.Err())

	require.Equal(t, []Replica{
		{Storage: "storage-1", Assigned: true, Generation: 0, Healthy: true},
		{Storage: "storage-2", Assigned: true, Generation: 0, Healthy: true},
		{Storage: "storage-3", Assigned: true, Generation: GenerationUnknown, Healthy: true},
	}, replicas)

	// A mutation that doesn't change the record doesn't bump the revision.
	_, err = rs.Upsert(ctx, m.Identity(), func(*RepositoryMetadata) error { return nil })
	require.NoError(t, err)
	require.NoError(t, db.QueryRow("SELECT revision FROM repositories WHERE repository_id = $1", m.RepositoryID).Scan(&revision))
	require.Equal(t, int64(1), revision)
}
