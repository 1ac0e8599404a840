package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore/glsql"
)

// errNoChanges rolls back an Upsert transaction whose mutation didn't change the record.
var errNoChanges = errors.New("no changes")

// PostgresRepositoryStore is a Postgres implementation of RepositoryStore. The repository's row in
// the `repositories` table is locked for the duration of a mutation, which serializes the
// mutations of a repository without blocking the others.
type PostgresRepositoryStore struct {
	db *sql.DB
}

// NewPostgresRepositoryStore returns a Postgres implementation of RepositoryStore.
func NewPostgresRepositoryStore(db *sql.DB) *PostgresRepositoryStore {
	return &PostgresRepositoryStore{db: db}
}

// The replicas are aggregated into a JSON array so the record and its replicas are read in a
// single statement and thus from a single snapshot.
const selectRepository = `
SELECT
	repository_id,
	virtual_storage,
	relative_path,
	replica_path,
	COALESCE("primary", ''),
	generation,
	revision,
	COALESCE((
		SELECT json_agg(json_build_object(
			'Storage', storage,
			'Assigned', assigned,
			'Generation', generation,
			'Healthy', healthy
		) ORDER BY storage)
		FROM storage_repositories
		WHERE storage_repositories.repository_id = repositories.repository_id
	), '[]')
FROM repositories
`

func scanRepository(row *sql.Row) (RepositoryMetadata, error) {
	var m RepositoryMetadata
	var replicasJSON []byte
	if err := row.Scan(
		&m.RepositoryID,
		&m.VirtualStorage,
		&m.RelativePath,
		&m.ReplicaPath,
		&m.Primary,
		&m.Generation,
		&m.Revision,
		&replicasJSON,
	); err != nil {
		return RepositoryMetadata{}, err
	}

	if err := json.Unmarshal(replicasJSON, &m.Replicas); err != nil {
		return RepositoryMetadata{}, fmt.Errorf("decode replicas: %w", err)
	}

	if len(m.Replicas) == 0 {
		m.Replicas = nil
	}

	m.normalize()
	return m, nil
}

//nolint: revive,stylecheck // This is documented on the interface.
func (rs *PostgresRepositoryStore) GetRepositoryMetadata(ctx context.Context, q Query) (RepositoryMetadata, error) {
	if err := validateQuery(q); err != nil {
		return RepositoryMetadata{}, err
	}

	var row *sql.Row
	notFound := commonerr.ErrRepositoryNotFound
	switch q := q.(type) {
	case RepositoryIDQuery:
		row = rs.db.QueryRowContext(ctx, selectRepository+"WHERE repository_id = $1 AND revision > 0", q.RepositoryID)
	case PathQuery:
		row = rs.db.QueryRowContext(ctx, selectRepository+"WHERE virtual_storage = $1 AND relative_path = $2 AND revision > 0", q.VirtualStorage, q.RelativePath)
		notFound = commonerr.NewRepositoryNotFoundError(q.VirtualStorage, q.RelativePath)
	}

	m, err := scanRepository(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RepositoryMetadata{}, notFound
		}

		return RepositoryMetadata{}, fmt.Errorf("scan: %w", err)
	}

	return m, nil
}

//nolint: revive,stylecheck // This is documented on the interface.
func (rs *PostgresRepositoryStore) Upsert(ctx context.Context, id RepositoryIdentity, mutate MutateFunc) (RepositoryMetadata, error) {
	if err := id.validate(); err != nil {
		return RepositoryMetadata{}, err
	}

	var result RepositoryMetadata
	if err := glsql.InTransaction(ctx, rs.db, func(tx *sql.Tx) error {
		original, err := rs.lockRepository(ctx, tx, id)
		if err != nil {
			return err
		}

		working := original.Clone()
		if err := mutate(&working); err != nil {
			return err
		}

		working.normalize()
		if err := checkMutation(original, working); err != nil {
			return err
		}

		if working.equal(original) {
			result = original
			return errNoChanges
		}

		working.Revision = original.Revision + 1
		if err := rs.writeRepository(ctx, tx, working); err != nil {
			return err
		}

		result = working
		return nil
	}); err != nil && !errors.Is(err, errNoChanges) {
		return RepositoryMetadata{}, err
	}

	return result, nil
}

// lockRepository loads the repository and locks its row until the end of the transaction. If the
// identity has no repository ID and the repository doesn't exist, a row is inserted for it. The
// row is only visible to the others once the transaction commits with a non-zero revision.
func (rs *PostgresRepositoryStore) lockRepository(ctx context.Context, tx *sql.Tx, id RepositoryIdentity) (RepositoryMetadata, error) {
	if id.RepositoryID != 0 {
		m, err := scanRepository(tx.QueryRowContext(ctx, selectRepository+"WHERE repository_id = $1 AND revision > 0 FOR UPDATE", id.RepositoryID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				if id.VirtualStorage != "" {
					return RepositoryMetadata{}, commonerr.NewRepositoryNotFoundError(id.VirtualStorage, id.RelativePath)
				}

				return RepositoryMetadata{}, commonerr.ErrRepositoryNotFound
			}

			return RepositoryMetadata{}, fmt.Errorf("lock by id: %w", err)
		}

		if id.VirtualStorage != "" && (m.VirtualStorage != id.VirtualStorage || m.RelativePath != id.RelativePath) {
			var actual int64
			if err := tx.QueryRowContext(ctx, `
SELECT repository_id
FROM repositories
WHERE virtual_storage = $1
AND relative_path = $2
AND revision > 0
			`, id.VirtualStorage, id.RelativePath).Scan(&actual); err != nil && !errors.Is(err, sql.ErrNoRows) {
				return RepositoryMetadata{}, fmt.Errorf("resolve path: %w", err)
			}

			return RepositoryMetadata{}, commonerr.IdentityMismatchError{
				VirtualStorage:       id.VirtualStorage,
				RelativePath:         id.RelativePath,
				ExpectedRepositoryID: id.RepositoryID,
				ActualRepositoryID:   actual,
			}
		}

		return m, nil
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO repositories (virtual_storage, relative_path)
VALUES ($1, $2)
ON CONFLICT (virtual_storage, relative_path) DO NOTHING
	`, id.VirtualStorage, id.RelativePath); err != nil {
		return RepositoryMetadata{}, fmt.Errorf("insert: %w", err)
	}

	m, err := scanRepository(tx.QueryRowContext(ctx, selectRepository+"WHERE virtual_storage = $1 AND relative_path = $2 FOR UPDATE", id.VirtualStorage, id.RelativePath))
	if err != nil {
		return RepositoryMetadata{}, fmt.Errorf("lock by path: %w", err)
	}

	return m, nil
}

func (rs *PostgresRepositoryStore) writeRepository(ctx context.Context, tx *sql.Tx, m RepositoryMetadata) error {
	if _, err := tx.ExecContext(ctx, `
UPDATE repositories
SET replica_path = $2,
	"primary" = NULLIF($3, ''),
	generation = $4,
	revision = $5
WHERE repository_id = $1
	`, m.RepositoryID, m.ReplicaPath, m.Primary, m.Generation, m.Revision); err != nil {
		return fmt.Errorf("update repository: %w", err)
	}

	if len(m.Replicas) == 0 {
		return nil
	}

	storages := make([]string, len(m.Replicas))
	assigned := make([]bool, len(m.Replicas))
	generations := make([]int64, len(m.Replicas))
	healthy := make([]bool, len(m.Replicas))
	for i, r := range m.Replicas {
		storages[i] = r.Storage
		assigned[i] = r.Assigned
		generations[i] = r.Generation
		healthy[i] = r.Healthy
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO storage_repositories (repository_id, storage, assigned, generation, healthy)
SELECT $1, storage, assigned, generation, healthy
FROM (
	SELECT
		unnest($2::text[]) AS storage,
		unnest($3::boolean[]) AS assigned,
		unnest($4::bigint[]) AS generation,
		unnest($5::boolean[]) AS healthy
) AS replicas
ON CONFLICT (repository_id, storage) DO UPDATE SET
	assigned = EXCLUDED.assigned,
	generation = EXCLUDED.generation,
	healthy = EXCLUDED.healthy
	`,
		m.RepositoryID,
		pq.StringArray(storages),
		pq.BoolArray(assigned),
		pq.Int64Array(generations),
		pq.BoolArray(healthy),
	); err != nil {
		return fmt.Errorf("upsert replicas: %w", err)
	}

	return nil
}

//nolint: revive,stylecheck // This is documented on the interface.
func (rs *PostgresRepositoryStore) ListRepositories(ctx context.Context, virtualStorage string) ([]RepositoryIdentity, error) {
	rows, err := rs.db.QueryContext(ctx, `
SELECT repository_id, virtual_storage, relative_path
FROM repositories
WHERE virtual_storage = $1
AND revision > 0
ORDER BY relative_path
	`, virtualStorage)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var ids []RepositoryIdentity
	for rows.Next() {
		var id RepositoryIdentity
		if err := rows.Scan(&id.RepositoryID, &id.VirtualStorage, &id.RelativePath); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

//nolint: revive,stylecheck // This is documented on the interface.
func (rs *PostgresRepositoryStore) AssignmentCounts(ctx context.Context, virtualStorage string) (map[string]int, error) {
	rows, err := rs.db.QueryContext(ctx, `
SELECT storage, COUNT(*)
FROM storage_repositories
JOIN repositories USING (repository_id)
WHERE virtual_storage = $1
AND assigned
AND revision > 0
GROUP BY storage
	`, virtualStorage)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var storage string
		var count int
		if err := rows.Scan(&storage, &count); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		counts[storage] = count
	}

	return counts, rows.Err()
}
