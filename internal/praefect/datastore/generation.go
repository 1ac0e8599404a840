package datastore

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
)

// GenerationUnknown is used to indicate lack of generation number. A repository with an unknown
// generation has never been written to and a replica with an unknown generation has never
// received a copy of the repository.
const GenerationUnknown = -1

// DowngradeAttemptedError is returned when a storage reports a generation lower than the one it
// is already known to have.
type DowngradeAttemptedError struct {
	RepositoryID        int64
	Storage             string
	CurrentGeneration   int64
	AttemptedGeneration int64
}

func (err DowngradeAttemptedError) Error() string {
	return fmt.Sprintf("attempted downgrading repository %d on %q from generation %d to %d",
		err.RepositoryID, err.Storage, err.CurrentGeneration, err.AttemptedGeneration,
	)
}

// NextGeneration returns the generation following the current one.
func NextGeneration(current int64) int64 {
	return current + 1
}

// IsCurrent returns whether the replica is on the repository's latest generation.
func IsCurrent(m RepositoryMetadata, r Replica) bool {
	return r.Generation == m.Generation
}

// IsBehind returns whether the replica is missing changes of the repository. A replica that has
// never been replicated to is behind any written repository.
func IsBehind(m RepositoryMetadata, r Replica) bool {
	return r.Generation < m.Generation
}

// highestGeneration returns the highest generation recorded for the repository or any of its
// replicas. A replica can be ahead of the repository after an authoritative storage was set.
func highestGeneration(m RepositoryMetadata) int64 {
	highest := m.Generation
	for _, r := range m.Replicas {
		if r.Generation > highest {
			highest = r.Generation
		}
	}

	return highest
}

// IncrementGeneration records an accepted write. The repository's generation is bumped and the
// primary as well as the secondaries which were on the primary's generation before the write are
// moved to the new generation. Secondaries which were already behind stay behind. If the
// repository doesn't exist yet, it is created with the primary as its only assigned replica and
// the first write lands on generation 0.
func IncrementGeneration(ctx context.Context, rs RepositoryStore, id RepositoryIdentity, primary string, secondaries []string) (RepositoryMetadata, error) {
	if primary == "" {
		return RepositoryMetadata{}, commonerr.NewInvalidArgumentError("primary is empty")
	}

	return rs.Upsert(ctx, id, func(m *RepositoryMetadata) error {
		if isNew(*m) {
			// The repository was written to before it was registered, so its replicas are
			// stored at the relative path.
			m.ReplicaPath = m.RelativePath
			m.Primary = primary
			m.AddReplica(Replica{Storage: primary, Assigned: true, Generation: GenerationUnknown, Healthy: true})
		}

		primaryReplica, ok := m.Replica(primary)
		if !ok {
			return unknownStorage(m.RepositoryID, primary)
		}

		next := NextGeneration(highestGeneration(*m))

		// A secondary has to be on the primary's generation, otherwise it missed a change the
		// primary has and can't be considered up to date after this write either.
		eligible := make([]string, 0, len(secondaries)+1)
		eligible = append(eligible, primary)
		for _, secondary := range secondaries {
			replica, ok := m.Replica(secondary)
			if !ok || replica.Generation != primaryReplica.Generation {
				continue
			}

			eligible = append(eligible, secondary)
		}

		m.Generation = next
		for _, storage := range eligible {
			if err := m.setReplicaGeneration(storage, next); err != nil {
				return err
			}
		}

		return nil
	})
}

// SetGeneration records that the storage has replicated the given generation. If the generation is
// higher than the repository's generation, the repository's generation is raised to match so
// generations keep increasing monotonically. Downgrades are rejected.
func SetGeneration(ctx context.Context, rs RepositoryStore, id RepositoryIdentity, storage string, generation int64) (RepositoryMetadata, error) {
	return rs.Upsert(ctx, id, func(m *RepositoryMetadata) error {
		if err := requireExisting(*m); err != nil {
			return err
		}

		replica, ok := m.Replica(storage)
		if !ok {
			return unknownStorage(m.RepositoryID, storage)
		}

		if generation < replica.Generation {
			return DowngradeAttemptedError{
				RepositoryID:        m.RepositoryID,
				Storage:             storage,
				CurrentGeneration:   replica.Generation,
				AttemptedGeneration: generation,
			}
		}

		if generation > m.Generation {
			m.Generation = generation
		}

		return m.setReplicaGeneration(storage, generation)
	})
}
