package datastore

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strconv"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
)

// DeriveReplicaPath derives the path of a repository on the physical storages from its repository
// ID. The first two bytes of the SHA256 of the decimal ID are used as two levels of subdirectories
// so the repositories are spread evenly. The result is @cluster/v1/ab/cd/<repository-id>.
func DeriveReplicaPath(repositoryID int64) string {
	hash := sha256.Sum256([]byte(strconv.FormatInt(repositoryID, 10)))
	return fmt.Sprintf("@cluster/v1/%x/%x/%d", hash[0:1], hash[1:2], repositoryID)
}

// Replica returns the replica on the given storage.
func (m *RepositoryMetadata) Replica(storage string) (Replica, bool) {
	if i := m.replicaIndex(storage); i >= 0 {
		return m.Replicas[i], true
	}

	return Replica{}, false
}

func (m *RepositoryMetadata) replicaIndex(storage string) int {
	for i := range m.Replicas {
		if m.Replicas[i].Storage == storage {
			return i
		}
	}

	return -1
}

// AddReplica adds an entry for a storage. If the storage already has an entry, the existing
// entry is replaced. ValidPrimary of the passed in replica is ignored.
func (m *RepositoryMetadata) AddReplica(r Replica) {
	if i := m.replicaIndex(r.Storage); i >= 0 {
		m.Replicas[i] = r
	} else {
		m.Replicas = append(m.Replicas, r)
	}

	m.normalize()
}

// SetReplicaAssigned sets whether the storage is an assigned host of the repository.
func (m *RepositoryMetadata) SetReplicaAssigned(storage string, assigned bool) error {
	return m.updateReplica(storage, func(r *Replica) { r.Assigned = assigned })
}

// SetReplicaHealth records the latest reported liveness of the storage. It does not touch the
// assignment or the generation of the replica.
func (m *RepositoryMetadata) SetReplicaHealth(storage string, healthy bool) error {
	return m.updateReplica(storage, func(r *Replica) { r.Healthy = healthy })
}

func (m *RepositoryMetadata) setReplicaGeneration(storage string, generation int64) error {
	return m.updateReplica(storage, func(r *Replica) { r.Generation = generation })
}

func (m *RepositoryMetadata) updateReplica(storage string, update func(*Replica)) error {
	i := m.replicaIndex(storage)
	if i < 0 {
		return unknownStorage(m.RepositoryID, storage)
	}

	update(&m.Replicas[i])
	m.normalize()
	return nil
}

func unknownStorage(repositoryID int64, storage string) error {
	return commonerr.StorageError{Kind: commonerr.ErrUnknownStorage, RepositoryID: repositoryID, Storage: storage}
}

// isNew returns whether the record has never been persisted.
func isNew(m RepositoryMetadata) bool {
	return m.Revision == 0
}

func requireExisting(m RepositoryMetadata) error {
	if isNew(m) {
		return commonerr.NewRepositoryNotFoundError(m.VirtualStorage, m.RelativePath)
	}

	return nil
}

// validateState checks the invariants a record must hold before it is persisted.
func validateState(m RepositoryMetadata) error {
	if m.Generation < GenerationUnknown {
		return fmt.Errorf("invalid generation %d", m.Generation)
	}

	seen := make(map[string]struct{}, len(m.Replicas))
	for _, r := range m.Replicas {
		if r.Storage == "" {
			return fmt.Errorf("replica without a storage")
		}

		if _, ok := seen[r.Storage]; ok {
			return fmt.Errorf("duplicate replica on storage %q", r.Storage)
		}
		seen[r.Storage] = struct{}{}

		if r.Generation < GenerationUnknown {
			return fmt.Errorf("invalid generation %d on storage %q", r.Generation, r.Storage)
		}
	}

	if m.Primary != "" {
		primary, ok := m.Replica(m.Primary)
		if !ok || !primary.Assigned {
			return fmt.Errorf("primary %q is not an assigned storage", m.Primary)
		}
	}

	return nil
}

// CreateOption configures CreateRepository.
type CreateOption func(*createConfig)

type createConfig struct {
	unhealthy map[string]struct{}
}

// WithUnhealthyStorages records the replicas on the given storages as unhealthy. Replicas are
// recorded healthy otherwise.
func WithUnhealthyStorages(storages ...string) CreateOption {
	return func(cfg *createConfig) {
		for _, storage := range storages {
			cfg.unhealthy[storage] = struct{}{}
		}
	}
}

// CreateRepository registers a new repository. The primary and the updated secondaries are stored
// on generation 0. The outdated secondaries are stored without a generation as they still need the
// repository to be replicated to them. Every passed in storage becomes an assigned host. Returns
// commonerr.ErrRepositoryAlreadyExists if the repository is already registered.
func CreateRepository(ctx context.Context, rs RepositoryStore, virtualStorage, relativePath, primary string, updatedSecondaries, outdatedSecondaries []string, opts ...CreateOption) (RepositoryMetadata, error) {
	if primary == "" {
		return RepositoryMetadata{}, commonerr.NewInvalidArgumentError("primary is empty")
	}

	cfg := createConfig{unhealthy: map[string]struct{}{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	healthy := func(storage string) bool {
		_, unhealthy := cfg.unhealthy[storage]
		return !unhealthy
	}

	return rs.Upsert(ctx, RepositoryIdentity{VirtualStorage: virtualStorage, RelativePath: relativePath}, func(m *RepositoryMetadata) error {
		if !isNew(*m) {
			return commonerr.ErrRepositoryAlreadyExists
		}

		m.ReplicaPath = DeriveReplicaPath(m.RepositoryID)
		m.Primary = primary
		m.Generation = 0

		for _, storage := range append([]string{primary}, updatedSecondaries...) {
			m.AddReplica(Replica{Storage: storage, Assigned: true, Generation: 0, Healthy: healthy(storage)})
		}

		for _, storage := range outdatedSecondaries {
			if _, ok := m.Replica(storage); ok {
				continue
			}

			m.AddReplica(Replica{Storage: storage, Assigned: true, Generation: GenerationUnknown, Healthy: healthy(storage)})
		}

		return nil
	})
}

// SetStorageHealth applies a storage's reported liveness to every replica of the virtual storage's
// repositories on that storage. The optional then function runs in the same mutation for records
// whose health changed. The records are updated one by one; failures are logged and counted, and
// the first one is returned after every record was attempted. The updated records are returned.
func SetStorageHealth(ctx context.Context, rs RepositoryStore, virtualStorage, storage string, healthy bool, then MutateFunc) ([]RepositoryMetadata, error) {
	ids, err := rs.ListRepositories(ctx, virtualStorage)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}

	var updated []RepositoryMetadata
	var failed int
	var firstErr error
	for _, id := range ids {
		changed := false
		m, err := rs.Upsert(ctx, id, func(m *RepositoryMetadata) error {
			replica, ok := m.Replica(storage)
			if !ok || replica.Healthy == healthy {
				return nil
			}

			changed = true
			if err := m.SetReplicaHealth(storage, healthy); err != nil {
				return err
			}

			if then != nil {
				return then(m)
			}

			return nil
		})
		if err != nil {
			ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
				logrus.ErrorKey:   err,
				"repository_id":   id.RepositoryID,
				"virtual_storage": virtualStorage,
				"storage":         storage,
			}).Error("failed updating replica health")

			failed++
			if firstErr == nil {
				firstErr = err
			}

			continue
		}

		if changed {
			updated = append(updated, m)
		}
	}

	if firstErr != nil {
		return updated, fmt.Errorf("%d repositories failed: %w", failed, firstErr)
	}

	return updated, nil
}
