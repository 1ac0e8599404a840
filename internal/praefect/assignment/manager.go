// Package assignment manages which storages are the assigned hosts of a repository. The number of
// assigned hosts is the repository's replication factor.
package assignment

import (
	"context"
	"fmt"
	"sort"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/metrics"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/nodes"
)

// Store is the interface which Praefect uses to operate on repository assignments.
type Store interface {
	// GetHostAssignments returns the storages which should host the repository.
	GetHostAssignments(ctx context.Context, virtualStorage string, repositoryID int64) ([]string, error)
	// SetReplicationFactor sets a repository's replication factor to the desired value and returns
	// the resulting assignments.
	SetReplicationFactor(ctx context.Context, virtualStorage, relativePath string, replicationFactor int) ([]string, error)
}

var _ Store = (*Manager)(nil)

// Manager assigns storages to repositories. Newly assigned storages are picked from the healthy
// storages of the virtual storage, preferring the ones hosting the fewest repositories.
type Manager struct {
	rs                        datastore.RepositoryStore
	pool                      nodes.StoragePool
	defaultReplicationFactors map[string]int
	metrics                   *metrics.ClusterMetrics
}

// NewManager returns a new Manager. The default replication factors are used when creating
// repositories. A missing or zero default replication factor assigns every configured storage.
func NewManager(rs datastore.RepositoryStore, pool nodes.StoragePool, defaultReplicationFactors map[string]int, m *metrics.ClusterMetrics) *Manager {
	return &Manager{
		rs:                        rs,
		pool:                      pool,
		defaultReplicationFactors: defaultReplicationFactors,
		metrics:                   m,
	}
}

// GetHostAssignments returns the assigned storages of the repository which are still configured.
// If none of them are, every configured storage is returned so a repository is never left without
// hosts due to a configuration change.
func (m *Manager) GetHostAssignments(ctx context.Context, virtualStorage string, repositoryID int64) ([]string, error) {
	configured, err := m.pool.Storages(virtualStorage)
	if err != nil {
		return nil, err
	}

	rec, err := m.rs.GetRepositoryMetadata(ctx, datastore.ByRepositoryID(repositoryID))
	if err != nil {
		return nil, err
	}

	if rec.VirtualStorage != virtualStorage {
		return nil, fmt.Errorf("repository ID %d belongs to virtual storage %q, not %q: %w",
			repositoryID, rec.VirtualStorage, virtualStorage, commonerr.ErrIdentityMismatch)
	}

	isConfigured := make(map[string]struct{}, len(configured))
	for _, storage := range configured {
		isConfigured[storage] = struct{}{}
	}

	var assigned []string
	for _, storage := range rec.AssignedStorages() {
		if _, ok := isConfigured[storage]; ok {
			assigned = append(assigned, storage)
		}
	}

	if len(assigned) == 0 {
		return configured, nil
	}

	return assigned, nil
}

// SetReplicationFactor assigns or unassigns storages until the repository has the requested number
// of assigned storages. Additional storages are picked from the healthy unassigned storages,
// least loaded first. Unassigned storages are picked from the lowest generation up and the primary
// is never unassigned. Setting the current replication factor again changes nothing. Returns the
// assigned storages sorted by name.
func (m *Manager) SetReplicationFactor(ctx context.Context, virtualStorage, relativePath string, replicationFactor int) ([]string, error) {
	if replicationFactor < 1 {
		return nil, fmt.Errorf("set replication factor to %d: %w", replicationFactor, commonerr.ErrCannotReduceBelowOne)
	}

	id, err := datastore.Lookup(ctx, m.rs, datastore.ByPath(virtualStorage, relativePath))
	if err != nil {
		return nil, err
	}

	healthy, err := m.pool.HealthyStorages(virtualStorage)
	if err != nil {
		return nil, fmt.Errorf("healthy storages: %w", err)
	}

	// The counts are only used to spread the load, so they are read before the record is
	// locked and may be slightly stale.
	counts, err := m.rs.AssignmentCounts(ctx, virtualStorage)
	if err != nil {
		return nil, fmt.Errorf("assignment counts: %w", err)
	}

	var previous []string
	var direction string
	rec, err := m.rs.Upsert(ctx, id, func(rec *datastore.RepositoryMetadata) error {
		previous = rec.AssignedStorages()
		switch current := len(previous); {
		case replicationFactor > current:
			direction = "increase"
			return assign(rec, replicationFactor-current, healthy, counts)
		case replicationFactor < current:
			direction = "decrease"
			return unassign(rec, current-replicationFactor)
		default:
			return nil
		}
	})
	if err != nil {
		return nil, err
	}

	assigned := rec.AssignedStorages()
	if direction != "" {
		ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
			"repository_id":      rec.RepositoryID,
			"virtual_storage":    virtualStorage,
			"relative_path":      relativePath,
			"replication_factor": replicationFactor,
			"previous_storages":  previous,
			"assigned_storages":  assigned,
		}).Info("replication factor changed")

		if m.metrics != nil {
			m.metrics.ReplicationFactorChanges.WithLabelValues(virtualStorage, direction).Inc()
		}
	}

	return assigned, nil
}

// assign assigns count storages picked from the healthy storages which are not yet assigned. The
// least loaded storages are picked first with ties broken by name. An existing entry keeps its
// generation; new entries start without one as they still need to be replicated to.
func assign(rec *datastore.RepositoryMetadata, count int, healthy []string, load map[string]int) error {
	var candidates []string
	for _, storage := range healthy {
		if r, ok := rec.Replica(storage); ok && r.Assigned {
			continue
		}

		candidates = append(candidates, storage)
	}

	if len(candidates) < count {
		return commonerr.InsufficientStoragesError{
			VirtualStorage: rec.VirtualStorage,
			Requested:      count,
			Available:      len(candidates),
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if load[candidates[i]] != load[candidates[j]] {
			return load[candidates[i]] < load[candidates[j]]
		}

		return candidates[i] < candidates[j]
	})

	for _, storage := range candidates[:count] {
		if _, ok := rec.Replica(storage); ok {
			if err := rec.SetReplicaAssigned(storage, true); err != nil {
				return err
			}

			// The storage was picked from the healthy storages, so a stale health flag is refreshed.
			if err := rec.SetReplicaHealth(storage, true); err != nil {
				return err
			}

			continue
		}

		rec.AddReplica(datastore.Replica{
			Storage:    storage,
			Assigned:   true,
			Generation: datastore.GenerationUnknown,
			Healthy:    true,
		})
	}

	return nil
}

// unassign unassigns count storages other than the primary. The storages with the lowest
// generation go first, then the unhealthy ones, then by name.
func unassign(rec *datastore.RepositoryMetadata, count int) error {
	var candidates []datastore.Replica
	for _, r := range rec.Replicas {
		if r.Assigned && r.Storage != rec.Primary {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) < count {
		return fmt.Errorf("only %d storages can be unassigned but %d were requested", len(candidates), count)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Generation != candidates[j].Generation {
			return candidates[i].Generation < candidates[j].Generation
		}

		if candidates[i].Healthy != candidates[j].Healthy {
			return !candidates[i].Healthy
		}

		return candidates[i].Storage < candidates[j].Storage
	})

	for _, r := range candidates[:count] {
		if err := rec.SetReplicaAssigned(r.Storage, false); err != nil {
			return err
		}
	}

	return nil
}

// CreateRepository registers a new repository in the virtual storage. The virtual storage's
// default replication factor decides how many storages are assigned. The assigned storages are
// picked from the healthy storages, least loaded first, and the first one picked becomes the
// primary. Without a default replication factor every configured storage is assigned; the
// unhealthy ones are recorded as outdated and unhealthy.
func (m *Manager) CreateRepository(ctx context.Context, virtualStorage, relativePath string) (datastore.RepositoryMetadata, error) {
	configured, err := m.pool.Storages(virtualStorage)
	if err != nil {
		return datastore.RepositoryMetadata{}, err
	}

	healthy, err := m.pool.HealthyStorages(virtualStorage)
	if err != nil {
		return datastore.RepositoryMetadata{}, fmt.Errorf("healthy storages: %w", err)
	}

	counts, err := m.rs.AssignmentCounts(ctx, virtualStorage)
	if err != nil {
		return datastore.RepositoryMetadata{}, fmt.Errorf("assignment counts: %w", err)
	}

	replicationFactor := m.defaultReplicationFactors[virtualStorage]
	if replicationFactor <= 0 {
		replicationFactor = len(configured)
	}

	picked := append([]string(nil), healthy...)
	sort.SliceStable(picked, func(i, j int) bool {
		if counts[picked[i]] != counts[picked[j]] {
			return counts[picked[i]] < counts[picked[j]]
		}

		return picked[i] < picked[j]
	})

	if len(picked) == 0 || (m.defaultReplicationFactors[virtualStorage] > 0 && len(picked) < replicationFactor) {
		return datastore.RepositoryMetadata{}, commonerr.InsufficientStoragesError{
			VirtualStorage: virtualStorage,
			Requested:      replicationFactor,
			Available:      len(picked),
		}
	}

	if len(picked) > replicationFactor {
		picked = picked[:replicationFactor]
	}

	var outdated []string
	if m.defaultReplicationFactors[virtualStorage] <= 0 {
		isPicked := make(map[string]struct{}, len(picked))
		for _, storage := range picked {
			isPicked[storage] = struct{}{}
		}

		for _, storage := range configured {
			if _, ok := isPicked[storage]; !ok {
				outdated = append(outdated, storage)
			}
		}
	}

	// Every healthy storage is picked when all storages get assigned, so the outdated storages
	// are the unhealthy ones.
	rec, err := datastore.CreateRepository(ctx, m.rs, virtualStorage, relativePath, picked[0], picked[1:], outdated,
		datastore.WithUnhealthyStorages(outdated...),
	)
	if err != nil {
		return datastore.RepositoryMetadata{}, err
	}

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"repository_id":   rec.RepositoryID,
		"virtual_storage": virtualStorage,
		"relative_path":   relativePath,
		"replica_path":    rec.ReplicaPath,
		"primary":         rec.Primary,
	}).Info("repository created")

	return rec, nil
}
