package nodes

import (
	"context"
	"errors"
	"sort"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/metrics"
)

// ErrNoPrimary is returned if the repository does not have a primary.
var ErrNoPrimary = errors.New("no primary")

const (
	reasonElection = "election"
	reasonOverride = "override"
)

// PerRepositoryElector implements an elector that selects a primary for each repository.
// It keeps the current primary as long as it is a valid primary. Otherwise it elects the valid
// primary with the highest generation, preferring the smallest storage name on ties so the
// outcome is deterministic.
type PerRepositoryElector struct {
	rs      datastore.RepositoryStore
	metrics *metrics.ClusterMetrics
}

// NewPerRepositoryElector returns a new per repository primary elector.
func NewPerRepositoryElector(rs datastore.RepositoryStore, m *metrics.ClusterMetrics) *PerRepositoryElector {
	return &PerRepositoryElector{rs: rs, metrics: m}
}

// GetPrimary returns the primary storage of a repository. If the primary is not a valid primary
// anymore, an election is attempted. If there are no valid primaries, the current primary is
// simply demoted and ErrNoPrimary is returned.
func (pr *PerRepositoryElector) GetPrimary(ctx context.Context, q datastore.Query) (string, error) {
	id, err := datastore.Lookup(ctx, pr.rs, q)
	if err != nil {
		return "", err
	}

	var previous string
	m, err := pr.rs.Upsert(ctx, id, func(m *datastore.RepositoryMetadata) error {
		previous = m.Primary
		ElectPrimary(m)
		return nil
	})
	if err != nil {
		return "", err
	}

	if m.Primary != previous {
		pr.primaryChanged(ctx, m, previous, reasonElection)
	}

	if m.Primary == "" {
		return "", ErrNoPrimary
	}

	return m.Primary, nil
}

// SetAuthoritativeStorage forces the storage to become the primary of the repository. The
// repository's generation is reset to the storage's generation so the storage's copy becomes the
// latest state of the repository, even if it was behind. Replicas ahead of the new generation are
// left as they are. The storage must have an assigned replica of the repository.
func (pr *PerRepositoryElector) SetAuthoritativeStorage(ctx context.Context, virtualStorage, relativePath, storage string) error {
	if storage == "" {
		return commonerr.NewInvalidArgumentError("storage is empty")
	}

	id, err := datastore.Lookup(ctx, pr.rs, datastore.ByPath(virtualStorage, relativePath))
	if err != nil {
		return err
	}

	var previous string
	var previousGeneration int64
	m, err := pr.rs.Upsert(ctx, id, func(m *datastore.RepositoryMetadata) error {
		replica, ok := m.Replica(storage)
		if !ok {
			return commonerr.StorageError{Kind: commonerr.ErrUnknownStorage, RepositoryID: m.RepositoryID, Storage: storage}
		}

		if !replica.Assigned {
			return commonerr.StorageError{Kind: commonerr.ErrStorageUnassigned, RepositoryID: m.RepositoryID, Storage: storage}
		}

		previous = m.Primary
		previousGeneration = m.Generation
		m.Primary = storage
		m.Generation = replica.Generation
		return nil
	})
	if err != nil {
		return err
	}

	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"repository_id":       m.RepositoryID,
		"virtual_storage":     m.VirtualStorage,
		"relative_path":       m.RelativePath,
		"authoritative":       storage,
		"previous_generation": previousGeneration,
		"generation":          m.Generation,
	}).Warn("authoritative storage set")

	if m.Primary != previous {
		pr.primaryChanged(ctx, m, previous, reasonOverride)
	}

	return nil
}

func (pr *PerRepositoryElector) primaryChanged(ctx context.Context, m datastore.RepositoryMetadata, previous, reason string) {
	ctxlogrus.Extract(ctx).WithFields(logrus.Fields{
		"repository_id":    m.RepositoryID,
		"virtual_storage":  m.VirtualStorage,
		"relative_path":    m.RelativePath,
		"current_primary":  m.Primary,
		"previous_primary": previous,
	}).Info("primary node changed")

	if pr.metrics != nil {
		pr.metrics.PrimaryChanges.WithLabelValues(m.VirtualStorage, reason).Inc()
	}
}

// ElectPrimary elects a new primary for the record if its current primary is not a valid primary.
// The candidates are the valid primaries, ordered by highest generation and then by storage name.
// If there are none, the primary is cleared. Returns whether the primary changed.
func ElectPrimary(m *datastore.RepositoryMetadata) bool {
	if current, ok := m.Replica(m.Primary); ok && current.ValidPrimary {
		return false
	}

	var candidates []datastore.Replica
	for _, r := range m.Replicas {
		if r.ValidPrimary {
			candidates = append(candidates, r)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Generation != candidates[j].Generation {
			return candidates[i].Generation > candidates[j].Generation
		}

		return candidates[i].Storage < candidates[j].Storage
	})

	next := ""
	if len(candidates) > 0 {
		next = candidates[0].Storage
	}

	if next == m.Primary {
		return false
	}

	m.Primary = next
	return true
}
