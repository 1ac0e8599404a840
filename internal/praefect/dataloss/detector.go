// Package dataloss finds the repositories of a virtual storage which are at risk of losing data
// because their replicas are unhealthy or out of date.
package dataloss

import (
	"context"
	"errors"
	"fmt"

	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/metrics"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/nodes"
)

// Storage is the state of a repository's replica on a storage.
type Storage struct {
	// Name of the storage.
	Name string
	// BehindBy is the number of generations the replica is missing. Zero for replicas which
	// are current or ahead.
	BehindBy int64
	// Ahead is set when the replica is on a generation the repository has not reached. This
	// happens when an outdated storage was set as authoritative.
	Ahead bool
	// Assigned indicates whether the storage is an assigned host of the repository.
	Assigned bool
	// Healthy indicates whether the storage was last reported healthy.
	Healthy bool
	// ValidPrimary indicates whether the replica is able to act as the primary.
	ValidPrimary bool
}

// Repository is a repository at risk.
type Repository struct {
	RepositoryID int64
	RelativePath string
	// Primary is the current primary. Empty if the repository has none.
	Primary string
	// Unavailable is set when no replica is able to act as the primary.
	Unavailable bool
	// Storages contains the replicas relevant to the risk, sorted by storage name.
	Storages []Storage
}

// Report is the result of a dataloss check.
type Report struct {
	// Repositories contains the repositories at risk sorted by relative path.
	Repositories []Repository
	// Skipped is the number of repositories which could not be read and thus were not checked.
	Skipped int
}

// Detector checks the repositories of a virtual storage for data at risk.
type Detector struct {
	rs      datastore.RepositoryStore
	pool    nodes.StoragePool
	metrics *metrics.ClusterMetrics
}

// NewDetector returns a new Detector.
func NewDetector(rs datastore.RepositoryStore, pool nodes.StoragePool, m *metrics.ClusterMetrics) *Detector {
	return &Detector{rs: rs, pool: pool, metrics: m}
}

// CheckDataloss returns the repositories of the virtual storage which are at risk. A repository is
// at risk if its primary is missing, unhealthy or behind, or if any assigned replica is unhealthy.
// With includePartiallyReplicated, repositories with an assigned replica which is merely behind
// are reported too, and every replica of a reported repository is listed.
//
// The repositories are read one at a time, so the report doesn't reflect a single instant. A
// repository which can't be read is skipped and counted in the report instead of failing the
// whole check.
func (d *Detector) CheckDataloss(ctx context.Context, virtualStorage string, includePartiallyReplicated bool) (Report, error) {
	if _, err := d.pool.Storages(virtualStorage); err != nil {
		return Report{}, err
	}

	ids, err := d.rs.ListRepositories(ctx, virtualStorage)
	if err != nil {
		return Report{}, fmt.Errorf("list repositories: %w", err)
	}

	logger := ctxlogrus.Extract(ctx)

	var report Report
	for _, id := range ids {
		rec, err := d.rs.GetRepositoryMetadata(ctx, id.Query())
		if err != nil {
			if errors.Is(err, commonerr.ErrRepositoryNotFound) {
				continue
			}

			if ctx.Err() != nil {
				return Report{}, ctx.Err()
			}

			logger.WithFields(logrus.Fields{
				logrus.ErrorKey:   err,
				"repository_id":   id.RepositoryID,
				"virtual_storage": virtualStorage,
				"relative_path":   id.RelativePath,
			}).Warn("skipping unreadable repository in dataloss check")

			report.Skipped++
			if d.metrics != nil {
				d.metrics.DatalossSkippedRecords.WithLabelValues(virtualStorage).Inc()
			}

			continue
		}

		if repo, ok := d.check(logger, rec, includePartiallyReplicated); ok {
			report.Repositories = append(report.Repositories, repo)
		}
	}

	return report, nil
}

func (d *Detector) check(logger logrus.FieldLogger, rec datastore.RepositoryMetadata, includePartiallyReplicated bool) (Repository, bool) {
	primary, hasPrimary := rec.Replica(rec.Primary)
	primaryAtRisk := !hasPrimary || !primary.Healthy || !datastore.IsCurrent(rec, primary)

	var unhealthy, behind bool
	for _, r := range rec.Replicas {
		if !r.Assigned {
			continue
		}

		if !r.Healthy {
			unhealthy = true
		}

		if datastore.IsBehind(rec, r) {
			behind = true
		}
	}

	if !primaryAtRisk && !unhealthy && !(includePartiallyReplicated && behind) {
		return Repository{}, false
	}

	unavailable := !datastore.IsAvailable(rec)

	repo := Repository{
		RepositoryID: rec.RepositoryID,
		RelativePath: rec.RelativePath,
		Primary:      rec.Primary,
		Unavailable:  unavailable,
	}

	for _, r := range rec.Replicas {
		listed := includePartiallyReplicated ||
			r.Storage == rec.Primary ||
			(r.Assigned && (!r.Healthy || unavailable))
		if !listed {
			continue
		}

		storage := Storage{
			Name:         r.Storage,
			BehindBy:     rec.Generation - r.Generation,
			Assigned:     r.Assigned,
			Healthy:      r.Healthy,
			ValidPrimary: r.ValidPrimary,
		}

		if storage.BehindBy < 0 {
			logger.WithFields(logrus.Fields{
				"repository_id":      rec.RepositoryID,
				"virtual_storage":    rec.VirtualStorage,
				"relative_path":      rec.RelativePath,
				"storage":            r.Storage,
				"generation":         rec.Generation,
				"replica_generation": r.Generation,
			}).Warn("replica is ahead of the repository")

			if d.metrics != nil {
				d.metrics.InvertedBehindBy.WithLabelValues(rec.VirtualStorage).Inc()
			}

			storage.BehindBy = 0
			storage.Ahead = true
		}

		repo.Storages = append(repo.Storages, storage)
	}

	return repo, true
}
