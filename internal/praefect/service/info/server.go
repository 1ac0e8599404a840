// Package info exposes the replication metadata operations to the transport layer. Each operation
// validates its request, calls into the metadata components and maps their errors to gRPC status
// codes.
package info

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/assignment"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/config"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/dataloss"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/metrics"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/nodes"
)

// AssignmentStore is an interface for getting and setting repository host node assignments.
type AssignmentStore interface {
	// GetHostAssignments returns the names of the storages assigned to host the repository.
	GetHostAssignments(ctx context.Context, virtualStorage string, repositoryID int64) ([]string, error)
	// SetReplicationFactor sets a repository's replication factor and returns the current assignments.
	SetReplicationFactor(ctx context.Context, virtualStorage, relativePath string, replicationFactor int) ([]string, error)
	// CreateRepository registers a repository and assigns it its host storages.
	CreateRepository(ctx context.Context, virtualStorage, relativePath string) (datastore.RepositoryMetadata, error)
}

// Elector resolves and overrides the primaries of repositories.
type Elector interface {
	// GetPrimary returns the primary storage of the repository.
	GetPrimary(ctx context.Context, q datastore.Query) (string, error)
	// SetAuthoritativeStorage forces the storage to become the repository's primary.
	SetAuthoritativeStorage(ctx context.Context, virtualStorage, relativePath, storage string) error
}

// DatalossChecker finds repositories at risk of data loss.
type DatalossChecker interface {
	CheckDataloss(ctx context.Context, virtualStorage string, includePartiallyReplicated bool) (dataloss.Report, error)
}

// ChecksumVerifier computes the checksum of a replica. It's implemented by the verification
// collaborator which has access to the physical storages.
type ChecksumVerifier interface {
	CalculateChecksum(ctx context.Context, storage, replicaPath string) (string, error)
}

// Server serves the replication metadata operations.
type Server struct {
	rs              datastore.RepositoryStore
	elector         Elector
	assignmentStore AssignmentStore
	datalossChecker DatalossChecker
	verifier        ChecksumVerifier
	checksums       *lru.Cache
}

// NewServer creates a new Server. Up to checksumCacheSize replica checksums are cached; a size of
// zero disables the cache.
func NewServer(
	rs datastore.RepositoryStore,
	elector Elector,
	assignmentStore AssignmentStore,
	datalossChecker DatalossChecker,
	verifier ChecksumVerifier,
	checksumCacheSize int,
) (*Server, error) {
	var checksums *lru.Cache
	if checksumCacheSize > 0 {
		var err error
		if checksums, err = lru.New(checksumCacheSize); err != nil {
			return nil, fmt.Errorf("checksum cache: %w", err)
		}
	}

	return &Server{
		rs:              rs,
		elector:         elector,
		assignmentStore: assignmentStore,
		datalossChecker: datalossChecker,
		verifier:        verifier,
		checksums:       checksums,
	}, nil
}

// NewServerFromConfig creates a Server backed by an assignment.Manager and a dataloss.Detector.
// The default replication factors of the virtual storages and the checksum cache size are taken
// from the configuration.
func NewServerFromConfig(
	conf config.Config,
	rs datastore.RepositoryStore,
	pool nodes.StoragePool,
	elector Elector,
	m *metrics.ClusterMetrics,
	verifier ChecksumVerifier,
) (*Server, error) {
	return NewServer(
		rs,
		elector,
		assignment.NewManager(rs, pool, conf.DefaultReplicationFactors(), m),
		dataloss.NewDetector(rs, pool, m),
		verifier,
		conf.Replicas.ChecksumCacheSize,
	)
}
