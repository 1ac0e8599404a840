package datastore

import (
	"sort"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
)

// Query identifies a repository either by its repository ID or by its virtual storage and
// relative path. It is resolved into a RepositoryIdentity by the RepositoryStore before any
// other logic runs. The only implementations are returned by ByRepositoryID and ByPath.
type Query interface {
	isQuery()
}

// RepositoryIDQuery queries a repository by its repository ID.
type RepositoryIDQuery struct {
	RepositoryID int64
}

func (RepositoryIDQuery) isQuery() {}

// PathQuery queries a repository by its virtual storage and relative path.
type PathQuery struct {
	VirtualStorage string
	RelativePath   string
}

func (PathQuery) isQuery() {}

// ByRepositoryID returns a Query resolving the repository with the given ID.
func ByRepositoryID(repositoryID int64) Query {
	return RepositoryIDQuery{RepositoryID: repositoryID}
}

// ByPath returns a Query resolving the repository at the given virtual storage and relative path.
func ByPath(virtualStorage, relativePath string) Query {
	return PathQuery{VirtualStorage: virtualStorage, RelativePath: relativePath}
}

// RepositoryIdentity is the canonical identity of a repository. A zero RepositoryID means the
// identity was not yet resolved, in which case mutations may create the repository.
type RepositoryIdentity struct {
	RepositoryID   int64
	VirtualStorage string
	RelativePath   string
}

// Query returns a query that resolves the identity. The repository ID is preferred if known.
func (id RepositoryIdentity) Query() Query {
	if id.RepositoryID != 0 {
		return ByRepositoryID(id.RepositoryID)
	}

	return ByPath(id.VirtualStorage, id.RelativePath)
}

func (id RepositoryIdentity) validate() error {
	if id.RepositoryID < 0 {
		return commonerr.NewInvalidArgumentError("repository ID %d is negative", id.RepositoryID)
	}

	if id.RepositoryID != 0 && id.VirtualStorage == "" && id.RelativePath == "" {
		return nil
	}

	if id.VirtualStorage == "" {
		return commonerr.NewInvalidArgumentError("virtual storage is empty")
	}

	if id.RelativePath == "" {
		return commonerr.NewInvalidArgumentError("relative path is empty")
	}

	return nil
}

func validateQuery(q Query) error {
	switch q := q.(type) {
	case RepositoryIDQuery:
		if q.RepositoryID <= 0 {
			return commonerr.NewInvalidArgumentError("invalid repository ID %d", q.RepositoryID)
		}
	case PathQuery:
		return RepositoryIdentity{VirtualStorage: q.VirtualStorage, RelativePath: q.RelativePath}.validate()
	default:
		return commonerr.NewInvalidArgumentError("unknown query type %T", q)
	}

	return nil
}

// Replica is the state of a repository's copy on a single storage.
type Replica struct {
	// Storage is the name of the storage the replica is on.
	Storage string
	// Assigned indicates whether the storage is an assigned host of the repository.
	Assigned bool
	// Generation is the latest generation the storage is known to have fully replicated.
	// GenerationUnknown if the storage has never received a copy.
	Generation int64
	// Healthy is the latest liveness reported for the storage.
	Healthy bool
	// ValidPrimary is derived and can't be set: it is true iff the replica is assigned,
	// healthy and on the repository's generation.
	ValidPrimary bool
}

// RepositoryMetadata is the replication state of a single repository.
type RepositoryMetadata struct {
	// RepositoryID is the immutable ID assigned at creation.
	RepositoryID int64
	// VirtualStorage is the virtual storage of the repository.
	VirtualStorage string
	// RelativePath is the relative path of the repository in the virtual storage.
	RelativePath string
	// ReplicaPath is the path of the repository on the physical storages.
	ReplicaPath string
	// Primary is the current primary storage of the repository. Empty if there is none.
	Primary string
	// Generation is the repository's latest generation. GenerationUnknown if never written.
	Generation int64
	// Replicas contains an entry for every storage that was ever assigned or observed to hold
	// the repository, sorted by storage name.
	Replicas []Replica
	// Revision is incremented by the store every time a changed record is persisted.
	Revision int64
}

// Identity returns the canonical identity of the repository.
func (m RepositoryMetadata) Identity() RepositoryIdentity {
	return RepositoryIdentity{
		RepositoryID:   m.RepositoryID,
		VirtualStorage: m.VirtualStorage,
		RelativePath:   m.RelativePath,
	}
}

// Clone returns a deep copy of the metadata.
func (m RepositoryMetadata) Clone() RepositoryMetadata {
	clone := m
	if m.Replicas != nil {
		clone.Replicas = make([]Replica, len(m.Replicas))
		copy(clone.Replicas, m.Replicas)
	}

	return clone
}

// AssignedStorages returns the names of the assigned storages sorted by name.
func (m RepositoryMetadata) AssignedStorages() []string {
	var assigned []string
	for _, r := range m.Replicas {
		if r.Assigned {
			assigned = append(assigned, r.Storage)
		}
	}

	return assigned
}

func (m RepositoryMetadata) equal(other RepositoryMetadata) bool {
	if m.RepositoryID != other.RepositoryID ||
		m.VirtualStorage != other.VirtualStorage ||
		m.RelativePath != other.RelativePath ||
		m.ReplicaPath != other.ReplicaPath ||
		m.Primary != other.Primary ||
		m.Generation != other.Generation ||
		len(m.Replicas) != len(other.Replicas) {
		return false
	}

	for i := range m.Replicas {
		if m.Replicas[i] != other.Replicas[i] {
			return false
		}
	}

	return true
}

// normalize sorts the replicas and recomputes the derived fields. The stores call it after every
// mutation and on every read so the derived fields never drift from their inputs.
func (m *RepositoryMetadata) normalize() {
	sort.Slice(m.Replicas, func(i, j int) bool { return m.Replicas[i].Storage < m.Replicas[j].Storage })
	for i := range m.Replicas {
		m.Replicas[i].ValidPrimary = isValidPrimary(*m, m.Replicas[i])
	}
}

func isValidPrimary(m RepositoryMetadata, r Replica) bool {
	return r.Assigned && r.Healthy && IsCurrent(m, r)
}

// MutateFunc mutates a repository's metadata inside RepositoryStore.Upsert. Returning an error
// aborts the mutation and leaves the stored record intact.
type MutateFunc func(*RepositoryMetadata) error
