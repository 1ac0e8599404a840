package datastore

import (
	"context"
)

// RepositoryStore provides access to repository state. Mutations of a single repository are
// serialized while mutations of different repositories proceed independently. Reads observe a
// whole record either before or after a mutation, never a partially applied one.
type RepositoryStore interface {
	// GetRepositoryMetadata returns the metadata of the repository matched by the query. Returns
	// commonerr.ErrRepositoryNotFound if no repository matches.
	GetRepositoryMetadata(ctx context.Context, q Query) (RepositoryMetadata, error)
	// Upsert performs an atomic read-modify-write of a single repository's metadata.
	//
	// If the identity has a repository ID, the repository must exist, and if the identity also
	// carries a virtual storage and relative path, they must resolve to the same repository,
	// otherwise commonerr.ErrIdentityMismatch is returned. If the identity has no repository ID,
	// the repository is resolved by its path and created when it doesn't exist: the mutate
	// function then receives a record with a freshly allocated repository ID, an unknown
	// generation, no replicas and a zero Revision.
	//
	// If the mutate function fails, nothing is written. If it leaves the record unchanged,
	// nothing is written either and the Revision stays the same. The stored record is returned.
	Upsert(ctx context.Context, id RepositoryIdentity, mutate MutateFunc) (RepositoryMetadata, error)
	// ListRepositories returns the identities of every repository in the virtual storage, ordered
	// by relative path.
	ListRepositories(ctx context.Context, virtualStorage string) ([]RepositoryIdentity, error)
	// AssignmentCounts returns how many repositories of the virtual storage each storage is an
	// assigned host of. Storages with no assignments are omitted.
	AssignmentCounts(ctx context.Context, virtualStorage string) (map[string]int, error)
}

// Lookup is a convenience for resolving a query into the repository's canonical identity.
func Lookup(ctx context.Context, rs RepositoryStore, q Query) (RepositoryIdentity, error) {
	m, err := rs.GetRepositoryMetadata(ctx, q)
	if err != nil {
		return RepositoryIdentity{}, err
	}

	return m.Identity(), nil
}
