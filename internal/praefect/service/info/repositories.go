package info

import (
	"context"
	"fmt"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"golang.org/x/sync/errgroup"
)

// RepositoryReplicasRequest identifies the repository whose replicas are verified.
type RepositoryReplicasRequest struct {
	VirtualStorage string
	RelativePath   string
}

// RepositoryDetails describes a replica and the checksum of its contents.
type RepositoryDetails struct {
	Storage      string
	RelativePath string
	Generation   int64
	Checksum     string
}

// RepositoryReplicasResponse contains the details of the primary and of the other assigned replicas.
type RepositoryReplicasResponse struct {
	Primary  RepositoryDetails
	Replicas []RepositoryDetails
}

// RepositoryReplicas returns the checksum of the primary as well as the checksums of the other
// assigned replicas.
func (s *Server) RepositoryReplicas(ctx context.Context, req *RepositoryReplicasRequest) (*RepositoryReplicasResponse, error) {
	metadata, err := s.rs.GetRepositoryMetadata(ctx, datastore.ByPath(req.VirtualStorage, req.RelativePath))
	if err != nil {
		return nil, statusError(err)
	}

	primary, err := s.elector.GetPrimary(ctx, datastore.ByRepositoryID(metadata.RepositoryID))
	if err != nil {
		return nil, statusError(fmt.Errorf("get primary: %w", err))
	}

	assignments, err := s.assignmentStore.GetHostAssignments(ctx, req.VirtualStorage, metadata.RepositoryID)
	if err != nil {
		return nil, statusError(fmt.Errorf("get host assignments: %w", err))
	}

	secondaries := make([]string, 0, len(assignments))
	primaryIsAssigned := false
	for _, assignment := range assignments {
		if primary == assignment {
			primaryIsAssigned = true
			continue
		}

		secondaries = append(secondaries, assignment)
	}

	if !primaryIsAssigned {
		return nil, helper.ErrInternalf("primary %q is not an assigned host", primary)
	}

	var resp RepositoryReplicasResponse
	if resp.Primary, err = s.getRepositoryDetails(ctx, metadata, primary); err != nil {
		return nil, helper.ErrInternal(err)
	}

	resp.Replicas = make([]RepositoryDetails, len(secondaries))

	g, ctx := errgroup.WithContext(ctx)
	for i, storage := range secondaries {
		i := i             // rescoping
		storage := storage // rescoping
		g.Go(func() error {
			var err error
			resp.Replicas[i], err = s.getRepositoryDetails(ctx, metadata, storage)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, helper.ErrInternal(err)
	}

	return &resp, nil
}

// checksumKey identifies the contents of a replica. A replica's contents only change when its
// generation does, so the checksum of a key never changes.
type checksumKey struct {
	storage     string
	replicaPath string
	generation  int64
}

func (s *Server) getRepositoryDetails(ctx context.Context, metadata datastore.RepositoryMetadata, storage string) (RepositoryDetails, error) {
	generation := int64(datastore.GenerationUnknown)
	if replica, ok := metadata.Replica(storage); ok {
		generation = replica.Generation
	}

	details := RepositoryDetails{
		Storage:      storage,
		RelativePath: metadata.RelativePath,
		Generation:   generation,
	}

	key := checksumKey{storage: storage, replicaPath: metadata.ReplicaPath, generation: generation}
	cacheable := s.checksums != nil && generation != datastore.GenerationUnknown
	if cacheable {
		if checksum, ok := s.checksums.Get(key); ok {
			details.Checksum = checksum.(string)
			return details, nil
		}
	}

	checksum, err := s.verifier.CalculateChecksum(ctx, storage, metadata.ReplicaPath)
	if err != nil {
		return RepositoryDetails{}, fmt.Errorf("calculate checksum on %q: %w", storage, err)
	}

	if cacheable {
		s.checksums.Add(key, checksum)
	}

	details.Checksum = checksum
	return details, nil
}
