package info

import (
	"context"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
)

// GetRepositoryMetadataRequest queries a repository either by its ID or by its path.
type GetRepositoryMetadataRequest struct {
	// Query is either datastore.ByRepositoryID or datastore.ByPath.
	Query datastore.Query
}

// GetRepositoryMetadataResponse contains the cluster metadata of a repository.
type GetRepositoryMetadataResponse struct {
	RepositoryID   int64
	VirtualStorage string
	RelativePath   string
	ReplicaPath    string
	Primary        string
	Generation     int64
	Replicas       []ReplicaMetadata
}

// ReplicaMetadata is the state of a replica.
type ReplicaMetadata struct {
	Storage      string
	Assigned     bool
	Generation   int64
	Healthy      bool
	ValidPrimary bool
}

// GetRepositoryMetadata returns the cluster metadata for a repository.
func (s *Server) GetRepositoryMetadata(ctx context.Context, req *GetRepositoryMetadataRequest) (*GetRepositoryMetadataResponse, error) {
	if req.Query == nil {
		return nil, helper.ErrInvalidArgumentf("query is missing")
	}

	metadata, err := s.rs.GetRepositoryMetadata(ctx, req.Query)
	if err != nil {
		return nil, statusError(err)
	}

	replicas := make([]ReplicaMetadata, 0, len(metadata.Replicas))
	for _, replica := range metadata.Replicas {
		replicas = append(replicas, ReplicaMetadata{
			Storage:      replica.Storage,
			Assigned:     replica.Assigned,
			Generation:   replica.Generation,
			Healthy:      replica.Healthy,
			ValidPrimary: replica.ValidPrimary,
		})
	}

	return &GetRepositoryMetadataResponse{
		RepositoryID:   metadata.RepositoryID,
		VirtualStorage: metadata.VirtualStorage,
		RelativePath:   metadata.RelativePath,
		ReplicaPath:    metadata.ReplicaPath,
		Primary:        metadata.Primary,
		Generation:     metadata.Generation,
		Replicas:       replicas,
	}, nil
}
