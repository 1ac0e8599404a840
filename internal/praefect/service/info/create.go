package info

import (
	"context"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
)

// CreateRepositoryRequest registers a new repository.
type CreateRepositoryRequest struct {
	VirtualStorage string
	RelativePath   string
}

// CreateRepositoryResponse contains the identity and the assigned storages of the new repository.
type CreateRepositoryResponse struct {
	RepositoryID int64
	ReplicaPath  string
	Primary      string
	// Storages are the assigned storages sorted by name.
	Storages []string
}

// CreateRepository registers the repository and assigns it storages according to the virtual
// storage's default replication factor.
func (s *Server) CreateRepository(ctx context.Context, req *CreateRepositoryRequest) (*CreateRepositoryResponse, error) {
	if req.RelativePath == "" {
		return nil, helper.ErrInvalidArgumentf("relative path is missing")
	}

	metadata, err := s.assignmentStore.CreateRepository(ctx, req.VirtualStorage, req.RelativePath)
	if err != nil {
		return nil, statusError(err)
	}

	var storages []string
	for _, replica := range metadata.Replicas {
		if replica.Assigned {
			storages = append(storages, replica.Storage)
		}
	}

	return &CreateRepositoryResponse{
		RepositoryID: metadata.RepositoryID,
		ReplicaPath:  metadata.ReplicaPath,
		Primary:      metadata.Primary,
		Storages:     storages,
	}, nil
}
