package info

import (
	"context"
)

// SetReplicationFactorRequest sets the replication factor of a repository.
type SetReplicationFactorRequest struct {
	VirtualStorage    string
	RelativePath      string
	ReplicationFactor int32
}

// SetReplicationFactorResponse contains the storages assigned after the change.
type SetReplicationFactorResponse struct {
	Storages []string
}

// SetReplicationFactor assigns or unassigns storages of the repository to match the replication
// factor.
func (s *Server) SetReplicationFactor(ctx context.Context, req *SetReplicationFactorRequest) (*SetReplicationFactorResponse, error) {
	storages, err := s.assignmentStore.SetReplicationFactor(ctx, req.VirtualStorage, req.RelativePath, int(req.ReplicationFactor))
	if err != nil {
		return nil, statusError(err)
	}

	return &SetReplicationFactorResponse{Storages: storages}, nil
}
