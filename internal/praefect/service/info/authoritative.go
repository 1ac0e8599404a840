package info

import (
	"context"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
)

// SetAuthoritativeStorageRequest names the storage whose replica becomes the latest state of the
// repository.
type SetAuthoritativeStorageRequest struct {
	VirtualStorage       string
	RelativePath         string
	AuthoritativeStorage string
}

// SetAuthoritativeStorageResponse is returned on success.
type SetAuthoritativeStorageResponse struct{}

// SetAuthoritativeStorage makes the storage the primary of the repository and accepts its copy as
// the latest state, even if it was behind.
func (s *Server) SetAuthoritativeStorage(ctx context.Context, req *SetAuthoritativeStorageRequest) (*SetAuthoritativeStorageResponse, error) {
	if req.AuthoritativeStorage == "" {
		return nil, helper.ErrInvalidArgumentf("authoritative storage is empty")
	}

	if err := s.elector.SetAuthoritativeStorage(ctx, req.VirtualStorage, req.RelativePath, req.AuthoritativeStorage); err != nil {
		return nil, statusError(err)
	}

	return &SetAuthoritativeStorageResponse{}, nil
}
