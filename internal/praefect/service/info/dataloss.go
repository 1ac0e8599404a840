package info

import (
	"context"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/dataloss"
)

// DatalossCheckRequest checks a virtual storage for repositories at risk.
type DatalossCheckRequest struct {
	VirtualStorage             string
	IncludePartiallyReplicated bool
}

// DatalossCheckResponse lists the repositories at risk.
type DatalossCheckResponse struct {
	Repositories []dataloss.Repository
	// SkippedRepositories is the number of repositories which could not be checked.
	SkippedRepositories int
}

//nolint: revive,stylecheck // This is unintentionally missing documentation.
func (s *Server) DatalossCheck(ctx context.Context, req *DatalossCheckRequest) (*DatalossCheckResponse, error) {
	report, err := s.datalossChecker.CheckDataloss(ctx, req.VirtualStorage, req.IncludePartiallyReplicated)
	if err != nil {
		return nil, statusError(err)
	}

	return &DatalossCheckResponse{
		Repositories:        report.Repositories,
		SkippedRepositories: report.Skipped,
	}, nil
}
