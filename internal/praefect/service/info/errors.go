package info

import (
	"errors"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/helper"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/commonerr"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/datastore"
	"gitlab.com/gitlab-org/gitaly-cluster/internal/praefect/nodes"
)

// statusError maps the errors of the metadata components to gRPC status errors.
func statusError(err error) error {
	var downgrade datastore.DowngradeAttemptedError
	switch {
	case errors.Is(err, commonerr.ErrRepositoryNotFound):
		return helper.ErrNotFound(err)
	case errors.Is(err, commonerr.ErrRepositoryAlreadyExists):
		return helper.ErrAlreadyExists(err)
	case errors.Is(err, commonerr.ErrInvalidArgument),
		errors.Is(err, commonerr.ErrCannotReduceBelowOne),
		errors.Is(err, commonerr.ErrUnknownStorage),
		errors.Is(err, commonerr.ErrStorageUnassigned):
		return helper.ErrInvalidArgument(err)
	case errors.Is(err, commonerr.ErrIdentityMismatch),
		errors.Is(err, commonerr.ErrInsufficientHealthyStorages),
		errors.Is(err, nodes.ErrNoPrimary),
		errors.As(err, &downgrade):
		return helper.ErrFailedPrecondition(err)
	default:
		return helper.ErrInternal(err)
	}
}
