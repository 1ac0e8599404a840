package helper

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestError(t *testing.T) {
	errorMessage := "sentinel error"
	input := errors.New(errorMessage)
	inputGRPCCode := codes.Unauthenticated
	inputGRPC := status.Error(inputGRPCCode, errorMessage)

	for _, tc := range []struct {
		desc   string
		errorf func(err error) error
		code   codes.Code
	}{
		{
			desc:   "Internal",
			errorf: ErrInternal,
			code:   codes.Internal,
		},
		{
			desc:   "InvalidArgument",
			errorf: ErrInvalidArgument,
			code:   codes.InvalidArgument,
		},
		{
			desc:   "FailedPrecondition",
			errorf: ErrFailedPrecondition,
			code:   codes.FailedPrecondition,
		},
		{
			desc:   "NotFound",
			errorf: ErrNotFound,
			code:   codes.NotFound,
		},
		{
			desc:   "AlreadyExists",
			errorf: ErrAlreadyExists,
			code:   codes.AlreadyExists,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.errorf(input)
			require.EqualError(t, err, errorMessage)
			require.True(t, errors.Is(err, input))
			require.Equal(t, tc.code, GrpcCode(err))

			// an existing code is preserved
			err = tc.errorf(inputGRPC)
			require.True(t, errors.Is(err, inputGRPC))
			require.Equal(t, inputGRPCCode, GrpcCode(err))
		})
	}
}

func TestErrorf(t *testing.T) {
	errorMessage := "sentinel error"
	input := errors.New(errorMessage)
	inputGRPC := status.Error(codes.Unauthenticated, errorMessage)

	for _, tc := range []struct {
		desc   string
		errorf func(format string, a ...interface{}) error
		code   codes.Code
	}{
		{
			desc:   "Internalf",
			errorf: ErrInternalf,
			code:   codes.Internal,
		},
		{
			desc:   "InvalidArgumentf",
			errorf: ErrInvalidArgumentf,
			code:   codes.InvalidArgument,
		},
		{
			desc:   "FailedPreconditionf",
			errorf: ErrFailedPreconditionf,
			code:   codes.FailedPrecondition,
		},
		{
			desc:   "NotFoundf",
			errorf: ErrNotFoundf,
			code:   codes.NotFound,
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.errorf("expected %w", input)
			require.EqualError(t, err, fmt.Sprintf("expected %s", errorMessage))
			require.True(t, errors.Is(err, input))
			require.Equal(t, tc.code, GrpcCode(err))

			err = tc.errorf("expected %v", inputGRPC)
			require.False(t, errors.Is(err, inputGRPC))
			require.Equal(t, tc.code, GrpcCode(err))

			err = tc.errorf("expected %w", inputGRPC)
			require.True(t, errors.Is(err, inputGRPC))
			require.Equal(t, codes.Unauthenticated, GrpcCode(err))
		})
	}
}

func TestGrpcCode(t *testing.T) {
	require.Equal(t, codes.OK, GrpcCode(nil))
	require.Equal(t, codes.Unknown, GrpcCode(errors.New("plain")))
	require.Equal(t, codes.NotFound, GrpcCode(status.Error(codes.NotFound, "missing")))
}
