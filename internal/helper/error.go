package helper

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type statusWrapper struct {
	error
	status *status.Status
}

func (sw statusWrapper) GRPCStatus() *status.Status {
	return sw.status
}

func (sw statusWrapper) Unwrap() error {
	return sw.error
}

// grpcStatuser is implemented by errors which carry a gRPC status.
type grpcStatuser interface {
	GRPCStatus() *status.Status
}

// ErrInternal wraps err with codes.Internal, unless err is already a gRPC error.
func ErrInternal(err error) error { return wrapError(codes.Internal, err) }

// ErrInvalidArgument wraps err with codes.InvalidArgument, unless err is already a gRPC error.
func ErrInvalidArgument(err error) error { return wrapError(codes.InvalidArgument, err) }

// ErrFailedPrecondition wraps err with codes.FailedPrecondition, unless err is already a gRPC error.
func ErrFailedPrecondition(err error) error { return wrapError(codes.FailedPrecondition, err) }

// ErrNotFound wraps err with codes.NotFound, unless err is already a gRPC error.
func ErrNotFound(err error) error { return wrapError(codes.NotFound, err) }

// ErrAlreadyExists wraps err with codes.AlreadyExists, unless err is already a gRPC error.
func ErrAlreadyExists(err error) error { return wrapError(codes.AlreadyExists, err) }

// ErrInternalf wraps a formatted error with codes.Internal, unless a gRPC error is wrapped with %w.
func ErrInternalf(format string, a ...interface{}) error {
	return wrapError(codes.Internal, fmt.Errorf(format, a...))
}

// ErrInvalidArgumentf wraps a formatted error with codes.InvalidArgument, unless a gRPC error is
// wrapped with %w.
func ErrInvalidArgumentf(format string, a ...interface{}) error {
	return wrapError(codes.InvalidArgument, fmt.Errorf(format, a...))
}

// ErrFailedPreconditionf wraps a formatted error with codes.FailedPrecondition, unless a gRPC error
// is wrapped with %w.
func ErrFailedPreconditionf(format string, a ...interface{}) error {
	return wrapError(codes.FailedPrecondition, fmt.Errorf(format, a...))
}

// ErrNotFoundf wraps a formatted error with codes.NotFound, unless a gRPC error is wrapped with %w.
func ErrNotFoundf(format string, a ...interface{}) error {
	return wrapError(codes.NotFound, fmt.Errorf(format, a...))
}

// wrapError attaches the code to the error. The error stays in the chain so errors.Is and
// errors.As keep working on the result. A code already present in the chain takes precedence.
func wrapError(code codes.Code, err error) error {
	var existing grpcStatuser
	if errors.As(err, &existing) {
		code = existing.GRPCStatus().Code()
	}

	return statusWrapper{err, status.New(code, err.Error())}
}

// GrpcCode emulates the old grpc.Code function: it translates errors into codes.Code values.
func GrpcCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}

	st, ok := status.FromError(err)
	if !ok {
		return codes.Unknown
	}

	return st.Code()
}
