// Package commonerr contains the errors shared between the Praefect metadata components. They live
// in their own package so the datastore, the elector and the assignment manager can all return
// them without importing each other.
package commonerr

import (
	"errors"
	"fmt"
)

var (
	// ErrRepositoryNotFound is returned when operating on a repository that doesn't exist.
	ErrRepositoryNotFound = errors.New("repository not found")
	// ErrRepositoryAlreadyExists is returned when attempting to create a repository that already exists.
	ErrRepositoryAlreadyExists = errors.New("repository already exists")
	// ErrIdentityMismatch is returned when the repository ID and the virtual storage and relative path
	// of a repository resolve to different records.
	ErrIdentityMismatch = errors.New("repository identity mismatch")
	// ErrUnknownStorage is returned when referencing a storage which has no replica of the repository.
	ErrUnknownStorage = errors.New("unknown storage")
	// ErrStorageUnassigned is returned when referencing a replica which is not an assigned host.
	ErrStorageUnassigned = errors.New("storage is not assigned")
	// ErrCannotReduceBelowOne is returned when attempting to set the replication factor below one.
	ErrCannotReduceBelowOne = errors.New("replication factor must be at least 1")
	// ErrInsufficientHealthyStorages is returned when there are not enough healthy storages to
	// satisfy an increase of the replication factor.
	ErrInsufficientHealthyStorages = errors.New("insufficient healthy storages")
	// ErrInvalidArgument is returned when an identity or a parameter is malformed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// RepositoryNotFoundError is returned when attempting to operate on a repository
// that does not exist in the virtual storage.
type RepositoryNotFoundError struct {
	virtualStorage string
	relativePath   string
}

// NewRepositoryNotFoundError returns a new repository not found error for the given repository.
func NewRepositoryNotFoundError(virtualStorage string, relativePath string) error {
	return RepositoryNotFoundError{virtualStorage: virtualStorage, relativePath: relativePath}
}

// Error returns the error message.
func (err RepositoryNotFoundError) Error() string {
	return fmt.Sprintf("repository %q/%q not found", err.virtualStorage, err.relativePath)
}

// Is allows matching the error against ErrRepositoryNotFound.
func (err RepositoryNotFoundError) Is(target error) bool {
	return target == ErrRepositoryNotFound
}

// IdentityMismatchError describes which identity did not resolve consistently.
type IdentityMismatchError struct {
	VirtualStorage       string
	RelativePath         string
	ExpectedRepositoryID int64
	ActualRepositoryID   int64
}

func (err IdentityMismatchError) Error() string {
	return fmt.Sprintf("repository %q/%q resolves to repository ID %d but %d was expected",
		err.VirtualStorage, err.RelativePath, err.ActualRepositoryID, err.ExpectedRepositoryID,
	)
}

// Is allows matching the error against ErrIdentityMismatch.
func (err IdentityMismatchError) Is(target error) bool {
	return target == ErrIdentityMismatch
}

// StorageError is returned when an operation references a storage that can't be used for it.
// Kind is either ErrUnknownStorage or ErrStorageUnassigned.
type StorageError struct {
	Kind         error
	RepositoryID int64
	Storage      string
}

func (err StorageError) Error() string {
	return fmt.Sprintf("repository %d: %s: %q", err.RepositoryID, err.Kind, err.Storage)
}

// Unwrap returns the kind of the storage error.
func (err StorageError) Unwrap() error { return err.Kind }

// InsufficientStoragesError is returned when a replication factor increase can't be satisfied.
type InsufficientStoragesError struct {
	VirtualStorage string
	Requested      int
	Available      int
}

func (err InsufficientStoragesError) Error() string {
	return fmt.Sprintf("virtual storage %q: %s: %d additional storages required but only %d available",
		err.VirtualStorage, ErrInsufficientHealthyStorages, err.Requested, err.Available,
	)
}

// Unwrap returns ErrInsufficientHealthyStorages.
func (err InsufficientStoragesError) Unwrap() error { return ErrInsufficientHealthyStorages }

// NewInvalidArgumentError formats an error that matches ErrInvalidArgument.
func NewInvalidArgumentError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
