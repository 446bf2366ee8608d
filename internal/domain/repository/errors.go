package repository

import "errors"

var (
	// ErrObjectNotFound is returned when a raw blob key has no entry.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBucketNotFound is returned when the configured bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrVersionNotFound is returned when a cache identity has no version record.
	ErrVersionNotFound = errors.New("version record not found")

	// ErrLockHeld is returned when a chunk-lock acquisition collides with a
	// concurrent writer for the same cache identity.
	ErrLockHeld = errors.New("chunk lock held by another writer")
)
