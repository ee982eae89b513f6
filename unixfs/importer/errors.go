package importer

import "errors"

var (
	// ErrMissingContent is returned when a file is added without content.
	ErrMissingContent = errors.New("content is required")

	// ErrMissingPath is returned when an entry that must be placed in a
	// directory has no path.
	ErrMissingPath = errors.New("path is required")

	// ErrDuplicateName is returned by strict directory inserts when the name
	// is taken.
	ErrDuplicateName = errors.New("directory already has an entry with this name")

	// ErrInvalidName is returned for entry names that are empty, contain a
	// slash or are a dot segment.
	ErrInvalidName = errors.New("invalid directory entry name")

	// ErrSizeLimitExceeded signals that a block is larger than
	// chunk.BlockSizeLimit.
	ErrSizeLimitExceeded = errors.New("object size limit exceeded")
)
