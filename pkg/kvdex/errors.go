package kvdex

import (
	"errors"
	"fmt"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
)

var (
	// ErrDuplicateRoot is returned when two collections share or nest a root key.
	ErrDuplicateRoot = errors.New("collection root key is already registered")

	// ErrInvalidIndexSpec is returned for malformed index declarations.
	ErrInvalidIndexSpec = errors.New("invalid index specification")

	// ErrIDCollision rejects an atomic operation that deletes and writes the
	// same document, or stages two documents with the same primary index value.
	ErrIDCollision = errors.New("atomic operation both deletes and writes the same document")

	// ErrCommitRejected is returned when a helper gives up after its commits
	// kept failing their checks.
	ErrCommitRejected = errors.New("commit rejected")

	// ErrDocumentNotFound is returned by updates of absent documents.
	ErrDocumentNotFound = errors.New("document not found")

	// ErrInvalidIndexValue is returned when an indexed field holds a value
	// that cannot be used as a key part.
	ErrInvalidIndexValue = errors.New("invalid index value")

	// ErrSumUnsupported is returned when sum targets a collection that is not
	// a raw, unindexed uint64 collection.
	ErrSumUnsupported = errors.New("sum requires a raw uint64 collection")

	// ErrAlreadyCommitted is returned when an atomic operation is reused.
	ErrAlreadyCommitted = errors.New("atomic operation already committed")

	// ErrInvalidCursor is returned for cursors that cannot be decoded.
	ErrInvalidCursor = errors.New("invalid cursor")

	// ErrCorruptDocument is returned when a serialized document cannot be
	// reassembled from its segments.
	ErrCorruptDocument = errors.New("corrupt serialized document")
)

// ConfigurationError reports a collection that cannot be registered.
type ConfigurationError struct {
	Root   keys.Key
	Reason string
	cause  error
}

func (e *ConfigurationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("kvdex: collection %v: %s: %v", e.Root, e.Reason, e.cause)
	}
	return fmt.Sprintf("kvdex: collection %v: %s", e.Root, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.cause }

func configError(root keys.Key, cause error, format string, args ...any) error {
	return &ConfigurationError{Root: root, Reason: fmt.Sprintf(format, args...), cause: cause}
}
