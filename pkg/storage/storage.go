// Package storage provides read-only access to the object store holding
// pipeline definitions and tabular outputs.
package storage

import (
	"context"
	"time"
)

// ObjectMeta contains the metadata used for cheap equality checks before
// downloading file contents.
type ObjectMeta struct {
	ETag         string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the read-only interface the checker needs from
// S3-compatible storage.
type ObjectStore interface {
	// ListFiles returns the keys of objects directly under prefix
	// (non-recursive) whose key has the given suffix.
	ListFiles(ctx context.Context, prefix, suffix string) ([]string, error)

	// HasObjects reports whether at least one object exists under prefix.
	HasObjects(ctx context.Context, prefix string) (bool, error)

	// Head returns metadata for a single object.
	Head(ctx context.Context, key string) (*ObjectMeta, error)

	// Get returns the full contents of a single object.
	Get(ctx context.Context, key string) ([]byte, error)
}

// ensureDirPrefix normalizes a prefix so delimiter-based listing only
// matches direct children.
func ensureDirPrefix(prefix string) string {
	if prefix == "" || prefix[len(prefix)-1] == '/' {
		return prefix
	}

	return prefix + "/"
}
