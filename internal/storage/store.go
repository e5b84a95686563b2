package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrObjectNotFound is returned by ObjectStore.Stat for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	ETag         string    `json:"etag,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// PutOptions carries the metadata written with an object.
type PutOptions struct {
	ContentType  string
	CacheControl string
	PublicRead   bool
}

// ObjectStore is a single bucket of a remote object store. Keys are
// relative to that bucket.
type ObjectStore interface {
	// Bucket returns the name of the bucket the store writes to.
	Bucket() string

	// Put writes size bytes from body under key, replacing any existing
	// object.
	Put(ctx context.Context, key string, body io.Reader, size int64, opts PutOptions) error

	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error

	// Stat returns the metadata of key, or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// List returns up to limit objects whose key starts with prefix. A limit
	// of zero or less means no limit.
	List(ctx context.Context, prefix string, limit int) ([]ObjectInfo, error)

	// PresignGet returns a time limited download URL for key.
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}
