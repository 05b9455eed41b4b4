// Package objectstore defines the capability-style client the upload
// engine talks to. Any object store exposing put, multipart, list, and
// delete satisfies the contract; the daemon never assumes a vendor.
package objectstore

import (
	"context"
	"fmt"
	"io"
)

// CompletedPart pairs a part number with the etag returned for it.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Client is the narrow remote store capability consumed by the daemon.
type Client interface {
	PutObject(ctx context.Context, key string, body io.Reader, size int64) (etag string, err error)
	CreateMultipart(ctx context.Context, key string) (uploadID string, err error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int, body io.Reader, size int64) (etag string, err error)
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (etag string, err error)
	AbortMultipart(ctx context.Context, key, uploadID string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// StatusError reports a non-success HTTP status from the remote store. The
// upload engine classifies retryability from the code.
type StatusError struct {
	Op         string
	Key        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: remote store returned status %d", e.Op, e.Key, e.StatusCode)
}

// Temporary reports whether the status indicates a retryable condition.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}
