package blobstore

import (
	"context"
	"errors"
)

var ErrObjectNotFound = errors.New("object not found")

// Store holds raw segment bytes. Metadata lives in Postgres; only the video
// content goes through here.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}
