// Package storage abstracts where finished build artifacts land.
package storage

import "context"

// ArtifactStore defines the interface for artifact destinations.
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}
