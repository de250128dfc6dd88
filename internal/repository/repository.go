// Package repository presents a single graph-access interface over two
// variants: a direct in-process engine and a remote graph-API client.
// Callers never need to know which variant they hold.
package repository

import (
	"context"
	"errors"

	"github.com/graphnode/graphnode/internal/types"
)

// ErrQueryFailed wraps graph query failures surfaced through the facade.
var ErrQueryFailed = errors.New("graph query failed")

// Repository is the graph-access facade.
type Repository interface {
	// ExecuteQuery runs a Cypher statement and buffers the full result.
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (*types.QueryResult, error)
	// ExecuteSingle runs a statement and returns the first row, or nil when
	// the result is empty.
	ExecuteSingle(ctx context.Context, query string, params map[string]any) ([]any, error)
	// ExecuteTransaction runs statements atomically.
	ExecuteTransaction(ctx context.Context, statements []string) error
	// CountNodes counts nodes with the given label; an empty label counts all.
	CountNodes(ctx context.Context, label string) (int64, error)
	// NodeExists reports whether a node with the identifier exists.
	NodeExists(ctx context.Context, label, identifier string) (bool, error)
	// HealthCheck probes the underlying graph.
	HealthCheck(ctx context.Context) error
	// ExecuteQueryStreaming delivers the result in chunks through emit.
	ExecuteQueryStreaming(ctx context.Context, query string, chunkSize int, emit func(types.QueryChunk) error) error
	// Close releases the variant's resources.
	Close() error
}
