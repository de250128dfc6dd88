// Package types holds value types shared across the engine packages.
package types

import "time"

// SchemaType selects how a new graph database is schematized.
type SchemaType string

const (
	// SchemaEntity applies the full in-process schema catalog.
	SchemaEntity SchemaType = "entity"
	// SchemaShared restricts the catalog to a named repository's extension set.
	SchemaShared SchemaType = "shared"
	// SchemaCustom executes caller-supplied DDL statements.
	SchemaCustom SchemaType = "custom"
)

// DatabaseStatus is the lifecycle state recorded in the graph registry.
type DatabaseStatus string

const (
	StatusCreating      DatabaseStatus = "creating"
	StatusAvailable     DatabaseStatus = "available"
	StatusRebuilding    DatabaseStatus = "rebuilding"
	StatusRebuildFailed DatabaseStatus = "rebuild_failed"
)

// CreateDatabaseRequest is the input to graph database creation.
type CreateDatabaseRequest struct {
	GraphID         string     `json:"graph_id"`
	SchemaType      SchemaType `json:"schema_type"`
	RepositoryName  string     `json:"repository_name,omitempty"`
	CustomSchemaDDL string     `json:"custom_schema_ddl,omitempty"`
	IsSubgraph      bool       `json:"is_subgraph,omitempty"`
	ReadOnly        bool       `json:"read_only,omitempty"`
}

// CreateDatabaseResponse reports the outcome of a creation.
type CreateDatabaseResponse struct {
	Status          string  `json:"status"`
	GraphID         string  `json:"graph_id"`
	DatabasePath    string  `json:"database_path"`
	SchemaApplied   string  `json:"schema_applied"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// DatabaseInfo describes one graph database on this node.
type DatabaseInfo struct {
	GraphID      string     `json:"graph_id"`
	Path         string     `json:"path"`
	CreatedAt    time.Time  `json:"created_at"`
	SizeBytes    int64      `json:"size_bytes"`
	ReadOnly     bool       `json:"read_only"`
	IsHealthy    bool       `json:"is_healthy"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
}

// CapacityInfo aggregates node-level capacity accounting.
type CapacityInfo struct {
	MaxDatabases       int     `json:"max_databases"`
	CurrentDatabases   int     `json:"current_databases"`
	CapacityRemaining  int     `json:"capacity_remaining"`
	UtilizationPercent float64 `json:"utilization_percent"`
}

// AllDatabasesInfo is the aggregate inspection payload.
type AllDatabasesInfo struct {
	Databases []DatabaseInfo `json:"databases"`
	Capacity  CapacityInfo   `json:"capacity"`
}

// TableSource names the input for a staging table: either a single
// object-storage glob pattern or an explicit list of object paths.
type TableSource struct {
	Pattern string   `json:"pattern,omitempty"`
	Files   []string `json:"files,omitempty"`
}

// IsList reports whether the source is an explicit file list.
func (s TableSource) IsList() bool { return len(s.Files) > 0 }

// Sample returns one representative path for schema probing.
func (s TableSource) Sample() string {
	if s.IsList() {
		return s.Files[0]
	}
	return s.Pattern
}

// TableKind is the node/edge classification of a staging table.
type TableKind string

const (
	TableNode        TableKind = "node"
	TableEdge        TableKind = "edge"
	TablePassthrough TableKind = "passthrough"
)

// CreateTableResponse reports a staging table materialization.
type CreateTableResponse struct {
	Status          string    `json:"status"`
	TableName       string    `json:"table_name"`
	Kind            TableKind `json:"kind"`
	RowCount        int64     `json:"row_count"`
	ExecutionTimeMS float64   `json:"execution_time_ms"`
}

// QueryResult is a fully-buffered staging query result.
type QueryResult struct {
	Columns         []string `json:"columns"`
	Rows            [][]any  `json:"rows"`
	RowCount        int      `json:"row_count"`
	ExecutionTimeMS float64  `json:"execution_time_ms"`
}

// QueryChunk is one element of a streaming query result. The column list is
// carried on the first chunk only. A failed stream ends with a single chunk
// whose Error is non-empty and IsLastChunk true.
type QueryChunk struct {
	Columns         []string `json:"columns,omitempty"`
	Rows            [][]any  `json:"rows,omitempty"`
	ChunkIndex      int      `json:"chunk_index"`
	IsLastChunk     bool     `json:"is_last_chunk"`
	RowCount        int      `json:"row_count"`
	TotalRowsSent   int64    `json:"total_rows_sent"`
	ExecutionTimeMS float64  `json:"execution_time_ms"`
	Error           string   `json:"error,omitempty"`
	ErrorType       string   `json:"error_type,omitempty"`
}

// IngestOptions controls a COPY from staging into the graph store.
type IngestOptions struct {
	IgnoreErrors bool     `json:"ignore_errors,omitempty"`
	Rebuild      bool     `json:"rebuild,omitempty"`
	FileIDs      []string `json:"file_ids,omitempty"`
}

// IngestResult reports an ingestion outcome. Skipped is set when the staging
// table does not exist yet (nothing uploaded), which is not an error.
type IngestResult struct {
	Status          string  `json:"status"`
	RowsIngested    int64   `json:"rows_ingested"`
	Skipped         bool    `json:"skipped,omitempty"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
}

// Tier is a named capacity class for databases on a node.
type Tier struct {
	Name            string `json:"name"`
	MemoryMB        int64  `json:"memory_mb"`
	MaxDatabases    int    `json:"max_databases"`
	BufferPoolBytes uint64 `json:"buffer_pool_bytes"`
	ChunkSize       int    `json:"chunk_size"`
}
