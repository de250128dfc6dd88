// Package registry defines the external registry contracts the engine
// consumes: graph lifecycle metadata, the completed-file registry behind
// staging tables, and the compute/volume registries the infrastructure
// monitor reconciles.
//
// The engine depends only on these interfaces; the sqlite-backed Store in
// this package is the node-local implementation used in development and
// tests, and a remote implementation can replace it without touching the
// engine.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/graphnode/graphnode/internal/types"
)

// ErrNotFound is returned when a registry entry does not exist.
var ErrNotFound = errors.New("registry entry not found")

// GraphMetadata is the lifecycle record for one graph database.
type GraphMetadata struct {
	GraphID             string
	UserID              string
	Status              types.DatabaseStatus
	SchemaDDL           []string // persisted DDL, replayed on rebuild
	LastBackup          string   // object-storage key of the latest backup
	RebuildError        string
	LastRebuildDuration time.Duration
	InstanceID          string // compute instance hosting the graph
	UpdatedAt           time.Time
}

// GraphRegistry tracks graph lifecycle state and persisted schema DDL.
type GraphRegistry interface {
	Get(ctx context.Context, graphID string) (*GraphMetadata, error)
	Put(ctx context.Context, meta *GraphMetadata) error
	SetStatus(ctx context.Context, graphID string, status types.DatabaseStatus, detail string) error
	RecordRebuild(ctx context.Context, graphID string, duration time.Duration, rebuildErr string) error
	AppendSchemaDDL(ctx context.Context, graphID string, ddl []string) error
	Delete(ctx context.Context, graphID string) error
	List(ctx context.Context) ([]*GraphMetadata, error)
}

// CompletedFile is one ingested parquet object registered for a staging
// table.
type CompletedFile struct {
	ID          string
	GraphID     string
	TableName   string
	Path        string // full object path, s3://bucket/user/graph/table/...
	CompletedAt time.Time
}

// FileRegistry tracks the completed parquet objects behind each staging
// table. Refresh recreates views over this set; rebuild re-registers each
// table from its reconstructed glob.
type FileRegistry interface {
	Register(ctx context.Context, file CompletedFile) error
	CompletedFiles(ctx context.Context, graphID, tableName string) ([]CompletedFile, error)
	Tables(ctx context.Context, graphID string) ([]string, error)
	DeleteTable(ctx context.Context, graphID, tableName string) error
}

// GlobPattern reconstructs the object-storage glob for a staging table's
// upload prefix.
func GlobPattern(bucket, userID, graphID, tableName string) string {
	return fmt.Sprintf("s3://%s/%s/%s/%s/**/*.parquet", bucket, userID, graphID, tableName)
}

// Compute entry statuses.
const (
	ComputeHealthy   = "healthy"
	ComputeUnhealthy = "unhealthy"
)

// ComputeEntry is one registered compute instance.
type ComputeEntry struct {
	InstanceID    string
	Status        string
	Tier          string
	CapacityUsed  int
	CapacityTotal int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ComputeRegistry is the external registry of compute instances.
type ComputeRegistry interface {
	List(ctx context.Context, offset, limit int) ([]ComputeEntry, error)
	Update(ctx context.Context, entry ComputeEntry) error
	Remove(ctx context.Context, instanceID string) error
	Exists(ctx context.Context, instanceID string) (bool, error)
}

// Volume statuses and attachment states.
const (
	VolumeAvailable  = "available"
	VolumeAttached   = "attached"
	VolumeAttaching  = "attaching"
	VolumeFailed     = "failed"
	VolumeUnattached = "unattached"
)

// VolumeEntry is one registered storage volume.
type VolumeEntry struct {
	VolumeID        string
	InstanceID      string
	Status          string
	AttachmentState string
	Datasets        []string // recorded dataset list, preserved across detach
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// VolumeRegistry is the external registry of storage volumes.
type VolumeRegistry interface {
	List(ctx context.Context) ([]VolumeEntry, error)
	ListByInstance(ctx context.Context, instanceID string) ([]VolumeEntry, error)
	Update(ctx context.Context, entry VolumeEntry) error
	Remove(ctx context.Context, volumeID string) error
}
