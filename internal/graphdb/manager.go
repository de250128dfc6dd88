package graphdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/graphnode/graphnode/internal/pathsafe"
	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/telemetry"
	"github.com/graphnode/graphnode/internal/types"
)

var (
	// ErrAlreadyExists is returned when creating a graph whose database file
	// is already on disk.
	ErrAlreadyExists = errors.New("database already exists")
	// ErrNotFound is returned for operations on a graph with no database file.
	ErrNotFound = errors.New("database not found")
	// ErrCapacityExceeded is returned when the node is at its database cap.
	ErrCapacityExceeded = errors.New("node capacity exceeded")
)

// StagingCleaner removes a graph's staging artifacts. Satisfied by the
// staging engine; split out so deletion does not import it.
type StagingCleaner interface {
	ForceCleanup(graphID string) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	BasePath     string
	MaxDatabases int
	// StagingPath is the sibling staging area; created (idempotently) with
	// each database so first staging use never races a missing directory.
	StagingPath string
}

// Manager owns graph database lifecycle on one node: creation with schema
// materialization, deletion, inspection, and capacity accounting.
type Manager struct {
	pool    *Pool
	graphs  registry.GraphRegistry
	catalog *Catalog
	staging StagingCleaner
	opts    ManagerOptions
	log     *slog.Logger
}

// NewManager wires a Manager and registers its capacity gauges.
func NewManager(pool *Pool, graphs registry.GraphRegistry, staging StagingCleaner, opts ManagerOptions, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	catalog, err := LoadCatalog()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		pool:    pool,
		graphs:  graphs,
		catalog: catalog,
		staging: staging,
		opts:    opts,
		log:     log,
	}
	if err := m.registerGauges(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) registerGauges() error {
	meter := telemetry.Meter("graphnode/graphdb")
	current, err := meter.Int64ObservableGauge("graphnode.databases.current")
	if err != nil {
		return err
	}
	remaining, err := meter.Int64ObservableGauge("graphnode.databases.capacity_remaining")
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		ids, err := m.ListDatabases()
		if err != nil {
			return err
		}
		o.ObserveInt64(current, int64(len(ids)))
		if m.opts.MaxDatabases > 0 {
			o.ObserveInt64(remaining, int64(m.opts.MaxDatabases-len(ids)))
		}
		return nil
	}, current, remaining)
	return err
}

// CreateDatabase creates a graph database file, materializes its schema, and
// records it in the graph registry. Subgraphs bypass the capacity check.
// The existence check and bootstrap run under the pool's per-graph lock, so
// at most one create or delete is live per graph on this node. A
// partially-created file is removed on any failure; the original error is
// what the caller sees.
func (m *Manager) CreateDatabase(ctx context.Context, req types.CreateDatabaseRequest) (*types.CreateDatabaseResponse, error) {
	start := time.Now()
	if err := pathsafe.ValidateGraphID(req.GraphID); err != nil {
		return nil, err
	}

	if !req.IsSubgraph && m.opts.MaxDatabases > 0 {
		ids, err := m.ListDatabases()
		if err != nil {
			return nil, err
		}
		if len(ids) >= m.opts.MaxDatabases {
			return nil, fmt.Errorf("%w: %d of %d databases in use", ErrCapacityExceeded, len(ids), m.opts.MaxDatabases)
		}
	}

	path, err := pathsafe.GraphPath(m.opts.BasePath, req.GraphID)
	if err != nil {
		return nil, err
	}

	var applied string
	var ddl []string
	err = m.pool.withDatabaseLock(req.GraphID, func(*dbPool) error {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, req.GraphID)
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("checking %s: %w", path, err)
		}
		if err := os.MkdirAll(m.opts.BasePath, 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
		if m.opts.StagingPath != "" {
			if err := os.MkdirAll(m.opts.StagingPath, 0o755); err != nil {
				return fmt.Errorf("creating staging directory: %w", err)
			}
		}

		if err := m.graphs.Put(ctx, &registry.GraphMetadata{
			GraphID: req.GraphID,
			Status:  types.StatusCreating,
		}); err != nil {
			return fmt.Errorf("registering %s: %w", req.GraphID, err)
		}

		applied, ddl, err = m.bootstrap(req)
		if err != nil {
			m.removePartial(path)
			if derr := m.graphs.Delete(ctx, req.GraphID); derr != nil {
				m.log.Warn("failed to deregister after create failure", "graph", req.GraphID, "error", derr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.graphs.AppendSchemaDDL(ctx, req.GraphID, ddl); err != nil {
		m.log.Warn("failed to record schema ddl", "graph", req.GraphID, "error", err)
	}
	if err := m.graphs.SetStatus(ctx, req.GraphID, types.StatusAvailable, ""); err != nil {
		m.log.Warn("failed to mark database available", "graph", req.GraphID, "error", err)
	}

	m.log.Info("created graph database",
		"graph", req.GraphID,
		"schema", applied,
		"duration", time.Since(start))

	return &types.CreateDatabaseResponse{
		Status:          "created",
		GraphID:         req.GraphID,
		DatabasePath:    path,
		SchemaApplied:   applied,
		ExecutionTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}

// bootstrap opens the database once, applies the schema, and closes the
// handle so the pool reopens it on first use. When the requested schema
// fails, the minimal fallback schema is applied so the graph stays usable.
func (m *Manager) bootstrap(req types.CreateDatabaseRequest) (applied string, ddl []string, err error) {
	db, err := m.pool.openDatabase(req.GraphID, false)
	if err != nil {
		return "", nil, err
	}
	defer db.Close()

	conn, err := kuzuOpenConnection(db)
	if err != nil {
		return "", nil, fmt.Errorf("%w: bootstrap connection for %s: %v", ErrConnectionFailure, req.GraphID, err)
	}
	defer conn.Close()

	stmts, applied, err := m.schemaStatements(req)
	if err != nil {
		return "", nil, err
	}

	if err := execAll(conn, stmts); err != nil {
		m.log.Warn("schema application failed, applying fallback",
			"graph", req.GraphID, "schema", applied, "error", err)
		if ferr := execAll(conn, fallbackDDL); ferr != nil {
			return "", nil, fmt.Errorf("applying fallback schema for %s: %w", req.GraphID, ferr)
		}
		return "fallback", fallbackDDL, nil
	}
	return applied, stmts, nil
}

// schemaStatements resolves the DDL for the requested schema type.
func (m *Manager) schemaStatements(req types.CreateDatabaseRequest) ([]string, string, error) {
	switch req.SchemaType {
	case types.SchemaEntity, "":
		nodes, rels := m.catalog.All()
		return CatalogDDL(nodes, rels), string(types.SchemaEntity), nil
	case types.SchemaShared:
		nodes, rels := m.catalog.ForRepository(req.RepositoryName)
		return CatalogDDL(nodes, rels), string(types.SchemaShared), nil
	case types.SchemaCustom:
		stmts := SplitStatements(req.CustomSchemaDDL)
		if len(stmts) == 0 {
			return nil, "", fmt.Errorf("%w: custom schema has no statements", pathsafe.ErrInvalidArgument)
		}
		return stmts, string(types.SchemaCustom), nil
	default:
		return nil, "", fmt.Errorf("%w: unknown schema type %q", pathsafe.ErrInvalidArgument, req.SchemaType)
	}
}

// removePartial deletes a half-created database file and its WAL sibling.
// Never surfaces an error; the creation failure is the one that matters.
func (m *Manager) removePartial(path string) {
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove partial database", "path", path, "error", err)
	}
	if err := os.Remove(path + ".wal"); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to remove partial wal", "path", path, "error", err)
	}
}

// DeleteDatabase closes the graph's pooled connections, removes its files,
// clears its staging artifacts, and deregisters it. The existence check,
// close, and unlink run under the pool's per-graph lock so a delete never
// interleaves with a create or another delete for the same graph.
func (m *Manager) DeleteDatabase(ctx context.Context, graphID string) error {
	if err := pathsafe.ValidateGraphID(graphID); err != nil {
		return err
	}
	path, err := pathsafe.GraphPath(m.opts.BasePath, graphID)
	if err != nil {
		return err
	}

	err = m.pool.withDatabaseLock(graphID, func(dp *dbPool) error {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, graphID)
		} else if err != nil {
			return fmt.Errorf("checking %s: %w", path, err)
		}

		m.pool.closeAllLocked(dp)

		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("removing %s: %w", path, err)
		}
		if err := os.Remove(path + ".wal"); err != nil && !os.IsNotExist(err) {
			m.log.Warn("failed to remove wal", "graph", graphID, "error", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.pool.mu.drop(graphID)

	if m.staging != nil {
		if err := m.staging.ForceCleanup(graphID); err != nil {
			m.log.Warn("failed to clear staging artifacts", "graph", graphID, "error", err)
		}
	}
	if err := m.graphs.Delete(ctx, graphID); err != nil && !errors.Is(err, registry.ErrNotFound) {
		m.log.Warn("failed to deregister", "graph", graphID, "error", err)
	}
	m.log.Info("deleted graph database", "graph", graphID)
	return nil
}

// GetDatabaseInfo reports one database's on-disk and health state.
func (m *Manager) GetDatabaseInfo(ctx context.Context, graphID string) (*types.DatabaseInfo, error) {
	path, err := pathsafe.GraphPath(m.opts.BasePath, graphID)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, graphID)
	} else if err != nil {
		return nil, err
	}

	healthy := m.pool.HealthCheck(ctx, graphID) == nil
	readOnly, lastAccessed := m.pool.State(graphID)
	info := &types.DatabaseInfo{
		GraphID:   graphID,
		Path:      path,
		CreatedAt: st.ModTime(),
		SizeBytes: diskSize(path, st),
		IsHealthy: healthy,
		ReadOnly:  readOnly,
	}
	if !lastAccessed.IsZero() {
		info.LastAccessed = &lastAccessed
	}
	return info, nil
}

// ListDatabases returns the graph IDs with a database file on this node.
func (m *Manager) ListDatabases() ([]string, error) {
	entries, err := os.ReadDir(m.opts.BasePath)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.opts.BasePath, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, pathsafe.GraphExt) {
			ids = append(ids, strings.TrimSuffix(name, pathsafe.GraphExt))
		}
	}
	return ids, nil
}

// Capacity reports the node's database capacity accounting.
func (m *Manager) Capacity() (types.CapacityInfo, error) {
	ids, err := m.ListDatabases()
	if err != nil {
		return types.CapacityInfo{}, err
	}
	info := types.CapacityInfo{
		MaxDatabases:     m.opts.MaxDatabases,
		CurrentDatabases: len(ids),
	}
	if m.opts.MaxDatabases > 0 {
		info.CapacityRemaining = m.opts.MaxDatabases - len(ids)
		info.UtilizationPercent = float64(len(ids)) / float64(m.opts.MaxDatabases) * 100
	}
	return info, nil
}

// GetAllDatabasesInfo aggregates per-database info with capacity.
func (m *Manager) GetAllDatabasesInfo(ctx context.Context) (*types.AllDatabasesInfo, error) {
	ids, err := m.ListDatabases()
	if err != nil {
		return nil, err
	}
	out := &types.AllDatabasesInfo{Databases: make([]types.DatabaseInfo, 0, len(ids))}
	for _, id := range ids {
		info, err := m.GetDatabaseInfo(ctx, id)
		if err != nil {
			m.log.Warn("failed to inspect database", "graph", id, "error", err)
			continue
		}
		out.Databases = append(out.Databases, *info)
	}
	out.Capacity, err = m.Capacity()
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HealthCheckAll probes every database on the node and reports per-graph
// results. A probe failure is recorded, never fatal.
func (m *Manager) HealthCheckAll(ctx context.Context) (map[string]bool, error) {
	ids, err := m.ListDatabases()
	if err != nil {
		return nil, err
	}
	results := make(map[string]bool, len(ids))
	for _, id := range ids {
		err := m.pool.HealthCheck(ctx, id)
		results[id] = err == nil
		if err != nil {
			m.log.Warn("database failed health check", "graph", id, "error", err)
		}
	}
	return results, nil
}

// Pool exposes the manager's connection pool to the query layer.
func (m *Manager) Pool() *Pool { return m.pool }

// diskSize sums a database's bytes; the engine stores either a single file
// or a directory depending on version.
func diskSize(path string, st os.FileInfo) int64 {
	if !st.IsDir() {
		return st.Size()
	}
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}
