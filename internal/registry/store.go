package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// SQLite driver (WASM build, no CGO).
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/graphnode/graphnode/internal/types"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS graphs (
    graph_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'creating',
    schema_ddl TEXT NOT NULL DEFAULT '[]',
    last_backup TEXT NOT NULL DEFAULT '',
    rebuild_error TEXT NOT NULL DEFAULT '',
    last_rebuild_duration_seconds REAL NOT NULL DEFAULT 0,
    instance_id TEXT NOT NULL DEFAULT '',
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS completed_files (
    id TEXT PRIMARY KEY,
    graph_id TEXT NOT NULL,
    table_name TEXT NOT NULL,
    path TEXT NOT NULL,
    completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_completed_files_table
    ON completed_files(graph_id, table_name);

CREATE TABLE IF NOT EXISTS compute_instances (
    instance_id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'healthy',
    tier TEXT NOT NULL DEFAULT '',
    capacity_used INTEGER NOT NULL DEFAULT 0,
    capacity_total INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS volumes (
    volume_id TEXT PRIMARY KEY,
    instance_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'available',
    attachment_state TEXT NOT NULL DEFAULT 'unattached',
    datasets TEXT NOT NULL DEFAULT '[]',
    deleted_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// Store is the sqlite-backed node-local registry. The four registry
// contracts are exposed as facets sharing one database handle.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the registry database at path. Use
// ":memory:" in tests.
func OpenStore(path string) (*Store, error) {
	var connStr string
	if path == ":memory:" {
		connStr = "file:registrydb?mode=memory&cache=shared&_pragma=journal_mode(DELETE)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
		connStr = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_time_format=sqlite"
	}
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing registry schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the registry database.
func (s *Store) Close() error { return s.db.Close() }

// Graphs returns the graph-metadata facet.
func (s *Store) Graphs() GraphRegistry { return &graphStore{db: s.db} }

// Files returns the completed-file facet.
func (s *Store) Files() FileRegistry { return &fileStore{db: s.db} }

// Compute returns the compute-instance facet.
func (s *Store) Compute() ComputeRegistry { return &computeStore{db: s.db} }

// Volumes returns the volume facet.
func (s *Store) Volumes() VolumeRegistry { return &volumeStore{db: s.db} }

// --- GraphRegistry ---

type graphStore struct{ db *sql.DB }

var _ GraphRegistry = (*graphStore)(nil)

func (s *graphStore) Get(ctx context.Context, graphID string) (*GraphMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT graph_id, user_id, status, schema_ddl, last_backup, rebuild_error,
		       last_rebuild_duration_seconds, instance_id, updated_at
		  FROM graphs WHERE graph_id = ?`, graphID)
	m := &GraphMetadata{}
	var ddl string
	var durSeconds float64
	err := row.Scan(&m.GraphID, &m.UserID, &m.Status, &ddl, &m.LastBackup,
		&m.RebuildError, &durSeconds, &m.InstanceID, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("graph %s: %w", graphID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading graph metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(ddl), &m.SchemaDDL); err != nil {
		return nil, fmt.Errorf("decoding schema ddl: %w", err)
	}
	m.LastRebuildDuration = time.Duration(durSeconds * float64(time.Second))
	return m, nil
}

func (s *graphStore) Put(ctx context.Context, m *GraphMetadata) error {
	ddl, err := json.Marshal(m.SchemaDDL)
	if err != nil {
		return fmt.Errorf("encoding schema ddl: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO graphs (graph_id, user_id, status, schema_ddl, last_backup,
		                    rebuild_error, last_rebuild_duration_seconds, instance_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(graph_id) DO UPDATE SET
		    user_id = excluded.user_id,
		    status = excluded.status,
		    schema_ddl = excluded.schema_ddl,
		    last_backup = excluded.last_backup,
		    rebuild_error = excluded.rebuild_error,
		    last_rebuild_duration_seconds = excluded.last_rebuild_duration_seconds,
		    instance_id = excluded.instance_id,
		    updated_at = excluded.updated_at`,
		m.GraphID, m.UserID, m.Status, string(ddl), m.LastBackup,
		m.RebuildError, m.LastRebuildDuration.Seconds(), m.InstanceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("writing graph metadata: %w", err)
	}
	return nil
}

func (s *graphStore) SetStatus(ctx context.Context, graphID string, status types.DatabaseStatus, detail string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE graphs SET status = ?, rebuild_error = ?, updated_at = ? WHERE graph_id = ?`,
		status, detail, time.Now().UTC(), graphID)
	if err != nil {
		return fmt.Errorf("setting status for %s: %w", graphID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("graph %s: %w", graphID, ErrNotFound)
	}
	return nil
}

func (s *graphStore) RecordRebuild(ctx context.Context, graphID string, duration time.Duration, rebuildErr string) error {
	status := types.StatusAvailable
	if rebuildErr != "" {
		status = types.StatusRebuildFailed
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE graphs
		   SET status = ?, rebuild_error = ?, last_rebuild_duration_seconds = ?, updated_at = ?
		 WHERE graph_id = ?`,
		status, rebuildErr, duration.Seconds(), time.Now().UTC(), graphID)
	if err != nil {
		return fmt.Errorf("recording rebuild for %s: %w", graphID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("graph %s: %w", graphID, ErrNotFound)
	}
	return nil
}

func (s *graphStore) AppendSchemaDDL(ctx context.Context, graphID string, ddl []string) error {
	meta, err := s.Get(ctx, graphID)
	if err != nil {
		return err
	}
	meta.SchemaDDL = append(meta.SchemaDDL, ddl...)
	return s.Put(ctx, meta)
}

func (s *graphStore) Delete(ctx context.Context, graphID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE graph_id = ?`, graphID)
	if err != nil {
		return fmt.Errorf("deleting graph metadata: %w", err)
	}
	return nil
}

func (s *graphStore) List(ctx context.Context) ([]*GraphMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT graph_id FROM graphs ORDER BY graph_id`)
	if err != nil {
		return nil, fmt.Errorf("listing graphs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	metas := make([]*GraphMetadata, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, nil
}

// --- FileRegistry ---

type fileStore struct{ db *sql.DB }

var _ FileRegistry = (*fileStore)(nil)

func (s *fileStore) Register(ctx context.Context, f CompletedFile) error {
	if f.CompletedAt.IsZero() {
		f.CompletedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completed_files (id, graph_id, table_name, path, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET path = excluded.path, completed_at = excluded.completed_at`,
		f.ID, f.GraphID, f.TableName, f.Path, f.CompletedAt)
	if err != nil {
		return fmt.Errorf("registering file: %w", err)
	}
	return nil
}

func (s *fileStore) CompletedFiles(ctx context.Context, graphID, tableName string) ([]CompletedFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, graph_id, table_name, path, completed_at
		  FROM completed_files
		 WHERE graph_id = ? AND table_name = ?
		 ORDER BY completed_at, id`, graphID, tableName)
	if err != nil {
		return nil, fmt.Errorf("listing completed files: %w", err)
	}
	defer rows.Close()
	var files []CompletedFile
	for rows.Next() {
		var f CompletedFile
		if err := rows.Scan(&f.ID, &f.GraphID, &f.TableName, &f.Path, &f.CompletedAt); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

func (s *fileStore) Tables(ctx context.Context, graphID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT table_name FROM completed_files WHERE graph_id = ? ORDER BY table_name`, graphID)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

func (s *fileStore) DeleteTable(ctx context.Context, graphID, tableName string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM completed_files WHERE graph_id = ? AND table_name = ?`, graphID, tableName)
	if err != nil {
		return fmt.Errorf("deleting table files: %w", err)
	}
	return nil
}

// --- ComputeRegistry ---

type computeStore struct{ db *sql.DB }

var _ ComputeRegistry = (*computeStore)(nil)

func (s *computeStore) List(ctx context.Context, offset, limit int) ([]ComputeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, status, tier, capacity_used, capacity_total, created_at, updated_at
		  FROM compute_instances ORDER BY instance_id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing compute instances: %w", err)
	}
	defer rows.Close()
	var entries []ComputeEntry
	for rows.Next() {
		var e ComputeEntry
		if err := rows.Scan(&e.InstanceID, &e.Status, &e.Tier, &e.CapacityUsed,
			&e.CapacityTotal, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *computeStore) Update(ctx context.Context, e ComputeEntry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO compute_instances (instance_id, status, tier, capacity_used, capacity_total, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET
		    status = excluded.status,
		    tier = excluded.tier,
		    capacity_used = excluded.capacity_used,
		    capacity_total = excluded.capacity_total,
		    updated_at = excluded.updated_at`,
		e.InstanceID, e.Status, e.Tier, e.CapacityUsed, e.CapacityTotal, e.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("updating compute instance: %w", err)
	}
	return nil
}

func (s *computeStore) Remove(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM compute_instances WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("removing compute instance: %w", err)
	}
	return nil
}

func (s *computeStore) Exists(ctx context.Context, instanceID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM compute_instances WHERE instance_id = ?`, instanceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking compute instance: %w", err)
	}
	return true, nil
}

// --- VolumeRegistry ---

type volumeStore struct{ db *sql.DB }

var _ VolumeRegistry = (*volumeStore)(nil)

func (s *volumeStore) List(ctx context.Context) ([]VolumeEntry, error) {
	return s.list(ctx, `SELECT volume_id, instance_id, status, attachment_state, datasets,
		deleted_at, created_at, updated_at FROM volumes ORDER BY volume_id`)
}

func (s *volumeStore) ListByInstance(ctx context.Context, instanceID string) ([]VolumeEntry, error) {
	return s.list(ctx, `SELECT volume_id, instance_id, status, attachment_state, datasets,
		deleted_at, created_at, updated_at FROM volumes WHERE instance_id = ? ORDER BY volume_id`, instanceID)
}

func (s *volumeStore) list(ctx context.Context, query string, args ...any) ([]VolumeEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing volumes: %w", err)
	}
	defer rows.Close()
	var entries []VolumeEntry
	for rows.Next() {
		var e VolumeEntry
		var datasets string
		var deletedAt sql.NullTime
		if err := rows.Scan(&e.VolumeID, &e.InstanceID, &e.Status, &e.AttachmentState,
			&datasets, &deletedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(datasets), &e.Datasets); err != nil {
			return nil, fmt.Errorf("decoding volume datasets: %w", err)
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			e.DeletedAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *volumeStore) Update(ctx context.Context, e VolumeEntry) error {
	datasets, err := json.Marshal(e.Datasets)
	if err != nil {
		return fmt.Errorf("encoding volume datasets: %w", err)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	var deletedAt any
	if e.DeletedAt != nil {
		deletedAt = e.DeletedAt.UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO volumes (volume_id, instance_id, status, attachment_state, datasets, deleted_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(volume_id) DO UPDATE SET
		    instance_id = excluded.instance_id,
		    status = excluded.status,
		    attachment_state = excluded.attachment_state,
		    datasets = excluded.datasets,
		    deleted_at = excluded.deleted_at,
		    updated_at = excluded.updated_at`,
		e.VolumeID, e.InstanceID, e.Status, e.AttachmentState, string(datasets), deletedAt, e.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("updating volume: %w", err)
	}
	return nil
}

func (s *volumeStore) Remove(ctx context.Context, volumeID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM volumes WHERE volume_id = ?`, volumeID)
	if err != nil {
		return fmt.Errorf("removing volume: %w", err)
	}
	return nil
}
