// Package ingest moves staged tables into the graph store: checkpoint the
// staging database, attach it to the graph engine, and bulk-copy. It also
// owns the rebuild protocol that reconstructs a graph database from its
// recorded schema and completed uploads.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/graphnode/graphnode/internal/pathsafe"
	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/types"
)

// ErrRebuildFailed wraps a failed graph reconstruction.
var ErrRebuildFailed = errors.New("rebuild failed")

// GraphEngine is the slice of the graph layer the pipeline drives.
type GraphEngine interface {
	Exec(ctx context.Context, graphID, stmt string) (string, error)
	CloseDatabaseConnections(graphID string)
	ForceCleanup(graphID string) error
}

// StagingEngine is the slice of the staging layer the pipeline drives.
type StagingEngine interface {
	Path(graphID string) (string, error)
	Checkpoint(ctx context.Context, graphID string) error
	Exec(ctx context.Context, graphID, stmt string) error
	TableExists(ctx context.Context, graphID, table string) (bool, error)
	CreateTable(ctx context.Context, graphID, table string, source types.TableSource) (*types.CreateTableResponse, error)
}

// Options configures a Pipeline.
type Options struct {
	// Bucket is the object-storage bucket holding completed uploads; used
	// during rebuild to re-materialize staging tables.
	Bucket string
	// CheckpointRetries bounds the checkpoint retry loop. The staging WAL
	// cannot flush while another writer holds the file, so a short retry
	// rides out in-flight uploads.
	CheckpointRetries uint64
	// AttachRetries bounds retries of a transient-state attach failure;
	// AttachRetryInterval is the pause between attempts.
	AttachRetries       uint64
	AttachRetryInterval time.Duration
}

// FileLister enumerates the parquet objects actually present under a
// table's upload prefix.
type FileLister interface {
	ListParquet(ctx context.Context, userID, graphID, tableName string) ([]string, error)
}

// Pipeline copies staged tables into graph databases.
type Pipeline struct {
	graph   GraphEngine
	staging StagingEngine
	graphs  registry.GraphRegistry
	files   registry.FileRegistry
	lister  FileLister
	opts    Options
	log     *slog.Logger
}

// WithLister makes rebuilds re-stage tables from the bucket's actual
// contents instead of the recorded glob.
func (p *Pipeline) WithLister(l FileLister) *Pipeline {
	p.lister = l
	return p
}

// NewPipeline wires an ingestion pipeline.
func NewPipeline(graph GraphEngine, staging StagingEngine, graphs registry.GraphRegistry, files registry.FileRegistry, opts Options, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	if opts.CheckpointRetries == 0 {
		opts.CheckpointRetries = 3
	}
	if opts.AttachRetries == 0 {
		opts.AttachRetries = 3
	}
	if opts.AttachRetryInterval <= 0 {
		opts.AttachRetryInterval = 10 * time.Second
	}
	return &Pipeline{graph: graph, staging: staging, graphs: graphs, files: files, opts: opts, log: log}
}

var tuplesPattern = regexp.MustCompile(`(\d+)\s+tuples?`)

// IngestTable copies one staged table into the graph database. A missing
// staging table is a skip, not an error: nothing has been uploaded yet.
// With opts.Rebuild the graph database is reconstructed from its recorded
// schema before the copy.
func (p *Pipeline) IngestTable(ctx context.Context, graphID, table string, opts types.IngestOptions) (*types.IngestResult, error) {
	start := time.Now()
	if err := pathsafe.ValidateGraphID(graphID); err != nil {
		return nil, err
	}
	if err := pathsafe.ValidateTableName(table); err != nil {
		return nil, err
	}

	if opts.Rebuild {
		if err := p.Rebuild(ctx, graphID); err != nil {
			return nil, err
		}
	}

	exists, err := p.staging.TableExists(ctx, graphID, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		p.log.Info("staging table absent, skipping ingest", "graph", graphID, "table", table)
		return &types.IngestResult{
			Status:          "skipped",
			Skipped:         true,
			ExecutionTimeMS: elapsedMS(start),
		}, nil
	}

	rows, err := p.copyTable(ctx, graphID, table, opts)
	if err != nil {
		return nil, err
	}

	p.log.Info("ingested table", "graph", graphID, "table", table,
		"rows", rows, "duration", time.Since(start))
	return &types.IngestResult{
		Status:          "ingested",
		RowsIngested:    rows,
		ExecutionTimeMS: elapsedMS(start),
	}, nil
}

// copyTable runs the materialize-checkpoint-attach-copy sequence. The
// checkpoint must land before the attach: the graph engine reads the staging
// file directly and sees nothing still sitting in the WAL.
func (p *Pipeline) copyTable(ctx context.Context, graphID, table string, opts types.IngestOptions) (int64, error) {
	tempTable := table + "_temp_materialization"
	if err := p.materializeTemp(ctx, graphID, table, tempTable, opts.FileIDs); err != nil {
		return 0, err
	}
	defer func() {
		qt, _ := pathsafe.QuoteIdent(tempTable)
		if err := p.staging.Exec(context.WithoutCancel(ctx), graphID, "DROP TABLE IF EXISTS "+qt); err != nil {
			p.log.Warn("failed to drop temp table", "graph", graphID, "table", tempTable, "error", err)
		}
	}()

	if err := p.checkpointWithRetry(ctx, graphID); err != nil {
		return 0, err
	}

	stagingPath, err := p.staging.Path(graphID)
	if err != nil {
		return 0, err
	}
	if err := p.attachStaging(ctx, graphID, stagingPath); err != nil {
		return 0, err
	}
	defer func() {
		if _, err := p.graph.Exec(context.WithoutCancel(ctx), graphID, "DETACH duck"); err != nil {
			p.log.Warn("failed to detach staging database", "graph", graphID, "error", err)
		}
	}()

	copyStmt := fmt.Sprintf("COPY %s FROM duck.%s", table, tempTable)
	if opts.IgnoreErrors {
		copyStmt += " (ignore_errors=true)"
	}
	summary, err := p.graph.Exec(ctx, graphID, copyStmt)
	if err != nil {
		return 0, fmt.Errorf("copying %s into %s: %w", table, graphID, err)
	}
	return parseTupleCount(summary), nil
}

// materializeTemp snapshots the staged table without its provenance column,
// optionally restricted to specific uploads. The graph schema has no file_id
// column, so the copy source cannot carry one.
func (p *Pipeline) materializeTemp(ctx context.Context, graphID, table, tempTable string, fileIDs []string) error {
	qt, err := pathsafe.QuoteIdent(table)
	if err != nil {
		return err
	}
	qtemp, err := pathsafe.QuoteIdent(tempTable)
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * EXCLUDE (file_id) FROM %s", qtemp, qt)
	if len(fileIDs) > 0 {
		quoted := make([]string, len(fileIDs))
		for i, id := range fileIDs {
			quoted[i] = "'" + strings.ReplaceAll(id, "'", "''") + "'"
		}
		stmt += " WHERE file_id IN (" + strings.Join(quoted, ", ") + ")"
	}
	if err := p.staging.Exec(ctx, graphID, stmt); err != nil {
		return fmt.Errorf("materializing %s: %w", tempTable, err)
	}
	return nil
}

func (p *Pipeline) checkpointWithRetry(ctx context.Context, graphID string) error {
	op := func() error { return p.staging.Checkpoint(ctx, graphID) }
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Second), p.opts.CheckpointRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("checkpointing staging for %s: %w", graphID, err)
	}
	return nil
}

// attachStaging loads the staging-format extension and attaches the staging
// file under the duck alias. The extension load is idempotent; a stale
// attach from a previous run is detached first and its absence tolerated.
// The attach itself can hit a transient IncorrectState while the engine
// finishes an earlier detach, so that error alone is retried.
func (p *Pipeline) attachStaging(ctx context.Context, graphID, stagingPath string) error {
	if _, err := p.graph.Exec(ctx, graphID, "INSTALL duckdb"); err != nil {
		p.log.Debug("install extension", "graph", graphID, "error", err)
	}
	if _, err := p.graph.Exec(ctx, graphID, "LOAD duckdb"); err != nil {
		return fmt.Errorf("loading staging extension for %s: %w", graphID, err)
	}
	if _, err := p.graph.Exec(ctx, graphID, "DETACH duck"); err != nil {
		p.log.Debug("detach stale staging attach", "graph", graphID, "error", err)
	}
	stmt := fmt.Sprintf("ATTACH '%s' AS duck (dbtype duckdb)", strings.ReplaceAll(stagingPath, "'", "''"))
	op := func() error {
		_, err := p.graph.Exec(ctx, graphID, stmt)
		if err == nil {
			return nil
		}
		if strings.Contains(err.Error(), "IncorrectState") {
			p.log.Warn("transient attach failure, retrying", "graph", graphID, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.opts.AttachRetryInterval), p.opts.AttachRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("attaching staging database for %s: %w", graphID, err)
	}
	return nil
}

// Rebuild reconstructs a graph database in place: drop it, replay the
// recorded schema, and re-materialize every staged table from the completed
// uploads in object storage. The outcome lands in the graph registry either
// way; a failure note carries the last backup location for the operator.
func (p *Pipeline) Rebuild(ctx context.Context, graphID string) error {
	start := time.Now()
	meta, err := p.graphs.Get(ctx, graphID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRebuildFailed, err)
	}
	if err := p.graphs.SetStatus(ctx, graphID, types.StatusRebuilding, ""); err != nil {
		return fmt.Errorf("%w: %v", ErrRebuildFailed, err)
	}

	rebuildErr := p.rebuild(ctx, graphID, meta)

	detail := ""
	if rebuildErr != nil {
		detail = rebuildErr.Error()
		if meta.LastBackup != "" {
			detail += "; last backup: " + meta.LastBackup
		}
	}
	if err := p.graphs.RecordRebuild(ctx, graphID, time.Since(start), detail); err != nil {
		p.log.Warn("failed to record rebuild outcome", "graph", graphID, "error", err)
	}
	if rebuildErr != nil {
		return fmt.Errorf("%w: %v", ErrRebuildFailed, rebuildErr)
	}
	p.log.Info("rebuilt graph database", "graph", graphID, "duration", time.Since(start))
	return nil
}

func (p *Pipeline) rebuild(ctx context.Context, graphID string, meta *registry.GraphMetadata) error {
	p.graph.CloseDatabaseConnections(graphID)
	if err := p.graph.ForceCleanup(graphID); err != nil {
		return fmt.Errorf("removing database files: %w", err)
	}

	ddl := meta.SchemaDDL
	if len(ddl) == 0 {
		return errors.New("no recorded schema to replay")
	}
	for _, stmt := range ddl {
		if _, err := p.graph.Exec(ctx, graphID, stmt); err != nil {
			return fmt.Errorf("replaying schema: %w", err)
		}
	}

	tables, err := p.files.Tables(ctx, graphID)
	if err != nil {
		return fmt.Errorf("listing staged tables: %w", err)
	}
	for _, table := range tables {
		source := types.TableSource{
			Pattern: registry.GlobPattern(p.opts.Bucket, meta.UserID, graphID, table),
		}
		if p.lister != nil {
			paths, err := p.lister.ListParquet(ctx, meta.UserID, graphID, table)
			if err != nil {
				return fmt.Errorf("listing uploads for %s: %w", table, err)
			}
			if len(paths) > 0 {
				source = types.TableSource{Files: paths}
			}
		}
		if _, err := p.staging.CreateTable(ctx, graphID, table, source); err != nil {
			return fmt.Errorf("re-materializing %s: %w", table, err)
		}
	}
	return nil
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

// parseTupleCount extracts the row count from the engine's copy summary.
// An unrecognized summary reports zero rather than failing the ingest.
func parseTupleCount(summary string) int64 {
	m := tuplesPattern.FindStringSubmatch(summary)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n
}
