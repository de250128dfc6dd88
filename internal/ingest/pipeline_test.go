package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/types"
)

type fakeGraph struct {
	ops         []string
	execErrs    map[string]error
	copySummary string
	attachFails int // fail ATTACH with a transient state error this many times
}

func (g *fakeGraph) Exec(_ context.Context, graphID, stmt string) (string, error) {
	g.ops = append(g.ops, "graph:"+stmt)
	if strings.HasPrefix(stmt, "ATTACH ") && g.attachFails > 0 {
		g.attachFails--
		return "", errors.New("Connection exception: IncorrectState: database is being detached")
	}
	for prefix, err := range g.execErrs {
		if strings.HasPrefix(stmt, prefix) {
			return "", err
		}
	}
	if strings.HasPrefix(stmt, "COPY ") {
		if g.copySummary != "" {
			return g.copySummary, nil
		}
		return "42 tuples have been copied", nil
	}
	return "", nil
}

func (g *fakeGraph) CloseDatabaseConnections(graphID string) {
	g.ops = append(g.ops, "graph:close:"+graphID)
}

func (g *fakeGraph) ForceCleanup(graphID string) error {
	g.ops = append(g.ops, "graph:cleanup:"+graphID)
	return nil
}

type fakeStaging struct {
	ops           []string
	tables        map[string]bool
	checkpointErr error
	checkpointN   int
}

func (s *fakeStaging) Path(graphID string) (string, error) {
	return "/data/staging/" + graphID + ".staging", nil
}

func (s *fakeStaging) Checkpoint(_ context.Context, graphID string) error {
	s.checkpointN++
	s.ops = append(s.ops, "staging:checkpoint")
	return s.checkpointErr
}

func (s *fakeStaging) Exec(_ context.Context, _, stmt string) error {
	s.ops = append(s.ops, "staging:"+stmt)
	return nil
}

func (s *fakeStaging) TableExists(_ context.Context, _, table string) (bool, error) {
	return s.tables[table], nil
}

func (s *fakeStaging) CreateTable(_ context.Context, _, table string, source types.TableSource) (*types.CreateTableResponse, error) {
	src := source.Pattern
	if len(source.Files) > 0 {
		src = strings.Join(source.Files, ",")
	}
	s.ops = append(s.ops, "staging:create:"+table+":"+src)
	return &types.CreateTableResponse{TableName: table}, nil
}

func newTestPipeline(t *testing.T, graph *fakeGraph, staging *fakeStaging) (*Pipeline, *registry.Store) {
	t.Helper()
	store, err := registry.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	p := NewPipeline(graph, staging, store.Graphs(), store.Files(),
		Options{Bucket: "uploads"}, slog.New(slog.DiscardHandler))
	return p, store
}

func TestIngestOrdering(t *testing.T) {
	graph := &fakeGraph{}
	staging := &fakeStaging{tables: map[string]bool{"Entity": true}}
	p, _ := newTestPipeline(t, graph, staging)

	res, err := p.IngestTable(context.Background(), "kg_demo", "Entity", types.IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.RowsIngested)
	assert.False(t, res.Skipped)

	all := append(append([]string(nil), staging.ops...), graph.ops...)
	joined := strings.Join(all, "\n")

	// Temp materialization and checkpoint precede the attach; the attach
	// precedes the copy.
	idx := func(sub string) int {
		i := strings.Index(joined, sub)
		require.GreaterOrEqual(t, i, 0, "missing %q in:\n%s", sub, joined)
		return i
	}
	tempIdx := idx("_temp_materialization")
	cpIdx := idx("staging:checkpoint")
	attachIdx := idx("ATTACH '/data/staging/kg_demo.staging' AS duck (dbtype duckdb)")
	copyIdx := idx("COPY Entity FROM duck.Entity_temp_materialization")
	assert.Less(t, tempIdx, cpIdx)
	assert.Less(t, cpIdx, attachIdx)
	assert.Less(t, attachIdx, copyIdx)

	// The temp table is dropped and the staging database detached afterwards.
	assert.Contains(t, joined, `DROP TABLE IF EXISTS "Entity_temp_materialization"`)
	assert.Contains(t, joined, "DETACH duck")
}

func TestIngestSkipsMissingTable(t *testing.T) {
	graph := &fakeGraph{}
	staging := &fakeStaging{tables: map[string]bool{}}
	p, _ := newTestPipeline(t, graph, staging)

	res, err := p.IngestTable(context.Background(), "kg_demo", "Entity", types.IngestOptions{})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, "skipped", res.Status)
	assert.Empty(t, graph.ops)
}

func TestIngestIgnoreErrorsAndFileFilter(t *testing.T) {
	graph := &fakeGraph{}
	staging := &fakeStaging{tables: map[string]bool{"EDGE": true}}
	p, _ := newTestPipeline(t, graph, staging)

	_, err := p.IngestTable(context.Background(), "kg_demo", "EDGE", types.IngestOptions{
		IgnoreErrors: true,
		FileIDs:      []string{"f1", "f'2"},
	})
	require.NoError(t, err)

	joined := strings.Join(append(staging.ops, graph.ops...), "\n")
	assert.Contains(t, joined, "COPY EDGE FROM duck.EDGE_temp_materialization (ignore_errors=true)")
	assert.Contains(t, joined, "WHERE file_id IN ('f1', 'f''2')")
}

func TestIngestRetriesCheckpoint(t *testing.T) {
	graph := &fakeGraph{}
	staging := &fakeStaging{
		tables:        map[string]bool{"Entity": true},
		checkpointErr: errors.New("file locked"),
	}
	p, _ := newTestPipeline(t, graph, staging)
	p.opts.CheckpointRetries = 2

	start := time.Now()
	_, err := p.IngestTable(context.Background(), "kg_demo", "Entity", types.IngestOptions{})
	require.Error(t, err)
	assert.Equal(t, 3, staging.checkpointN) // initial attempt plus retries
	assert.GreaterOrEqual(t, time.Since(start), 2*time.Second)
}

func TestIngestRetriesTransientAttach(t *testing.T) {
	graph := &fakeGraph{attachFails: 2}
	staging := &fakeStaging{tables: map[string]bool{"Entity": true}}
	p, _ := newTestPipeline(t, graph, staging)
	p.opts.AttachRetryInterval = time.Millisecond

	res, err := p.IngestTable(context.Background(), "kg_demo", "Entity", types.IngestOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.RowsIngested)

	attaches := 0
	for _, op := range graph.ops {
		if strings.HasPrefix(op, "graph:ATTACH ") {
			attaches++
		}
	}
	assert.Equal(t, 3, attaches)
}

func TestIngestDoesNotRetryPermanentAttachFailure(t *testing.T) {
	graph := &fakeGraph{execErrs: map[string]error{"ATTACH ": errors.New("Catalog exception: invalid database")}}
	staging := &fakeStaging{tables: map[string]bool{"Entity": true}}
	p, _ := newTestPipeline(t, graph, staging)
	p.opts.AttachRetryInterval = time.Millisecond

	_, err := p.IngestTable(context.Background(), "kg_demo", "Entity", types.IngestOptions{})
	require.Error(t, err)

	attaches := 0
	for _, op := range graph.ops {
		if strings.HasPrefix(op, "graph:ATTACH ") {
			attaches++
		}
	}
	assert.Equal(t, 1, attaches)
}

func TestRebuildReplaysSchemaAndRestagesTables(t *testing.T) {
	graph := &fakeGraph{}
	staging := &fakeStaging{tables: map[string]bool{"Entity": true}}
	p, store := newTestPipeline(t, graph, staging)
	ctx := context.Background()

	require.NoError(t, store.Graphs().Put(ctx, &registry.GraphMetadata{
		GraphID:   "kg_demo",
		UserID:    "alice",
		Status:    types.StatusAvailable,
		SchemaDDL: []string{"CREATE NODE TABLE Entity (identifier STRING, PRIMARY KEY (identifier))"},
	}))
	require.NoError(t, store.Files().Register(ctx, registry.CompletedFile{
		ID: "f1", GraphID: "kg_demo", TableName: "Entity", Path: "s3://uploads/alice/kg_demo/Entity/p.parquet",
	}))

	require.NoError(t, p.Rebuild(ctx, "kg_demo"))

	joined := strings.Join(append(graph.ops, staging.ops...), "\n")
	assert.Contains(t, joined, "graph:close:kg_demo")
	assert.Contains(t, joined, "graph:cleanup:kg_demo")
	assert.Contains(t, joined, "CREATE NODE TABLE Entity")
	assert.Contains(t, joined, "staging:create:Entity:s3://uploads/alice/kg_demo/Entity/**/*.parquet")

	meta, err := store.Graphs().Get(ctx, "kg_demo")
	require.NoError(t, err)
	assert.Equal(t, types.StatusAvailable, meta.Status)
	assert.Empty(t, meta.RebuildError)
}

func TestRebuildFailureRecordsBackupHint(t *testing.T) {
	graph := &fakeGraph{execErrs: map[string]error{"CREATE NODE": errors.New("disk full")}}
	staging := &fakeStaging{}
	p, store := newTestPipeline(t, graph, staging)
	ctx := context.Background()

	require.NoError(t, store.Graphs().Put(ctx, &registry.GraphMetadata{
		GraphID:    "kg_demo",
		Status:     types.StatusAvailable,
		SchemaDDL:  []string{"CREATE NODE TABLE Entity (identifier STRING, PRIMARY KEY (identifier))"},
		LastBackup: "backups/kg_demo/2026-08-01.tar",
	}))

	err := p.Rebuild(ctx, "kg_demo")
	require.ErrorIs(t, err, ErrRebuildFailed)

	meta, gerr := store.Graphs().Get(ctx, "kg_demo")
	require.NoError(t, gerr)
	assert.Equal(t, types.StatusRebuildFailed, meta.Status)
	assert.Contains(t, meta.RebuildError, "disk full")
	assert.Contains(t, meta.RebuildError, "backups/kg_demo/2026-08-01.tar")
}

type fakeLister struct {
	paths map[string][]string
}

func (f *fakeLister) ListParquet(_ context.Context, _, _, table string) ([]string, error) {
	return f.paths[table], nil
}

func TestRebuildPrefersListedFiles(t *testing.T) {
	graph := &fakeGraph{}
	staging := &fakeStaging{}
	p, store := newTestPipeline(t, graph, staging)
	p.WithLister(&fakeLister{paths: map[string][]string{
		"Entity": {"s3://uploads/alice/kg_demo/Entity/a.parquet"},
	}})
	ctx := context.Background()

	require.NoError(t, store.Graphs().Put(ctx, &registry.GraphMetadata{
		GraphID:   "kg_demo",
		UserID:    "alice",
		SchemaDDL: []string{"CREATE NODE TABLE Entity (identifier STRING, PRIMARY KEY (identifier))"},
	}))
	require.NoError(t, store.Files().Register(ctx, registry.CompletedFile{
		ID: "f1", GraphID: "kg_demo", TableName: "Entity", Path: "s3://uploads/alice/kg_demo/Entity/a.parquet",
	}))
	require.NoError(t, store.Files().Register(ctx, registry.CompletedFile{
		ID: "f2", GraphID: "kg_demo", TableName: "EDGE", Path: "s3://uploads/alice/kg_demo/EDGE/b.parquet",
	}))

	require.NoError(t, p.Rebuild(ctx, "kg_demo"))

	joined := strings.Join(staging.ops, "\n")
	// Entity re-staged from the listed objects; EDGE (nothing listed) falls
	// back to the recorded glob.
	assert.Contains(t, joined, "staging:create:Entity:s3://uploads/alice/kg_demo/Entity/a.parquet")
	assert.Contains(t, joined, "staging:create:EDGE:s3://uploads/alice/kg_demo/EDGE/**/*.parquet")
}

func TestParseTupleCount(t *testing.T) {
	assert.Equal(t, int64(42), parseTupleCount("42 tuples have been copied"))
	assert.Equal(t, int64(1), parseTupleCount("1 tuple has been copied"))
	assert.Equal(t, int64(0), parseTupleCount("done"))
	assert.Equal(t, int64(1234), parseTupleCount(fmt.Sprintf("copied %d tuples to Entity", 1234)))
}
