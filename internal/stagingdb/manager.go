package stagingdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/graphnode/graphnode/internal/pathsafe"
	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/types"
)

// SchemaProber reports the column names of a parquet source without reading
// data. Split out so table classification is testable without the engine.
type SchemaProber interface {
	ProbeColumns(ctx context.Context, graphID, samplePath string) ([]string, error)
}

// Manager materializes staging tables from object storage and serves
// queries against them.
type Manager struct {
	pool      *Pool
	files     registry.FileRegistry
	prober    SchemaProber
	chunkSize int
	log       *slog.Logger
}

// NewManager wires a staging Manager. A nil prober defaults to probing
// through the pool.
func NewManager(pool *Pool, files registry.FileRegistry, prober SchemaProber, chunkSize int, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	m := &Manager{pool: pool, files: files, prober: prober, chunkSize: chunkSize, log: log}
	if m.prober == nil {
		m.prober = poolProber{pool}
	}
	return m
}

type poolProber struct{ pool *Pool }

func (p poolProber) ProbeColumns(ctx context.Context, graphID, samplePath string) ([]string, error) {
	db, err := p.pool.DB(graphID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT * FROM read_parquet(?, hive_partitioning=false) LIMIT 0", samplePath)
	if err != nil {
		return nil, fmt.Errorf("%w: probing %s: %v", ErrQueryFailed, samplePath, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: probing %s: %v", ErrQueryFailed, samplePath, err)
	}
	return cols, nil
}

// ClassifyColumns decides how a staging table maps onto the graph model:
// a table with an identifier column is a node table; a table with from and
// to columns is an edge table; anything else passes through untyped.
func ClassifyColumns(cols []string) types.TableKind {
	set := make(map[string]bool, len(cols))
	for _, c := range cols {
		set[strings.ToLower(c)] = true
	}
	switch {
	case set["identifier"]:
		return types.TableNode
	case set["from"] && set["to"]:
		return types.TableEdge
	default:
		return types.TablePassthrough
	}
}

// sourceExpr builds the read_parquet expression for a table source. A single
// glob pattern is parameter-bound; file lists are escaped literals since the
// list arity varies. Filename provenance is surfaced as a file_id column so
// ingestion can exclude or filter on it.
func sourceExpr(source types.TableSource) (string, []any) {
	if source.IsList() {
		quoted := make([]string, len(source.Files))
		for i, f := range source.Files {
			quoted[i] = "'" + sqlEscape(f) + "'"
		}
		return fmt.Sprintf("read_parquet([%s], hive_partitioning=false, union_by_name=true, filename=true)",
			strings.Join(quoted, ", ")), nil
	}
	return "read_parquet(?, hive_partitioning=false, union_by_name=true, filename=true)",
		[]any{source.Pattern}
}

// BuildCreateTableSQL emits the CREATE OR REPLACE TABLE statement for a
// classified source, with the bind arguments for its read_parquet call.
// Node tables deduplicate on identifier; edge tables rename from/to into
// src/dst (placed first, the column order the graph engine's relationship
// ingestion expects) and deduplicate on the pair. Dedup windows order by
// filename so "keep the first row" is deterministic across runs.
func BuildCreateTableSQL(table string, kind types.TableKind, cols []string, source types.TableSource) (string, []any, error) {
	qt, err := pathsafe.QuoteIdent(table)
	if err != nil {
		return "", nil, err
	}
	src, args := sourceExpr(source)

	switch kind {
	case types.TableNode:
		return fmt.Sprintf(
			`CREATE OR REPLACE TABLE %s AS SELECT * EXCLUDE (filename), filename AS file_id FROM %s QUALIFY row_number() OVER (PARTITION BY identifier ORDER BY filename) = 1`,
			qt, src), args, nil
	case types.TableEdge:
		rest := make([]string, 0, len(cols))
		for _, c := range cols {
			switch strings.ToLower(c) {
			case "from", "to":
			default:
				rest = append(rest, `"`+c+`"`)
			}
		}
		sel := `"from" AS src, "to" AS dst`
		if len(rest) > 0 {
			sel += ", " + strings.Join(rest, ", ")
		}
		return fmt.Sprintf(
			`CREATE OR REPLACE TABLE %s AS SELECT %s, filename AS file_id FROM %s QUALIFY row_number() OVER (PARTITION BY src, dst ORDER BY filename) = 1`,
			qt, sel, src), args, nil
	default:
		return fmt.Sprintf(
			`CREATE OR REPLACE TABLE %s AS SELECT * EXCLUDE (filename), filename AS file_id FROM %s`,
			qt, src), args, nil
	}
}

// CreateTable materializes one staging table from a parquet source: probe
// the schema, classify, and rebuild the table in place.
func (m *Manager) CreateTable(ctx context.Context, graphID, table string, source types.TableSource) (*types.CreateTableResponse, error) {
	start := time.Now()
	if err := pathsafe.ValidateTableName(table); err != nil {
		return nil, err
	}
	if source.Sample() == "" {
		return nil, fmt.Errorf("%w: table source is empty", pathsafe.ErrInvalidArgument)
	}

	cols, err := m.prober.ProbeColumns(ctx, graphID, source.Sample())
	if err != nil {
		return nil, err
	}
	kind := ClassifyColumns(cols)

	stmt, args, err := BuildCreateTableSQL(table, kind, cols, source)
	if err != nil {
		return nil, err
	}
	db, err := m.pool.DB(graphID)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, fmt.Errorf("%w: creating table %s: %v", ErrQueryFailed, table, err)
	}

	qt, _ := pathsafe.QuoteIdent(table)
	var rowCount int64
	if err := db.QueryRowContext(ctx, "SELECT count(*) FROM "+qt).Scan(&rowCount); err != nil {
		return nil, fmt.Errorf("%w: counting %s: %v", ErrQueryFailed, table, err)
	}

	m.log.Info("materialized staging table",
		"graph", graphID, "table", table, "kind", kind, "rows", rowCount)

	return &types.CreateTableResponse{
		Status:          "created",
		TableName:       table,
		Kind:            kind,
		RowCount:        rowCount,
		ExecutionTimeMS: float64(time.Since(start).Microseconds()) / 1000,
	}, nil
}

// RefreshTable redefines a table as a view over the graph's completed files
// for that table, picking up newly registered uploads without a rescan of
// object storage.
func (m *Manager) RefreshTable(ctx context.Context, graphID, table string) error {
	if err := pathsafe.ValidateTableName(table); err != nil {
		return err
	}
	files, err := m.files.CompletedFiles(ctx, graphID, table)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: no completed files for %s", registry.ErrNotFound, table)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}

	qt, _ := pathsafe.QuoteIdent(table)
	db, err := m.pool.DB(graphID)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+qt); err != nil {
		return fmt.Errorf("%w: dropping %s: %v", ErrQueryFailed, table, err)
	}
	src, args := sourceExpr(types.TableSource{Files: paths})
	stmt := fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", qt, src)
	if _, err := db.ExecContext(ctx, stmt, args...); err != nil {
		return fmt.Errorf("%w: refreshing %s: %v", ErrQueryFailed, table, err)
	}
	return nil
}

// ListTables reports the staging tables and views for a graph.
func (m *Manager) ListTables(ctx context.Context, graphID string) ([]string, error) {
	db, err := m.pool.DB(graphID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("%w: listing tables: %v", ErrQueryFailed, err)
	}
	defer rows.Close()
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableExists reports whether a staging table or view exists.
func (m *Manager) TableExists(ctx context.Context, graphID, table string) (bool, error) {
	if err := pathsafe.ValidateTableName(table); err != nil {
		return false, err
	}
	db, err := m.pool.DB(graphID)
	if err != nil {
		return false, err
	}
	var n int
	err = db.QueryRowContext(ctx,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = 'main' AND table_name = ?",
		table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: checking table %s: %v", ErrQueryFailed, table, err)
	}
	return n > 0, nil
}

// DeleteTable drops a staging table and forgets its completed files.
func (m *Manager) DeleteTable(ctx context.Context, graphID, table string) error {
	qt, err := pathsafe.QuoteIdent(table)
	if err != nil {
		return err
	}
	db, err := m.pool.DB(graphID)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+qt); err != nil {
		return fmt.Errorf("%w: dropping %s: %v", ErrQueryFailed, table, err)
	}
	if _, err := db.ExecContext(ctx, "DROP VIEW IF EXISTS "+qt); err != nil {
		return fmt.Errorf("%w: dropping view %s: %v", ErrQueryFailed, table, err)
	}
	if m.files != nil {
		if err := m.files.DeleteTable(ctx, graphID, table); err != nil {
			m.log.Warn("failed to forget completed files", "graph", graphID, "table", table, "error", err)
		}
	}
	return nil
}

// Exec runs one statement against a graph's staging database.
func (m *Manager) Exec(ctx context.Context, graphID, stmt string) error {
	db, err := m.pool.DB(graphID)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// Path resolves a graph's staging database file.
func (m *Manager) Path(graphID string) (string, error) {
	return m.pool.Path(graphID)
}

// Checkpoint flushes the staging WAL for a graph.
func (m *Manager) Checkpoint(ctx context.Context, graphID string) error {
	return m.pool.Checkpoint(ctx, graphID)
}

// Query runs a read-only SQL statement against a graph's staging database
// and buffers the full result. Params bind positional ? placeholders.
func (m *Manager) Query(ctx context.Context, graphID, query string, params []any) (*types.QueryResult, error) {
	start := time.Now()
	db, err := m.pool.DB(graphID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	result := &types.QueryResult{Columns: cols, Rows: [][]any{}}
	for rows.Next() {
		row, err := scanRow(rows, len(cols))
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	result.RowCount = len(result.Rows)
	result.ExecutionTimeMS = float64(time.Since(start).Microseconds()) / 1000
	return result, nil
}

// QueryStreaming runs a query and delivers the result in chunks through
// emit. The column list rides on the first chunk only; a mid-stream failure
// produces a terminal chunk carrying the error, since the transport has
// already committed to a success status by then.
func (m *Manager) QueryStreaming(ctx context.Context, graphID, query string, params []any, emit func(types.QueryChunk) error) error {
	start := time.Now()
	db, err := m.pool.DB(graphID)
	if err != nil {
		return err
	}
	rows, err := db.QueryContext(ctx, query, params...)
	if err != nil {
		// Not yet streaming; the caller can still map this to a status code.
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}

	var (
		chunkIndex int
		totalSent  int64
		buf        = make([][]any, 0, m.chunkSize)
	)
	flush := func(last bool) error {
		chunk := types.QueryChunk{
			Rows:            buf,
			ChunkIndex:      chunkIndex,
			IsLastChunk:     last,
			RowCount:        len(buf),
			TotalRowsSent:   totalSent + int64(len(buf)),
			ExecutionTimeMS: float64(time.Since(start).Microseconds()) / 1000,
		}
		if chunkIndex == 0 {
			chunk.Columns = cols
		}
		if err := emit(chunk); err != nil {
			return err
		}
		totalSent += int64(len(buf))
		chunkIndex++
		buf = buf[:0]
		return nil
	}

	for rows.Next() {
		row, err := scanRow(rows, len(cols))
		if err != nil {
			return m.emitStreamError(emit, chunkIndex, cols, totalSent, start, err)
		}
		buf = append(buf, row)
		if len(buf) >= m.chunkSize {
			if err := flush(false); err != nil {
				return err
			}
		}
	}
	if err := rows.Err(); err != nil {
		return m.emitStreamError(emit, chunkIndex, cols, totalSent, start, err)
	}
	return flush(true)
}

// emitStreamError terminates a stream in-band with an error chunk.
func (m *Manager) emitStreamError(emit func(types.QueryChunk) error, chunkIndex int, cols []string, totalSent int64, start time.Time, cause error) error {
	chunk := types.QueryChunk{
		ChunkIndex:      chunkIndex,
		IsLastChunk:     true,
		TotalRowsSent:   totalSent,
		ExecutionTimeMS: float64(time.Since(start).Microseconds()) / 1000,
		Error:           cause.Error(),
		ErrorType:       "query_failed",
	}
	if chunkIndex == 0 {
		chunk.Columns = cols
	}
	if err := emit(chunk); err != nil {
		return err
	}
	return fmt.Errorf("%w: %v", ErrQueryFailed, cause)
}

// scanRow reads the current row into a generic slice.
func scanRow(rows *sql.Rows, n int) ([]any, error) {
	vals := make([]any, n)
	ptrs := make([]any, n)
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("%w: scanning row: %v", ErrQueryFailed, err)
	}
	for i, v := range vals {
		if b, ok := v.([]byte); ok {
			vals[i] = string(b)
		}
	}
	return vals, nil
}
