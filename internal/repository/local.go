package repository

import (
	"context"
	"fmt"

	kuzu "github.com/kuzudb/go-kuzu"

	"github.com/graphnode/graphnode/internal/graphdb"
	"github.com/graphnode/graphnode/internal/pathsafe"
	"github.com/graphnode/graphnode/internal/types"
)

// Local is the direct in-process variant: queries run against the node's
// own database files through the shared connection pool.
type Local struct {
	pool    *graphdb.Pool
	graphID string
}

// NewLocal builds a Local repository for one graph.
func NewLocal(pool *graphdb.Pool, graphID string) (*Local, error) {
	if err := pathsafe.ValidateGraphID(graphID); err != nil {
		return nil, err
	}
	return &Local{pool: pool, graphID: graphID}, nil
}

var _ Repository = (*Local)(nil)

func (l *Local) run(ctx context.Context, query string, params map[string]any, fn func(*kuzu.QueryResult) error) error {
	lease, err := l.pool.Acquire(ctx, l.graphID, false)
	if err != nil {
		return err
	}
	defer lease.Release()

	var res *kuzu.QueryResult
	if len(params) > 0 {
		res, err = lease.Conn().Execute(query, params)
	} else {
		res, err = lease.Conn().Query(query)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer res.Close()
	return fn(res)
}

// ExecuteQuery runs a Cypher statement and buffers the full result.
func (l *Local) ExecuteQuery(ctx context.Context, query string, params map[string]any) (*types.QueryResult, error) {
	out := &types.QueryResult{Rows: [][]any{}}
	err := l.run(ctx, query, params, func(res *kuzu.QueryResult) error {
		out.Columns = res.GetColumnNames()
		for res.HasNext() {
			tuple, err := res.Next()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrQueryFailed, err)
			}
			row, err := tuple.GetAsSlice()
			tuple.Close()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrQueryFailed, err)
			}
			out.Rows = append(out.Rows, row)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out.RowCount = len(out.Rows)
	return out, nil
}

// ExecuteSingle returns the first result row, or nil for an empty result.
func (l *Local) ExecuteSingle(ctx context.Context, query string, params map[string]any) ([]any, error) {
	var row []any
	err := l.run(ctx, query, params, func(res *kuzu.QueryResult) error {
		if !res.HasNext() {
			return nil
		}
		tuple, err := res.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		defer tuple.Close()
		row, err = tuple.GetAsSlice()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		return nil
	})
	return row, err
}

// ExecuteTransaction runs statements atomically on one connection.
func (l *Local) ExecuteTransaction(ctx context.Context, statements []string) error {
	lease, err := l.pool.Acquire(ctx, l.graphID, false)
	if err != nil {
		return err
	}
	defer lease.Release()
	conn := lease.Conn()

	exec := func(stmt string) error {
		res, err := conn.Query(stmt)
		if err != nil {
			return err
		}
		res.Close()
		return nil
	}

	if err := exec("BEGIN TRANSACTION"); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	for _, stmt := range statements {
		if err := exec(stmt); err != nil {
			if rerr := exec("ROLLBACK"); rerr != nil {
				return fmt.Errorf("%w: %v (rollback also failed: %v)", ErrQueryFailed, err, rerr)
			}
			return fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
	}
	if err := exec("COMMIT"); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// CountNodes counts nodes with the given label; empty label counts all.
func (l *Local) CountNodes(ctx context.Context, label string) (int64, error) {
	query := "MATCH (n) RETURN count(n)"
	if label != "" {
		if err := pathsafe.ValidateTableName(label); err != nil {
			return 0, err
		}
		query = fmt.Sprintf("MATCH (n:%s) RETURN count(n)", label)
	}
	row, err := l.ExecuteSingle(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, nil
	}
	switch v := row[0].(type) {
	case int64:
		return v, nil
	case uint64:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: unexpected count type %T", ErrQueryFailed, row[0])
	}
}

// NodeExists reports whether a node with the identifier exists.
func (l *Local) NodeExists(ctx context.Context, label, identifier string) (bool, error) {
	if err := pathsafe.ValidateTableName(label); err != nil {
		return false, err
	}
	query := fmt.Sprintf("MATCH (n:%s) WHERE n.identifier = $identifier RETURN 1 LIMIT 1", label)
	row, err := l.ExecuteSingle(ctx, query, map[string]any{"identifier": identifier})
	if err != nil {
		return false, err
	}
	return len(row) > 0, nil
}

// HealthCheck probes the graph through the pool.
func (l *Local) HealthCheck(ctx context.Context) error {
	return l.pool.HealthCheck(ctx, l.graphID)
}

// ExecuteQueryStreaming iterates the result and emits fixed-size chunks
// without buffering the full result set.
func (l *Local) ExecuteQueryStreaming(ctx context.Context, query string, chunkSize int, emit func(types.QueryChunk) error) error {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	return l.run(ctx, query, nil, func(res *kuzu.QueryResult) error {
		cols := res.GetColumnNames()
		var (
			index int
			total int64
			buf   = make([][]any, 0, chunkSize)
		)
		flush := func(last bool) error {
			chunk := types.QueryChunk{
				Rows:          buf,
				ChunkIndex:    index,
				IsLastChunk:   last,
				RowCount:      len(buf),
				TotalRowsSent: total + int64(len(buf)),
			}
			if index == 0 {
				chunk.Columns = cols
			}
			if err := emit(chunk); err != nil {
				return err
			}
			total += int64(len(buf))
			index++
			buf = buf[:0]
			return nil
		}

		for res.HasNext() {
			tuple, err := res.Next()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrQueryFailed, err)
			}
			row, err := tuple.GetAsSlice()
			tuple.Close()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrQueryFailed, err)
			}
			buf = append(buf, row)
			if len(buf) >= chunkSize {
				if err := flush(false); err != nil {
					return err
				}
			}
		}
		return flush(true)
	})
}

// Close drops the graph's pooled connections.
func (l *Local) Close() error {
	l.pool.CloseDatabaseConnections(l.graphID)
	return nil
}
