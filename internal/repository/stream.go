package repository

import (
	"context"
	"time"

	"github.com/graphnode/graphnode/internal/types"
)

// queryRunner is the minimal capability the buffered streaming path needs.
type queryRunner interface {
	ExecuteQuery(ctx context.Context, query string, params map[string]any) (*types.QueryResult, error)
}

// nativeStreamer marks variants with their own streaming path.
type nativeStreamer interface {
	ExecuteQueryStreaming(ctx context.Context, query string, chunkSize int, emit func(types.QueryChunk) error) error
}

// Stream delivers a query result in chunks regardless of the inner variant.
// A native stream passes through with chunk indices and timings filled in
// where missing; a non-streaming inner runs the buffered query and slices
// it. The column list rides on the first chunk only.
func Stream(ctx context.Context, inner queryRunner, query string, params map[string]any, chunkSize int, emit func(types.QueryChunk) error) error {
	if chunkSize <= 0 {
		chunkSize = 1000
	}
	start := time.Now()

	if ns, ok := inner.(nativeStreamer); ok && len(params) == 0 {
		index := 0
		var total int64
		return ns.ExecuteQueryStreaming(ctx, query, chunkSize, func(chunk types.QueryChunk) error {
			chunk.ChunkIndex = index
			if chunk.RowCount == 0 {
				chunk.RowCount = len(chunk.Rows)
			}
			total += int64(chunk.RowCount)
			if chunk.TotalRowsSent == 0 {
				chunk.TotalRowsSent = total
			}
			if chunk.ExecutionTimeMS == 0 {
				chunk.ExecutionTimeMS = elapsedMS(start)
			}
			index++
			return emit(chunk)
		})
	}

	result, err := inner.ExecuteQuery(ctx, query, params)
	if err != nil {
		return err
	}
	return sliceResult(result, chunkSize, start, emit)
}

// sliceResult chops a buffered result into chunks.
func sliceResult(result *types.QueryResult, chunkSize int, start time.Time, emit func(types.QueryChunk) error) error {
	rows := result.Rows
	index := 0
	var total int64
	for {
		end := min(chunkSize, len(rows))
		part := rows[:end]
		rows = rows[end:]
		total += int64(len(part))

		chunk := types.QueryChunk{
			Rows:            part,
			ChunkIndex:      index,
			IsLastChunk:     len(rows) == 0,
			RowCount:        len(part),
			TotalRowsSent:   total,
			ExecutionTimeMS: elapsedMS(start),
		}
		if index == 0 {
			chunk.Columns = result.Columns
		}
		if err := emit(chunk); err != nil {
			return err
		}
		if chunk.IsLastChunk {
			return nil
		}
		index++
	}
}

func elapsedMS(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
