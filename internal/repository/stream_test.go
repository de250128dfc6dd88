package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphnode/graphnode/internal/types"
)

type bufferedInner struct {
	result *types.QueryResult
	err    error
}

func (b *bufferedInner) ExecuteQuery(context.Context, string, map[string]any) (*types.QueryResult, error) {
	return b.result, b.err
}

type streamingInner struct {
	bufferedInner
	chunks []types.QueryChunk
}

func (s *streamingInner) ExecuteQueryStreaming(_ context.Context, _ string, _ int, emit func(types.QueryChunk) error) error {
	for _, c := range s.chunks {
		if err := emit(c); err != nil {
			return err
		}
	}
	return nil
}

func rowsOf(n int) [][]any {
	rows := make([][]any, n)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	return rows
}

func TestStreamSlicesBufferedResult(t *testing.T) {
	inner := &bufferedInner{result: &types.QueryResult{
		Columns: []string{"id"},
		Rows:    rowsOf(7),
	}}

	var got []types.QueryChunk
	err := Stream(context.Background(), inner, "MATCH (n) RETURN n.id", nil, 3, func(c types.QueryChunk) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Columns ride on the first chunk only.
	assert.Equal(t, []string{"id"}, got[0].Columns)
	assert.Nil(t, got[1].Columns)
	assert.Nil(t, got[2].Columns)

	assert.Equal(t, []int{3, 3, 1}, []int{got[0].RowCount, got[1].RowCount, got[2].RowCount})
	assert.Equal(t, []int{0, 1, 2}, []int{got[0].ChunkIndex, got[1].ChunkIndex, got[2].ChunkIndex})
	assert.False(t, got[0].IsLastChunk)
	assert.False(t, got[1].IsLastChunk)
	assert.True(t, got[2].IsLastChunk)
	assert.Equal(t, int64(7), got[2].TotalRowsSent)
}

func TestStreamEmptyResultEmitsOneChunk(t *testing.T) {
	inner := &bufferedInner{result: &types.QueryResult{Columns: []string{"id"}, Rows: [][]any{}}}

	var got []types.QueryChunk
	err := Stream(context.Background(), inner, "q", nil, 3, func(c types.QueryChunk) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsLastChunk)
	assert.Equal(t, []string{"id"}, got[0].Columns)
	assert.Zero(t, got[0].RowCount)
}

func TestStreamPassesThroughNativeChunks(t *testing.T) {
	inner := &streamingInner{chunks: []types.QueryChunk{
		{Columns: []string{"id"}, Rows: rowsOf(2)},
		{Rows: rowsOf(1), IsLastChunk: true},
	}}

	var got []types.QueryChunk
	err := Stream(context.Background(), inner, "q", nil, 3, func(c types.QueryChunk) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Chunk indices and timing were stamped on pass-through.
	assert.Equal(t, 0, got[0].ChunkIndex)
	assert.Equal(t, 1, got[1].ChunkIndex)
	assert.Equal(t, int64(3), got[1].TotalRowsSent)
	assert.True(t, got[1].IsLastChunk)
}

func TestStreamParamsForcesBufferedPath(t *testing.T) {
	inner := &streamingInner{
		bufferedInner: bufferedInner{result: &types.QueryResult{Columns: []string{"id"}, Rows: rowsOf(2)}},
		chunks:        []types.QueryChunk{{Rows: rowsOf(99), IsLastChunk: true}},
	}

	var got []types.QueryChunk
	err := Stream(context.Background(), inner, "q", map[string]any{"x": 1}, 10, func(c types.QueryChunk) error {
		got = append(got, c)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].RowCount)
}

func TestStreamPropagatesEmitError(t *testing.T) {
	inner := &bufferedInner{result: &types.QueryResult{Rows: rowsOf(5)}}
	sentinel := errors.New("client went away")
	err := Stream(context.Background(), inner, "q", nil, 2, func(types.QueryChunk) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestStreamPropagatesQueryError(t *testing.T) {
	inner := &bufferedInner{err: ErrQueryFailed}
	err := Stream(context.Background(), inner, "q", nil, 2, func(types.QueryChunk) error { return nil })
	assert.ErrorIs(t, err, ErrQueryFailed)
}
