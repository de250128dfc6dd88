package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphnode/graphnode/internal/config"
	"github.com/graphnode/graphnode/internal/credits"
	"github.com/graphnode/graphnode/internal/graphdb"
	"github.com/graphnode/graphnode/internal/registry"
	"github.com/graphnode/graphnode/internal/types"
)

type fakeGraphManager struct {
	createErr error
	deleteErr error
	created   []types.CreateDatabaseRequest
	deleted   []string
}

func (f *fakeGraphManager) CreateDatabase(_ context.Context, req types.CreateDatabaseRequest) (*types.CreateDatabaseResponse, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &types.CreateDatabaseResponse{Status: "created", GraphID: req.GraphID}, nil
}

func (f *fakeGraphManager) DeleteDatabase(_ context.Context, graphID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, graphID)
	return nil
}

func (f *fakeGraphManager) GetDatabaseInfo(_ context.Context, graphID string) (*types.DatabaseInfo, error) {
	if graphID == "kg_absent" {
		return nil, fmt.Errorf("%w: %s", graphdb.ErrNotFound, graphID)
	}
	return &types.DatabaseInfo{GraphID: graphID, IsHealthy: true}, nil
}

func (f *fakeGraphManager) GetAllDatabasesInfo(context.Context) (*types.AllDatabasesInfo, error) {
	return &types.AllDatabasesInfo{Databases: []types.DatabaseInfo{}, Capacity: types.CapacityInfo{MaxDatabases: 50}}, nil
}

func (f *fakeGraphManager) Capacity() (types.CapacityInfo, error) {
	return types.CapacityInfo{MaxDatabases: 50, CurrentDatabases: 5, CapacityRemaining: 45, UtilizationPercent: 10}, nil
}

func (f *fakeGraphManager) HealthCheckAll(context.Context) (map[string]bool, error) {
	return map[string]bool{"kg_demo": true}, nil
}

type fakeStagingManager struct {
	queryErr    error
	streamErrAt int // emit an error chunk after this many chunks; 0 disables
	lastQuery   string
	lastParams  []any
}

func (f *fakeStagingManager) CreateTable(_ context.Context, _, table string, source types.TableSource) (*types.CreateTableResponse, error) {
	kind := types.TableNode
	if source.IsList() {
		kind = types.TableEdge
	}
	return &types.CreateTableResponse{Status: "created", TableName: table, Kind: kind, RowCount: 3}, nil
}

func (f *fakeStagingManager) ListTables(context.Context, string) ([]string, error) {
	return []string{"Entity"}, nil
}

func (f *fakeStagingManager) DeleteTable(context.Context, string, string) error { return nil }

func (f *fakeStagingManager) RefreshTable(_ context.Context, _, table string) error {
	if table == "Missing" {
		return fmt.Errorf("%w: no completed files for %s", registry.ErrNotFound, table)
	}
	return nil
}

func (f *fakeStagingManager) Query(_ context.Context, _, query string, params []any) (*types.QueryResult, error) {
	f.lastQuery, f.lastParams = query, params
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &types.QueryResult{Columns: []string{"n"}, Rows: [][]any{{1.0}, {2.0}}, RowCount: 2}, nil
}

func (f *fakeStagingManager) QueryStreaming(_ context.Context, _, query string, params []any, emit func(types.QueryChunk) error) error {
	f.lastQuery, f.lastParams = query, params
	if err := emit(types.QueryChunk{Columns: []string{"n"}, Rows: [][]any{{1.0}}, ChunkIndex: 0, RowCount: 1, TotalRowsSent: 1}); err != nil {
		return err
	}
	if f.streamErrAt > 0 {
		if err := emit(types.QueryChunk{ChunkIndex: 1, IsLastChunk: true, Error: "engine failed mid-stream", ErrorType: "query_failed"}); err != nil {
			return err
		}
		return errors.New("engine failed mid-stream")
	}
	return emit(types.QueryChunk{Rows: [][]any{{2.0}}, ChunkIndex: 1, IsLastChunk: true, RowCount: 1, TotalRowsSent: 2})
}

type fakeIngestor struct {
	result *types.IngestResult
	got    types.IngestOptions
}

func (f *fakeIngestor) IngestTable(_ context.Context, _, _ string, opts types.IngestOptions) (*types.IngestResult, error) {
	f.got = opts
	if f.result != nil {
		return f.result, nil
	}
	return &types.IngestResult{Status: "ingested", RowsIngested: 10}, nil
}

func newTestServer(t *testing.T, opts Options, gate CreditGate) (*Server, *fakeGraphManager, *fakeStagingManager, *fakeIngestor) {
	t.Helper()
	graphs := &fakeGraphManager{}
	staging := &fakeStagingManager{}
	ing := &fakeIngestor{}
	s := New(opts, graphs, staging, ing, gate, nil, slog.New(slog.DiscardHandler))
	return s, graphs, staging, ing
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthRequired(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{Token: "secret"}, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/capacity", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/capacity", nil, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open for load balancers.
	rec = doJSON(t, h, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateDatabase(t *testing.T) {
	s, graphs, _, _ := newTestServer(t, Options{}, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/databases",
		types.CreateDatabaseRequest{GraphID: "kg_demo", SchemaType: types.SchemaEntity}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, graphs.created, 1)
	assert.Equal(t, "kg_demo", graphs.created[0].GraphID)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: bad id", graphdb.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: exists", graphdb.ErrAlreadyExists), http.StatusConflict},
		{fmt.Errorf("%w: full", graphdb.ErrCapacityExceeded), http.StatusInsufficientStorage},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s, graphs, _, _ := newTestServer(t, Options{}, nil)
		graphs.createErr = tt.err
		rec := doJSON(t, s.Handler(), http.MethodPost, "/databases",
			types.CreateDatabaseRequest{GraphID: "kg_demo"}, nil)
		assert.Equal(t, tt.status, rec.Code, tt.err.Error())
	}
}

func TestGetDatabaseNotFound(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{}, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/databases/kg_absent", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateTablePatternAndList(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{}, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/databases/kg_demo/tables",
		map[string]any{"table_name": "Entity", "s3_pattern": "s3://b/u/g/Entity/**/*.parquet"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp types.CreateTableResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.TableNode, resp.Kind)

	rec = doJSON(t, h, http.MethodPost, "/databases/kg_demo/tables",
		map[string]any{"table_name": "EDGE", "s3_pattern": []string{"s3://b/f1.parquet"}}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.TableEdge, resp.Kind)

	rec = doJSON(t, h, http.MethodPost, "/databases/kg_demo/tables",
		map[string]any{"table_name": "bad", "s3_pattern": 42}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshTable(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{}, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/databases/kg_demo/tables/Entity/refresh", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "refreshed")

	rec = doJSON(t, h, http.MethodPost, "/databases/kg_demo/tables/Missing/refresh", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStagingQueryBatch(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/databases/kg_demo/tables/query",
		map[string]string{"query": "SELECT * FROM Entity"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result types.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 2, result.RowCount)
}

func TestStagingQueryBindsParameters(t *testing.T) {
	s, _, staging, _ := newTestServer(t, Options{}, nil)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/databases/kg_demo/tables/query",
		map[string]any{"query": "SELECT * FROM Entity WHERE id = ?", "parameters": []any{7, "x"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{7.0, "x"}, staging.lastParams)

	// Streaming path forwards them too.
	rec = doJSON(t, h, http.MethodPost, "/databases/kg_demo/tables/query",
		map[string]any{"query": "SELECT ?", "parameters": []any{42}},
		map[string]string{"Accept": "application/x-ndjson"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{42.0}, staging.lastParams)
}

func TestStagingQueryNDJSON(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/databases/kg_demo/tables/query",
		map[string]string{"query": "SELECT 1"},
		map[string]string{"Accept": "application/x-ndjson"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))

	var chunks []types.QueryChunk
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		var c types.QueryChunk
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &c))
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, []string{"n"}, chunks[0].Columns)
	assert.True(t, chunks[1].IsLastChunk)
}

func TestStagingQuerySSE(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/databases/kg_demo/tables/query",
		map[string]string{"query": "SELECT 1"},
		map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: started")
	assert.Contains(t, body, "event: chunk")
	assert.Contains(t, body, "event: progress")
	assert.Contains(t, body, "event: completed")
}

func TestStagingQuerySSEError(t *testing.T) {
	s, _, staging, _ := newTestServer(t, Options{}, nil)
	staging.streamErrAt = 1
	rec := doJSON(t, s.Handler(), http.MethodPost, "/databases/kg_demo/tables/query",
		map[string]string{"query": "SELECT broken"},
		map[string]string{"Accept": "text/event-stream"})
	// The stream already committed 200; the failure arrives as an event.
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.Contains(t, body, "engine failed mid-stream")
	assert.NotContains(t, body, "event: completed")
}

func TestIngestReadOnlyNode(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{ReadOnly: true}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/databases/kg_demo/tables/Entity/ingest", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestIngestPassesOptions(t *testing.T) {
	s, _, _, ing := newTestServer(t, Options{}, nil)
	rec := doJSON(t, s.Handler(), http.MethodPost, "/databases/kg_demo/tables/Entity/ingest",
		types.IngestOptions{IgnoreErrors: true, Rebuild: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ing.got.IgnoreErrors)
	assert.True(t, ing.got.Rebuild)
}

func TestCreditGating(t *testing.T) {
	gate, err := credits.Open(":memory:", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer gate.Close()

	ctx := context.Background()
	pool, err := gate.CreatePool(ctx, credits.OwnerGraph, "kg_demo", 15)
	require.NoError(t, err)

	costs := config.CreditCosts{CreateDatabase: 10, Query: 0.1, Ingest: 1}
	s, graphs, _, _ := newTestServer(t, Options{Costs: costs}, gate)
	h := s.Handler()

	// First create succeeds and consumes 10 credits.
	rec := doJSON(t, h, http.MethodPost, "/databases",
		types.CreateDatabaseRequest{GraphID: "kg_demo"}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	p, err := gate.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5, p.CurrentBalance, 0.001)

	// Second create cannot afford another 10.
	rec = doJSON(t, h, http.MethodPost, "/databases",
		types.CreateDatabaseRequest{GraphID: "kg_demo2"}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code) // different graph, no pool, ungated

	rec = doJSON(t, h, http.MethodPost, "/databases",
		types.CreateDatabaseRequest{GraphID: "kg_demo"}, nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.InDelta(t, 5, payload["available"].(float64), 0.001)
	assert.InDelta(t, 10, payload["required"].(float64), 0.001)

	// A failing operation refunds the reservation.
	graphs.createErr = errors.New("disk exploded")
	rec = doJSON(t, h, http.MethodPost, "/databases",
		types.CreateDatabaseRequest{GraphID: "kg_demo"}, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	// Cost 10 > balance 5, so the reserve itself failed; balance unchanged.
	p, err = gate.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.InDelta(t, 5, p.CurrentBalance, 0.001)
}

func TestCreditRefundOnFailure(t *testing.T) {
	gate, err := credits.Open(":memory:", slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer gate.Close()

	ctx := context.Background()
	pool, err := gate.CreatePool(ctx, credits.OwnerGraph, "kg_demo", 100)
	require.NoError(t, err)

	s, graphs, _, _ := newTestServer(t, Options{Costs: config.CreditCosts{CreateDatabase: 10}}, gate)
	graphs.createErr = errors.New("disk exploded")

	rec := doJSON(t, s.Handler(), http.MethodPost, "/databases",
		types.CreateDatabaseRequest{GraphID: "kg_demo"}, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	p, err := gate.GetPool(ctx, pool.ID)
	require.NoError(t, err)
	assert.InDelta(t, 100, p.CurrentBalance, 0.001)
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _, _ := newTestServer(t, Options{}, nil)
	rec := doJSON(t, s.Handler(), http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "kg_demo"))
}
