package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/graphnode/graphnode/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	results, err := s.graphs.HealthCheckAll(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	healthy := true
	for _, ok := range results {
		if !ok {
			healthy = false
			break
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":   healthy,
		"databases": results,
	})
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	capacity, err := s.graphs.Capacity()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capacity)
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req types.CreateDatabaseRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var resp *types.CreateDatabaseResponse
	err := s.withCredits(r.Context(), req.GraphID, "create_database", s.opts.Costs.CreateDatabase, func() error {
		var err error
		resp, err = s.graphs.CreateDatabase(r.Context(), req)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListDatabases(w http.ResponseWriter, r *http.Request) {
	info, err := s.graphs.GetAllDatabasesInfo(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetDatabase(w http.ResponseWriter, r *http.Request) {
	info, err := s.graphs.GetDatabaseInfo(r.Context(), r.PathValue("graphID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteDatabase(w http.ResponseWriter, r *http.Request) {
	if err := s.graphs.DeleteDatabase(r.Context(), r.PathValue("graphID")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type createTableRequest struct {
	TableName string `json:"table_name"`
	// S3Pattern is either a single glob string or an array of object paths.
	S3Pattern json.RawMessage `json:"s3_pattern"`
}

func (r createTableRequest) source() (types.TableSource, error) {
	var pattern string
	if err := json.Unmarshal(r.S3Pattern, &pattern); err == nil {
		return types.TableSource{Pattern: pattern}, nil
	}
	var files []string
	if err := json.Unmarshal(r.S3Pattern, &files); err == nil {
		return types.TableSource{Files: files}, nil
	}
	return types.TableSource{}, fmt.Errorf("s3_pattern must be a string or an array of strings")
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req createTableRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	source, err := req.source()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	resp, err := s.staging.CreateTable(r.Context(), r.PathValue("graphID"), req.TableName, source)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.staging.ListTables(r.Context(), r.PathValue("graphID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tables": tables})
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request) {
	if err := s.staging.DeleteTable(r.Context(), r.PathValue("graphID"), r.PathValue("table")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleRefreshTable(w http.ResponseWriter, r *http.Request) {
	if err := s.staging.RefreshTable(r.Context(), r.PathValue("graphID"), r.PathValue("table")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.opts.ReadOnly {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "node is read-only"})
		return
	}
	graphID := r.PathValue("graphID")
	var opts types.IngestOptions
	if r.ContentLength > 0 {
		if err := decodeBody(r, &opts); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	var result *types.IngestResult
	err := s.withCredits(r.Context(), graphID, "ingest", s.opts.Costs.Ingest, func() error {
		var err error
		result, err = s.ingest.IngestTable(r.Context(), graphID, r.PathValue("table"), opts)
		return err
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type queryRequest struct {
	Query string `json:"query"`
	// Params binds named Cypher parameters on the graph path.
	Params map[string]any `json:"params,omitempty"`
	// Parameters binds positional ? placeholders on the staging SQL path.
	Parameters []any `json:"parameters,omitempty"`
}

// responseMode selects the query response shape from the Accept header.
func responseMode(r *http.Request) string {
	accept := r.Header.Get("Accept")
	switch {
	case strings.Contains(accept, "text/event-stream"):
		return "sse"
	case strings.Contains(accept, "application/x-ndjson"):
		return "ndjson"
	default:
		return "json"
	}
}

func (s *Server) handleStagingQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	graphID := r.PathValue("graphID")

	err := s.withCredits(r.Context(), graphID, "query", s.opts.Costs.Query, func() error {
		switch responseMode(r) {
		case "sse":
			return s.streamSSE(w, r, func(emit func(types.QueryChunk) error) error {
				return s.staging.QueryStreaming(r.Context(), graphID, req.Query, req.Parameters, emit)
			})
		case "ndjson":
			return s.streamNDJSON(w, func(emit func(types.QueryChunk) error) error {
				return s.staging.QueryStreaming(r.Context(), graphID, req.Query, req.Parameters, emit)
			})
		default:
			result, err := s.staging.Query(r.Context(), graphID, req.Query, req.Parameters)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, result)
			return nil
		}
	})
	if err != nil {
		s.maybeWriteError(w, err)
	}
}

func (s *Server) handleGraphQuery(w http.ResponseWriter, r *http.Request) {
	if s.repos == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "graph queries not available"})
		return
	}
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	graphID := r.PathValue("graphID")
	repo, err := s.repos(graphID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	err = s.withCredits(r.Context(), graphID, "query", s.opts.Costs.Query, func() error {
		switch responseMode(r) {
		case "sse":
			return s.streamSSE(w, r, func(emit func(types.QueryChunk) error) error {
				return repo.ExecuteQueryStreaming(r.Context(), req.Query, 0, emit)
			})
		case "ndjson":
			return s.streamNDJSON(w, func(emit func(types.QueryChunk) error) error {
				return repo.ExecuteQueryStreaming(r.Context(), req.Query, 0, emit)
			})
		default:
			result, err := repo.ExecuteQuery(r.Context(), req.Query, req.Params)
			if err != nil {
				return err
			}
			writeJSON(w, http.StatusOK, result)
			return nil
		}
	})
	if err != nil {
		s.maybeWriteError(w, err)
	}
}

func (s *Server) handleGraphTransaction(w http.ResponseWriter, r *http.Request) {
	if s.repos == nil {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "graph queries not available"})
		return
	}
	var req struct {
		Statements []string `json:"statements"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	repo, err := s.repos(r.PathValue("graphID"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := repo.ExecuteTransaction(r.Context(), req.Statements); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}
