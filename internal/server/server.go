// Package server exposes the node's HTTP surface: database lifecycle,
// staging tables, queries with batch/line-delimited/SSE responses, and
// ingestion, with bearer-token auth and credit gating.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/graphnode/graphnode/internal/config"
	"github.com/graphnode/graphnode/internal/credits"
	"github.com/graphnode/graphnode/internal/repository"
	"github.com/graphnode/graphnode/internal/types"
)

// GraphManager is the graph lifecycle surface the server drives.
type GraphManager interface {
	CreateDatabase(ctx context.Context, req types.CreateDatabaseRequest) (*types.CreateDatabaseResponse, error)
	DeleteDatabase(ctx context.Context, graphID string) error
	GetDatabaseInfo(ctx context.Context, graphID string) (*types.DatabaseInfo, error)
	GetAllDatabasesInfo(ctx context.Context) (*types.AllDatabasesInfo, error)
	Capacity() (types.CapacityInfo, error)
	HealthCheckAll(ctx context.Context) (map[string]bool, error)
}

// StagingManager is the staging-table surface the server drives.
type StagingManager interface {
	CreateTable(ctx context.Context, graphID, table string, source types.TableSource) (*types.CreateTableResponse, error)
	ListTables(ctx context.Context, graphID string) ([]string, error)
	DeleteTable(ctx context.Context, graphID, table string) error
	RefreshTable(ctx context.Context, graphID, table string) error
	Query(ctx context.Context, graphID, query string, params []any) (*types.QueryResult, error)
	QueryStreaming(ctx context.Context, graphID, query string, params []any, emit func(types.QueryChunk) error) error
}

// Ingestor runs staged-table ingestion.
type Ingestor interface {
	IngestTable(ctx context.Context, graphID, table string, opts types.IngestOptions) (*types.IngestResult, error)
}

// CreditGate is the slice of the credit engine the server consumes.
type CreditGate interface {
	ResolvePool(ctx context.Context, ownerType, ownerID string) (*credits.Pool, error)
	Reserve(ctx context.Context, req credits.ReserveRequest) (*credits.Reservation, error)
	Confirm(ctx context.Context, reservationID, operation string, finalMetadata map[string]any) error
	Cancel(ctx context.Context, reservationID, reason string) error
}

// Options configures the server.
type Options struct {
	Addr  string
	Token string
	// ReadOnly rejects ingestion on this node.
	ReadOnly bool
	Costs    config.CreditCosts
}

// Server is the HTTP surface for one node.
type Server struct {
	opts    Options
	graphs  GraphManager
	staging StagingManager
	ingest  Ingestor
	gate    CreditGate
	// repos resolves the repository variant serving a graph's queries.
	repos func(graphID string) (repository.Repository, error)
	log   *slog.Logger

	http *http.Server
}

// New wires the server. A nil gate disables credit gating; a nil repos
// disables the graph query endpoints.
func New(opts Options, graphs GraphManager, staging StagingManager, ingest Ingestor, gate CreditGate, repos func(string) (repository.Repository, error), log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{opts: opts, graphs: graphs, staging: staging, ingest: ingest, gate: gate, repos: repos, log: log}
	s.http = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /capacity", s.auth(s.handleCapacity))

	mux.HandleFunc("POST /databases", s.auth(s.handleCreateDatabase))
	mux.HandleFunc("GET /databases", s.auth(s.handleListDatabases))
	mux.HandleFunc("GET /databases/{graphID}", s.auth(s.handleGetDatabase))
	mux.HandleFunc("DELETE /databases/{graphID}", s.auth(s.handleDeleteDatabase))

	mux.HandleFunc("POST /databases/{graphID}/query", s.auth(s.handleGraphQuery))
	mux.HandleFunc("POST /databases/{graphID}/transaction", s.auth(s.handleGraphTransaction))

	mux.HandleFunc("POST /databases/{graphID}/tables", s.auth(s.handleCreateTable))
	mux.HandleFunc("GET /databases/{graphID}/tables", s.auth(s.handleListTables))
	mux.HandleFunc("DELETE /databases/{graphID}/tables/{table}", s.auth(s.handleDeleteTable))
	mux.HandleFunc("POST /databases/{graphID}/tables/{table}/refresh", s.auth(s.handleRefreshTable))
	mux.HandleFunc("POST /databases/{graphID}/tables/query", s.auth(s.handleStagingQuery))
	mux.HandleFunc("POST /databases/{graphID}/tables/{table}/ingest", s.auth(s.handleIngest))

	return mux
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.opts.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// auth enforces the bearer token when one is configured.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	if s.opts.Token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+s.opts.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

// withCredits gates an operation on a reserve/confirm/cancel cycle against
// the graph's credit pool. Graphs without a pool run ungated; a failure of
// the gated operation cancels the reservation for a full refund.
func (s *Server) withCredits(ctx context.Context, graphID, operation string, cost float64, fn func() error) error {
	if s.gate == nil || cost <= 0 {
		return fn()
	}
	pool, err := s.gate.ResolvePool(ctx, credits.OwnerGraph, graphID)
	if errors.Is(err, credits.ErrNotFound) {
		return fn()
	}
	if err != nil {
		return err
	}

	res, err := s.gate.Reserve(ctx, credits.ReserveRequest{
		PoolID:    pool.ID,
		Amount:    cost,
		Operation: operation,
	})
	if err != nil {
		return err
	}

	if err := fn(); err != nil {
		if cerr := s.gate.Cancel(context.WithoutCancel(ctx), res.ID, "operation failed"); cerr != nil {
			s.log.Warn("failed to cancel reservation", "reservation", res.ID, "error", cerr)
		}
		return err
	}
	if cerr := s.gate.Confirm(ctx, res.ID, operation, nil); cerr != nil {
		// The work already succeeded; the credits will expire back.
		s.log.Warn("failed to confirm reservation", "reservation", res.ID, "error", cerr)
	}
	return nil
}
