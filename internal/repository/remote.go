package repository

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/graphnode/graphnode/internal/types"
)

// Remote is the graph-API client variant: queries travel over HTTP to the
// node hosting the graph. Streaming uses line-delimited JSON chunks.
type Remote struct {
	base    string
	graphID string
	token   string
	client  *http.Client
}

// NewRemote builds a Remote repository against a graph-API base URL.
func NewRemote(baseURL, graphID, token string) (*Remote, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" {
		return nil, fmt.Errorf("invalid base URL %q", baseURL)
	}
	return &Remote{
		base:    baseURL,
		graphID: graphID,
		token:   token,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}, nil
}

var _ Repository = (*Remote)(nil)

type queryRequest struct {
	Query  string         `json:"query"`
	Params map[string]any `json:"params,omitempty"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func (r *Remote) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.base+"/databases/"+url.PathEscape(r.graphID)+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var envelope errorEnvelope
		if derr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&envelope); derr == nil && envelope.Error != "" {
			return nil, fmt.Errorf("%w: %s (status %d)", ErrQueryFailed, envelope.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d", ErrQueryFailed, resp.StatusCode)
	}
	return resp, nil
}

// ExecuteQuery runs a query remotely and buffers the full result.
func (r *Remote) ExecuteQuery(ctx context.Context, query string, params map[string]any) (*types.QueryResult, error) {
	resp, err := r.post(ctx, "/query", queryRequest{Query: query, Params: params}, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var result types.QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrQueryFailed, err)
	}
	return &result, nil
}

// ExecuteSingle returns the first row of a remote query.
func (r *Remote) ExecuteSingle(ctx context.Context, query string, params map[string]any) ([]any, error) {
	result, err := r.ExecuteQuery(ctx, query, params)
	if err != nil {
		return nil, err
	}
	if len(result.Rows) == 0 {
		return nil, nil
	}
	return result.Rows[0], nil
}

// ExecuteTransaction runs statements atomically on the remote node.
func (r *Remote) ExecuteTransaction(ctx context.Context, statements []string) error {
	resp, err := r.post(ctx, "/transaction", map[string]any{"statements": statements}, "application/json")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CountNodes counts nodes remotely.
func (r *Remote) CountNodes(ctx context.Context, label string) (int64, error) {
	query := "MATCH (n) RETURN count(n)"
	if label != "" {
		query = fmt.Sprintf("MATCH (n:%s) RETURN count(n)", label)
	}
	row, err := r.ExecuteSingle(ctx, query, nil)
	if err != nil {
		return 0, err
	}
	if len(row) == 0 {
		return 0, nil
	}
	// JSON numbers decode as float64.
	if f, ok := row[0].(float64); ok {
		return int64(f), nil
	}
	return 0, fmt.Errorf("%w: unexpected count type %T", ErrQueryFailed, row[0])
}

// NodeExists reports whether a node with the identifier exists remotely.
func (r *Remote) NodeExists(ctx context.Context, label, identifier string) (bool, error) {
	query := fmt.Sprintf("MATCH (n:%s) WHERE n.identifier = $identifier RETURN 1 LIMIT 1", label)
	row, err := r.ExecuteSingle(ctx, query, map[string]any{"identifier": identifier})
	if err != nil {
		return false, err
	}
	return len(row) > 0, nil
}

// HealthCheck probes the remote node.
func (r *Remote) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.base+"/health", nil)
	if err != nil {
		return err
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrQueryFailed, resp.StatusCode)
	}
	return nil
}

// ExecuteQueryStreaming consumes the remote node's line-delimited chunk
// stream and forwards each chunk. A chunk carrying an error terminates the
// stream with that error after forwarding it.
func (r *Remote) ExecuteQueryStreaming(ctx context.Context, query string, chunkSize int, emit func(types.QueryChunk) error) error {
	resp, err := r.post(ctx, "/query", queryRequest{Query: query}, "application/x-ndjson")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk types.QueryChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("%w: decoding chunk: %v", ErrQueryFailed, err)
		}
		if err := emit(chunk); err != nil {
			return err
		}
		if chunk.Error != "" {
			return fmt.Errorf("%w: %s", ErrQueryFailed, chunk.Error)
		}
		if chunk.IsLastChunk {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: reading stream: %v", ErrQueryFailed, err)
	}
	return fmt.Errorf("%w: stream ended without a terminal chunk", ErrQueryFailed)
}

// Close is a no-op for the remote variant.
func (r *Remote) Close() error { return nil }
