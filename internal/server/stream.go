package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/graphnode/graphnode/internal/types"
)

// errStreamed marks a failure that happened after the response status was
// committed; the error has already been delivered in-band.
var errStreamed = errors.New("error delivered in stream")

// streamNDJSON writes one JSON chunk per line.
func (s *Server) streamNDJSON(w http.ResponseWriter, run func(emit func(types.QueryChunk) error) error) error {
	w.Header().Set("Content-Type", "application/x-ndjson")

	flusher, _ := w.(http.Flusher)
	started := false
	enc := json.NewEncoder(w)

	err := run(func(chunk types.QueryChunk) error {
		if !started {
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if err := enc.Encode(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && started {
		return fmt.Errorf("%w: %w", errStreamed, err)
	}
	return err
}

// streamSSE writes the chunk stream as server-sent events: a started event,
// chunk events with progress every chunk, then completed or error.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, run func(emit func(types.QueryChunk) error) error) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return errors.New("streaming unsupported by connection")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(event string, payload any) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := writeEvent("started", map[string]any{}); err != nil {
		return fmt.Errorf("%w: %w", errStreamed, err)
	}

	var last types.QueryChunk
	err := run(func(chunk types.QueryChunk) error {
		last = chunk
		if chunk.Error != "" {
			return nil // terminal error event follows below
		}
		if err := writeEvent("chunk", chunk); err != nil {
			return err
		}
		return writeEvent("progress", map[string]any{
			"chunk_index":     chunk.ChunkIndex,
			"total_rows_sent": chunk.TotalRowsSent,
		})
	})
	if err != nil || last.Error != "" {
		msg := last.Error
		if msg == "" {
			msg = err.Error()
		}
		_ = writeEvent("error", map[string]string{"error": msg})
		if err == nil {
			err = errors.New(msg)
		}
		return fmt.Errorf("%w: %w", errStreamed, err)
	}

	if err := writeEvent("completed", map[string]any{
		"total_rows_sent":   last.TotalRowsSent,
		"execution_time_ms": last.ExecutionTimeMS,
	}); err != nil {
		return fmt.Errorf("%w: %w", errStreamed, err)
	}
	return nil
}
