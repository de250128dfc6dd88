package inframonitor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/graphnode/graphnode/internal/pathsafe"
)

// Watcher observes the graph data directory and reports database files
// appearing or disappearing outside the engine's control (volume swaps,
// manual operator intervention).
type Watcher struct {
	fs  *fsnotify.Watcher
	log *slog.Logger
	// OnChange is invoked with the affected graph ID. Optional.
	OnChange func(graphID string, removed bool)
}

// NewWatcher starts watching the data directory.
func NewWatcher(dataDir string, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(dataDir); err != nil {
		fs.Close()
		return nil, err
	}
	return &Watcher{fs: fs, log: log}, nil
}

// Run consumes filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("data directory watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := event.Name
	if !strings.HasSuffix(name, pathsafe.GraphExt) {
		return
	}
	graphID := strings.TrimSuffix(name[strings.LastIndex(name, "/")+1:], pathsafe.GraphExt)

	switch {
	case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
		w.log.Warn("graph database file removed outside the engine", "graph", graphID)
		if w.OnChange != nil {
			w.OnChange(graphID, true)
		}
	case event.Has(fsnotify.Create):
		w.log.Info("graph database file appeared", "graph", graphID)
		if w.OnChange != nil {
			w.OnChange(graphID, false)
		}
	}
}
