package graphdb

import (
	"fmt"

	kuzu "github.com/kuzudb/go-kuzu"
)

// engineDB and engineConn are the slices of the embedded engine the pool and
// bootstrap touch. The hooks below construct the real engine; tests swap
// them for stubs so pool invariants are checkable without a native runtime.
type engineDB interface {
	Close()
}

type engineConn interface {
	Query(query string) (*kuzu.QueryResult, error)
	Prepare(query string) (*kuzu.PreparedStatement, error)
	Execute(stmt *kuzu.PreparedStatement, params map[string]any) (*kuzu.QueryResult, error)
	Close()
}

var (
	kuzuOpenDatabase = func(path string, cfg kuzu.SystemConfig) (engineDB, error) {
		return kuzu.OpenDatabase(path, cfg)
	}
	kuzuOpenConnection = func(db engineDB) (engineConn, error) {
		return kuzu.OpenConnection(db.(*kuzu.Database))
	}
)

// execAll runs DDL statements in order, closing each result. The first
// failure stops execution.
func execAll(conn engineConn, stmts []string) error {
	for _, s := range stmts {
		res, err := conn.Query(s)
		if err != nil {
			return fmt.Errorf("executing %q: %w", s, err)
		}
		if res != nil {
			res.Close()
		}
	}
	return nil
}
