package graphdb

import (
	"fmt"
	"strings"
)

// engineTypes maps catalog property types to the graph engine's types.
// Unknown types default to STRING.
var engineTypes = map[string]string{
	"STRING":    "STRING",
	"INT64":     "INT64",
	"INT32":     "INT32",
	"DOUBLE":    "DOUBLE",
	"FLOAT":     "FLOAT",
	"BOOLEAN":   "BOOLEAN",
	"TIMESTAMP": "TIMESTAMP",
	"DATE":      "DATE",
	"BLOB":      "BLOB",
}

func engineType(t string) string {
	if mapped, ok := engineTypes[strings.ToUpper(t)]; ok {
		return mapped
	}
	return "STRING"
}

// NodeTableDDL emits the CREATE NODE TABLE statement for a catalog node
// type.
func NodeTableDDL(n NodeType) string {
	cols := make([]string, 0, len(n.Properties))
	for _, p := range n.Properties {
		cols = append(cols, fmt.Sprintf("%s %s", p.Name, engineType(p.Type)))
	}
	return fmt.Sprintf("CREATE NODE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
		n.Name, strings.Join(cols, ", "), n.PrimaryKey)
}

// RelTableDDL emits the CREATE REL TABLE statement for a catalog
// relationship type.
func RelTableDDL(r RelType) string {
	if len(r.Properties) == 0 {
		return fmt.Sprintf("CREATE REL TABLE IF NOT EXISTS %s (FROM %s TO %s)", r.Name, r.From, r.To)
	}
	props := make([]string, 0, len(r.Properties))
	for _, p := range r.Properties {
		props = append(props, fmt.Sprintf("%s %s", p.Name, engineType(p.Type)))
	}
	return fmt.Sprintf("CREATE REL TABLE IF NOT EXISTS %s (FROM %s TO %s, %s)",
		r.Name, r.From, r.To, strings.Join(props, ", "))
}

// CatalogDDL emits DDL for a catalog subset: all node tables first, then
// every relationship whose endpoints exist in the subset.
func CatalogDDL(nodes []NodeType, rels []RelType) []string {
	known := make(map[string]bool, len(nodes))
	stmts := make([]string, 0, len(nodes)+len(rels))
	for _, n := range nodes {
		known[n.Name] = true
		stmts = append(stmts, NodeTableDDL(n))
	}
	for _, r := range rels {
		if known[r.From] && known[r.To] {
			stmts = append(stmts, RelTableDDL(r))
		}
	}
	return stmts
}

// SplitStatements splits caller-supplied custom DDL on semicolons, dropping
// empty statements.
func SplitStatements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			stmts = append(stmts, p)
		}
	}
	return stmts
}

// fallbackDDL is the minimal schema applied when the requested schema fails:
// two node tables and one relationship, enough for a graph to accept
// ingestion while the schema problem is investigated.
var fallbackDDL = []string{
	"CREATE NODE TABLE IF NOT EXISTS Entity (identifier STRING, name STRING, PRIMARY KEY (identifier))",
	"CREATE NODE TABLE IF NOT EXISTS Document (identifier STRING, title STRING, PRIMARY KEY (identifier))",
	"CREATE REL TABLE IF NOT EXISTS RELATED (FROM Entity TO Entity)",
}
