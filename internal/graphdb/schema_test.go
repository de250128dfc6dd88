package graphdb

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeTableDDL(t *testing.T) {
	n := NodeType{
		Name:       "Entity",
		PrimaryKey: "identifier",
		Properties: []Property{
			{Name: "identifier", Type: "STRING"},
			{Name: "weight", Type: "DOUBLE"},
			{Name: "mystery", Type: "GEOMETRY"},
		},
	}
	assert.Equal(t,
		"CREATE NODE TABLE IF NOT EXISTS Entity (identifier STRING, weight DOUBLE, mystery STRING, PRIMARY KEY (identifier))",
		NodeTableDDL(n))
}

func TestRelTableDDL(t *testing.T) {
	assert.Equal(t,
		"CREATE REL TABLE IF NOT EXISTS RELATED (FROM Entity TO Entity)",
		RelTableDDL(RelType{Name: "RELATED", From: "Entity", To: "Entity"}))

	assert.Equal(t,
		"CREATE REL TABLE IF NOT EXISTS MENTIONS (FROM Document TO Entity, count INT64)",
		RelTableDDL(RelType{
			Name: "MENTIONS", From: "Document", To: "Entity",
			Properties: []Property{{Name: "count", Type: "int64"}},
		}))
}

func TestCatalogDDLSkipsDanglingRels(t *testing.T) {
	nodes := []NodeType{{Name: "A", PrimaryKey: "id", Properties: []Property{{Name: "id", Type: "STRING"}}}}
	rels := []RelType{
		{Name: "SELF", From: "A", To: "A"},
		{Name: "DANGLING", From: "A", To: "Missing"},
	}
	stmts := CatalogDDL(nodes, rels)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[1], "SELF")
}

func TestSplitStatements(t *testing.T) {
	stmts := SplitStatements("  CREATE NODE TABLE a (id STRING, PRIMARY KEY (id)) ;\n; CREATE REL TABLE r (FROM a TO a);")
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE NODE TABLE a (id STRING, PRIMARY KEY (id))", stmts[0])
}

func TestCatalogForRepository(t *testing.T) {
	c, err := LoadCatalog()
	require.NoError(t, err)

	baseNodes, baseRels := c.ForRepository("unknown-repo")
	secNodes, secRels := c.ForRepository("sec")

	assert.Greater(t, len(secNodes), len(baseNodes))
	assert.Greater(t, len(secRels), len(baseRels))

	// Extension rels only materialize when their endpoints are in scope.
	stmts := CatalogDDL(secNodes, secRels)
	joined := ""
	for _, s := range stmts {
		joined += s + "\n"
	}
	assert.Contains(t, joined, "FILED_BY")
	assert.Contains(t, joined, "Filing")

	baseStmts := CatalogDDL(baseNodes, baseRels)
	for _, s := range baseStmts {
		assert.NotContains(t, s, "Filing")
	}
}

func TestFallbackDDLIsSelfContained(t *testing.T) {
	require.Len(t, fallbackDDL, 3)
	for _, s := range fallbackDDL {
		assert.Contains(t, s, "IF NOT EXISTS")
	}
	// The rel's endpoints are created by the preceding statements.
	assert.Contains(t, fallbackDDL[0], "Entity")
	assert.Contains(t, fallbackDDL[2], "FROM Entity TO Entity")
}

func TestKeyedMutexIsolation(t *testing.T) {
	km := newKeyedMutex()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"a", "b", "c"}[i%3]
			km.withKey(key, func(dp *dbPool) {
				dp.conns = append(dp.conns, &Conn{graphID: key})
			})
		}(i)
	}
	wg.Wait()

	total := 0
	for _, key := range km.keys() {
		km.withKey(key, func(dp *dbPool) { total += len(dp.conns) })
	}
	assert.Equal(t, 16, total)

	km.drop("a")
	assert.Len(t, km.keys(), 2)
}
