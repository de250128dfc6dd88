package pathsafe

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateGraphID(t *testing.T) {
	valid := []string{"kg_demo", "a", "A-1_b", "0123456789"}
	for _, id := range valid {
		assert.NoError(t, ValidateGraphID(id), id)
	}

	invalid := []string{
		"",
		"../evil",
		"a/b",
		`a\b`,
		"a.b",
		"a b",
		"a\x00b",
		"héllo",
		"semi;colon",
		string(make([]byte, MaxGraphIDLen+1)),
	}
	for _, id := range invalid {
		err := ValidateGraphID(id)
		require.Error(t, err, "%q should be rejected", id)
		assert.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestValidateTableName(t *testing.T) {
	assert.NoError(t, ValidateTableName("Entity"))
	assert.NoError(t, ValidateTableName("EDGE_2"))

	for _, name := range []string{"", `t"t`, "t;DROP TABLE x", "t t", "du.ck"} {
		assert.ErrorIs(t, ValidateTableName(name), ErrInvalidArgument, name)
	}
}

func TestQuoteIdent(t *testing.T) {
	q, err := QuoteIdent("Entity")
	require.NoError(t, err)
	assert.Equal(t, `"Entity"`, q)

	_, err = QuoteIdent(`x" AS SELECT 1; --`)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestGraphPathStaysUnderBase(t *testing.T) {
	base := t.TempDir()

	p, err := GraphPath(base, "kg_demo")
	require.NoError(t, err)
	assert.Equal(t, "kg_demo.graph", filepath.Base(p))

	resolvedBase, err := filepath.EvalSymlinks(base)
	require.NoError(t, err)
	assert.Equal(t, resolvedBase, filepath.Dir(p))

	sp, err := StagingPath(base, "kg_demo")
	require.NoError(t, err)
	assert.Equal(t, "kg_demo.staging", filepath.Base(sp))
	assert.Equal(t, resolvedBase, filepath.Dir(sp))
}

func TestGraphPathRejectsTraversal(t *testing.T) {
	base := t.TempDir()

	before, err := os.ReadDir(base)
	require.NoError(t, err)

	for _, id := range []string{"../evil", "..", "a/../../b", "x\x00y"} {
		_, err := GraphPath(base, id)
		assert.ErrorIs(t, err, ErrInvalidArgument, id)
		_, err = StagingPath(base, id)
		assert.ErrorIs(t, err, ErrInvalidArgument, id)
	}

	// Rejection never touches the filesystem.
	after, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestGraphPathResolvesSymlinkedBase(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlink creation requires privileges on windows")
	}
	real := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(real, link))

	p, err := GraphPath(link, "g1")
	require.NoError(t, err)

	resolvedReal, err := filepath.EvalSymlinks(real)
	require.NoError(t, err)
	assert.Equal(t, resolvedReal, filepath.Dir(p))
}
