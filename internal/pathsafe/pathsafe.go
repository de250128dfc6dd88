// Package pathsafe maps tenant identifiers to on-disk paths.
//
// Every filesystem entry into the engine goes through this package: no other
// component accepts a raw graph ID for path construction, and no DDL path
// interpolates a table name that has not passed ValidateTableName.
package pathsafe

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// GraphExt is the on-disk suffix for a graph database file.
const GraphExt = ".graph"

// StagingExt is the on-disk suffix for a staging database file. The staging
// engine keeps a sibling WAL at StagingExt + ".wal".
const StagingExt = ".staging"

// MaxGraphIDLen bounds tenant identifiers.
const MaxGraphIDLen = 64

// ErrInvalidArgument is returned for malformed identifiers and for any path
// that does not resolve strictly under the base directory.
var ErrInvalidArgument = errors.New("invalid argument")

var identPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateGraphID checks that s is a legal tenant identifier: non-empty,
// at most MaxGraphIDLen characters, matching [A-Za-z0-9_-]+.
func ValidateGraphID(s string) error {
	if s == "" {
		return fmt.Errorf("%w: graph id is empty", ErrInvalidArgument)
	}
	if len(s) > MaxGraphIDLen {
		return fmt.Errorf("%w: graph id exceeds %d characters", ErrInvalidArgument, MaxGraphIDLen)
	}
	if strings.ContainsAny(s, "/\\\x00") || strings.Contains(s, "..") {
		return fmt.Errorf("%w: graph id %q contains forbidden characters", ErrInvalidArgument, s)
	}
	if !identPattern.MatchString(s) {
		return fmt.Errorf("%w: graph id %q must match [A-Za-z0-9_-]+", ErrInvalidArgument, s)
	}
	return nil
}

// ValidateTableName checks that s is a legal staging table name. Same charset
// as graph IDs; length is bounded by the engine, not here.
func ValidateTableName(s string) error {
	if s == "" {
		return fmt.Errorf("%w: table name is empty", ErrInvalidArgument)
	}
	if !identPattern.MatchString(s) {
		return fmt.Errorf("%w: table name %q must match [A-Za-z0-9_-]+", ErrInvalidArgument, s)
	}
	return nil
}

// QuoteIdent validates s as a table name and returns it wrapped in double
// quotes for interpolation into staging DDL. SQL values never go through
// here; they use parameter binding.
func QuoteIdent(s string) (string, error) {
	if err := ValidateTableName(s); err != nil {
		return "", err
	}
	return `"` + s + `"`, nil
}

// GraphPath composes base/<id>.graph and proves the result stays under base
// after symlink resolution.
func GraphPath(base, graphID string) (string, error) {
	return childPath(base, graphID, GraphExt)
}

// StagingPath composes base/<id>.staging with the same containment proof.
func StagingPath(base, graphID string) (string, error) {
	return childPath(base, graphID, StagingExt)
}

func childPath(base, graphID, ext string) (string, error) {
	if err := ValidateGraphID(graphID); err != nil {
		return "", err
	}
	resolvedBase, err := resolveExisting(base)
	if err != nil {
		return "", fmt.Errorf("%w: base directory %q: %v", ErrInvalidArgument, base, err)
	}
	child := filepath.Join(resolvedBase, graphID+ext)

	// The child may not exist yet; resolve its parent instead and re-join.
	resolvedParent, err := resolveExisting(filepath.Dir(child))
	if err != nil {
		return "", fmt.Errorf("%w: resolving %q: %v", ErrInvalidArgument, child, err)
	}
	resolved := filepath.Join(resolvedParent, filepath.Base(child))

	rel, err := filepath.Rel(resolvedBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q escapes base directory", ErrInvalidArgument, graphID)
	}
	return resolved, nil
}

// resolveExisting is EvalSymlinks that tolerates a missing leaf by resolving
// the nearest existing ancestor.
func resolveExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	parent, err := resolveExisting(filepath.Dir(abs))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}
