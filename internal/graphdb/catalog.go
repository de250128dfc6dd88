package graphdb

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// Property is one typed property of a node or relationship type.
type Property struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

// NodeType is a node table definition in the schema catalog.
type NodeType struct {
	Name       string     `yaml:"name"`
	Properties []Property `yaml:"properties"`
	PrimaryKey string     `yaml:"primary_key"`
}

// RelType is a relationship table definition. From/To name node types; a
// relationship whose endpoints are not part of the selected catalog subset
// is skipped.
type RelType struct {
	Name       string     `yaml:"name"`
	From       string     `yaml:"from"`
	To         string     `yaml:"to"`
	Properties []Property `yaml:"properties,omitempty"`
}

// Catalog is the in-process schema catalog: a base entity schema plus named
// extension sets keyed by repository name.
type Catalog struct {
	Base struct {
		Nodes []NodeType `yaml:"nodes"`
		Rels  []RelType  `yaml:"rels"`
	} `yaml:"base"`
	Extensions map[string]struct {
		Nodes []NodeType `yaml:"nodes"`
		Rels  []RelType  `yaml:"rels"`
	} `yaml:"extensions"`
}

// LoadCatalog parses the embedded schema catalog.
func LoadCatalog() (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(catalogYAML, &c); err != nil {
		return nil, fmt.Errorf("parsing schema catalog: %w", err)
	}
	return &c, nil
}

// All returns every node and relationship type: the base schema plus all
// extensions.
func (c *Catalog) All() ([]NodeType, []RelType) {
	nodes := append([]NodeType(nil), c.Base.Nodes...)
	rels := append([]RelType(nil), c.Base.Rels...)
	for _, ext := range c.Extensions {
		nodes = append(nodes, ext.Nodes...)
		rels = append(rels, ext.Rels...)
	}
	return nodes, rels
}

// ForRepository returns the base schema plus the named repository's
// extension set only. An unknown repository gets the base schema.
func (c *Catalog) ForRepository(name string) ([]NodeType, []RelType) {
	nodes := append([]NodeType(nil), c.Base.Nodes...)
	rels := append([]RelType(nil), c.Base.Rels...)
	if ext, ok := c.Extensions[name]; ok {
		nodes = append(nodes, ext.Nodes...)
		rels = append(rels, ext.Rels...)
	}
	return nodes, rels
}
