package config

import "github.com/graphnode/graphnode/internal/types"

// tierTable maps node memory to capacity classes. Memory thresholds are in
// MB; the buffer pool gets a quarter of node memory split across the
// database cap, floored at 64 MiB per database.
var tierTable = []types.Tier{
	{Name: "small", MemoryMB: 4096, MaxDatabases: 10, ChunkSize: 500},
	{Name: "medium", MemoryMB: 16384, MaxDatabases: 50, ChunkSize: 1000},
	{Name: "large", MemoryMB: 65536, MaxDatabases: 200, ChunkSize: 2000},
	{Name: "xlarge", MemoryMB: 1 << 62, MaxDatabases: 500, ChunkSize: 5000},
}

const minBufferPoolBytes uint64 = 64 << 20

// TierByName looks up a capacity class by name.
func TierByName(name string) (types.Tier, bool) {
	for _, t := range tierTable {
		if t.Name == name {
			return t, true
		}
	}
	return types.Tier{}, false
}

// Tier derives the node's capacity tier from configured memory, applying the
// MAX_DATABASES_PER_NODE and DATABASES_PER_INSTANCE overrides.
func (c *Config) Tier() types.Tier {
	var tier types.Tier
	for _, t := range tierTable {
		tier = t
		if c.MaxMemoryMB <= t.MemoryMB {
			break
		}
	}
	tier.MemoryMB = c.MaxMemoryMB

	if c.DatabasesPerInstance > 0 {
		tier.MaxDatabases = c.DatabasesPerInstance
	} else if c.MaxDatabasesPerNode > 0 {
		tier.MaxDatabases = c.MaxDatabasesPerNode
	}
	if c.ChunkSize > 0 {
		tier.ChunkSize = c.ChunkSize
	}

	perDB := uint64(c.MaxMemoryMB) << 20 / 4 / uint64(tier.MaxDatabases)
	if perDB < minBufferPoolBytes {
		perDB = minBufferPoolBytes
	}
	tier.BufferPoolBytes = perDB
	return tier
}
