package credits

const schema = `
CREATE TABLE IF NOT EXISTS credit_pools (
    id TEXT PRIMARY KEY,
    owner_type TEXT NOT NULL CHECK(owner_type IN ('graph', 'repository')),
    owner_id TEXT NOT NULL,
    current_balance REAL NOT NULL DEFAULT 0,
    monthly_allocation REAL NOT NULL DEFAULT 0,
    consumed_this_month REAL NOT NULL DEFAULT 0,
    next_allocation_at DATETIME NOT NULL,
    is_active INTEGER NOT NULL DEFAULT 1,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(owner_type, owner_id)
);

CREATE TABLE IF NOT EXISTS credit_transactions (
    id TEXT PRIMARY KEY,
    pool_id TEXT NOT NULL REFERENCES credit_pools(id),
    type TEXT NOT NULL,
    amount REAL NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_pool
    ON credit_transactions(pool_id, created_at);

-- Reservation lookups go through the JSON metadata; index the extracted id.
CREATE INDEX IF NOT EXISTS idx_transactions_reservation
    ON credit_transactions(json_extract(metadata, '$.reservation_id'))
    WHERE type = 'reservation';
`
