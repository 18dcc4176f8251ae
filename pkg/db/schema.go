package db

import "fmt"

const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS orders (
    client_ref TEXT PRIMARY KEY,
    broker_id INTEGER NOT NULL,
    instrument TEXT NOT NULL,
    side TEXT NOT NULL,
    qty REAL NOT NULL,
    kind TEXT NOT NULL,
    limit_price REAL DEFAULT 0,
    account TEXT DEFAULT '',
    status TEXT NOT NULL,
    status_text TEXT DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS fills (
    id TEXT PRIMARY KEY,
    exec_id TEXT NOT NULL UNIQUE,
    client_ref TEXT NOT NULL,
    broker_id INTEGER NOT NULL,
    instrument TEXT NOT NULL,
    account TEXT DEFAULT '',
    qty REAL NOT NULL,
    cum_qty REAL NOT NULL,
    remaining REAL NOT NULL,
    price REAL NOT NULL,
    commission REAL DEFAULT 0,
    status TEXT NOT NULL,
    venue_time DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_fills_client_ref ON fills(client_ref);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
`

// ApplyMigrations creates the journal tables.
func ApplyMigrations(d *Database) error {
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
