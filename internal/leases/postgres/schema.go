package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS reconciler_leases (
	name TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS reconciler_leases_expires_at_idx ON reconciler_leases (expires_at);
`
