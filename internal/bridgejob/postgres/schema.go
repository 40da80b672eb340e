package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS bridge_jobs (
	id BYTEA PRIMARY KEY,
	request_id TEXT NOT NULL,
	wallet BYTEA NOT NULL,
	source_amount BIGINT NOT NULL,
	bridged_amount_expected BIGINT NOT NULL,
	vault BYTEA,

	agent_underlying_address TEXT NOT NULL DEFAULT '',

	status SMALLINT NOT NULL,

	source_tx_hash TEXT,
	mint_tx_hash BYTEA,
	vault_mint_tx_hash BYTEA,

	retry_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT bridge_job_id_len CHECK (octet_length(id) = 32),
	CONSTRAINT bridge_job_wallet_len CHECK (octet_length(wallet) = 20),
	CONSTRAINT bridge_job_vault_len CHECK (vault IS NULL OR octet_length(vault) = 20),
	CONSTRAINT bridge_job_amount_pos CHECK (source_amount > 0),
	CONSTRAINT bridge_job_bridged_pos CHECK (bridged_amount_expected > 0),
	CONSTRAINT bridge_job_status_range CHECK (status >= 1 AND status <= 13),
	CONSTRAINT bridge_job_mint_tx_len CHECK (mint_tx_hash IS NULL OR octet_length(mint_tx_hash) = 32),
	CONSTRAINT bridge_job_vault_tx_len CHECK (vault_mint_tx_hash IS NULL OR octet_length(vault_mint_tx_hash) = 32)
);

CREATE UNIQUE INDEX IF NOT EXISTS bridge_jobs_request_id_idx ON bridge_jobs (request_id);
CREATE UNIQUE INDEX IF NOT EXISTS bridge_jobs_source_tx_idx ON bridge_jobs (source_tx_hash) WHERE source_tx_hash IS NOT NULL;
CREATE INDEX IF NOT EXISTS bridge_jobs_wallet_idx ON bridge_jobs (wallet);
CREATE INDEX IF NOT EXISTS bridge_jobs_status_updated_idx ON bridge_jobs (status, updated_at);
`
