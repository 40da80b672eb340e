package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS redemption_jobs (
	id BYTEA PRIMARY KEY,
	wallet BYTEA NOT NULL,
	shares_amount BIGINT NOT NULL,
	expected_payout_amount BIGINT NOT NULL,
	payout_address TEXT NOT NULL,

	status SMALLINT NOT NULL,
	needs_retry BOOLEAN NOT NULL DEFAULT FALSE,

	redeem_tx_hash BYTEA,
	payout_tx_hash TEXT,

	retry_count INT NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT redemption_job_id_len CHECK (octet_length(id) = 32),
	CONSTRAINT redemption_job_wallet_len CHECK (octet_length(wallet) = 20),
	CONSTRAINT redemption_job_shares_pos CHECK (shares_amount > 0),
	CONSTRAINT redemption_job_status_range CHECK (status >= 1 AND status <= 6),
	CONSTRAINT redemption_job_redeem_tx_len CHECK (redeem_tx_hash IS NULL OR octet_length(redeem_tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS redemption_jobs_wallet_idx ON redemption_jobs (wallet);
CREATE INDEX IF NOT EXISTS redemption_jobs_status_updated_idx ON redemption_jobs (status, needs_retry, updated_at);
`
