package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS escrows (
	position_id BYTEA PRIMARY KEY,
	wallet BYTEA NOT NULL,
	amount BIGINT NOT NULL,

	status SMALLINT NOT NULL,

	create_tx_hash TEXT NOT NULL,
	finish_tx_hash TEXT,
	cancel_tx_hash TEXT,

	finish_after TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,

	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT escrow_position_id_len CHECK (octet_length(position_id) = 32),
	CONSTRAINT escrow_wallet_len CHECK (octet_length(wallet) = 20),
	CONSTRAINT escrow_amount_pos CHECK (amount > 0),
	CONSTRAINT escrow_status_range CHECK (status >= 1 AND status <= 4)
);

CREATE INDEX IF NOT EXISTS escrows_wallet_idx ON escrows (wallet);
CREATE INDEX IF NOT EXISTS escrows_status_finish_after_idx ON escrows (status, finish_after);
`
