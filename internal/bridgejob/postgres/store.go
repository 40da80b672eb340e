package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vaultbridge-labs/vaultbridge/internal/bridgejob"
)

var ErrInvalidConfig = errors.New("bridgejob/postgres: invalid config")

const jobColumns = `
	id,
	request_id,
	wallet,
	source_amount,
	bridged_amount_expected,
	vault,
	agent_underlying_address,
	status,
	source_tx_hash,
	mint_tx_hash,
	vault_mint_tx_hash,
	retry_count,
	last_error,
	created_at,
	updated_at`

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("bridgejob/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, j bridgejob.Job) (bridgejob.Job, error) {
	if j.Status == bridgejob.StatusUnknown {
		j.Status = bridgejob.StatusPending
	}
	if err := j.Validate(); err != nil {
		return bridgejob.Job{}, err
	}

	var vault []byte
	if j.HasVaultTarget() {
		vault = j.Vault[:]
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO bridge_jobs (
			id, request_id, wallet, source_amount, bridged_amount_expected,
			vault, agent_underlying_address, status, retry_count, last_error,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,'',now(),now())
	`, j.ID[:], j.RequestID, j.Wallet[:], int64(j.SourceAmount), int64(j.BridgedAmountExpected),
		vault, j.AgentUnderlyingAddress, int16(j.Status))
	if err != nil {
		if isUniqueViolation(err) {
			return bridgejob.Job{}, bridgejob.ErrDuplicateRequestID
		}
		return bridgejob.Job{}, fmt.Errorf("bridgejob/postgres: insert: %w", err)
	}
	return s.Get(ctx, j.ID)
}

func (s *Store) Get(ctx context.Context, id [32]byte) (bridgejob.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM bridge_jobs WHERE id = $1`, id[:])
	return scanJob(row)
}

func (s *Store) GetByRequestID(ctx context.Context, requestID string) (bridgejob.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM bridge_jobs WHERE request_id = $1`, requestID)
	return scanJob(row)
}

func (s *Store) ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]bridgejob.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM bridge_jobs
		WHERE wallet = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2
	`, wallet[:], limit)
	if err != nil {
		return nil, fmt.Errorf("bridgejob/postgres: list by wallet: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows, limit)
}

func (s *Store) ListStale(ctx context.Context, status bridgejob.Status, updatedBefore time.Time, limit int) ([]bridgejob.Job, error) {
	if limit <= 0 || status.Terminal() {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM bridge_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC, id ASC
		LIMIT $3
	`, int16(status), updatedBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("bridgejob/postgres: list stale: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows, limit)
}

func (s *Store) UpdateStatus(ctx context.Context, id [32]byte, from bridgejob.Status, upd bridgejob.Update) (bridgejob.Job, error) {
	if !bridgejob.CanTransition(from, upd.Status) {
		return bridgejob.Job{}, bridgejob.ErrInvalidTransition
	}

	var mintTx, vaultTx []byte
	if upd.MintTxHash != nil {
		mintTx = (*upd.MintTxHash)[:]
	}
	if upd.VaultMintTxHash != nil {
		vaultTx = (*upd.VaultMintTxHash)[:]
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_jobs
		SET
			status = $3,
			agent_underlying_address = COALESCE($4, agent_underlying_address),
			source_tx_hash = COALESCE($5, source_tx_hash),
			mint_tx_hash = COALESCE($6, mint_tx_hash),
			vault_mint_tx_hash = COALESCE($7, vault_mint_tx_hash),
			last_error = COALESCE($8, last_error),
			retry_count = CASE WHEN $9 THEN 0 ELSE retry_count END,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING`+jobColumns+`
	`, id[:], int16(from), int16(upd.Status),
		upd.AgentUnderlyingAddress, upd.SourceTxHash, mintTx, vaultTx, upd.LastError, upd.ResetRetryCount)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, bridgejob.ErrNotFound) {
			// Row exists but the observed status lost the race, or the id is
			// unknown. Distinguish so callers can treat conflicts as no-ops.
			if _, getErr := s.Get(ctx, id); getErr == nil {
				return bridgejob.Job{}, bridgejob.ErrStatusConflict
			}
			return bridgejob.Job{}, bridgejob.ErrNotFound
		}
		return bridgejob.Job{}, err
	}
	return j, nil
}

func (s *Store) ClaimPayment(ctx context.Context, requestID string, sourceTxHash string, amount uint64) (bridgejob.Job, bool, error) {
	existing, err := s.GetByRequestID(ctx, requestID)
	if err != nil {
		return bridgejob.Job{}, false, err
	}
	if existing.SourceTxHash == sourceTxHash && sourceTxHash != "" {
		// Duplicate report for a payment this job already consumed.
		return existing, false, nil
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE bridge_jobs
		SET status = $4, source_tx_hash = $2, updated_at = now()
		WHERE request_id = $1 AND status IN ($5, $6) AND source_amount <= $3
		RETURNING`+jobColumns+`
	`, requestID, sourceTxHash, int64(amount),
		int16(bridgejob.StatusXRPLConfirmed), int16(bridgejob.StatusAwaitingPayment), int16(bridgejob.StatusBridging))

	j, err := scanJob(row)
	if err != nil {
		if isUniqueViolation(err) {
			return bridgejob.Job{}, false, bridgejob.ErrPaymentClaimed
		}
		if errors.Is(err, bridgejob.ErrNotFound) {
			// Not claimable: wrong state or amount below the expected minimum.
			return existing, false, nil
		}
		return bridgejob.Job{}, false, err
	}
	return j, true, nil
}

func (s *Store) IncrementRetry(ctx context.Context, id [32]byte, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE bridge_jobs
		SET retry_count = retry_count + 1, last_error = $2, updated_at = now()
		WHERE id = $1
	`, id[:], lastError)
	if err != nil {
		return fmt.Errorf("bridgejob/postgres: increment retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return bridgejob.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (bridgejob.Job, error) {
	var (
		idRaw        []byte
		requestID    string
		walletRaw    []byte
		sourceAmount int64
		bridgedExp   int64
		vaultRaw     []byte
		agentAddr    string
		status       int16
		sourceTx     *string
		mintTxRaw    []byte
		vaultTxRaw   []byte
		retryCount   int32
		lastError    string
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := row.Scan(
		&idRaw, &requestID, &walletRaw, &sourceAmount, &bridgedExp, &vaultRaw,
		&agentAddr, &status, &sourceTx, &mintTxRaw, &vaultTxRaw,
		&retryCount, &lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return bridgejob.Job{}, bridgejob.ErrNotFound
		}
		if isUniqueViolation(err) {
			return bridgejob.Job{}, err
		}
		return bridgejob.Job{}, fmt.Errorf("bridgejob/postgres: scan: %w", err)
	}

	id, err := to32(idRaw)
	if err != nil {
		return bridgejob.Job{}, err
	}
	wallet, err := to20(walletRaw)
	if err != nil {
		return bridgejob.Job{}, err
	}
	if sourceAmount <= 0 || bridgedExp <= 0 {
		return bridgejob.Job{}, fmt.Errorf("bridgejob/postgres: non-positive amounts in db")
	}

	j := bridgejob.Job{
		ID:                     id,
		RequestID:              requestID,
		Wallet:                 wallet,
		SourceAmount:           uint64(sourceAmount),
		BridgedAmountExpected:  uint64(bridgedExp),
		AgentUnderlyingAddress: agentAddr,
		Status:                 bridgejob.Status(status),
		RetryCount:             int(retryCount),
		LastError:              lastError,
		CreatedAt:              createdAt.UTC(),
		UpdatedAt:              updatedAt.UTC(),
	}
	if vaultRaw != nil {
		v, err := to20(vaultRaw)
		if err != nil {
			return bridgejob.Job{}, err
		}
		j.Vault = v
	}
	if sourceTx != nil {
		j.SourceTxHash = *sourceTx
	}
	if mintTxRaw != nil {
		tx, err := to32(mintTxRaw)
		if err != nil {
			return bridgejob.Job{}, err
		}
		j.MintTxHash = tx
	}
	if vaultTxRaw != nil {
		tx, err := to32(vaultTxRaw)
		if err != nil {
			return bridgejob.Job{}, err
		}
		j.VaultMintTxHash = tx
	}
	return j, nil
}

func scanJobs(rows pgx.Rows, limit int) ([]bridgejob.Job, error) {
	out := make([]bridgejob.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bridgejob/postgres: rows: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("bridgejob/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	if len(b) != 20 {
		return [20]byte{}, fmt.Errorf("bridgejob/postgres: expected 20 bytes, got %d", len(b))
	}
	var out [20]byte
	copy(out[:], b)
	return out, nil
}

var _ bridgejob.Store = (*Store)(nil)
