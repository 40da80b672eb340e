package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob"
)

var ErrInvalidConfig = errors.New("redemptionjob/postgres: invalid config")

const jobColumns = `
	id,
	wallet,
	shares_amount,
	expected_payout_amount,
	payout_address,
	status,
	needs_retry,
	redeem_tx_hash,
	payout_tx_hash,
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
		return fmt.Errorf("redemptionjob/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, j redemptionjob.Job) (redemptionjob.Job, error) {
	if j.Status == redemptionjob.StatusUnknown {
		j.Status = redemptionjob.StatusPending
	}
	if err := j.Validate(); err != nil {
		return redemptionjob.Job{}, err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO redemption_jobs (
			id, wallet, shares_amount, expected_payout_amount, payout_address,
			status, needs_retry, retry_count, last_error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,FALSE,0,'',now(),now())
	`, j.ID[:], j.Wallet[:], int64(j.SharesAmount), int64(j.ExpectedPayoutAmount), j.PayoutAddress, int16(j.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return redemptionjob.Job{}, redemptionjob.ErrDuplicateJob
		}
		return redemptionjob.Job{}, fmt.Errorf("redemptionjob/postgres: insert: %w", err)
	}
	return s.Get(ctx, j.ID)
}

func (s *Store) Get(ctx context.Context, id [32]byte) (redemptionjob.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+jobColumns+` FROM redemption_jobs WHERE id = $1`, id[:])
	return scanJob(row)
}

func (s *Store) ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]redemptionjob.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM redemption_jobs
		WHERE wallet = $1
		ORDER BY created_at DESC, id ASC
		LIMIT $2
	`, wallet[:], limit)
	if err != nil {
		return nil, fmt.Errorf("redemptionjob/postgres: list by wallet: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows, limit)
}

func (s *Store) ListStale(ctx context.Context, status redemptionjob.Status, needsRetry *bool, updatedBefore time.Time, limit int) ([]redemptionjob.Job, error) {
	if limit <= 0 || status.Terminal() {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+jobColumns+`
		FROM redemption_jobs
		WHERE status = $1 AND updated_at < $2 AND ($3::boolean IS NULL OR needs_retry = $3)
		ORDER BY updated_at ASC, id ASC
		LIMIT $4
	`, int16(status), updatedBefore.UTC(), needsRetry, limit)
	if err != nil {
		return nil, fmt.Errorf("redemptionjob/postgres: list stale: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows, limit)
}

func (s *Store) UpdateStatus(ctx context.Context, id [32]byte, from redemptionjob.Status, upd redemptionjob.Update) (redemptionjob.Job, error) {
	if !redemptionjob.CanTransition(from, upd.Status) {
		return redemptionjob.Job{}, redemptionjob.ErrInvalidTransition
	}

	var redeemTx []byte
	if upd.RedeemTxHash != nil {
		redeemTx = (*upd.RedeemTxHash)[:]
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE redemption_jobs
		SET
			status = $3,
			redeem_tx_hash = COALESCE($4, redeem_tx_hash),
			payout_tx_hash = COALESCE($5, payout_tx_hash),
			last_error = COALESCE($6, last_error),
			needs_retry = COALESCE($7, needs_retry),
			retry_count = CASE WHEN $8 THEN 0 ELSE retry_count END,
			updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING`+jobColumns+`
	`, id[:], int16(from), int16(upd.Status),
		redeemTx, upd.PayoutTxHash, upd.LastError, upd.NeedsRetry, upd.ResetRetryCount)

	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, redemptionjob.ErrNotFound) {
			if _, getErr := s.Get(ctx, id); getErr == nil {
				return redemptionjob.Job{}, redemptionjob.ErrStatusConflict
			}
			return redemptionjob.Job{}, redemptionjob.ErrNotFound
		}
		return redemptionjob.Job{}, err
	}
	return j, nil
}

func (s *Store) IncrementRetry(ctx context.Context, id [32]byte, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE redemption_jobs
		SET retry_count = retry_count + 1, last_error = $2, needs_retry = TRUE, updated_at = now()
		WHERE id = $1
	`, id[:], lastError)
	if err != nil {
		return fmt.Errorf("redemptionjob/postgres: increment retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return redemptionjob.ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (redemptionjob.Job, error) {
	var (
		idRaw        []byte
		walletRaw    []byte
		shares       int64
		expected     int64
		payoutAddr   string
		status       int16
		needsRetry   bool
		redeemTxRaw  []byte
		payoutTxHash *string
		retryCount   int32
		lastError    string
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := row.Scan(
		&idRaw, &walletRaw, &shares, &expected, &payoutAddr, &status, &needsRetry,
		&redeemTxRaw, &payoutTxHash, &retryCount, &lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return redemptionjob.Job{}, redemptionjob.ErrNotFound
		}
		return redemptionjob.Job{}, fmt.Errorf("redemptionjob/postgres: scan: %w", err)
	}

	id, err := to32(idRaw)
	if err != nil {
		return redemptionjob.Job{}, err
	}
	wallet, err := to20(walletRaw)
	if err != nil {
		return redemptionjob.Job{}, err
	}
	if shares <= 0 || expected < 0 {
		return redemptionjob.Job{}, fmt.Errorf("redemptionjob/postgres: invalid amounts in db")
	}

	j := redemptionjob.Job{
		ID:                   id,
		Wallet:               wallet,
		SharesAmount:         uint64(shares),
		ExpectedPayoutAmount: uint64(expected),
		PayoutAddress:        payoutAddr,
		Status:               redemptionjob.Status(status),
		NeedsRetry:           needsRetry,
		RetryCount:           int(retryCount),
		LastError:            lastError,
		CreatedAt:            createdAt.UTC(),
		UpdatedAt:            updatedAt.UTC(),
	}
	if redeemTxRaw != nil {
		tx, err := to32(redeemTxRaw)
		if err != nil {
			return redemptionjob.Job{}, err
		}
		j.RedeemTxHash = tx
	}
	if payoutTxHash != nil {
		j.PayoutTxHash = *payoutTxHash
	}
	return j, nil
}

func scanJobs(rows pgx.Rows, limit int) ([]redemptionjob.Job, error) {
	out := make([]redemptionjob.Job, 0, limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("redemptionjob/postgres: rows: %w", err)
	}
	return out, nil
}

func to32(b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("redemptionjob/postgres: expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func to20(b []byte) ([20]byte, error) {
	if len(b) != 20 {
		return [20]byte{}, fmt.Errorf("redemptionjob/postgres: expected 20 bytes, got %d", len(b))
	}
	var out [20]byte
	copy(out[:], b)
	return out, nil
}

var _ redemptionjob.Store = (*Store)(nil)
