package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vaultbridge-labs/vaultbridge/internal/escrow"
)

var ErrInvalidConfig = errors.New("escrow/postgres: invalid config")

const recordColumns = `
	position_id,
	wallet,
	amount,
	status,
	create_tx_hash,
	finish_tx_hash,
	cancel_tx_hash,
	finish_after,
	finished_at,
	cancelled_at,
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
		return fmt.Errorf("escrow/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, r escrow.Record) (escrow.Record, error) {
	if r.Status == escrow.StatusUnknown {
		r.Status = escrow.StatusPending
	}
	if err := r.Validate(); err != nil {
		return escrow.Record{}, err
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO escrows (
			position_id, wallet, amount, status, create_tx_hash, finish_after,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,now(),now())
	`, r.PositionID[:], r.Wallet[:], int64(r.Amount), int16(r.Status), r.CreateTxHash, r.FinishAfter.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return escrow.Record{}, escrow.ErrDuplicatePosition
		}
		return escrow.Record{}, fmt.Errorf("escrow/postgres: insert: %w", err)
	}
	return s.Get(ctx, r.PositionID)
}

func (s *Store) Get(ctx context.Context, positionID [32]byte) (escrow.Record, error) {
	row := s.pool.QueryRow(ctx, `SELECT`+recordColumns+` FROM escrows WHERE position_id = $1`, positionID[:])
	return scanRecord(row)
}

func (s *Store) ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]escrow.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+recordColumns+`
		FROM escrows
		WHERE wallet = $1
		ORDER BY created_at DESC, position_id ASC
		LIMIT $2
	`, wallet[:], limit)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: list by wallet: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows, limit)
}

func (s *Store) ListFinishable(ctx context.Context, asOf time.Time, limit int) ([]escrow.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT`+recordColumns+`
		FROM escrows
		WHERE status = $1 AND finish_after <= $2
		ORDER BY finish_after ASC, position_id ASC
		LIMIT $3
	`, int16(escrow.StatusPending), asOf.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("escrow/postgres: list finishable: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows, limit)
}

func (s *Store) Settle(ctx context.Context, positionID [32]byte, st escrow.Settlement) (escrow.Record, error) {
	if !escrow.CanTransition(escrow.StatusPending, st.Status) {
		return escrow.Record{}, escrow.ErrInvalidTransition
	}
	switch st.Status {
	case escrow.StatusFinished:
		if st.FinishTxHash == "" {
			return escrow.Record{}, fmt.Errorf("%w: finish requires finish tx hash", escrow.ErrInvalidRecord)
		}
	case escrow.StatusCancelled:
		if st.CancelTxHash == "" {
			return escrow.Record{}, fmt.Errorf("%w: cancel requires cancel tx hash", escrow.ErrInvalidRecord)
		}
	}
	if st.At.IsZero() {
		return escrow.Record{}, fmt.Errorf("%w: settlement time required", escrow.ErrInvalidRecord)
	}

	var finishTx, cancelTx *string
	var finishedAt, cancelledAt *time.Time
	at := st.At.UTC()
	switch st.Status {
	case escrow.StatusFinished:
		finishTx = &st.FinishTxHash
		finishedAt = &at
	case escrow.StatusCancelled:
		cancelTx = &st.CancelTxHash
		cancelledAt = &at
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE escrows
		SET
			status = $3,
			finish_tx_hash = COALESCE($4, finish_tx_hash),
			cancel_tx_hash = COALESCE($5, cancel_tx_hash),
			finished_at = COALESCE($6, finished_at),
			cancelled_at = COALESCE($7, cancelled_at),
			updated_at = now()
		WHERE position_id = $1 AND status = $2
		RETURNING`+recordColumns+`
	`, positionID[:], int16(escrow.StatusPending), int16(st.Status),
		finishTx, cancelTx, finishedAt, cancelledAt)

	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			if _, getErr := s.Get(ctx, positionID); getErr == nil {
				return escrow.Record{}, escrow.ErrStatusConflict
			}
			return escrow.Record{}, escrow.ErrNotFound
		}
		return escrow.Record{}, err
	}
	return r, nil
}

func (s *Store) IncrementRetry(ctx context.Context, positionID [32]byte, lastError string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE escrows
		SET retry_count = retry_count + 1, last_error = $2, updated_at = now()
		WHERE position_id = $1
	`, positionID[:], lastError)
	if err != nil {
		return fmt.Errorf("escrow/postgres: increment retry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return escrow.ErrNotFound
	}
	return nil
}

func scanRecord(row pgx.Row) (escrow.Record, error) {
	var (
		idRaw        []byte
		walletRaw    []byte
		amount       int64
		status       int16
		createTxHash string
		finishTxHash *string
		cancelTxHash *string
		finishAfter  time.Time
		finishedAt   *time.Time
		cancelledAt  *time.Time
		retryCount   int32
		lastError    string
		createdAt    time.Time
		updatedAt    time.Time
	)
	err := row.Scan(
		&idRaw, &walletRaw, &amount, &status, &createTxHash, &finishTxHash,
		&cancelTxHash, &finishAfter, &finishedAt, &cancelledAt, &retryCount,
		&lastError, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return escrow.Record{}, escrow.ErrNotFound
		}
		return escrow.Record{}, fmt.Errorf("escrow/postgres: scan: %w", err)
	}

	if len(idRaw) != 32 {
		return escrow.Record{}, fmt.Errorf("escrow/postgres: expected 32-byte position id, got %d", len(idRaw))
	}
	if len(walletRaw) != 20 {
		return escrow.Record{}, fmt.Errorf("escrow/postgres: expected 20-byte wallet, got %d", len(walletRaw))
	}
	if amount <= 0 {
		return escrow.Record{}, fmt.Errorf("escrow/postgres: invalid amount in db")
	}

	r := escrow.Record{
		Amount:       uint64(amount),
		Status:       escrow.Status(status),
		CreateTxHash: createTxHash,
		FinishAfter:  finishAfter.UTC(),
		RetryCount:   int(retryCount),
		LastError:    lastError,
		CreatedAt:    createdAt.UTC(),
		UpdatedAt:    updatedAt.UTC(),
	}
	copy(r.PositionID[:], idRaw)
	copy(r.Wallet[:], walletRaw)
	if finishTxHash != nil {
		r.FinishTxHash = *finishTxHash
	}
	if cancelTxHash != nil {
		r.CancelTxHash = *cancelTxHash
	}
	if finishedAt != nil {
		r.FinishedAt = finishedAt.UTC()
	}
	if cancelledAt != nil {
		r.CancelledAt = cancelledAt.UTC()
	}
	return r, nil
}

func scanRecords(rows pgx.Rows, limit int) ([]escrow.Record, error) {
	out := make([]escrow.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow/postgres: rows: %w", err)
	}
	return out, nil
}

var _ escrow.Store = (*Store)(nil)
