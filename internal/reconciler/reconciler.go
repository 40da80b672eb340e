package reconciler

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vaultbridge-labs/vaultbridge/internal/bridgejob"
	"github.com/vaultbridge-labs/vaultbridge/internal/leases"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob"
)

var ErrInvalidConfig = errors.New("reconciler: invalid config")

const sweepLeaseName = "reconciler/sweep"

// BridgeAdvancer is the slice of the deposit orchestrator the scheduler
// drives. Advance is the same single-transition entry point the event path
// uses; safety under concurrent callers comes from the store CAS alone.
type BridgeAdvancer interface {
	Advance(ctx context.Context, id [32]byte) (bool, error)
	FailJob(ctx context.Context, id [32]byte, reason string) error
}

// RedemptionAdvancer is the redemption orchestrator's counterpart.
type RedemptionAdvancer interface {
	Advance(ctx context.Context, id [32]byte) (bool, error)
	FailJob(ctx context.Context, id [32]byte, reason string) error
}

// EscrowSweeper settles escrow positions left pending after their owning job
// reached a terminal state, such as a cancellation whose collateral release
// failed mid-flight.
type EscrowSweeper interface {
	SweepEscrows(ctx context.Context, asOf time.Time, limit int) (int, error)
}

// DefaultBridgeThresholds reflects how long each stage may sit untouched
// before it counts as stale. Stages waiting on external systems (payments,
// proofs) get minutes; stages that only need a local CAS get seconds.
func DefaultBridgeThresholds() map[bridgejob.Status]time.Duration {
	return map[bridgejob.Status]time.Duration{
		bridgejob.StatusPending:             30 * time.Second,
		bridgejob.StatusReservingCollateral: 30 * time.Second,
		bridgejob.StatusAwaitingPayment:     2 * time.Minute,
		bridgejob.StatusBridging:            2 * time.Minute,
		bridgejob.StatusXRPLConfirmed:       5 * time.Minute,
		bridgejob.StatusProofGenerated:      30 * time.Second,
		bridgejob.StatusMinting:             30 * time.Second,
		bridgejob.StatusVaultMinting:        30 * time.Second,
	}
}

// DefaultRedemptionThresholds mirrors DefaultBridgeThresholds for the
// redemption pipeline.
func DefaultRedemptionThresholds() map[redemptionjob.Status]time.Duration {
	return map[redemptionjob.Status]time.Duration{
		redemptionjob.StatusPending:       30 * time.Second,
		redemptionjob.StatusRedeeming:     30 * time.Second,
		redemptionjob.StatusProofPending:  5 * time.Minute,
		redemptionjob.StatusPayoutPending: 2 * time.Minute,
	}
}

type Config struct {
	// Interval is the sweep period.
	Interval time.Duration

	// Concurrency bounds parallel Advance calls during a sweep.
	Concurrency int

	// BatchSize caps jobs selected per status per sweep.
	BatchSize int

	// RetryLimit is the retry budget; a stale job at or past it is escalated
	// to its permanent failure status instead of retried again.
	RetryLimit int

	BridgeThresholds     map[bridgejob.Status]time.Duration
	RedemptionThresholds map[redemptionjob.Status]time.Duration

	// RetryBackoff is the shorter staleness threshold applied to redemption
	// jobs carrying the needsRetry marker.
	RetryBackoff time.Duration

	// Owner and LeaseTTL configure the optional sweep lease; correctness
	// never depends on holding it.
	Owner    string
	LeaseTTL time.Duration

	Now func() time.Time
}

// Result is the outcome of an on-demand reconcile.
type Result struct {
	Reconciled bool
	Advanced   bool
	Message    string
}

// Scheduler periodically re-drives stale jobs through the orchestrators'
// Advance and serves on-demand reconcile requests.
type Scheduler struct {
	cfg Config

	bridgeStore     bridgejob.Store
	redemptionStore redemptionjob.Store
	bridge          BridgeAdvancer
	redemption      RedemptionAdvancer
	escrowSweeper   EscrowSweeper
	leaseStore      leases.Store

	log *slog.Logger
}

func New(cfg Config, bridgeStore bridgejob.Store, redemptionStore redemptionjob.Store, bridge BridgeAdvancer, redemption RedemptionAdvancer, log *slog.Logger) (*Scheduler, error) {
	if bridgeStore == nil || redemptionStore == nil || bridge == nil || redemption == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrInvalidConfig)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 10
	}
	if cfg.BridgeThresholds == nil {
		cfg.BridgeThresholds = DefaultBridgeThresholds()
	}
	if cfg.RedemptionThresholds == nil {
		cfg.RedemptionThresholds = DefaultRedemptionThresholds()
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 15 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return &Scheduler{
		cfg:             cfg,
		bridgeStore:     bridgeStore,
		redemptionStore: redemptionStore,
		bridge:          bridge,
		redemption:      redemption,
		log:             log,
	}, nil
}

// WithLeaseStore enables the optional sweep lease for multi-replica
// deployments: only the lease holder runs the periodic sweep.
func (s *Scheduler) WithLeaseStore(store leases.Store, owner string, ttl time.Duration) *Scheduler {
	s.leaseStore = store
	s.cfg.Owner = owner
	if ttl > 0 {
		s.cfg.LeaseTTL = ttl
	} else if s.cfg.LeaseTTL <= 0 {
		s.cfg.LeaseTTL = 2 * s.cfg.Interval
	}
	return s
}

// WithEscrowSweeper adds an escrow recovery pass to each periodic sweep.
func (s *Scheduler) WithEscrowSweeper(sweeper EscrowSweeper) *Scheduler {
	s.escrowSweeper = sweeper
	return s
}

// Run sweeps on a ticker until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("sweep", "err", err)
			}
		}
	}
}

// Sweep selects stale jobs per status and gives each one Advance attempt
// under bounded concurrency. Jobs past the retry budget are escalated.
func (s *Scheduler) Sweep(ctx context.Context) error {
	if s.leaseStore != nil {
		_, ok, err := s.leaseStore.TryAcquire(ctx, sweepLeaseName, s.cfg.Owner, s.cfg.LeaseTTL)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	now := s.cfg.Now().UTC()
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup

	dispatch := func(fn func()) {
		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Done()
			return
		}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			fn()
		}()
	}

	for status, threshold := range s.cfg.BridgeThresholds {
		jobs, err := s.bridgeStore.ListStale(ctx, status, now.Add(-threshold), s.cfg.BatchSize)
		if err != nil {
			wg.Wait()
			return err
		}
		for _, j := range jobs {
			j := j
			dispatch(func() { s.reviveBridgeJob(ctx, j) })
		}
	}

	for status, threshold := range s.cfg.RedemptionThresholds {
		// Jobs flagged needsRetry come back sooner than the stage's normal
		// staleness window.
		flagged, err := s.redemptionStore.ListStale(ctx, status, boolPtr(true), now.Add(-s.cfg.RetryBackoff), s.cfg.BatchSize)
		if err != nil {
			wg.Wait()
			return err
		}
		waiting, err := s.redemptionStore.ListStale(ctx, status, boolPtr(false), now.Add(-threshold), s.cfg.BatchSize)
		if err != nil {
			wg.Wait()
			return err
		}
		for _, j := range append(flagged, waiting...) {
			j := j
			dispatch(func() { s.reviveRedemptionJob(ctx, j) })
		}
	}

	wg.Wait()

	if s.escrowSweeper != nil {
		settled, err := s.escrowSweeper.SweepEscrows(ctx, now, s.cfg.BatchSize)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("sweep escrows", "err", err)
		}
		if settled > 0 {
			s.log.Info("escrows settled by sweep", "count", settled)
		}
	}

	return ctx.Err()
}

func (s *Scheduler) reviveBridgeJob(ctx context.Context, j bridgejob.Job) {
	if j.RetryCount >= s.cfg.RetryLimit {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s", j.RetryCount, j.LastError)
		if err := s.bridge.FailJob(ctx, j.ID, reason); err != nil {
			s.log.Error("escalate bridge job", "jobID", hexID(j.ID), "err", err)
		}
		return
	}
	progressed, err := s.bridge.Advance(ctx, j.ID)
	if err != nil {
		s.log.Warn("re-drive bridge job", "jobID", hexID(j.ID), "status", j.Status.String(), "err", err)
		return
	}
	if progressed {
		s.log.Info("bridge job progressed by sweep", "jobID", hexID(j.ID), "from", j.Status.String())
	}
}

func (s *Scheduler) reviveRedemptionJob(ctx context.Context, j redemptionjob.Job) {
	if j.RetryCount >= s.cfg.RetryLimit {
		reason := fmt.Sprintf("retry budget exhausted after %d attempts: %s", j.RetryCount, j.LastError)
		if err := s.redemption.FailJob(ctx, j.ID, reason); err != nil {
			s.log.Error("escalate redemption job", "jobID", hexID(j.ID), "err", err)
		}
		return
	}
	progressed, err := s.redemption.Advance(ctx, j.ID)
	if err != nil {
		s.log.Warn("re-drive redemption job", "jobID", hexID(j.ID), "status", j.Status.String(), "err", err)
		return
	}
	if progressed {
		s.log.Info("redemption job progressed by sweep", "jobID", hexID(j.ID), "from", j.Status.String())
	}
}

// ReconcileBridgeJob gives the job one immediate Advance attempt. Terminal
// jobs yield a no-op result, making the operation safe to repeat.
func (s *Scheduler) ReconcileBridgeJob(ctx context.Context, id [32]byte) (Result, error) {
	j, err := s.bridgeStore.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if j.Status.Terminal() {
		return Result{
			Reconciled: false,
			Message:    fmt.Sprintf("job already terminal (%s)", j.Status),
		}, nil
	}

	progressed, err := s.bridge.Advance(ctx, id)
	if err != nil {
		return Result{
			Reconciled: true,
			Message:    fmt.Sprintf("advance failed: %v", err),
		}, nil
	}
	msg := "no transition available yet"
	if progressed {
		msg = "job advanced"
	}
	return Result{Reconciled: true, Advanced: progressed, Message: msg}, nil
}

// ReconcileRedemptionJob is the redemption counterpart of ReconcileBridgeJob.
func (s *Scheduler) ReconcileRedemptionJob(ctx context.Context, id [32]byte) (Result, error) {
	j, err := s.redemptionStore.Get(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if j.Status.Terminal() {
		return Result{
			Reconciled: false,
			Message:    fmt.Sprintf("job already terminal (%s)", j.Status),
		}, nil
	}

	progressed, err := s.redemption.Advance(ctx, id)
	if err != nil {
		return Result{
			Reconciled: true,
			Message:    fmt.Sprintf("advance failed: %v", err),
		}, nil
	}
	msg := "no transition available yet"
	if progressed {
		msg = "job advanced"
	}
	return Result{Reconciled: true, Advanced: progressed, Message: msg}, nil
}

func boolPtr(v bool) *bool { return &v }

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}
