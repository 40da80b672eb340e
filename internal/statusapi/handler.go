package statusapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vaultbridge-labs/vaultbridge/internal/bridgejob"
	"github.com/vaultbridge-labs/vaultbridge/internal/escrow"
	"github.com/vaultbridge-labs/vaultbridge/internal/reconciler"
	"github.com/vaultbridge-labs/vaultbridge/internal/redemptionjob"
)

var ErrInvalidConfig = errors.New("statusapi: invalid config")

type Config struct {
	// ListLimit caps wallet listings.
	ListLimit int

	RateLimitPerIPPerSecond float64
	RateLimitBurst          int
	RateLimitMaxTrackedIPs  int

	Now func() time.Time
}

type BridgeReader interface {
	Get(ctx context.Context, id [32]byte) (bridgejob.Job, error)
	ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]bridgejob.Job, error)
}

type RedemptionReader interface {
	Get(ctx context.Context, id [32]byte) (redemptionjob.Job, error)
	ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]redemptionjob.Job, error)
}

type EscrowReader interface {
	ListByWallet(ctx context.Context, wallet [20]byte, limit int) ([]escrow.Record, error)
}

// Reconciler serves the on-demand reconcile endpoints.
type Reconciler interface {
	ReconcileBridgeJob(ctx context.Context, id [32]byte) (reconciler.Result, error)
	ReconcileRedemptionJob(ctx context.Context, id [32]byte) (reconciler.Result, error)
}

func NewHandler(cfg Config, bridges BridgeReader, redemptions RedemptionReader, escrows EscrowReader, recon Reconciler) (http.Handler, error) {
	if bridges == nil || redemptions == nil || escrows == nil {
		return nil, fmt.Errorf("%w: nil readers", ErrInvalidConfig)
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	if cfg.RateLimitPerIPPerSecond <= 0 {
		cfg.RateLimitPerIPPerSecond = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 40
	}
	if cfg.RateLimitMaxTrackedIPs <= 0 {
		cfg.RateLimitMaxTrackedIPs = 10_000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	h := &handler{
		cfg:         cfg,
		bridges:     bridges,
		redemptions: redemptions,
		escrows:     escrows,
		recon:       recon,
		limiter: newIPRateLimiter(
			cfg.RateLimitPerIPPerSecond,
			float64(cfg.RateLimitBurst),
			cfg.RateLimitMaxTrackedIPs,
		),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /api/bridges/{bridgeId}", h.handleBridgeStatus)
	mux.HandleFunc("GET /api/bridges/wallet/{address}", h.handleBridgesByWallet)
	mux.HandleFunc("POST /api/bridges/{bridgeId}/reconcile", h.handleBridgeReconcile)
	mux.HandleFunc("GET /api/redemptions/{redemptionId}", h.handleRedemptionStatus)
	mux.HandleFunc("GET /api/redemptions/wallet/{address}", h.handleRedemptionsByWallet)
	mux.HandleFunc("POST /api/redemptions/{redemptionId}/reconcile", h.handleRedemptionReconcile)
	mux.HandleFunc("GET /api/escrows/wallet/{address}", h.handleEscrowsByWallet)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health checks must never be throttled.
		if r.URL.Path == "/healthz" {
			mux.ServeHTTP(w, r)
			return
		}

		now := h.cfg.Now().UTC()
		ip := clientIP(r)
		allowed := h.limiter.Allow(ip, now)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.cfg.RateLimitBurst))
		if !allowed {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"version": "v1",
				"error":   "rate_limited",
			})
			return
		}

		mux.ServeHTTP(w, r)
	}), nil
}

type handler struct {
	cfg Config

	bridges     BridgeReader
	redemptions RedemptionReader
	escrows     EscrowReader
	recon       Reconciler
	limiter     *ipRateLimiter
}

func (h *handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *handler) handleBridgeStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseHex32(r.PathValue("bridgeId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_bridge_id",
		})
		return
	}

	job, err := h.bridges.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, bridgejob.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":  "v1",
				"found":    false,
				"bridgeId": "0x" + hex.EncodeToString(id[:]),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	resp := bridgeJobJSON(job)
	resp["version"] = "v1"
	resp["found"] = true
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleBridgesByWallet(w http.ResponseWriter, r *http.Request) {
	wallet, ok := parseWallet(w, r)
	if !ok {
		return
	}

	jobs, err := h.bridges.ListByWallet(r.Context(), wallet, h.cfg.ListLimit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, bridgeJobJSON(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"wallet":  "0x" + hex.EncodeToString(wallet[:]),
		"bridges": out,
	})
}

func (h *handler) handleBridgeReconcile(w http.ResponseWriter, r *http.Request) {
	if h.recon == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "reconcile_unavailable",
		})
		return
	}

	id, err := parseHex32(r.PathValue("bridgeId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_bridge_id",
		})
		return
	}

	res, err := h.recon.ReconcileBridgeJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, bridgejob.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"version": "v1",
				"error":   "not_found",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    "v1",
		"bridgeId":   "0x" + hex.EncodeToString(id[:]),
		"reconciled": res.Reconciled,
		"advanced":   res.Advanced,
		"message":    res.Message,
	})
}

func (h *handler) handleRedemptionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseHex32(r.PathValue("redemptionId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_redemption_id",
		})
		return
	}

	job, err := h.redemptions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, redemptionjob.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{
				"version":      "v1",
				"found":        false,
				"redemptionId": "0x" + hex.EncodeToString(id[:]),
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	resp := redemptionJobJSON(job)
	resp["version"] = "v1"
	resp["found"] = true
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) handleRedemptionsByWallet(w http.ResponseWriter, r *http.Request) {
	wallet, ok := parseWallet(w, r)
	if !ok {
		return
	}

	jobs, err := h.redemptions.ListByWallet(r.Context(), wallet, h.cfg.ListLimit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, redemptionJobJSON(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     "v1",
		"wallet":      "0x" + hex.EncodeToString(wallet[:]),
		"redemptions": out,
	})
}

func (h *handler) handleRedemptionReconcile(w http.ResponseWriter, r *http.Request) {
	if h.recon == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"version": "v1",
			"error":   "reconcile_unavailable",
		})
		return
	}

	id, err := parseHex32(r.PathValue("redemptionId"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_redemption_id",
		})
		return
	}

	res, err := h.recon.ReconcileRedemptionJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, redemptionjob.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"version": "v1",
				"error":   "not_found",
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      "v1",
		"redemptionId": "0x" + hex.EncodeToString(id[:]),
		"reconciled":   res.Reconciled,
		"advanced":     res.Advanced,
		"message":      res.Message,
	})
}

func (h *handler) handleEscrowsByWallet(w http.ResponseWriter, r *http.Request) {
	wallet, ok := parseWallet(w, r)
	if !ok {
		return
	}

	records, err := h.escrows.ListByWallet(r.Context(), wallet, h.cfg.ListLimit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"version": "v1",
			"error":   "internal",
		})
		return
	}

	out := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		out = append(out, escrowJSON(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": "v1",
		"wallet":  "0x" + hex.EncodeToString(wallet[:]),
		"escrows": out,
	})
}

func bridgeJobJSON(j bridgejob.Job) map[string]any {
	vault := ""
	if j.HasVaultTarget() {
		vault = "0x" + hex.EncodeToString(j.Vault[:])
	}
	return map[string]any{
		"bridgeId":               "0x" + hex.EncodeToString(j.ID[:]),
		"requestId":              j.RequestID,
		"wallet":                 "0x" + hex.EncodeToString(j.Wallet[:]),
		"status":                 j.Status.String(),
		"sourceAmount":           strconv.FormatUint(j.SourceAmount, 10),
		"bridgedAmountExpected":  strconv.FormatUint(j.BridgedAmountExpected, 10),
		"vault":                  vault,
		"agentUnderlyingAddress": j.AgentUnderlyingAddress,
		"sourceTxHash":           j.SourceTxHash,
		"mintTxHash":             hash32String(j.MintTxHash),
		"vaultMintTxHash":        hash32String(j.VaultMintTxHash),
		"retryCount":             j.RetryCount,
		"lastError":              j.LastError,
		"createdAt":              j.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":              j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func redemptionJobJSON(j redemptionjob.Job) map[string]any {
	return map[string]any{
		"redemptionId":         "0x" + hex.EncodeToString(j.ID[:]),
		"wallet":               "0x" + hex.EncodeToString(j.Wallet[:]),
		"status":               j.Status.String(),
		"sharesAmount":         strconv.FormatUint(j.SharesAmount, 10),
		"expectedPayoutAmount": strconv.FormatUint(j.ExpectedPayoutAmount, 10),
		"payoutAddress":        j.PayoutAddress,
		"redeemTxHash":         hash32String(j.RedeemTxHash),
		"payoutTxHash":         j.PayoutTxHash,
		"needsRetry":           j.NeedsRetry,
		"retryCount":           j.RetryCount,
		"lastError":            j.LastError,
		"createdAt":            j.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":            j.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func escrowJSON(rec escrow.Record) map[string]any {
	return map[string]any{
		"positionId":   "0x" + hex.EncodeToString(rec.PositionID[:]),
		"wallet":       "0x" + hex.EncodeToString(rec.Wallet[:]),
		"amount":       strconv.FormatUint(rec.Amount, 10),
		"status":       rec.Status.String(),
		"createTxHash": rec.CreateTxHash,
		"finishTxHash": rec.FinishTxHash,
		"cancelTxHash": rec.CancelTxHash,
		"finishAfter":  timeString(rec.FinishAfter),
		"finishedAt":   timeString(rec.FinishedAt),
		"cancelledAt":  timeString(rec.CancelledAt),
		"createdAt":    timeString(rec.CreatedAt),
		"updatedAt":    timeString(rec.UpdatedAt),
	}
}

func parseWallet(w http.ResponseWriter, r *http.Request) ([20]byte, bool) {
	raw := strings.TrimSpace(r.PathValue("address"))
	if !common.IsHexAddress(raw) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"version": "v1",
			"error":   "invalid_wallet_address",
		})
		return [20]byte{}, false
	}
	return [20]byte(common.HexToAddress(raw)), true
}

func parseHex32(s string) ([32]byte, error) {
	s = strings.TrimSpace(strings.TrimPrefix(s, "0x"))
	if len(s) != 64 {
		return [32]byte{}, fmt.Errorf("invalid length")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, err
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func hash32String(h [32]byte) string {
	if h == ([32]byte{}) {
		return ""
	}
	return "0x" + hex.EncodeToString(h[:])
}

func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func clientIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		ip := strings.TrimSpace(parts[0])
		if ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	remote := strings.TrimSpace(r.RemoteAddr)
	if remote == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(remote); err == nil {
		return addr.Addr().String()
	}
	if addr, err := netip.ParseAddr(remote); err == nil {
		return addr.String()
	}
	host := remote
	if i := strings.LastIndex(remote, ":"); i > 0 {
		host = remote[:i]
	}
	if addr, err := netip.ParseAddr(strings.Trim(host, "[]")); err == nil {
		return addr.String()
	}
	return remote
}

type limiterState struct {
	tokens   float64
	lastAt   time.Time
	lastSeen time.Time
}

type ipRateLimiter struct {
	mu sync.Mutex

	refillPerSecond float64
	burst           float64
	maxTrackedIPs   int
	states          map[string]limiterState
}

func newIPRateLimiter(refillPerSecond float64, burst float64, maxTrackedIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		refillPerSecond: refillPerSecond,
		burst:           burst,
		maxTrackedIPs:   maxTrackedIPs,
		states:          make(map[string]limiterState),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if l == nil {
		return true
	}
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.states[ip]
	if !ok {
		if len(l.states) >= l.maxTrackedIPs {
			l.evictOne()
		}
		l.states[ip] = limiterState{
			tokens:   l.burst - 1,
			lastAt:   now,
			lastSeen: now,
		}
		return true
	}

	elapsed := now.Sub(st.lastAt).Seconds()
	if elapsed > 0 {
		st.tokens += elapsed * l.refillPerSecond
		if st.tokens > l.burst {
			st.tokens = l.burst
		}
	}
	st.lastAt = now
	st.lastSeen = now

	if st.tokens < 1 {
		l.states[ip] = st
		return false
	}
	st.tokens -= 1
	l.states[ip] = st
	return true
}

func (l *ipRateLimiter) evictOne() {
	var oldestIP string
	var oldestAt time.Time
	first := true
	for ip, st := range l.states {
		if first || st.lastSeen.Before(oldestAt) {
			oldestIP = ip
			oldestAt = st.lastSeen
			first = false
		}
	}
	if oldestIP != "" {
		delete(l.states, oldestIP)
	}
}
