package agentclient

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/vaultbridge-labs/vaultbridge/internal/watcher"
)

var ErrInvalidConfig = errors.New("agentclient: invalid config")

type Option func(*Client) error

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return fmt.Errorf("%w: nil http client", ErrInvalidConfig)
		}
		c.hc = hc
		return nil
	}
}

func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) error {
		if n <= 0 {
			return fmt.Errorf("%w: max response bytes must be > 0", ErrInvalidConfig)
		}
		c.maxRespBytes = n
		return nil
	}
}

// Client talks to the XRPL agent service, which holds the ledger-side keys.
// It covers the collateral lifecycle, payout execution, and the payment
// observation pull used when re-driving stale jobs. The agent deduplicates
// payouts on the payout id, so a repeated Payout call pays at most once.
type Client struct {
	baseURL      *url.URL
	authToken    string
	hc           *http.Client
	maxRespBytes int64
}

func NewClient(baseURL string, authToken string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("%w: missing base url", ErrInvalidConfig)
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: parse base url: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidConfig)
	}

	c := &Client{
		baseURL:      u,
		authToken:    authToken,
		hc:           &http.Client{Timeout: 2 * time.Minute},
		maxRespBytes: 1 << 20, // 1 MiB
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

type reserveRequest struct {
	JobID  string `json:"job_id"`
	Amount uint64 `json:"amount"`
}

type reserveResponse struct {
	TxHash      string `json:"tx_hash"`
	FinishAfter string `json:"finish_after"`
}

// ReserveCollateral locks mint capacity for the job on the agent's escrow.
func (c *Client) ReserveCollateral(ctx context.Context, jobID [32]byte, amount uint64) (string, time.Time, error) {
	var out reserveResponse
	err := c.post(ctx, "/v1/collateral/reserve", reserveRequest{
		JobID:  hexID(jobID),
		Amount: amount,
	}, &out)
	if err != nil {
		return "", time.Time{}, err
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return "", time.Time{}, fmt.Errorf("agentclient: reserve returned no tx hash")
	}
	finishAfter, err := time.Parse(time.RFC3339, strings.TrimSpace(out.FinishAfter))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("agentclient: parse finish_after: %w", err)
	}
	return strings.TrimSpace(out.TxHash), finishAfter.UTC(), nil
}

type jobRequest struct {
	JobID string `json:"job_id"`
}

type addressResponse struct {
	Address string `json:"address"`
}

// UnderlyingAddress returns the XRPL address the user pays into for this
// reservation.
func (c *Client) UnderlyingAddress(ctx context.Context, jobID [32]byte) (string, error) {
	var out addressResponse
	if err := c.post(ctx, "/v1/collateral/address", jobRequest{JobID: hexID(jobID)}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.Address) == "" {
		return "", fmt.Errorf("agentclient: agent returned no address")
	}
	return strings.TrimSpace(out.Address), nil
}

type txHashResponse struct {
	TxHash string `json:"tx_hash"`
}

func (c *Client) FinishCollateral(ctx context.Context, jobID [32]byte) (string, error) {
	var out txHashResponse
	if err := c.post(ctx, "/v1/collateral/finish", jobRequest{JobID: hexID(jobID)}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return "", fmt.Errorf("agentclient: finish returned no tx hash")
	}
	return strings.TrimSpace(out.TxHash), nil
}

func (c *Client) ReleaseCollateral(ctx context.Context, jobID [32]byte) (string, error) {
	var out txHashResponse
	if err := c.post(ctx, "/v1/collateral/release", jobRequest{JobID: hexID(jobID)}, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return "", fmt.Errorf("agentclient: release returned no tx hash")
	}
	return strings.TrimSpace(out.TxHash), nil
}

type payoutRequest struct {
	PayoutID    string `json:"payout_id"`
	Destination string `json:"destination"`
	AmountDrops uint64 `json:"amount_drops"`
}

// Payout executes an XRPL payout, idempotent on payoutID.
func (c *Client) Payout(ctx context.Context, destination string, amountDrops uint64, payoutID [32]byte) (string, error) {
	if strings.TrimSpace(destination) == "" {
		return "", fmt.Errorf("agentclient: missing payout destination")
	}
	var out txHashResponse
	err := c.post(ctx, "/v1/payouts", payoutRequest{
		PayoutID:    hexID(payoutID),
		Destination: strings.TrimSpace(destination),
		AmountDrops: amountDrops,
	}, &out)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out.TxHash) == "" {
		return "", fmt.Errorf("agentclient: payout returned no tx hash")
	}
	return strings.TrimSpace(out.TxHash), nil
}

type observeRequest struct {
	Memo      string `json:"memo"`
	MinAmount uint64 `json:"min_amount"`
}

type observeResponse struct {
	Found       bool   `json:"found"`
	TxHash      string `json:"tx_hash"`
	AmountDrops uint64 `json:"amount_drops"`
	Destination string `json:"destination"`
	ObservedAt  string `json:"observed_at"`
}

// ObservePayment asks the agent's ledger view for a payment carrying the memo
// with at least minAmount drops. watcher.ErrNotObserved means "not yet".
func (c *Client) ObservePayment(ctx context.Context, memo string, minAmount uint64) (watcher.PaymentReport, error) {
	var out observeResponse
	err := c.post(ctx, "/v1/payments/observe", observeRequest{
		Memo:      memo,
		MinAmount: minAmount,
	}, &out)
	if err != nil {
		return watcher.PaymentReport{}, err
	}
	if !out.Found {
		return watcher.PaymentReport{}, watcher.ErrNotObserved
	}

	r := watcher.PaymentReport{
		Memo:        memo,
		TxHash:      strings.TrimSpace(out.TxHash),
		AmountDrops: out.AmountDrops,
		Destination: strings.TrimSpace(out.Destination),
	}
	if strings.TrimSpace(out.ObservedAt) != "" {
		at, perr := time.Parse(time.RFC3339, strings.TrimSpace(out.ObservedAt))
		if perr != nil {
			return watcher.PaymentReport{}, fmt.Errorf("agentclient: parse observed_at: %w", perr)
		}
		r.ObservedAt = at.UTC()
	}
	if err := r.Validate(); err != nil {
		return watcher.PaymentReport{}, err
	}
	return r, nil
}

var _ watcher.Observer = (*Client)(nil)

func (c *Client) post(ctx context.Context, endpoint string, req any, out any) error {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, endpoint)

	b, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("agentclient: marshal request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("agentclient: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("agentclient: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		} else {
			var er struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(body, &er) == nil && er.Error != "" {
				msg = er.Error
			}
		}
		return fmt.Errorf("agentclient: %s: status %d: %s", endpoint, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("agentclient: unmarshal response: %w", err)
	}
	return nil
}

func joinPath(basePath string, suffix string) string {
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("agentclient: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("agentclient: response too large")
	}
	return b, nil
}

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}
