package evmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidConfig = errors.New("evmclient: invalid config")

// RevertError reports a transaction that was mined with receipt status 0.
// Reverts are permanent: resubmitting the same calldata yields the same
// outcome, so callers must not classify them as transient.
type RevertError struct {
	TxHash common.Hash
}

func (e *RevertError) Error() string {
	if e == nil {
		return "evmclient: transaction reverted"
	}
	return fmt.Sprintf("evmclient: transaction %s reverted", e.TxHash.Hex())
}

// IsRevert reports whether err carries a RevertError.
func IsRevert(err error) bool {
	var re *RevertError
	return errors.As(err, &re)
}

// SendRequest is the request body for the relayer's POST /v1/send.
type SendRequest struct {
	To             string `json:"to"`
	Data           string `json:"data,omitempty"`
	ValueWei       string `json:"value_wei,omitempty"`
	GasLimit       uint64 `json:"gas_limit,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

// SendResponse is the response body for POST /v1/send.
type SendResponse struct {
	From         string           `json:"from"`
	Nonce        uint64           `json:"nonce"`
	TxHash       string           `json:"tx_hash"`
	Replacements int              `json:"replacements"`
	Receipt      *ReceiptResponse `json:"receipt,omitempty"`
}

// ReceiptResponse is an optional mined receipt summary returned by /v1/send.
type ReceiptResponse struct {
	Status      uint64 `json:"status"`
	BlockNumber string `json:"block_number,omitempty"`
	GasUsed     uint64 `json:"gas_used,omitempty"`
}

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

// Client talks to the EVM relayer, which owns key material, nonce management,
// and gas pricing. The orchestrators only hand it calldata.
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
		hc:           &http.Client{Timeout: 5 * time.Minute},
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

// SubmitCall sends calldata to a contract and waits for the relayer's mined
// receipt. A receipt with status 0 yields a RevertError carrying the tx hash
// so the caller can still persist it before failing the job.
func (c *Client) SubmitCall(ctx context.Context, to common.Address, calldata []byte, gasLimit uint64) (common.Hash, error) {
	resp, err := c.Send(ctx, SendRequest{
		To:       to.Hex(),
		Data:     hexutil.Encode(calldata),
		GasLimit: gasLimit,
	})
	if err != nil {
		return common.Hash{}, err
	}

	txHash := common.HexToHash(strings.TrimSpace(resp.TxHash))
	if txHash == (common.Hash{}) {
		return common.Hash{}, fmt.Errorf("evmclient: relayer returned no tx hash")
	}
	if resp.Receipt != nil && resp.Receipt.Status == 0 {
		return txHash, &RevertError{TxHash: txHash}
	}
	return txHash, nil
}

func (c *Client) Send(ctx context.Context, req SendRequest) (SendResponse, error) {
	if c == nil || c.baseURL == nil || c.hc == nil {
		return SendResponse{}, fmt.Errorf("%w: nil client", ErrInvalidConfig)
	}

	u := *c.baseURL
	u.Path = joinPath(u.Path, "/v1/send")

	b, err := json.Marshal(req)
	if err != nil {
		return SendResponse{}, fmt.Errorf("evmclient: marshal request: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(b))
	if err != nil {
		return SendResponse{}, fmt.Errorf("evmclient: build request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		r.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.hc.Do(r)
	if err != nil {
		return SendResponse{}, fmt.Errorf("evmclient: http do: %w", err)
	}
	defer resp.Body.Close()

	body, err := readAllLimited(resp.Body, c.maxRespBytes)
	if err != nil {
		return SendResponse{}, err
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
		return SendResponse{}, fmt.Errorf("evmclient: status %d: %s", resp.StatusCode, msg)
	}

	var out SendResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return SendResponse{}, fmt.Errorf("evmclient: unmarshal response: %w", err)
	}
	return out, nil
}

func joinPath(basePath string, suffix string) string {
	// path.Join cleans up redundant slashes, but preserves a leading slash.
	if basePath == "" {
		basePath = "/"
	}
	return path.Join(basePath, suffix)
}

func readAllLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("evmclient: read response: %w", err)
	}
	if int64(len(b)) > maxBytes {
		return nil, fmt.Errorf("evmclient: response too large")
	}
	return b, nil
}
