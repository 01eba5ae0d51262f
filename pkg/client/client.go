// Package client is a thin typed facade over the provider manager's generic
// call primitive. It translates domain operations into JSON-RPC method names
// and parameters and decodes the opaque results into typed structures. It
// owns no selection, retry, or rate-limit policy.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Executor is the narrow surface the facade needs from the provider manager.
type Executor interface {
	Execute(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Config tunes the facade.
type Config struct {
	// Commitment is the confirmation level attached to read calls.
	// Defaults to "confirmed".
	Commitment string

	// BatchConcurrency bounds the parallel calls issued by GetTransactions.
	// Defaults to 8.
	BatchConcurrency int
}

func (c Config) withDefaults() Config {
	if c.Commitment == "" {
		c.Commitment = "confirmed"
	}
	if c.BatchConcurrency <= 0 {
		c.BatchConcurrency = 8
	}
	return c
}

// Client exposes typed RPC operations on top of an Executor.
type Client struct {
	exec Executor
	cfg  Config
}

// New creates a facade over the given executor.
func New(exec Executor, cfg Config) *Client {
	return &Client{exec: exec, cfg: cfg.withDefaults()}
}

// rpcEnvelope is the context/value wrapper most read methods return.
type rpcEnvelope[T any] struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value T `json:"value"`
}

// AccountInfo describes an on-chain account.
type AccountInfo struct {
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	Data       json.RawMessage `json:"data"`
	Executable bool            `json:"executable"`
	RentEpoch  uint64          `json:"rentEpoch"`
}

// SignatureInfo is one entry from a signatures-for-address listing.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	Memo      string          `json:"memo"`
	BlockTime *int64          `json:"blockTime"`
}

// TransactionMeta carries the outcome of a processed transaction.
type TransactionMeta struct {
	Err  json.RawMessage `json:"err"`
	Fee  uint64          `json:"fee"`
	Logs []string        `json:"logMessages"`
}

// TransactionDetail is a fetched transaction. The raw transaction body is
// kept opaque; callers that need instruction-level detail decode it further.
type TransactionDetail struct {
	Slot        uint64           `json:"slot"`
	BlockTime   *int64           `json:"blockTime"`
	Meta        *TransactionMeta `json:"meta"`
	Transaction json.RawMessage  `json:"transaction"`
}

// LatestBlockhash is the current blockhash and its expiry height.
type LatestBlockhash struct {
	Blockhash            string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// GetAccountInfo fetches an account. A missing account returns (nil, nil).
func (c *Client) GetAccountInfo(ctx context.Context, address string) (*AccountInfo, error) {
	params := []any{address, map[string]any{"encoding": "base64", "commitment": c.cfg.Commitment}}
	raw, err := c.exec.Execute(ctx, "getAccountInfo", params)
	if err != nil {
		return nil, err
	}

	var env rpcEnvelope[*AccountInfo]
	if err := decode(raw, "getAccountInfo", &env); err != nil {
		return nil, err
	}
	return env.Value, nil
}

// GetBalance returns an account's balance in lamports.
func (c *Client) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := []any{address, map[string]any{"commitment": c.cfg.Commitment}}
	raw, err := c.exec.Execute(ctx, "getBalance", params)
	if err != nil {
		return 0, err
	}

	var env rpcEnvelope[uint64]
	if err := decode(raw, "getBalance", &env); err != nil {
		return 0, err
	}
	return env.Value, nil
}

// GetSignaturesForAddress lists up to limit recent transaction signatures
// involving the address, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]SignatureInfo, error) {
	opts := map[string]any{"commitment": c.cfg.Commitment}
	if limit > 0 {
		opts["limit"] = limit
	}
	raw, err := c.exec.Execute(ctx, "getSignaturesForAddress", []any{address, opts})
	if err != nil {
		return nil, err
	}

	var sigs []SignatureInfo
	if err := decode(raw, "getSignaturesForAddress", &sigs); err != nil {
		return nil, err
	}
	return sigs, nil
}

// GetTransaction fetches one confirmed transaction by signature. An unknown
// signature returns (nil, nil).
func (c *Client) GetTransaction(ctx context.Context, signature string) (*TransactionDetail, error) {
	params := []any{signature, map[string]any{
		"encoding":                       "json",
		"commitment":                     c.cfg.Commitment,
		"maxSupportedTransactionVersion": 0,
	}}
	raw, err := c.exec.Execute(ctx, "getTransaction", params)
	if err != nil {
		return nil, err
	}

	var detail *TransactionDetail
	if err := decode(raw, "getTransaction", &detail); err != nil {
		return nil, err
	}
	return detail, nil
}

// GetTransactions batch-fetches transactions with bounded concurrency.
// Results keep the order of the signatures argument; unknown signatures leave
// a nil slot. The first failure cancels the remaining fetches.
func (c *Client) GetTransactions(ctx context.Context, signatures []string) ([]*TransactionDetail, error) {
	out := make([]*TransactionDetail, len(signatures))
	if len(signatures) == 0 {
		return out, nil
	}

	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	sem := make(chan struct{}, c.cfg.BatchConcurrency)

	for i, sig := range signatures {
		wg.Add(1)
		go func(i int, sig string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-gctx.Done():
				return
			}

			detail, err := c.GetTransaction(gctx, sig)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("transaction %s: %w", sig, err)
				}
				mu.Unlock()
				cancel()
				return
			}
			out[i] = detail
		}(i, sig)
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// SendTransaction submits a signed, base64-encoded transaction and returns
// its signature.
func (c *Client) SendTransaction(ctx context.Context, signedTx string) (string, error) {
	params := []any{signedTx, map[string]any{"encoding": "base64"}}
	raw, err := c.exec.Execute(ctx, "sendTransaction", params)
	if err != nil {
		return "", err
	}

	var signature string
	if err := decode(raw, "sendTransaction", &signature); err != nil {
		return "", err
	}
	return signature, nil
}

// GetLatestBlockhash returns the current blockhash for transaction assembly.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*LatestBlockhash, error) {
	params := []any{map[string]any{"commitment": c.cfg.Commitment}}
	raw, err := c.exec.Execute(ctx, "getLatestBlockhash", params)
	if err != nil {
		return nil, err
	}

	var env rpcEnvelope[LatestBlockhash]
	if err := decode(raw, "getLatestBlockhash", &env); err != nil {
		return nil, err
	}
	return &env.Value, nil
}
