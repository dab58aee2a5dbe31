package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/0xkanth/omnisync/internal/syncerrors"
)

// Client adapts go-ethereum's ethclient into the Rpc capability, generalized
// from a single fixed chain (the teacher's OnChainClient) to any chain: it
// adds a rate-limited request queue and raw debug_trace/trace_filter calls.
type Client struct {
	http    *ethclient.Client
	ws      *ethclient.Client
	chainID *big.Int
	logger  zerolog.Logger
	limiter *rate.Limiter
	inflight chan struct{}
}

// Config configures per-chain RPC access: endpoints and the shared-resource
// limits spec §5 requires ("RPC: shared per chain via a request queue
// enforcing maxRequestsPerSecond and max in-flight concurrency").
type Config struct {
	HTTPURL            string
	WSURL              string
	ChainID            int64
	MaxRequestsPerSec  float64
	MaxInFlight        int
}

// NewClient dials the HTTP (and, if configured, WebSocket) endpoints and
// verifies the reported chain ID matches cfg.ChainID.
func NewClient(ctx context.Context, cfg Config, logger zerolog.Logger) (*Client, error) {
	httpClient, err := ethclient.DialContext(ctx, cfg.HTTPURL)
	if err != nil {
		return nil, syncerrors.New(syncerrors.RpcFatal, fmt.Errorf("dial rpc: %w", err))
	}

	var wsClient *ethclient.Client
	if cfg.WSURL != "" {
		wsClient, err = ethclient.DialContext(ctx, cfg.WSURL)
		if err != nil {
			logger.Warn().Err(err).Str("ws_url", cfg.WSURL).Msg("websocket dial failed, falling back to http polling")
		}
	}

	actual, err := httpClient.ChainID(ctx)
	if err != nil {
		httpClient.Close()
		if wsClient != nil {
			wsClient.Close()
		}
		return nil, syncerrors.New(syncerrors.RpcFatal, fmt.Errorf("fetch chain id: %w", err))
	}

	expected := big.NewInt(cfg.ChainID)
	if actual.Cmp(expected) != 0 {
		httpClient.Close()
		if wsClient != nil {
			wsClient.Close()
		}
		return nil, syncerrors.New(syncerrors.RpcFatal,
			fmt.Errorf("chain id mismatch: expected %d, got %d", cfg.ChainID, actual))
	}

	maxReq := cfg.MaxRequestsPerSec
	if maxReq <= 0 {
		maxReq = 20
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = 8
	}

	logger.Info().
		Int64("chain_id", cfg.ChainID).
		Str("http_url", cfg.HTTPURL).
		Bool("has_websocket", wsClient != nil).
		Float64("max_requests_per_sec", maxReq).
		Int("max_in_flight", maxInFlight).
		Msg("rpc client initialized")

	return &Client{
		http:     httpClient,
		ws:       wsClient,
		chainID:  expected,
		logger:   logger.With().Str("component", "chain").Logger(),
		limiter:  rate.NewLimiter(rate.Limit(maxReq), maxInFlight),
		inflight: make(chan struct{}, maxInFlight),
	}, nil
}

// gate enforces the per-chain request queue: a rate limit plus a bounded
// in-flight semaphore, per spec §5's shared-resource model.
func (c *Client) gate(ctx context.Context) (func(), error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, syncerrors.New(syncerrors.Shutdown, err)
	}
	select {
	case c.inflight <- struct{}{}:
	case <-ctx.Done():
		return nil, syncerrors.New(syncerrors.Shutdown, ctx.Err())
	}
	return func() { <-c.inflight }, nil
}

func (c *Client) ChainID(ctx context.Context) (uint64, error) {
	return c.chainID.Uint64(), nil
}

func (c *Client) LatestBlockNumber(ctx context.Context) (uint64, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	n, err := c.http.BlockNumber(ctx)
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

func (c *Client) GetBlockByNumber(ctx context.Context, number uint64, withTxs bool) (*types.Block, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	block, err := c.http.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, classify(err)
	}
	return block, nil
}

func (c *Client) GetBlockByHash(ctx context.Context, hash [32]byte, withTxs bool) (*types.Block, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	block, err := c.http.BlockByHash(ctx, common.Hash(hash))
	if err != nil {
		return nil, classify(err)
	}
	return block, nil
}

func (c *Client) GetLogs(ctx context.Context, q FilterQuery) ([]types.Log, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	logs, err := c.http.FilterLogs(ctx, q)
	if err != nil {
		return nil, classify(err)
	}
	return logs, nil
}

// traceBlockResult mirrors the shape debug_traceBlockByNumber returns with
// callTracer: one entry per top-level transaction, each carrying a nested
// call tree that callers flatten via TraceBlockByNumber.
type traceBlockResult struct {
	TxHash string      `json:"txHash"`
	Result callFrame   `json:"result"`
}

type callFrame struct {
	Type    string       `json:"type"`
	From    string       `json:"from"`
	To      string       `json:"to"`
	Value   string       `json:"value"`
	Input   string       `json:"input"`
	Output  string       `json:"output"`
	Error   string       `json:"error"`
	Calls   []callFrame  `json:"calls"`
}

// TraceBlockByNumber fetches and flattens the call tree for every
// transaction in a block, via debug_traceBlockByNumber with callTracer.
// Providers that lack debug_* (only trace_filter) are expected to supply an
// alternate Rpc implementation; this module only grounds the debug_trace path.
func (c *Client) TraceBlockByNumber(ctx context.Context, number uint64) ([]TraceRecord, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var raw []traceBlockResult
	blockParam := fmt.Sprintf("0x%x", number)
	err = c.http.Client().CallContext(ctx, &raw, "debug_traceBlockByNumber", blockParam,
		map[string]any{"tracer": "callTracer"})
	if err != nil {
		return nil, classify(err)
	}

	var out []TraceRecord
	for txIdx, entry := range raw {
		txHash := common.HexToHash(entry.TxHash)
		flattenCallFrame(entry.Result, txHash, uint(txIdx), &out)
	}
	return out, nil
}

func flattenCallFrame(frame callFrame, txHash common.Hash, txIndex uint, out *[]TraceRecord) {
	value := new(big.Int)
	if frame.Value != "" {
		value.SetString(trimHexPrefix(frame.Value), 16)
	}
	// callTracer reports upper-case types ("CALL", "DELEGATECALL", ...);
	// normalize to the lower-case type/callType split TraceRecord documents.
	typ, callType := strings.ToLower(frame.Type), ""
	switch typ {
	case "call", "delegatecall", "staticcall", "callcode":
		callType, typ = typ, "call"
	}
	record := TraceRecord{
		TxHash:     txHash,
		TxIndex:    txIndex,
		TraceIndex: uint(len(*out)),
		Type:       typ,
		CallType:   callType,
		From:       common.HexToAddress(frame.From),
		To:         common.HexToAddress(frame.To),
		Value:      value,
		Input:      common.FromHex(frame.Input),
		Output:     common.FromHex(frame.Output),
		Error:      frame.Error,
	}
	*out = append(*out, record)
	for _, child := range frame.Calls {
		flattenCallFrame(child, txHash, txIndex, out)
	}
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

func (c *Client) GetTransactionReceipt(ctx context.Context, hash [32]byte) (*types.Receipt, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	receipt, err := c.http.TransactionReceipt(ctx, common.Hash(hash))
	if err != nil {
		return nil, classify(err)
	}
	return receipt, nil
}

func (c *Client) Call(ctx context.Context, to [20]byte, data []byte, blockNumber uint64) ([]byte, error) {
	release, err := c.gate(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	addr := common.Address(to)
	result, err := c.http.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, new(big.Int).SetUint64(blockNumber))
	if err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (c *Client) Subscribe(ctx context.Context) (<-chan *types.Header, ethereum.Subscription, error) {
	if c.ws == nil {
		return nil, nil, syncerrors.New(syncerrors.RpcFatal, fmt.Errorf("no websocket endpoint configured"))
	}

	headers := make(chan *types.Header)
	sub, err := c.ws.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, nil, classify(err)
	}
	return headers, sub, nil
}

// Close releases the underlying connections.
func (c *Client) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
	c.logger.Info().Msg("rpc client closed")
}
