package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// JSON-RPC methods exposed by the node. Consolidated here so a protocol
// rename stays a one-file change.
const (
	methodBlockHash          = "chain_getBlockHash"
	methodHeader             = "chain_getHeader"
	methodRuntimeVersion     = "state_getRuntimeVersion"
	methodMetadata           = "state_getMetadata"
	methodEvents             = "state_getEvents"
	methodConstant           = "runtime_getConstant"
	methodGenesisBalances    = "state_getGenesisBalances"
	methodBlockReward        = "pow_getBlockReward"
	methodSubscribeNewHeads  = "chain_subscribeNewHeads"
	methodSubscribeFinalized = "chain_subscribeFinalizedHeads"
	methodUnsubNewHeads      = "chain_unsubscribeNewHeads"
	methodUnsubFinalized     = "chain_unsubscribeFinalizedHeads"
)

// ErrClosed is returned for calls made after the connection died.
var ErrClosed = errors.New("rpc: connection closed")

const callTimeout = 30 * time.Second

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  *notification   `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type notification struct {
	Subscription string          `json:"subscription"`
	Result       json.RawMessage `json:"result"`
}

// Client is a JSON-RPC 2.0 client over a single websocket connection. One
// read loop demultiplexes call replies and subscription notifications. The
// client does not redial: when the socket dies every pending call and
// subscription fails and the owner reconnects through pkg/retry.
type Client struct {
	logger *zap.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex
	nextID  uint64

	mu      sync.Mutex
	pending map[uint64]chan response
	subs    map[string]*Subscription
	err     error
	closed  chan struct{}
}

// Dial connects to the node's websocket endpoint and starts the read loop.
func Dial(ctx context.Context, logger *zap.Logger, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		logger:  logger.With(zap.String("node", url)),
		conn:    conn,
		pending: map[uint64]chan response{},
		subs:    map[string]*Subscription{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()

	c.logger.Info("Connected to node")
	return c, nil
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

// Err returns the terminal connection error, or nil while the connection is
// healthy.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == ErrClosed {
		return nil
	}
	return c.err
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("read: %w", err))
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("Dropping unparseable frame", zap.Error(err))
			continue
		}

		switch {
		case resp.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*resp.ID]
			delete(c.pending, *resp.ID)
			c.mu.Unlock()
			if ok {
				ch <- resp
			}
		case resp.Params != nil:
			c.mu.Lock()
			sub, ok := c.subs[resp.Params.Subscription]
			c.mu.Unlock()
			if ok {
				sub.deliver(resp.Params.Result)
			}
		default:
			c.logger.Debug("Dropping frame without id or subscription")
		}
	}
}

// fail terminates the connection and propagates err to every waiter.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	pending := c.pending
	subs := c.subs
	c.pending = map[uint64]chan response{}
	c.subs = map[string]*Subscription{}
	close(c.closed)
	c.mu.Unlock()

	_ = c.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
	for _, sub := range subs {
		sub.fail(err)
	}
}

func (c *Client) call(ctx context.Context, method string, params []any, result any) error {
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextID++
	id := c.nextID
	ch := make(chan response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("write: %w", err))
		return fmt.Errorf("%s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	select {
	case <-callCtx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, callCtx.Err())
	case <-c.closed:
		return fmt.Errorf("%s: %w", method, ErrClosed)
	case resp, ok := <-ch:
		if !ok {
			return fmt.Errorf("%s: %w", method, ErrClosed)
		}
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if result != nil {
			if err := decodeResult(resp.Result, result); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	}
}

// decodeResult decodes a call result keeping numbers as json.Number. Balance
// amounts can exceed 2^53 and must not pass through float64.
func decodeResult(raw json.RawMessage, result any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(result)
}

// GenesisHash returns the hash of block 0.
func (c *Client) GenesisHash(ctx context.Context) ([]byte, error) {
	return c.BlockHash(ctx, 0)
}

// BlockHash returns the canonical hash at a height, or nil when the node has
// no block there.
func (c *Client) BlockHash(ctx context.Context, number int64) ([]byte, error) {
	var h *HexBytes
	if err := c.call(ctx, methodBlockHash, []any{number}, &h); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("no block hash at height %d", number)
	}
	return *h, nil
}

// Header returns the header for a block hash.
func (c *Client) Header(ctx context.Context, hash []byte) (*Header, error) {
	var h *Header
	if err := c.call(ctx, methodHeader, []any{HexBytes(hash)}, &h); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("no header for hash %s", HexBytes(hash))
	}
	if len(h.Hash) == 0 {
		h.Hash = hash
	}
	return h, nil
}

// BestNumber returns the height of the node's current best block.
func (c *Client) BestNumber(ctx context.Context) (int64, error) {
	var h *Header
	if err := c.call(ctx, methodHeader, nil, &h); err != nil {
		return 0, err
	}
	if h == nil {
		return 0, errors.New("node returned no best header")
	}
	return int64(h.Number), nil
}

// RuntimeVersion returns the runtime version at a block hash, or the current
// one when hash is nil.
func (c *Client) RuntimeVersion(ctx context.Context, hash []byte) (*RuntimeVersion, error) {
	params := []any{}
	if hash != nil {
		params = append(params, HexBytes(hash))
	}
	var v RuntimeVersion
	if err := c.call(ctx, methodRuntimeVersion, params, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// Metadata returns the raw runtime metadata active at a block hash, or the
// current metadata when hash is nil.
func (c *Client) Metadata(ctx context.Context, hash []byte) ([]byte, error) {
	params := []any{}
	if hash != nil {
		params = append(params, HexBytes(hash))
	}
	var b HexBytes
	if err := c.call(ctx, methodMetadata, params, &b); err != nil {
		return nil, err
	}
	return b, nil
}

// Events returns the decoded runtime events of a block.
func (c *Client) Events(ctx context.Context, hash []byte) ([]Event, error) {
	var evs []Event
	if err := c.call(ctx, methodEvents, []any{HexBytes(hash)}, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Constant looks up a named runtime constant by (module, name). The node
// returns null for constants the runtime does not define.
func (c *Client) Constant(ctx context.Context, module, name string) (uint64, error) {
	var v *json.Number
	if err := c.call(ctx, methodConstant, []any{module, name}, &v); err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("constant %s.%s not defined", module, name)
	}
	n, err := v.Int64()
	if err != nil || n < 0 {
		return 0, fmt.Errorf("constant %s.%s is not an unsigned integer: %q", module, name, v.String())
	}
	return uint64(n), nil
}

// GenesisBalances returns the endowed accounts of the genesis state.
func (c *Client) GenesisBalances(ctx context.Context) ([]GenesisBalance, error) {
	var out []GenesisBalance
	if err := c.call(ctx, methodGenesisBalances, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BlockReward returns the author payout of a block, or nil when the chain
// pays none.
func (c *Client) BlockReward(ctx context.Context, hash []byte) (*BlockReward, error) {
	var r *BlockReward
	if err := c.call(ctx, methodBlockReward, []any{HexBytes(hash)}, &r); err != nil {
		return nil, err
	}
	return r, nil
}
