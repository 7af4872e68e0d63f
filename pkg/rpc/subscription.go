package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Subscription is an open head stream. Headers stays open until the socket
// dies or Unsubscribe is called; afterwards a single error (nil for a clean
// unsubscribe) is delivered on Err.
type Subscription struct {
	// Headers delivers new heads in arrival order.
	Headers <-chan Header
	// Err delivers the terminal error once Headers is closed.
	Err <-chan error

	id      string
	client  *Client
	unsub   string
	headers chan Header
	errs    chan error
	logger  *zap.Logger

	// mu orders deliver against fail so nothing sends on a closed channel.
	mu   sync.Mutex
	done bool
}

// SubscribeNewHeads streams best-chain heads, the feed used in follow-best
// (probabilistic finality) mode.
func (c *Client) SubscribeNewHeads(ctx context.Context) (*Subscription, error) {
	return c.subscribe(ctx, methodSubscribeNewHeads, methodUnsubNewHeads)
}

// SubscribeFinalizedHeads streams finalized heads for instant-finality mode.
func (c *Client) SubscribeFinalizedHeads(ctx context.Context) (*Subscription, error) {
	return c.subscribe(ctx, methodSubscribeFinalized, methodUnsubFinalized)
}

func (c *Client) subscribe(ctx context.Context, method, unsubMethod string) (*Subscription, error) {
	var id string
	if err := c.call(ctx, method, nil, &id); err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:      id,
		client:  c,
		unsub:   unsubMethod,
		headers: make(chan Header, 64),
		errs:    make(chan error, 1),
		logger:  c.logger.With(zap.String("subscription", id)),
	}
	sub.Headers = sub.headers
	sub.Err = sub.errs

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.subs[id] = sub
	c.mu.Unlock()

	return sub, nil
}

// Unsubscribe tells the node to stop the stream and closes Headers.
func (s *Subscription) Unsubscribe(ctx context.Context) {
	if s.client == nil {
		return
	}
	s.client.mu.Lock()
	_, active := s.client.subs[s.id]
	delete(s.client.subs, s.id)
	s.client.mu.Unlock()
	if !active {
		return
	}

	var ok bool
	if err := s.client.call(ctx, s.unsub, []any{s.id}, &ok); err != nil {
		s.logger.Debug("Unsubscribe call failed", zap.Error(err))
	}
	s.fail(nil)
}

// deliver parses one notification payload onto the header channel. A slow
// consumer drops the head rather than stalling the read loop; the engine
// resyncs through its catch-up path.
func (s *Subscription) deliver(raw json.RawMessage) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		s.logger.Warn("Dropping unparseable head notification", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	select {
	case s.headers <- h:
	default:
		s.logger.Warn("Head channel full, dropping head", zap.Uint64("number", uint64(h.Number)))
	}
}

func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	close(s.headers)
	s.errs <- err
}
