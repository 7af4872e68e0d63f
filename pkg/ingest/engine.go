package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	models "github.com/resonance-network/chronicled/pkg/db/models/chain"
	"github.com/resonance-network/chronicled/pkg/metrics"
	"github.com/resonance-network/chronicled/pkg/retry"
	"github.com/resonance-network/chronicled/pkg/rpc"
	"go.uber.org/zap"
)

// ErrPersistence marks storage failures. The engine halts on them instead of
// advancing past an uncommitted block; callers must not retry blindly.
var ErrPersistence = errors.New("persistence failure")

// IsPersistence reports whether err came from the storage layer.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// errReorg signals that the ledger was rolled back and ingestion must resume
// from the rewound cursor.
var errReorg = errors.New("chain reorganization")

// State is the engine's lifecycle phase.
type State int32

const (
	StateBootstrapping State = iota
	StateCatchingUp
	StateLive
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	default:
		return "unknown"
	}
}

// Config tunes one chain's ingestion.
type Config struct {
	ChainID string
	// FollowBest subscribes to best heads and applies the confirmation
	// policy; otherwise the engine trusts the finalized stream.
	FollowBest bool
	// ConfirmationOverride pins the confirmation depth, skipping chain
	// introspection. Zero means instant.
	ConfirmationOverride *int64
	// RetentionWindow bounds how far behind the confirmed height buffered
	// candidates may linger.
	RetentionWindow int64
}

// Status is a point-in-time snapshot safe to read from other goroutines.
type Status struct {
	State         string `json:"state"`
	LatestBlock   int64  `json:"latest_block"`
	Confirmations int64  `json:"confirmations"`
	Buffered      int64  `json:"buffered"`
}

// Engine drives one chain from genesis to live head-following. All ingestion
// runs on the single Run goroutine; blocks commit in strictly ascending
// height order and the cursor advances only after a successful commit.
type Engine struct {
	cfg      Config
	logger   *zap.Logger
	client   ChainClient
	store    Store
	decoder  Decoder
	notifier Notifier
	metrics  *metrics.Metrics

	policy  *Policy
	buffer  *Buffer
	tracker *VersionTracker

	// Owned by the Run goroutine.
	progress      *models.IndexProgress
	confirmations int64

	state        atomic.Int32
	latest       atomic.Int64
	buffered     atomic.Int64
	requiredConf atomic.Int64
}

func New(logger *zap.Logger, cfg Config, client ChainClient, store Store, decoder Decoder, notifier Notifier, m *metrics.Metrics) *Engine {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 100
	}
	log := logger.With(zap.String("chain", cfg.ChainID))
	return &Engine{
		cfg:      cfg,
		logger:   log,
		client:   client,
		store:    store,
		decoder:  decoder,
		notifier: notifier,
		metrics:  m,
		policy:   NewPolicy(log, client, cfg.ConfirmationOverride),
		buffer:   NewBuffer(),
		tracker:  NewVersionTracker(log, client, store),
	}
}

// Status reports the engine's current phase and cursor.
func (e *Engine) Status() Status {
	return Status{
		State:         State(e.state.Load()).String(),
		LatestBlock:   e.latest.Load(),
		Confirmations: e.requiredConf.Load(),
		Buffered:      e.buffered.Load(),
	}
}

// Run ingests until ctx is cancelled or an unrecoverable error occurs.
// Connectivity errors bubble out so the caller can redial and call Run
// again; the bootstrap path is idempotent.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.bootstrap(ctx); err != nil {
		return err
	}
	for {
		if err := e.catchUp(ctx); err != nil {
			return err
		}
		err := e.live(ctx)
		if errors.Is(err, errReorg) {
			// The cursor was rewound; backfill the replacement branch.
			continue
		}
		return err
	}
}

func (e *Engine) bootstrap(ctx context.Context) error {
	e.state.Store(int32(StateBootstrapping))

	progress, err := e.store.GetOrCreateProgress(ctx)
	if err != nil {
		return errors.Join(ErrPersistence, err)
	}
	e.progress = progress
	e.latest.Store(progress.LatestBlock)

	if progress.LatestBlock < 0 {
		endowments, err := e.decoder.GenesisEndowments(ctx, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("genesis endowments: %w", err)
		}
		next := *e.progress
		if err := e.store.InsertGenesisEndowments(ctx, endowments, &next); err != nil {
			return errors.Join(ErrPersistence, err)
		}
		e.progress = &next
	}

	best, err := e.client.BestNumber(ctx)
	if err != nil {
		return fmt.Errorf("best number: %w", err)
	}
	if err := e.tracker.Bootstrap(ctx, best); err != nil {
		return fmt.Errorf("runtime version log: %w", err)
	}

	e.confirmations = e.policy.RequiredConfirmations(ctx)
	e.requiredConf.Store(e.confirmations)

	e.logger.Info("Bootstrap complete",
		zap.Int64("cursor", e.progress.LatestBlock),
		zap.Int64("best", best),
		zap.Int64("confirmations", e.confirmations),
		zap.Bool("follow_best", e.cfg.FollowBest))
	return nil
}

// catchUp commits every sufficiently confirmed height above the cursor.
// Individual blocks that fail to fetch are logged and skipped; the gap shows
// up in the log and the cursor keeps its ordering guarantee for everything
// that did commit.
func (e *Engine) catchUp(ctx context.Context) error {
	e.state.Store(int32(StateCatchingUp))

	for {
		var best int64
		err := retry.WithBackoff(ctx, retry.DefaultConfig(), e.logger, "best number", func() error {
			var err error
			best, err = e.client.BestNumber(ctx)
			return err
		})
		if err != nil {
			return err
		}

		target := best
		if e.cfg.FollowBest {
			target = best - e.confirmations
		}
		if target <= e.progress.LatestBlock {
			return nil
		}

		e.logger.Info("Catching up",
			zap.Int64("from", e.progress.LatestBlock+1),
			zap.Int64("to", target))

		rewound := false
		committed := 0
		for n := e.progress.LatestBlock + 1; n <= target; n++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := e.commitHeight(ctx, n)
			switch {
			case err == nil:
				committed++
			case errors.Is(err, errReorg):
				rewound = true
			default:
				// Backfill trades completeness for liveness: the block is
				// skipped and the gap logged. Live blocks never do this.
				e.logger.Warn("Skipping block during catch-up",
					zap.Int64("height", n), zap.Error(err))
			}
			if rewound {
				break
			}
		}
		if committed == 0 && !rewound {
			// Every remaining height failed; leave the gap to the live
			// stream rather than spinning on it.
			return nil
		}
		// Loop again: the chain kept growing, or a rewind moved the cursor.
	}
}

// live follows the head subscription, buffering best heads until they gather
// enough confirmations. Returns nil on ctx cancellation; a reorg or a dead
// subscription returns an error for the caller to handle.
func (e *Engine) live(ctx context.Context) error {
	e.state.Store(int32(StateLive))

	subscribe := e.client.SubscribeFinalizedHeads
	mode := "finalized"
	if e.cfg.FollowBest {
		subscribe = e.client.SubscribeNewHeads
		mode = "best"
	}

	var sub *rpc.Subscription
	err := retry.WithBackoff(ctx, retry.DefaultConfig(), e.logger, "subscribe heads", func() error {
		s, err := subscribe(ctx)
		if err == nil {
			sub = s
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("subscribe %s heads: %w", mode, err)
	}
	defer sub.Unsubscribe(context.WithoutCancel(ctx))

	e.logger.Info("Following live heads", zap.String("mode", mode))

	for {
		select {
		case <-ctx.Done():
			return nil
		case h, ok := <-sub.Headers:
			if !ok {
				err := <-sub.Err
				return fmt.Errorf("%s head subscription ended: %w", mode, err)
			}
			if err := e.handleHead(ctx, h); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleHead(ctx context.Context, h rpc.Header) error {
	number := int64(h.Number)
	if number <= e.progress.LatestBlock {
		return nil
	}

	if !e.cfg.FollowBest {
		// Finalized stream: everything up to this head is final.
		return e.commitRange(ctx, number)
	}

	best, err := e.client.BestNumber(ctx)
	if err != nil {
		e.logger.Warn("Best number unavailable, assuming the new head is the tip", zap.Error(err))
		best = number
	}
	if best < number {
		best = number
	}

	if best-number < e.confirmations {
		e.buffer.Observe(number, h.Hash, e.progress.LatestBlock)
	}

	for _, p := range e.buffer.PromoteReady(best, e.confirmations, e.progress.LatestBlock) {
		if p.Number > e.progress.LatestBlock+1 {
			// Fill the gap below the candidate first to keep ascending order.
			if err := e.commitRange(ctx, p.Number-1); err != nil {
				return err
			}
		}
		if p.Number <= e.progress.LatestBlock {
			continue
		}
		header, err := e.client.Header(ctx, p.Hash)
		if err != nil {
			// The candidate may sit on a dead branch; take whatever the
			// node now considers canonical at that height.
			e.logger.Warn("Buffered head unavailable, refetching by height",
				zap.Int64("height", p.Number), zap.Error(err))
			if err := e.commitRange(ctx, p.Number); err != nil {
				return err
			}
			continue
		}
		if err := e.commitHeader(ctx, header); err != nil {
			return err
		}
	}

	// Anything at or below the cutoff is final by depth even when it never
	// passed through the buffer, like heads first seen during catch-up.
	if cutoff := best - e.confirmations; cutoff > e.progress.LatestBlock {
		if err := e.commitRange(ctx, cutoff); err != nil {
			return err
		}
	}

	e.buffer.Prune(best-e.confirmations, e.cfg.RetentionWindow)
	e.buffered.Store(int64(e.buffer.Len()))
	e.metrics.BufferSize(e.cfg.ChainID, e.buffer.Len())
	return nil
}

// commitRange commits every height from the cursor up to and including
// through, stopping on the first error.
func (e *Engine) commitRange(ctx context.Context, through int64) error {
	for n := e.progress.LatestBlock + 1; n <= through; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.commitHeight(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) commitHeight(ctx context.Context, number int64) error {
	hash, err := e.client.BlockHash(ctx, number)
	if err != nil {
		return fmt.Errorf("block hash %d: %w", number, err)
	}
	header, err := e.client.Header(ctx, hash)
	if err != nil {
		return fmt.Errorf("header %d: %w", number, err)
	}
	return e.commitHeader(ctx, header)
}

// commitHeader runs the full per-block pipeline: ancestry check, runtime
// version log, event decoding, and the single atomic commit.
func (e *Engine) commitHeader(ctx context.Context, h *rpc.Header) error {
	number := int64(h.Number)
	start := time.Now()

	if err := e.verifyAncestry(ctx, h); err != nil {
		return err
	}

	version, err := e.client.RuntimeVersion(ctx, h.Hash)
	if err != nil {
		return fmt.Errorf("runtime version at %d: %w", number, err)
	}
	// The version log must be current before this block's rows land.
	if err := e.tracker.OnBlock(ctx, version, h.Hash, number); err != nil {
		return fmt.Errorf("runtime version log at %d: %w", number, err)
	}

	blockTime := time.Now().UTC()

	var changes []*models.BalanceChange
	if number > 0 {
		events, err := e.client.Events(ctx, h.Hash)
		if err != nil {
			return fmt.Errorf("events at %d: %w", number, err)
		}
		changes = e.decoder.DecodeEvents(events, number, blockTime)

		reward, err := e.decoder.MinerReward(ctx, h.Hash, number, blockTime)
		if err != nil {
			return fmt.Errorf("block reward at %d: %w", number, err)
		}
		for _, r := range reward {
			r.EventIndex = int32(len(changes))
			changes = append(changes, r)
		}
	}

	block := models.NewBlock(number, h.Hash, h.ParentHash, blockTime, int64(version.SpecVersion))
	next := *e.progress
	next.Advance(block, len(changes))
	if err := e.store.CommitBlock(ctx, block, changes, &next); err != nil {
		return errors.Join(ErrPersistence, err)
	}
	e.progress = &next
	e.latest.Store(number)

	e.metrics.BlockCommitted(e.cfg.ChainID, number, len(changes), time.Since(start).Seconds())
	e.notifier.BlockCommitted(ctx, e.cfg.ChainID, block, len(changes))
	return nil
}

// verifyAncestry checks that the incoming block extends the committed tip.
// On a mismatch it walks back to the fork point, rolls the ledger back, and
// returns errReorg so the caller re-indexes from the rewound cursor.
func (e *Engine) verifyAncestry(ctx context.Context, h *rpc.Header) error {
	number := int64(h.Number)
	if number == 0 || e.progress.LatestBlock != number-1 {
		return nil
	}
	if bytes.Equal(h.ParentHash, e.progress.LatestBlockHash) {
		return nil
	}

	e.logger.Warn("Parent hash mismatch, locating fork point",
		zap.Int64("height", number),
		zap.String("parent", h.ParentHash.String()))

	forkStart := number - 1
	for d := number - 2; d >= 0; d-- {
		stored, err := e.store.GetBlock(ctx, d)
		if err != nil {
			return errors.Join(ErrPersistence, err)
		}
		if stored == nil {
			break
		}
		canonical, err := e.client.BlockHash(ctx, d)
		if err != nil {
			return fmt.Errorf("block hash %d: %w", d, err)
		}
		if bytes.Equal(stored.Hash, canonical) {
			break
		}
		forkStart = d
	}

	if err := e.store.BeginReorg(ctx, forkStart); err != nil {
		return errors.Join(ErrPersistence, err)
	}
	progress, err := e.store.GetOrCreateProgress(ctx)
	if err != nil {
		return errors.Join(ErrPersistence, err)
	}
	e.progress = progress
	e.latest.Store(progress.LatestBlock)
	e.metrics.ReorgHandled(e.cfg.ChainID)
	return errReorg
}
