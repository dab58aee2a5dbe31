// Package dispatch implements the indexing dispatcher (C9): sequential
// delivery of merged events to user callbacks, with retry/abort
// classification and a NATS fan-out notification layered atop successful
// commits. Concurrency is deliberately 1 per chain (spec §4.9, §5's
// "single-threaded cooperative event loop inside the dispatcher"), so
// Dispatch is a plain blocking call rather than a worker pool — grounded on
// the teacher's router.EventLogHandlerRouter, which also dispatches one log
// at a time to its registered callback, generalized here with retry/backoff
// and cache-flush glue the teacher never needed (single insert per log).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xkanth/omnisync/internal/checkpoint"
	"github.com/0xkanth/omnisync/internal/indexstore"
	"github.com/0xkanth/omnisync/internal/metrics"
	"github.com/0xkanth/omnisync/internal/syncerrors"
	"github.com/0xkanth/omnisync/pkg/types"
)

// Context is the reusable per-event handle passed to user callbacks (spec
// §4.9 step 1): chain identity, a cached read-only RPC client, the
// write-through indexing store, and the set of contract addresses the
// engine is configured to watch.
type Context struct {
	Chain     uint64
	Client    *ReadOnlyClient
	DB        *indexstore.Store
	Contracts map[string]common.Address
	RunID     uuid.UUID
}

// Config bounds dispatch-local retry behavior for retryable errors (spec
// §4.9 step 4: "propagate a retryable-error signal; caller retries the
// event after backoff").
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	return c
}

// Notifier fans a dispatched batch out to external observers after a
// successful flush — adapted from the teacher's nats.Publisher, generalized
// from one fixed Polymarket subject to an arbitrary per-chain subject.
type Notifier interface {
	PublishDispatched(ctx context.Context, chainID uint64, events []types.Event) error
}

// Dispatcher sequentially delivers events to the Router's registered
// callbacks for one chain.
type Dispatcher struct {
	chainID   uint64
	router    *Router
	store     *indexstore.Store
	client    *ReadOnlyClient
	contracts map[string]common.Address
	notifier  Notifier
	cfg       Config
	logger    zerolog.Logger

	killed        bool
	lastSeen      checkpoint.Checkpoint
	lastCommitted checkpoint.Checkpoint
	pending       []types.Event // dispatched since the last flush; for the notifier batch
}

func New(chainID uint64, router *Router, store *indexstore.Store, client *ReadOnlyClient,
	contracts map[string]common.Address, notifier Notifier, cfg Config, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		chainID:   chainID,
		router:    router,
		store:     store,
		client:    client,
		contracts: contracts,
		notifier:  notifier,
		cfg:       cfg.withDefaults(),
		logger:    logger.With().Uint64("chain", chainID).Str("component", "dispatch").Logger(),
	}
}

// Kill sets the cooperative cancellation flag checked between events (spec
// §4.9: "Cancellation: a kill flag checked between events. In-flight
// callback is awaited; result is then discarded.").
func (d *Dispatcher) Kill() { d.killed = true }

// Dispatch delivers one event to its registered callback, retrying locally
// on a classified-retryable failure and returning a non-retryable error
// (wrapped with the user-visible context spec §7 requires) on abort.
// The indexing cache is flushed (a) when it becomes full, (b) on a
// finalize control event, matching spec §4.10's flush triggers; checkpoint
// commit happens only inside that same Flush call. A reorg control event
// instead triggers an unconditional durable revert (see revert) regardless
// of whether a user OnControl(EventKindReorg) callback is registered.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.Event) error {
	if d.killed {
		return syncerrors.New(syncerrors.Shutdown, fmt.Errorf("dispatch: killed before event at checkpoint %x", event.Checkpoint))
	}

	cb, ok := d.router.Lookup(event)
	if !ok {
		return d.afterDispatch(ctx, event)
	}

	dctx := &Context{
		Chain:     d.chainID,
		Client:    d.client,
		DB:        d.store,
		Contracts: d.contracts,
		RunID:     uuid.New(),
	}

	start := time.Now()
	err := d.invokeWithRetry(ctx, dctx, event, cb)
	metrics.DispatchLatency.WithLabelValues(fmt.Sprint(d.chainID), event.EventName).Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	metrics.DispatchedTotal.WithLabelValues(fmt.Sprint(d.chainID), event.EventName).Inc()
	return d.afterDispatch(ctx, event)
}

func (d *Dispatcher) invokeWithRetry(ctx context.Context, dctx *Context, event types.Event, cb EventCallback) error {
	delay := d.cfg.InitialDelay
	for attempt := 0; ; attempt++ {
		if d.killed {
			return syncerrors.New(syncerrors.Shutdown, fmt.Errorf("dispatch: killed mid-retry for event %s", event.EventName))
		}

		err := cb(ctx, dctx, event)
		if err == nil {
			return nil
		}

		if !syncerrors.Retryable(err) {
			return d.abort(event, err)
		}

		kind := "unknown"
		var se *syncerrors.SyncError
		if ok := asSyncError(err, &se); ok {
			kind = string(se.Kind)
		}
		metrics.DispatchRetriesTotal.WithLabelValues(fmt.Sprint(d.chainID), kind).Inc()

		if attempt >= d.cfg.MaxRetries {
			return d.abort(event, fmt.Errorf("exhausted %d retries: %w", d.cfg.MaxRetries, err))
		}

		d.logger.Warn().Err(err).Int("attempt", attempt+1).Str("event", event.EventName).Msg("retrying after backoff")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > d.cfg.MaxDelay {
			delay = d.cfg.MaxDelay
		}
	}
}

func asSyncError(err error, target **syncerrors.SyncError) bool {
	return errors.As(err, target)
}

// abort builds the structured, non-retryable error spec §7 requires: event
// name, chain, block, and (via the caller-supplied err) the argument
// pretty-print and any wrapped code frame.
func (d *Dispatcher) abort(event types.Event, err error) *syncerrors.SyncError {
	return syncerrors.New(syncerrors.UserCallback, err).WithContext(syncerrors.Context{
		EventName:   event.EventName,
		ChainID:     d.chainID,
		BlockNumber: event.Block.Number,
		ArgsPretty:  prettyArgs(event.Args),
	})
}

func prettyArgs(args map[string]types.Value) string {
	out := "{"
	first := true
	for k, v := range args {
		if !first {
			out += ", "
		}
		first = false
		out += fmt.Sprintf("%s=%v", k, renderValue(v))
	}
	return out + "}"
}

func renderValue(v types.Value) any {
	switch v.Kind {
	case types.ValueKindBigInt:
		return v.BigInt
	case types.ValueKindBytes:
		return v.Bytes
	case types.ValueKindHex, types.ValueKindString:
		return v.Hex + v.Str
	case types.ValueKindBool:
		return v.Bool
	default:
		return v.Int
	}
}

func (d *Dispatcher) afterDispatch(ctx context.Context, event types.Event) error {
	if event.Kind == types.EventKindReorg {
		return d.revert(ctx, event)
	}

	d.lastSeen = event.Checkpoint
	d.pending = append(d.pending, event)

	switch {
	case d.store.IsCacheFull():
		if err := d.flush(ctx, event.Checkpoint, "cache_full"); err != nil {
			return err
		}
	case event.Kind == types.EventKindFinalize:
		if err := d.flush(ctx, event.Checkpoint, "finalize"); err != nil {
			return err
		}
	}
	return nil
}

// revert handles spec §4.10's reorg requirement ("discard cache; revert
// durable DB to the last checkpoint <= reorg checkpoint") unconditionally —
// it runs whether or not the user registered an OnControl(EventKindReorg)
// callback, since the durable revert is a framework guarantee, not something
// user code can opt out of forgetting to do. Any events buffered since the
// last flush that belong to the abandoned fork are dropped; the merger has
// already moved anything still valid back into pending for replay.
func (d *Dispatcher) revert(ctx context.Context, event types.Event) error {
	if err := d.store.RevertTo(ctx, event.Checkpoint); err != nil {
		return err
	}
	d.lastSeen = checkpoint.Min(d.lastSeen, event.Checkpoint)
	d.lastCommitted = checkpoint.Min(d.lastCommitted, event.Checkpoint)
	d.pending = nil
	return nil
}

func (d *Dispatcher) flush(ctx context.Context, cp checkpoint.Checkpoint, reason string) error {
	if err := d.store.Flush(ctx, cp, reason); err != nil {
		return err
	}
	d.lastCommitted = cp

	if d.notifier != nil && len(d.pending) > 0 {
		if err := d.notifier.PublishDispatched(ctx, d.chainID, d.pending); err != nil {
			d.logger.Error().Err(err).Msg("notifier publish failed; commit already durable, continuing")
		}
	}
	d.pending = nil
	return nil
}

// FlushBeforeShutdown forces a final flush so checkpoint reflects every
// event dispatched so far, per spec §4.10's "flush() is called ... before
// checkpoint commit" trigger on graceful shutdown.
func (d *Dispatcher) FlushBeforeShutdown(ctx context.Context) error {
	return d.flush(ctx, d.lastSeen, "pre_commit")
}
