package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"cardscan/internal/domain"
	"cardscan/internal/logging"
	"cardscan/internal/ports"
)

// Handler performs a command's side effects. It must be safe to run twice on
// the same command: a crash before MarkProcessed re-delivers it after the lease.
type Handler interface {
	Handle(ctx context.Context, cmd domain.Command) error
}

type HandlerFunc func(ctx context.Context, cmd domain.Command) error

func (f HandlerFunc) Handle(ctx context.Context, cmd domain.Command) error { return f(ctx, cmd) }

type CommandOptions struct {
	// Lease is how long a claimed, unprocessed command stays invisible to other dispatchers.
	Lease time.Duration
	// MaxAttempts gives up on a command whose handler keeps returning errors.
	// Zero retries forever.
	MaxAttempts int
}

type CommandDispatcher struct {
	store    ports.CommandQueue
	clock    clockwork.Clock
	opts     CommandOptions
	mu       sync.RWMutex
	handlers map[domain.CommandType]Handler
	wake     chan struct{}
}

func NewCommandDispatcher(store ports.CommandQueue, clock clockwork.Clock, opts CommandOptions) *CommandDispatcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	return &CommandDispatcher{
		store:    store,
		clock:    clock,
		opts:     opts,
		handlers: map[domain.CommandType]Handler{},
		wake:     make(chan struct{}, 1),
	}
}

func (d *CommandDispatcher) Handle(typ domain.CommandType, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typ] = h
}

func (d *CommandDispatcher) handler(typ domain.CommandType) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[typ]
	return h, ok
}

func (d *CommandDispatcher) types() []domain.CommandType {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.CommandType, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

// Enqueue inserts a command and nudges the run loop.
func (d *CommandDispatcher) Enqueue(ctx context.Context, typ domain.CommandType, payload any) (domain.Command, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Command{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	cmd := domain.Command{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   body,
		CreatedAt: d.clock.Now().UTC(),
	}
	if err := d.store.InsertCommand(ctx, cmd); err != nil {
		return domain.Command{}, err
	}
	d.Wake()
	return cmd, nil
}

// Wake asks the run loop to drain now instead of at the next tick.
func (d *CommandDispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// RunOnce claims and handles at most one command of typ. It reports whether a
// command was claimed.
func (d *CommandDispatcher) RunOnce(ctx context.Context, typ domain.CommandType) (bool, error) {
	h, ok := d.handler(typ)
	if !ok {
		return false, fmt.Errorf("no handler registered for %s", typ)
	}
	cutoff := d.clock.Now().Add(-d.opts.Lease)
	cmd, found, err := claimWithRetry(ctx, func(ctx context.Context) (domain.Command, bool, error) {
		return d.store.ClaimCommand(ctx, typ, cutoff)
	})
	if err != nil || !found {
		return false, err
	}

	log := logging.FromContext(ctx).With("command_id", cmd.ID, "command_type", cmd.Type, "attempt", cmd.Attempts)
	if herr := h.Handle(logging.WithContext(ctx, log), cmd); herr != nil {
		if d.opts.MaxAttempts == 0 || cmd.Attempts < d.opts.MaxAttempts {
			log.Warn("command handler failed, will retry after lease", "error", herr)
			return true, nil
		}
		log.Error("command handler failed, giving up", "error", herr)
	}
	if err := d.store.MarkProcessed(ctx, cmd.ID); err != nil {
		return true, fmt.Errorf("mark command %s processed: %w", cmd.ID, err)
	}
	log.Debug("command processed")
	return true, nil
}

// Drain handles commands of every registered type until none is claimable.
func (d *CommandDispatcher) Drain(ctx context.Context) (int, error) {
	n := 0
	for _, typ := range d.types() {
		for {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			ran, err := d.RunOnce(ctx, typ)
			if err != nil {
				return n, err
			}
			if !ran {
				break
			}
			n++
		}
	}
	return n, nil
}

// Run drains on every wake-up and every interval until ctx is done.
func (d *CommandDispatcher) Run(ctx context.Context, interval time.Duration) {
	log := logging.FromContext(ctx).With("component", "command_dispatcher")
	ticker := d.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := d.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("drain commands", "error", err)
		} else if n > 0 {
			log.Info("commands processed", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-d.wake:
		case <-ticker.Chan():
		}
	}
}
