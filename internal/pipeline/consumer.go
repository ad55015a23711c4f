package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/matteforex82-bit/aegis-trading-coach-sub002/internal/domain"
)

// Applier runs one reconciliation pass for a snapshot.
type Applier interface {
	ApplySnapshot(ctx context.Context, snap domain.Snapshot) (domain.PassResult, error)
}

// ConsumerConfig holds the stream consumer tunables.
type ConsumerConfig struct {
	Stream string
	// DeadLetter receives snapshots that cannot be applied. Empty drops them.
	DeadLetter string
	// StartID is where reading begins: "$" for new entries only, "0" for
	// the whole stream.
	StartID   string
	BatchSize int
	Block     time.Duration
	// Workers is the number of shards. Snapshots of one account always land
	// on the same shard, so each account is processed by a single writer.
	Workers     int
	QueueSize   int
	MaxAttempts int
	RetryDelay  time.Duration
	// RateLimit caps passes per account per RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Consumer reads snapshots from a durable stream and applies them, sharded
// by account.
type Consumer struct {
	bus     domain.SignalBus
	applier Applier
	limiter domain.RateLimiter
	cfg     ConsumerConfig
	logger  *slog.Logger
}

// NewConsumer creates a Consumer. limiter may be nil.
func NewConsumer(bus domain.SignalBus, applier Applier, limiter domain.RateLimiter, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	if cfg.StartID == "" {
		cfg.StartID = "$"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Minute
	}
	return &Consumer{
		bus:     bus,
		applier: applier,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "consumer")),
	}
}

// shardFor maps an account to a worker index.
func shardFor(accountID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(accountID))
	return int(h.Sum32() % uint32(n))
}

// Run reads until ctx is cancelled. Snapshots still queued at shutdown are
// not applied; they remain in the stream for the next start with StartID
// "0" or an explicit ID.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.InfoContext(ctx, "consumer: starting",
		slog.String("stream", c.cfg.Stream),
		slog.Int("workers", c.cfg.Workers),
		slog.String("start_id", c.cfg.StartID),
	)

	queues := make([]chan domain.Snapshot, c.cfg.Workers)
	for i := range queues {
		queues[i] = make(chan domain.Snapshot, c.cfg.QueueSize)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, q := range queues {
		g.Go(func() error {
			c.work(gctx, i, q)
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		return c.read(gctx, queues)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Error("consumer: stopped with error", slog.String("error", err.Error()))
		return err
	}
	c.logger.Info("consumer: stopped cleanly")
	return nil
}

func (c *Consumer) read(ctx context.Context, queues []chan domain.Snapshot) error {
	lastID := c.cfg.StartID
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		msgs, err := c.bus.StreamRead(ctx, c.cfg.Stream, lastID, c.cfg.BatchSize, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(ctx, "consumer: stream read failed", slog.String("error", err.Error()))
			if !sleep(ctx, c.cfg.RetryDelay) {
				return nil
			}
			continue
		}

		for _, msg := range msgs {
			lastID = msg.ID
			var snap domain.Snapshot
			if err := json.Unmarshal(msg.Payload, &snap); err != nil || snap.AccountID == "" {
				reason := "missing accountId"
				if err != nil {
					reason = err.Error()
				}
				c.deadLetter(ctx, msg.Payload, reason)
				continue
			}
			select {
			case queues[shardFor(snap.AccountID, len(queues))] <- snap:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (c *Consumer) work(ctx context.Context, shard int, q <-chan domain.Snapshot) {
	for snap := range q {
		if ctx.Err() != nil {
			// Drain without applying so the reader never blocks.
			continue
		}
		c.throttle(ctx, snap.AccountID)
		c.apply(ctx, shard, snap)
	}
}

// throttle waits until the account's rate limit admits another pass. A
// failing limiter lets the pass through.
func (c *Consumer) throttle(ctx context.Context, accountID string) {
	if c.limiter == nil || c.cfg.RateLimit <= 0 {
		return
	}
	wait := c.cfg.RateWindow / time.Duration(c.cfg.RateLimit)
	for {
		ok, err := c.limiter.Allow(ctx, "pass:"+accountID, c.cfg.RateLimit, c.cfg.RateWindow)
		if err != nil {
			c.logger.WarnContext(ctx, "consumer: rate limiter failed", slog.String("error", err.Error()))
			return
		}
		if ok || !sleep(ctx, wait) {
			return
		}
	}
}

func (c *Consumer) apply(ctx context.Context, shard int, snap domain.Snapshot) {
	for attempt := 1; ; attempt++ {
		_, err := c.applier.ApplySnapshot(ctx, snap)
		if err == nil {
			return
		}

		var se *domain.StorageError
		retryable := errors.As(err, &se) || errors.Is(err, domain.ErrLockHeld)
		if !retryable || attempt >= c.cfg.MaxAttempts {
			c.logger.ErrorContext(ctx, "consumer: snapshot dropped",
				slog.Int("shard", shard),
				slog.String("account_id", snap.AccountID),
				slog.Time("as_of", snap.AsOf),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			if payload, mErr := json.Marshal(snap); mErr == nil {
				c.deadLetter(ctx, payload, err.Error())
			}
			return
		}
		c.logger.WarnContext(ctx, "consumer: pass failed, retrying",
			slog.String("account_id", snap.AccountID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if !sleep(ctx, c.cfg.RetryDelay*time.Duration(attempt)) {
			return
		}
	}
}

type deadLetter struct {
	Reason   string          `json:"reason"`
	Payload  json.RawMessage `json:"payload"`
	FailedAt time.Time       `json:"failedAt"`
}

func (c *Consumer) deadLetter(ctx context.Context, payload []byte, reason string) {
	if c.cfg.DeadLetter == "" {
		return
	}
	raw := json.RawMessage(payload)
	if !json.Valid(payload) {
		raw, _ = json.Marshal(string(payload))
	}
	data, err := json.Marshal(deadLetter{Reason: reason, Payload: raw, FailedAt: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := c.bus.StreamAppend(ctx, c.cfg.DeadLetter, data); err != nil {
		c.logger.ErrorContext(ctx, "consumer: dead letter append failed",
			slog.String("stream", c.cfg.DeadLetter),
			slog.String("error", err.Error()),
		)
	}
}

// sleep waits d or until ctx is done, reporting whether the full wait
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
