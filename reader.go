package asynccmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ReaderConfig controls a PartitionReader's polling and retry behavior.
type ReaderConfig struct {
	// BatchSize is the maximum number of records per fetch (default 100)
	BatchSize int
	// FetchTimeout bounds how long a fetch waits for records (default 5s)
	FetchTimeout time.Duration
	// PollDelay is slept between fetches; zero re-polls immediately
	PollDelay time.Duration
	// Backoff is the delay before retrying a failed fetch (default 1s)
	Backoff time.Duration
	// BackoffMax caps the retry delay when BackoffFactor is above 1
	BackoffMax time.Duration
	// BackoffFactor multiplies the delay after each failure; 0 or 1 keeps it fixed
	BackoffFactor float64
	// MaxFetchRetries is how many consecutive failures are retried before the reader stops (default 5)
	MaxFetchRetries int

	Logger  *slog.Logger
	Metrics *Metrics
}

func (c ReaderConfig) withDefaults() ReaderConfig {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 5 * time.Second
	}
	if c.Backoff == 0 {
		c.Backoff = time.Second
	}
	if c.BackoffMax < c.Backoff {
		c.BackoffMax = c.Backoff
	}
	if c.MaxFetchRetries == 0 {
		c.MaxFetchRetries = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate reports configuration values that can never work.
func (c ReaderConfig) Validate() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.FetchTimeout < 0 || c.PollDelay < 0 || c.Backoff < 0 {
		return errors.New("reader durations must not be negative")
	}
	if c.MaxFetchRetries < 0 {
		return fmt.Errorf("max fetch retries must not be negative, got %d", c.MaxFetchRetries)
	}
	return nil
}

// PartitionReader runs the read loop of a single partition.
type PartitionReader struct {
	stream  Stream
	cursor  *Cursor
	matcher Matcher
	cfg     ReaderConfig
	log     *slog.Logger
}

// NewPartitionReader creates a reader that owns cursor and reads its partition from stream.
func NewPartitionReader(stream Stream, cursor *Cursor, matcher Matcher, cfg ReaderConfig) *PartitionReader {
	cfg = cfg.withDefaults()
	return &PartitionReader{
		stream:  stream,
		cursor:  cursor,
		matcher: matcher,
		cfg:     cfg,
		log:     cfg.Logger.With("partition", cursor.PartitionID()),
	}
}

// PartitionID returns the partition this reader owns.
func (r *PartitionReader) PartitionID() string {
	return r.cursor.PartitionID()
}

// Position returns the reader's current cursor position.
// It must not be called while Run is active.
func (r *PartitionReader) Position() Position {
	return r.cursor.Position()
}

// Run reads the partition until ctx is cancelled, handing every correlated record to emit.
// emit must return promptly once ctx is done; returning false stops the reader.
//
// Run returns nil when stopped by ctx or emit, and a persistent *FetchError when
// the partition could not be read any more.
func (r *PartitionReader) Run(ctx context.Context, emit func(context.Context, CorrelatedUpdate) bool) error {
	pid := r.cursor.PartitionID()
	bo := newBackoff(r.cfg.Backoff, r.cfg.BackoffMax, r.cfg.BackoffFactor)
	failures := 0

	r.log.Debug("partition reader started", "position", r.cursor.Position().String())
	defer r.log.Debug("partition reader stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		started := time.Now()
		batch, err := r.stream.FetchBatch(ctx, pid, r.cursor.Position(), r.cfg.BatchSize, r.cfg.FetchTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			r.cfg.Metrics.incFetchError(pid)

			if errors.Is(err, ErrPartitionGone) || failures > r.cfg.MaxFetchRetries {
				r.cfg.Metrics.incReaderStop(pid)
				r.log.Error("partition reader giving up", "attempt", failures, "error", err)
				return &FetchError{PartitionID: pid, Attempts: failures, Persistent: true, Err: err}
			}

			delay := bo.duration()
			r.log.Warn("fetch failed, retrying", "attempt", failures, "retry_in", delay, "error", err)
			if !sleepCtx(ctx, delay) {
				return nil
			}
			continue
		}

		failures = 0
		bo.reset()
		r.cfg.Metrics.observeFetch(pid, len(batch), time.Since(started))

		for _, rec := range batch {
			update, ok := r.matcher.Match(pid, rec)
			if !ok {
				continue
			}
			r.cfg.Metrics.incMatch(pid, update.Err != nil)
			if update.Err != nil {
				r.log.Warn("correlated record has malformed payload", "request_id", update.RequestID, "offset", rec.Offset, "error", update.Err)
			}
			if !emit(ctx, update) {
				return nil
			}
		}

		if len(batch) > 0 {
			if err := r.cursor.AdvancePast(batch[len(batch)-1]); err != nil {
				r.cfg.Metrics.incReaderStop(pid)
				r.log.Error("stream returned records behind the cursor", "error", err)
				return &FetchError{PartitionID: pid, Attempts: 1, Persistent: true, Err: err}
			}
		}

		if !sleepCtx(ctx, r.cfg.PollDelay) {
			return nil
		}
	}
}

// sleepCtx waits for d or until ctx is done, reporting whether the full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
