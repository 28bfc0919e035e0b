package asynccmd

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// GroupConfig controls a ConsumerGroup.
type GroupConfig struct {
	// OutputBuffer is the capacity of the Updates channel (default 64)
	OutputBuffer int
	// ShutdownTimeout bounds how long Stop waits for readers to exit (default 10s)
	ShutdownTimeout time.Duration
	// Reader configures every partition reader; its Logger and Metrics are shared by the group
	Reader ReaderConfig
}

func (c GroupConfig) withDefaults() GroupConfig {
	if c.OutputBuffer == 0 {
		c.OutputBuffer = 64
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	c.Reader = c.Reader.withDefaults()
	return c
}

// ConsumerGroup reads every partition of a stream concurrently and merges the
// correlated updates of all partitions into a single channel.
type ConsumerGroup struct {
	cfg GroupConfig
	log *slog.Logger

	mu         sync.Mutex
	started    bool
	partitions []string
	running    map[string]struct{}
	cancel     context.CancelFunc
	updates    chan CorrelatedUpdate
	warnings   chan error
	done       chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// NewConsumerGroup creates a group that has not been started yet.
func NewConsumerGroup(cfg GroupConfig) *ConsumerGroup {
	cfg = cfg.withDefaults()
	return &ConsumerGroup{cfg: cfg, log: cfg.Reader.Logger}
}

// Start discovers the partitions of stream and starts one reader per partition,
// correlating records with requestID from start onwards.
func (g *ConsumerGroup) Start(ctx context.Context, stream Stream, requestID string, start Position) error {
	g.log.Info("starting consumer group", "request_id", requestID, "position", start.String())
	return g.StartMatching(ctx, stream, Filter{}.ForRequest(requestID), start)
}

// StartMatching is like Start with an arbitrary matcher.
// Discovery failures return a *DiscoveryError and leave the group without readers.
func (g *ConsumerGroup) StartMatching(ctx context.Context, stream Stream, matcher Matcher, start Position) error {
	if err := g.cfg.Reader.Validate(); err != nil {
		return err
	}

	groupCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		cancel()
		return ErrAlreadyStarted
	}
	g.started = true
	g.cancel = cancel
	g.done = done
	g.mu.Unlock()

	// Stop may run during discovery; it cancels groupCtx and waits for done
	abort := func(err error) error {
		cancel()
		close(done)
		return &DiscoveryError{Err: err}
	}

	ids, err := stream.ListPartitions(groupCtx)
	if err != nil {
		g.log.Error("partition discovery failed", "error", err)
		return abort(err)
	}
	if err := groupCtx.Err(); err != nil {
		g.log.Info("consumer group stopped during discovery")
		return abort(err)
	}
	ids = uniquePartitions(ids)
	if len(ids) == 0 {
		g.log.Error("partition discovery returned no partitions")
		return abort(nil)
	}

	updates := make(chan CorrelatedUpdate, g.cfg.OutputBuffer)
	warnings := make(chan error, len(ids))
	running := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		running[id] = struct{}{}
	}

	g.mu.Lock()
	g.partitions = ids
	g.running = running
	g.updates = updates
	g.warnings = warnings
	g.mu.Unlock()

	emit := func(ctx context.Context, u CorrelatedUpdate) bool {
		select {
		case updates <- u:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		reader := NewPartitionReader(stream, NewCursor(id, start), matcher, g.cfg.Reader)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer g.markExited(reader.PartitionID())
			if err := reader.Run(groupCtx, emit); err != nil {
				warnings <- err
			}
		}()
	}

	go func() {
		wg.Wait()
		close(updates)
		close(warnings)
		close(done)
	}()

	g.log.Info("consumer group started", "partitions", len(ids))
	return nil
}

func (g *ConsumerGroup) markExited(partitionID string) {
	g.mu.Lock()
	delete(g.running, partitionID)
	g.mu.Unlock()
}

// Updates returns the merged update channel. It is closed once every reader has exited.
// It is nil until the group has been started successfully.
func (g *ConsumerGroup) Updates() <-chan CorrelatedUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updates
}

// Warnings returns a channel carrying one *FetchError for each reader stopped by a
// persistent fetch error. It is closed together with Updates.
func (g *ConsumerGroup) Warnings() <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.warnings
}

// Partitions returns the partitions discovered by Start.
func (g *ConsumerGroup) Partitions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.partitions))
	copy(out, g.partitions)
	return out
}

// Stop cancels every reader and waits for them to exit for up to the shutdown timeout.
// Readers still running after the timeout are reported in a *ShutdownTimeoutError.
// Stop may be called more than once and always returns the result of the first call.
func (g *ConsumerGroup) Stop() error {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()
	if cancel == nil {
		return nil
	}

	g.stopOnce.Do(func() {
		cancel()
		timer := time.NewTimer(g.cfg.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-done:
			g.log.Info("consumer group stopped")
		case <-timer.C:
			g.stopErr = &ShutdownTimeoutError{Pending: g.pending()}
			g.log.Warn("consumer group shutdown timed out", "pending", g.pending())
		}
	})
	return g.stopErr
}

func (g *ConsumerGroup) pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.running))
	for id := range g.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func uniquePartitions(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
