package asynccmd_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shogotsuneto/go-async-command"
	"github.com/shogotsuneto/go-async-command/memory"
)

func fastGroup() asynccmd.GroupConfig {
	return asynccmd.GroupConfig{ShutdownTimeout: 2 * time.Second, Reader: fastReader()}
}

// listingStream overrides the partition list of an underlying stream.
type listingStream struct {
	*memory.Stream
	ids []string
}

func (s listingStream) ListPartitions(context.Context) ([]string, error) {
	return s.ids, nil
}

// stuckStream never returns from FetchBatch until released, ignoring cancellation.
type stuckStream struct {
	release     chan struct{}
	entered     chan struct{}
	once        sync.Once
	enteredOnce sync.Once
}

func newStuckStream() *stuckStream {
	return &stuckStream{release: make(chan struct{}), entered: make(chan struct{})}
}

func (s *stuckStream) ListPartitions(context.Context) ([]string, error) {
	return []string{"stuck"}, nil
}

func (s *stuckStream) FetchBatch(context.Context, string, asynccmd.Position, int, time.Duration) ([]asynccmd.Record, error) {
	s.enteredOnce.Do(func() { close(s.entered) })
	<-s.release
	return nil, nil
}

func (s *stuckStream) Release() {
	s.once.Do(func() { close(s.release) })
}

// slowDiscoveryStream blocks in ListPartitions until released, ignoring cancellation,
// and counts the fetches made afterwards.
type slowDiscoveryStream struct {
	entered chan context.Context
	release chan struct{}
	fetches atomic.Int32
}

func (s *slowDiscoveryStream) ListPartitions(ctx context.Context) ([]string, error) {
	s.entered <- ctx
	<-s.release
	return []string{"p0"}, nil
}

func (s *slowDiscoveryStream) FetchBatch(context.Context, string, asynccmd.Position, int, time.Duration) ([]asynccmd.Record, error) {
	s.fetches.Add(1)
	return nil, nil
}

func TestConsumerGroup_TwoPartitionScenario(t *testing.T) {
	stream := memory.NewStream("p0", "p1")
	start := asynccmd.Now()

	appendCorrelated(t, stream, "p0", "", "temperature 21")
	appendCorrelated(t, stream, "p1", "r1", "50%")
	appendCorrelated(t, stream, "p0", "r2", "100%")
	appendCorrelated(t, stream, "p1", "", "humidity 70")
	appendCorrelated(t, stream, "p1", "r1", "100%")

	group := asynccmd.NewConsumerGroup(fastGroup())
	if err := group.Start(context.Background(), stream, "r1", start); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer group.Stop()

	if got := group.Partitions(); !reflect.DeepEqual(got, []string{"p0", "p1"}) {
		t.Errorf("Expected partitions [p0 p1], got %v", got)
	}

	updates := group.Updates()
	first := receive(t, updates)
	second := receive(t, updates)

	if string(first.Record.Body) != "50%" || first.IsTerminal {
		t.Errorf("Expected non-terminal 50%% first, got %s (terminal=%v)", first.Record.Body, first.IsTerminal)
	}
	if string(second.Record.Body) != "100%" || !second.IsTerminal {
		t.Errorf("Expected terminal 100%% second, got %s (terminal=%v)", second.Record.Body, second.IsTerminal)
	}
	for _, u := range []asynccmd.CorrelatedUpdate{first, second} {
		if u.PartitionID != "p1" || u.RequestID != "r1" {
			t.Errorf("Expected update from p1 for r1, got %s/%s", u.PartitionID, u.RequestID)
		}
	}

	select {
	case u := <-updates:
		t.Errorf("Expected no further updates, got %s from %s", u.Record.Body, u.PartitionID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConsumerGroup_IgnoresRecordsBeforeStart(t *testing.T) {
	stream := memory.NewStream("p0")
	appendCorrelated(t, stream, "p0", "r1", "100%")
	time.Sleep(time.Millisecond)
	start := asynccmd.Now()

	group := asynccmd.NewConsumerGroup(fastGroup())
	if err := group.Start(context.Background(), stream, "r1", start); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer group.Stop()

	appendCorrelated(t, stream, "p0", "r1", "later")
	if u := receive(t, group.Updates()); string(u.Record.Body) != "later" {
		t.Errorf("Expected only the record appended after start, got %s", u.Record.Body)
	}
}

func TestConsumerGroup_EmptyPartitionList(t *testing.T) {
	group := asynccmd.NewConsumerGroup(fastGroup())

	err := group.Start(context.Background(), memory.NewStream(), "r1", asynccmd.Now())
	if !errors.Is(err, asynccmd.ErrDiscovery) {
		t.Fatalf("Expected ErrDiscovery, got %v", err)
	}
	var discoveryErr *asynccmd.DiscoveryError
	if !errors.As(err, &discoveryErr) {
		t.Fatalf("Expected *DiscoveryError, got %T", err)
	}
	if len(group.Partitions()) != 0 {
		t.Errorf("Expected no partitions, got %v", group.Partitions())
	}
	if group.Updates() != nil {
		t.Error("Expected no update channel without readers")
	}
	if err := group.Stop(); err != nil {
		t.Errorf("Expected Stop on an unstarted group to succeed, got %v", err)
	}
}

func TestConsumerGroup_ListingError(t *testing.T) {
	stream := memory.NewStream("p0")
	cause := errors.New("unauthorized")
	stream.FailListing(cause)

	group := asynccmd.NewConsumerGroup(fastGroup())
	err := group.Start(context.Background(), stream, "r1", asynccmd.Now())
	if !errors.Is(err, asynccmd.ErrDiscovery) || !errors.Is(err, cause) {
		t.Fatalf("Expected discovery error wrapping the cause, got %v", err)
	}
}

func TestConsumerGroup_DeduplicatesPartitions(t *testing.T) {
	stream := listingStream{Stream: memory.NewStream("a", "b"), ids: []string{"a", "b", "a"}}

	group := asynccmd.NewConsumerGroup(fastGroup())
	if err := group.Start(context.Background(), stream, "r1", asynccmd.Now()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer group.Stop()

	if got := group.Partitions(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Expected one reader per partition, got %v", got)
	}
}

func TestConsumerGroup_FailingPartitionWarnsOnce(t *testing.T) {
	stream := memory.NewStream("p0", "p1")
	stream.FailFetches("p0", -1, errors.New("disk failure"))
	start := asynccmd.Now()
	appendCorrelated(t, stream, "p1", "r1", "100%")

	group := asynccmd.NewConsumerGroup(fastGroup())
	if err := group.Start(context.Background(), stream, "r1", start); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if u := receive(t, group.Updates()); u.PartitionID != "p1" || !u.IsTerminal {
		t.Errorf("Expected terminal update from the healthy partition, got %+v", u)
	}

	var warning error
	select {
	case warning = <-group.Warnings():
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for warning")
	}
	var fetchErr *asynccmd.FetchError
	if !errors.As(warning, &fetchErr) || fetchErr.PartitionID != "p0" || !fetchErr.Persistent {
		t.Fatalf("Expected persistent fetch error for p0, got %v", warning)
	}

	if err := group.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	extra := 0
	for range group.Warnings() {
		extra++
	}
	if extra != 0 {
		t.Errorf("Expected exactly one warning, got %d more", extra)
	}
}

func TestConsumerGroup_StopClosesUpdates(t *testing.T) {
	stream := memory.NewPartitionedStream(4)

	group := asynccmd.NewConsumerGroup(fastGroup())
	if err := group.Start(context.Background(), stream, "r1", asynccmd.Now()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := group.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case _, ok := <-group.Updates():
		if ok {
			t.Error("Expected update channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected update channel to be closed after Stop")
	}
	if err := group.Stop(); err != nil {
		t.Errorf("Expected second Stop to succeed, got %v", err)
	}
}

func TestConsumerGroup_StopOnParentCancel(t *testing.T) {
	stream := memory.NewStream("p0")
	ctx, cancel := context.WithCancel(context.Background())

	group := asynccmd.NewConsumerGroup(fastGroup())
	if err := group.Start(ctx, stream, "r1", asynccmd.Now()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	cancel()

	select {
	case _, ok := <-group.Updates():
		if ok {
			t.Error("Expected no updates")
		}
	case <-time.After(time.Second):
		t.Fatal("Expected readers to exit on parent cancellation")
	}
}

func TestConsumerGroup_StartTwice(t *testing.T) {
	stream := memory.NewStream("p0")
	group := asynccmd.NewConsumerGroup(fastGroup())
	if err := group.Start(context.Background(), stream, "r1", asynccmd.Now()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer group.Stop()

	if err := group.Start(context.Background(), stream, "r1", asynccmd.Now()); !errors.Is(err, asynccmd.ErrAlreadyStarted) {
		t.Fatalf("Expected ErrAlreadyStarted, got %v", err)
	}
}

func TestConsumerGroup_ShutdownTimeout(t *testing.T) {
	stream := newStuckStream()
	defer stream.Release()

	cfg := fastGroup()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	group := asynccmd.NewConsumerGroup(cfg)
	if err := group.Start(context.Background(), stream, "r1", asynccmd.Now()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	select {
	case <-stream.entered:
	case <-time.After(time.Second):
		t.Fatal("Expected the reader to start fetching")
	}

	err := group.Stop()
	if !errors.Is(err, asynccmd.ErrShutdownTimeout) {
		t.Fatalf("Expected ErrShutdownTimeout, got %v", err)
	}
	var timeoutErr *asynccmd.ShutdownTimeoutError
	if !errors.As(err, &timeoutErr) || !reflect.DeepEqual(timeoutErr.Pending, []string{"stuck"}) {
		t.Fatalf("Expected pending partition 'stuck', got %v", err)
	}
	if again := group.Stop(); again != err {
		t.Errorf("Expected repeated Stop to return the first result, got %v", again)
	}

	stream.Release()
	select {
	case <-group.Updates():
	case <-time.After(time.Second):
		t.Fatal("Expected update channel to close once the straggler exits")
	}
}

func TestConsumerGroup_StopDuringDiscovery(t *testing.T) {
	stream := &slowDiscoveryStream{entered: make(chan context.Context, 1), release: make(chan struct{})}
	group := asynccmd.NewConsumerGroup(fastGroup())

	startErr := make(chan error, 1)
	go func() {
		startErr <- group.Start(context.Background(), stream, "r1", asynccmd.Now())
	}()
	discoveryCtx := <-stream.entered

	stopErr := make(chan error, 1)
	go func() {
		stopErr <- group.Stop()
	}()
	select {
	case <-discoveryCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("Expected Stop to cancel discovery")
	}
	close(stream.release)

	select {
	case err := <-stopErr:
		if err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected Stop to return once discovery finished")
	}
	if err := <-startErr; !errors.Is(err, asynccmd.ErrDiscovery) {
		t.Fatalf("Expected a stopped discovery to fail Start, got %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := stream.fetches.Load(); n != 0 {
		t.Errorf("Expected no reader after Stop, got %d fetches", n)
	}
	if group.Updates() != nil {
		t.Error("Expected no update channel after a stopped discovery")
	}
}
