// Package memory provides an in-memory partitioned stream and a simulated device.
// It is suitable for testing and demonstration purposes.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/shogotsuneto/go-async-command"
)

type partition struct {
	records []asynccmd.Record
	// notify is closed and replaced whenever the partition changes
	notify chan struct{}
}

func (p *partition) since(pos asynccmd.Position, maxCount int) []asynccmd.Record {
	start := len(p.records)
	if pos.IsOffset() {
		if pos.Offset < 0 {
			start = 0
		} else if pos.Offset < int64(len(p.records)) {
			start = int(pos.Offset)
		}
	} else {
		for i, rec := range p.records {
			if !rec.EnqueuedAt.Before(pos.Time) {
				start = i
				break
			}
		}
	}

	end := len(p.records)
	if maxCount > 0 && start+maxCount < end {
		end = start + maxCount
	}
	out := make([]asynccmd.Record, end-start)
	copy(out, p.records[start:end])
	return out
}

func (p *partition) wake() {
	close(p.notify)
	p.notify = make(chan struct{})
}

type fault struct {
	remaining int
	err       error
}

// Stream is an in-memory implementation of asynccmd.Stream.
// Offsets start at 0 in every partition and enqueue times never decrease within a partition.
type Stream struct {
	mu         sync.RWMutex
	partitions map[string]*partition
	order      []string

	faultMu     sync.Mutex
	fetchFaults map[string]*fault
	listErr     error
}

// NewStream creates a stream with the given partitions.
func NewStream(partitionIDs ...string) *Stream {
	s := &Stream{
		partitions:  make(map[string]*partition),
		fetchFaults: make(map[string]*fault),
	}
	for _, id := range partitionIDs {
		s.AddPartition(id)
	}
	return s
}

// NewPartitionedStream creates a stream with n partitions named "0" to "n-1".
func NewPartitionedStream(n int) *Stream {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = strconv.Itoa(i)
	}
	return NewStream(ids...)
}

// AddPartition adds an empty partition. Adding an existing partition does nothing.
func (s *Stream) AddPartition(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.partitions[id]; exists {
		return
	}
	s.partitions[id] = &partition{notify: make(chan struct{})}
	s.order = append(s.order, id)
}

// RemovePartition deletes a partition. Pending and later fetches on it fail with asynccmd.ErrPartitionGone.
func (s *Stream) RemovePartition(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, exists := s.partitions[id]
	if !exists {
		return
	}
	delete(s.partitions, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	close(p.notify)
}

// PartitionFor maps a key onto one of the partitions by hashing it.
func (s *Stream) PartitionFor(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return HashPartition(s.order, key)
}

// HashPartition picks one of partitionIDs by the FNV-1a hash of key, or "" when there are none.
func HashPartition(partitionIDs []string, key string) string {
	if len(partitionIDs) == 0 {
		return ""
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return partitionIDs[h.Sum32()%uint32(len(partitionIDs))]
}

// Append adds a record with the given body and attributes to the partition.
func (s *Stream) Append(partitionID string, body []byte, attributes map[string]string) (asynccmd.Record, error) {
	return s.AppendRecord(partitionID, asynccmd.Record{Body: body, Attributes: attributes})
}

// AppendRecord adds rec to the partition and returns it with its offset assigned.
// A zero EnqueuedAt is set to the current time; an EnqueuedAt earlier than the
// previous record's is raised to it.
func (s *Stream) AppendRecord(partitionID string, rec asynccmd.Record) (asynccmd.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.partitions[partitionID]
	if !exists {
		return asynccmd.Record{}, fmt.Errorf("partition '%s': %w", partitionID, asynccmd.ErrPartitionGone)
	}

	if rec.EnqueuedAt.IsZero() {
		rec.EnqueuedAt = time.Now()
	}
	if n := len(p.records); n > 0 && rec.EnqueuedAt.Before(p.records[n-1].EnqueuedAt) {
		rec.EnqueuedAt = p.records[n-1].EnqueuedAt
	}
	rec.Offset = int64(len(p.records))

	p.records = append(p.records, rec)
	p.wake()
	return rec, nil
}

// Len returns the number of records in the partition.
func (s *Stream) Len(partitionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, exists := s.partitions[partitionID]; exists {
		return len(p.records)
	}
	return 0
}

// FailFetches makes the next n fetches on the partition fail with err. A negative n fails every fetch.
func (s *Stream) FailFetches(partitionID string, n int, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fetchFaults[partitionID] = &fault{remaining: n, err: err}
}

// FailListing makes ListPartitions return err until it is called again with nil.
func (s *Stream) FailListing(err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.listErr = err
}

func (s *Stream) injectedFetchError(partitionID string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	f, exists := s.fetchFaults[partitionID]
	if !exists {
		return nil
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(s.fetchFaults, partitionID)
		}
	}
	return f.err
}

// ListPartitions returns the partition ids in creation order.
func (s *Stream) ListPartitions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.faultMu.Lock()
	listErr := s.listErr
	s.faultMu.Unlock()
	if listErr != nil {
		return nil, listErr
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

// FetchBatch returns up to maxCount records at or after pos, waiting up to timeout for the first one.
func (s *Stream) FetchBatch(ctx context.Context, partitionID string, pos asynccmd.Position, maxCount int, timeout time.Duration) ([]asynccmd.Record, error) {
	if err := s.injectedFetchError(partitionID); err != nil {
		return nil, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		s.mu.RLock()
		p, exists := s.partitions[partitionID]
		if !exists {
			s.mu.RUnlock()
			return nil, fmt.Errorf("partition '%s': %w", partitionID, asynccmd.ErrPartitionGone)
		}
		batch := p.since(pos, maxCount)
		wait := p.notify
		s.mu.RUnlock()

		if len(batch) > 0 || expired == nil {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-expired:
			return nil, nil
		case <-wait:
		}
	}
}
