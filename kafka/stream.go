// Package kafka reads a Kafka topic as a partitioned stream using franz-go.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/shogotsuneto/go-async-command"
)

// Config configures a Kafka-backed stream.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
	TLS      TLSConfig
	Fetch    FetchConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MaxBytes int32
	MaxWait  time.Duration
}

func (c *Config) withDefaults() {
	if c.ClientID == "" {
		c.ClientID = "asynccmd"
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = 500 * time.Millisecond
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

// Stream is a Kafka implementation of asynccmd.Stream. Each partition is read by
// its own direct (group-less) consumer client, recreated whenever a fetch asks for a
// position other than where the previous fetch left off.
//
// Record enqueue times are Kafka record timestamps; topics should use LogAppendTime
// so that they never decrease within a partition.
type Stream struct {
	cfg   Config
	opts  []kgo.Opt
	admin *kgo.Client

	mu        sync.Mutex
	consumers map[int32]*partitionConsumer
	closed    bool
}

type partitionConsumer struct {
	client *kgo.Client
	next   asynccmd.Position
}

// Compile-time interface compliance check
var _ asynccmd.Stream = (*Stream)(nil)

// NewStream creates a stream over cfg.Topic. Extra options apply to every client.
func NewStream(cfg Config, opts ...kgo.Opt) (*Stream, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.TLS.Enabled {
		base = append(base, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	base = append(base, opts...)

	admin, err := kgo.NewClient(append(base, kgo.RecordPartitioner(kgo.ManualPartitioner()))...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	return &Stream{
		cfg:       cfg,
		opts:      base,
		admin:     admin,
		consumers: make(map[int32]*partitionConsumer),
	}, nil
}

// Close closes every client of the stream.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for p, c := range s.consumers {
		c.client.Close()
		delete(s.consumers, p)
	}
	s.admin.Close()
}

// ListPartitions returns the topic's partitions as decimal ids, in numeric order.
func (s *Stream) ListPartitions(ctx context.Context) ([]string, error) {
	req := kmsg.NewPtrMetadataRequest()
	topic := kmsg.NewMetadataRequestTopic()
	topic.Topic = kmsg.StringPtr(s.cfg.Topic)
	req.Topics = append(req.Topics, topic)

	resp, err := req.RequestWith(ctx, s.admin)
	if err != nil {
		return nil, fmt.Errorf("metadata request: %w", err)
	}
	for _, t := range resp.Topics {
		if t.Topic == nil || *t.Topic != s.cfg.Topic {
			continue
		}
		if err := kerr.ErrorForCode(t.ErrorCode); err != nil {
			return nil, fmt.Errorf("topic %s: %w", s.cfg.Topic, err)
		}
		nums := make([]int, 0, len(t.Partitions))
		for _, p := range t.Partitions {
			nums = append(nums, int(p.Partition))
		}
		sort.Ints(nums)
		ids := make([]string, len(nums))
		for i, n := range nums {
			ids[i] = strconv.Itoa(n)
		}
		return ids, nil
	}
	return nil, fmt.Errorf("topic %s missing from metadata response", s.cfg.Topic)
}

// minPollWait is the shortest poll; fetched records arrive asynchronously, so a zero wait would never see any.
const minPollWait = 100 * time.Millisecond

// FetchBatch polls the partition's consumer for up to maxCount records, waiting at most timeout.
func (s *Stream) FetchBatch(ctx context.Context, partitionID string, pos asynccmd.Position, maxCount int, timeout time.Duration) ([]asynccmd.Record, error) {
	partition, err := parsePartition(partitionID)
	if err != nil {
		return nil, err
	}
	c, err := s.consumerAt(partition, pos)
	if err != nil {
		return nil, err
	}

	if timeout < minPollWait {
		timeout = minPollWait
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fetches := c.client.PollRecords(pollCtx, maxCount)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue
		}
		s.dropConsumer(partition)
		if errors.Is(fe.Err, kerr.UnknownTopicOrPartition) {
			return nil, fmt.Errorf("partition '%s': %w: %w", partitionID, asynccmd.ErrPartitionGone, fe.Err)
		}
		return nil, fmt.Errorf("fetch partition '%s': %w", partitionID, fe.Err)
	}

	var result []asynccmd.Record
	fetches.EachRecord(func(r *kgo.Record) {
		result = append(result, toRecord(r))
	})
	if len(result) > 0 {
		c.next = asynccmd.AtOffset(result[len(result)-1].Offset + 1)
	}
	return result, nil
}

// Append produces rec to the partition and returns it with its offset and timestamp.
func (s *Stream) Append(ctx context.Context, partitionID string, rec asynccmd.Record) (asynccmd.Record, error) {
	partition, err := parsePartition(partitionID)
	if err != nil {
		return asynccmd.Record{}, err
	}

	kr := &kgo.Record{Topic: s.cfg.Topic, Partition: partition, Value: rec.Body, Timestamp: rec.EnqueuedAt}
	for k, v := range rec.Attributes {
		kr.Headers = append(kr.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	produced, err := s.admin.ProduceSync(ctx, kr).First()
	if err != nil {
		return asynccmd.Record{}, fmt.Errorf("produce to partition '%s': %w", partitionID, err)
	}
	rec.Offset = produced.Offset
	rec.EnqueuedAt = produced.Timestamp
	return rec, nil
}

func (s *Stream) consumerAt(partition int32, pos asynccmd.Position) (*partitionConsumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, kgo.ErrClientClosed
	}

	if c, ok := s.consumers[partition]; ok {
		if cmp, comparable := c.next.Compare(pos); comparable && cmp == 0 {
			return c, nil
		}
		c.client.Close()
		delete(s.consumers, partition)
	}

	client, err := kgo.NewClient(append(s.opts,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			s.cfg.Topic: {partition: startOffset(pos)},
		}),
	)...)
	if err != nil {
		return nil, fmt.Errorf("new kafka consumer: %w", err)
	}
	c := &partitionConsumer{client: client, next: pos}
	s.consumers[partition] = c
	return c, nil
}

func (s *Stream) dropConsumer(partition int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.consumers[partition]; ok {
		c.client.Close()
		delete(s.consumers, partition)
	}
}

func startOffset(pos asynccmd.Position) kgo.Offset {
	if pos.IsOffset() {
		return kgo.NewOffset().At(pos.Offset)
	}
	// Record timestamps are milliseconds, so the position starts at its millisecond
	return kgo.NewOffset().AfterMilli(pos.Time.UnixMilli())
}

func parsePartition(partitionID string) (int32, error) {
	n, err := strconv.ParseInt(partitionID, 10, 32)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("partition '%s' is not a kafka partition number: %w", partitionID, asynccmd.ErrPartitionGone)
	}
	return int32(n), nil
}

func toRecord(r *kgo.Record) asynccmd.Record {
	rec := asynccmd.Record{
		Body:       r.Value,
		EnqueuedAt: r.Timestamp,
		Offset:     r.Offset,
	}
	if len(r.Headers) > 0 {
		rec.Attributes = make(map[string]string, len(r.Headers))
		for _, h := range r.Headers {
			rec.Attributes[h.Key] = string(h.Value)
		}
	}
	return rec
}
