// Package redis stores a partitioned record log in Redis Streams, one stream key per partition.
package redis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shogotsuneto/go-async-command"
)

const (
	bodyField       = "body"
	attributePrefix = "attr:"
	// seqSpan bounds the per-millisecond sequence part of a stream id folded into an offset
	seqSpan = 1_000_000
)

// ClientConfig holds connection settings.
type ClientConfig struct {
	Addr     string
	Password string // optional
	DB       int    // optional
}

// NewClient connects to Redis and checks the connection.
func NewClient(ctx context.Context, cfg ClientConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:                  cfg.Addr,
		Password:              cfg.Password,
		DB:                    cfg.DB,
		ContextTimeoutEnabled: true,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return client, nil
}

// Stream is a Redis Streams implementation of asynccmd.Stream.
//
// Record offsets fold a stream id "ms-seq" into ms*1e6+seq, so they increase with
// every entry but are not contiguous. EnqueuedAt is the millisecond part of the id.
type Stream struct {
	client redis.UniversalClient
	prefix string
}

// Compile-time interface compliance check
var _ asynccmd.Stream = (*Stream)(nil)

// NewStream creates a stream whose keys start with prefix (default "asynccmd").
func NewStream(client redis.UniversalClient, prefix string) *Stream {
	if prefix == "" {
		prefix = "asynccmd"
	}
	return &Stream{client: client, prefix: prefix}
}

func (s *Stream) partitionsKey() string {
	return s.prefix + ":partitions"
}

func (s *Stream) streamKey(partitionID string) string {
	return s.prefix + ":partition:" + partitionID
}

// AddPartition registers a partition.
func (s *Stream) AddPartition(ctx context.Context, partitionID string) error {
	return s.client.SAdd(ctx, s.partitionsKey(), partitionID).Err()
}

// RemovePartition unregisters a partition and deletes its records.
func (s *Stream) RemovePartition(ctx context.Context, partitionID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.partitionsKey(), partitionID)
		pipe.Del(ctx, s.streamKey(partitionID))
		return nil
	})
	return err
}

// Append adds a record to the partition. Redis assigns the offset and enqueue time;
// rec.EnqueuedAt and rec.Offset are ignored.
func (s *Stream) Append(ctx context.Context, partitionID string, rec asynccmd.Record) (asynccmd.Record, error) {
	member, err := s.client.SIsMember(ctx, s.partitionsKey(), partitionID).Result()
	if err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to look up partition: %w", err)
	}
	if !member {
		return asynccmd.Record{}, fmt.Errorf("partition '%s': %w", partitionID, asynccmd.ErrPartitionGone)
	}

	values := make(map[string]interface{}, len(rec.Attributes)+1)
	values[bodyField] = rec.Body
	for k, v := range rec.Attributes {
		values[attributePrefix+k] = v
	}

	id, err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.streamKey(partitionID), Values: values}).Result()
	if err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to append record: %w", err)
	}
	ms, seq, err := parseID(id)
	if err != nil {
		return asynccmd.Record{}, err
	}
	rec.Offset = ms*seqSpan + seq
	rec.EnqueuedAt = time.UnixMilli(ms)
	return rec, nil
}

// ListPartitions returns the registered partitions sorted by id.
func (s *Stream) ListPartitions(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.partitionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// FetchBatch reads up to maxCount entries at or after pos, blocking up to timeout in XREAD.
func (s *Stream) FetchBatch(ctx context.Context, partitionID string, pos asynccmd.Position, maxCount int, timeout time.Duration) ([]asynccmd.Record, error) {
	member, err := s.client.SIsMember(ctx, s.partitionsKey(), partitionID).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to look up partition: %w", err)
	}
	if !member {
		return nil, fmt.Errorf("partition '%s': %w", partitionID, asynccmd.ErrPartitionGone)
	}

	block := time.Duration(-1)
	if timeout >= time.Millisecond {
		block = timeout
	}
	streams, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.streamKey(partitionID), afterID(pos)},
		Count:   int64(maxCount),
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}

	var result []asynccmd.Record
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			rec, err := toRecord(msg)
			if err != nil {
				return nil, err
			}
			result = append(result, rec)
		}
	}
	return result, nil
}

// afterID returns the greatest stream id strictly before pos, as XREAD is exclusive.
// A time position starts at the beginning of its millisecond.
func afterID(pos asynccmd.Position) string {
	var ms, seq int64
	if pos.IsOffset() {
		if pos.Offset > 0 {
			ms, seq = pos.Offset/seqSpan, pos.Offset%seqSpan
		}
	} else {
		ms = pos.Time.UnixMilli()
	}
	if ms <= 0 && seq <= 0 {
		return "0-0"
	}
	if seq > 0 {
		return fmt.Sprintf("%d-%d", ms, seq-1)
	}
	return fmt.Sprintf("%d-%d", ms-1, uint64(math.MaxUint64))
}

func parseID(id string) (ms, seq int64, err error) {
	msPart, seqPart, ok := strings.Cut(id, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed stream id %q", id)
	}
	if ms, err = strconv.ParseInt(msPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	if seq, err = strconv.ParseInt(seqPart, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("malformed stream id %q: %w", id, err)
	}
	if seq >= seqSpan {
		return 0, 0, fmt.Errorf("stream id %q has a sequence too large to fold into an offset", id)
	}
	return ms, seq, nil
}

func toRecord(msg redis.XMessage) (asynccmd.Record, error) {
	ms, seq, err := parseID(msg.ID)
	if err != nil {
		return asynccmd.Record{}, err
	}
	rec := asynccmd.Record{
		Offset:     ms*seqSpan + seq,
		EnqueuedAt: time.UnixMilli(ms),
	}
	for k, v := range msg.Values {
		s := fmt.Sprint(v)
		switch {
		case k == bodyField:
			rec.Body = []byte(s)
		case strings.HasPrefix(k, attributePrefix):
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]string)
			}
			rec.Attributes[strings.TrimPrefix(k, attributePrefix)] = s
		}
	}
	return rec, nil
}
