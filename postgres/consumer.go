package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shogotsuneto/go-async-command"
)

// Compile-time interface compliance check
var _ asynccmd.Stream = (*Stream)(nil)

// parseAttributesJSON parses attributes from JSON to map[string]string.
func parseAttributesJSON(attributesJSON []byte) (map[string]string, error) {
	var attributes map[string]string
	if err := json.Unmarshal(attributesJSON, &attributes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attributes JSON: %w", err)
	}
	return attributes, nil
}

// floorMicro rounds t down to the microsecond precision PostgreSQL stores.
func floorMicro(t time.Time) time.Time {
	return t.Truncate(time.Microsecond)
}

// ListPartitions returns the registered partitions ordered by id.
func (s *Stream) ListPartitions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT partition_id FROM %s ORDER BY partition_id",
		quoteIdentifier(partitionsTable(s.cfg.TableName))))
	if err != nil {
		return nil, fmt.Errorf("failed to query partitions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan partition row: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return ids, nil
}

// FetchBatch returns up to maxCount records at or after pos. While the partition has
// nothing new it re-queries every PollInterval, or sooner when an append is notified.
func (s *Stream) FetchBatch(ctx context.Context, partitionID string, pos asynccmd.Position, maxCount int, timeout time.Duration) ([]asynccmd.Record, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	checkedPartition := false
	for {
		wake := s.waitCh()
		batch, err := s.query(ctx, partitionID, pos, maxCount)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return batch, nil
		}

		if !checkedPartition {
			if err := s.checkPartition(ctx, partitionID); err != nil {
				return nil, err
			}
			checkedPartition = true
		}
		if expired == nil {
			return nil, nil
		}

		poll := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			poll.Stop()
			return nil, ctx.Err()
		case <-expired:
			poll.Stop()
			return nil, nil
		case <-wake:
			poll.Stop()
		case <-poll.C:
		}
	}
}

func (s *Stream) checkPartition(ctx context.Context, partitionID string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE partition_id = $1)",
		quoteIdentifier(partitionsTable(s.cfg.TableName))), partitionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to look up partition: %w", err)
	}
	if !exists {
		return fmt.Errorf("partition '%s': %w", partitionID, asynccmd.ErrPartitionGone)
	}
	return nil
}

func (s *Stream) query(ctx context.Context, partitionID string, pos asynccmd.Position, maxCount int) ([]asynccmd.Record, error) {
	column, arg := "seq", interface{}(pos.Offset)
	if !pos.IsOffset() {
		column, arg = "enqueued_at", floorMicro(pos.Time)
	}

	query := fmt.Sprintf(`
		SELECT seq, enqueued_at, attributes, body
		FROM %s
		WHERE partition_id = $1 AND %s >= $2
		ORDER BY seq ASC
	`, quoteIdentifier(s.cfg.TableName), column)
	args := []interface{}{partitionID, arg}
	if maxCount > 0 {
		query += " LIMIT $3"
		args = append(args, maxCount)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var result []asynccmd.Record
	for rows.Next() {
		var rec asynccmd.Record
		var attributesJSON []byte
		if err := rows.Scan(&rec.Offset, &rec.EnqueuedAt, &attributesJSON, &rec.Body); err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		if len(attributesJSON) > 0 {
			rec.Attributes, err = parseAttributesJSON(attributesJSON)
			if err != nil {
				return nil, err
			}
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}
