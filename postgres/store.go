package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shogotsuneto/go-async-command"
)

// AddPartition registers a partition. Adding an existing partition does nothing.
func (s *Stream) AddPartition(ctx context.Context, partitionID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (partition_id) VALUES ($1) ON CONFLICT DO NOTHING",
		quoteIdentifier(partitionsTable(s.cfg.TableName))), partitionID)
	if err != nil {
		return fmt.Errorf("failed to add partition: %w", err)
	}
	return nil
}

// RemovePartition deletes a partition and its records.
func (s *Stream) RemovePartition(ctx context.Context, partitionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE partition_id = $1",
		quoteIdentifier(partitionsTable(s.cfg.TableName))), partitionID); err != nil {
		return fmt.Errorf("failed to delete partition: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE partition_id = $1",
		quoteIdentifier(s.cfg.TableName)), partitionID); err != nil {
		return fmt.Errorf("failed to delete records: %w", err)
	}
	return tx.Commit()
}

// Append adds a record to the partition and returns it with its offset and enqueue time.
// Appends to one partition are serialized, so offsets are contiguous and enqueue times never decrease.
func (s *Stream) Append(ctx context.Context, partitionID string, rec asynccmd.Record) (asynccmd.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Lock the partition to prevent concurrent appends
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", s.cfg.TableName+"/"+partitionID); err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to acquire lock: %w", err)
	}

	var exists bool
	err = tx.QueryRowContext(ctx, fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE partition_id = $1)",
		quoteIdentifier(partitionsTable(s.cfg.TableName))), partitionID).Scan(&exists)
	if err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to look up partition: %w", err)
	}
	if !exists {
		return asynccmd.Record{}, fmt.Errorf("partition '%s': %w", partitionID, asynccmd.ErrPartitionGone)
	}

	var nextSeq int64
	var lastEnqueued sql.NullTime
	err = tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COALESCE(MAX(seq) + 1, 0), MAX(enqueued_at) FROM %s WHERE partition_id = $1",
		quoteIdentifier(s.cfg.TableName)), partitionID).Scan(&nextSeq, &lastEnqueued)
	if err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to get next offset: %w", err)
	}

	enqueuedAt := rec.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	// PostgreSQL keeps microseconds
	enqueuedAt = enqueuedAt.Truncate(time.Microsecond)
	if lastEnqueued.Valid && enqueuedAt.Before(lastEnqueued.Time) {
		enqueuedAt = lastEnqueued.Time
	}

	var attributesJSON interface{}
	if rec.Attributes != nil {
		attributesJSON, err = json.Marshal(rec.Attributes)
		if err != nil {
			return asynccmd.Record{}, fmt.Errorf("failed to marshal attributes: %w", err)
		}
	}

	body := rec.Body
	if body == nil {
		body = []byte{}
	}
	_, err = tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (partition_id, seq, enqueued_at, attributes, body)
		VALUES ($1, $2, $3, $4, $5)
	`, quoteIdentifier(s.cfg.TableName)), partitionID, nextSeq, enqueuedAt, attributesJSON, body)
	if err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to insert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", notifyChannel(s.cfg.TableName), partitionID); err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to notify listeners: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return asynccmd.Record{}, fmt.Errorf("failed to commit record: %w", err)
	}

	rec.Offset = nextSeq
	rec.EnqueuedAt = enqueuedAt
	rec.Body = body
	return rec, nil
}
