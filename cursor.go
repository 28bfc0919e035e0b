package asynccmd

import (
	"fmt"
	"time"
)

type positionKind uint8

const (
	positionTime positionKind = iota
	positionOffset
)

// Position is a point in a partition, either an enqueue time or an offset.
// Both kinds are inclusive: a fetch at a position returns records at or after it.
type Position struct {
	kind   positionKind
	Time   time.Time
	Offset int64
}

// AtTime returns a position selecting records enqueued at or after t.
func AtTime(t time.Time) Position {
	return Position{kind: positionTime, Time: t}
}

// AtOffset returns a position selecting records with an offset of at least n.
func AtOffset(n int64) Position {
	return Position{kind: positionOffset, Offset: n}
}

// Now returns a time position at the current instant.
func Now() Position {
	return AtTime(time.Now())
}

// IsOffset reports whether the position is offset-based.
func (p Position) IsOffset() bool {
	return p.kind == positionOffset
}

// Compare orders two positions of the same kind, returning -1, 0 or +1.
// The second result is false when the kinds differ and the positions cannot be ordered.
func (p Position) Compare(other Position) (int, bool) {
	if p.kind != other.kind {
		return 0, false
	}
	if p.kind == positionTime {
		return p.Time.Compare(other.Time), true
	}
	switch {
	case p.Offset < other.Offset:
		return -1, true
	case p.Offset > other.Offset:
		return 1, true
	}
	return 0, true
}

func (p Position) String() string {
	if p.kind == positionOffset {
		return fmt.Sprintf("offset:%d", p.Offset)
	}
	return "time:" + p.Time.UTC().Format(time.RFC3339Nano)
}

// Cursor tracks the read position of one partition.
// A cursor is owned by a single reader and is not safe for concurrent use.
type Cursor struct {
	partitionID string
	position    Position
}

// NewCursor creates a cursor for the partition starting at start.
func NewCursor(partitionID string, start Position) *Cursor {
	return &Cursor{partitionID: partitionID, position: start}
}

// PartitionID returns the partition the cursor belongs to.
func (c *Cursor) PartitionID() string {
	return c.partitionID
}

// Position returns the current position.
func (c *Cursor) Position() Position {
	return c.position
}

// Advance moves the cursor to next. Moving backwards fails with *InvalidTransitionError.
// Positions of different kinds cannot be compared, so switching kinds goes through AdvancePast.
func (c *Cursor) Advance(next Position) error {
	cmp, ok := c.position.Compare(next)
	if !ok || cmp > 0 {
		return &InvalidTransitionError{PartitionID: c.partitionID, From: c.position, To: next}
	}
	c.position = next
	return nil
}

// AdvancePast moves the cursor just past the given record.
// From a time position the record must not have been enqueued before that time.
// Stores keep enqueue times at millisecond or finer precision and position a time
// fetch at the start of its tick, so the comparison is made at millisecond precision.
func (c *Cursor) AdvancePast(last Record) error {
	next := AtOffset(last.Offset + 1)
	if !c.position.IsOffset() {
		if last.EnqueuedAt.Before(c.position.Time.Truncate(time.Millisecond)) {
			return &InvalidTransitionError{PartitionID: c.partitionID, From: c.position, To: next}
		}
		c.position = next
		return nil
	}
	return c.Advance(next)
}
