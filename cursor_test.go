package asynccmd

import (
	"errors"
	"testing"
	"time"
)

func TestPosition_Compare(t *testing.T) {
	base := time.Now()

	tests := []struct {
		name       string
		a, b       Position
		expected   int
		comparable bool
	}{
		{"offset less", AtOffset(1), AtOffset(2), -1, true},
		{"offset equal", AtOffset(2), AtOffset(2), 0, true},
		{"offset greater", AtOffset(3), AtOffset(2), 1, true},
		{"time less", AtTime(base), AtTime(base.Add(time.Second)), -1, true},
		{"time equal", AtTime(base), AtTime(base), 0, true},
		{"mixed kinds", AtTime(base), AtOffset(0), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmp, ok := tt.a.Compare(tt.b)
			if ok != tt.comparable {
				t.Fatalf("Expected comparable=%v, got %v", tt.comparable, ok)
			}
			if cmp != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, cmp)
			}
		})
	}
}

func TestPosition_String(t *testing.T) {
	if got := AtOffset(42).String(); got != "offset:42" {
		t.Errorf("Expected offset:42, got %s", got)
	}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	if got := AtTime(ts).String(); got != "time:2024-01-02T03:04:05Z" {
		t.Errorf("Expected time position string, got %s", got)
	}
}

func TestCursor_AdvanceForward(t *testing.T) {
	c := NewCursor("p0", AtOffset(5))

	if err := c.Advance(AtOffset(5)); err != nil {
		t.Fatalf("Advance to the same position failed: %v", err)
	}
	if err := c.Advance(AtOffset(9)); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if c.Position().Offset != 9 {
		t.Errorf("Expected offset 9, got %d", c.Position().Offset)
	}
}

func TestCursor_AdvanceBackwardFails(t *testing.T) {
	c := NewCursor("p0", AtOffset(5))

	err := c.Advance(AtOffset(4))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
	var transition *InvalidTransitionError
	if !errors.As(err, &transition) {
		t.Fatalf("Expected *InvalidTransitionError, got %T", err)
	}
	if transition.PartitionID != "p0" || transition.From.Offset != 5 || transition.To.Offset != 4 {
		t.Errorf("Unexpected transition details: %+v", transition)
	}
	if c.Position().Offset != 5 {
		t.Errorf("Expected cursor to stay at 5, got %d", c.Position().Offset)
	}
}

func TestCursor_AdvanceAcrossKindsFails(t *testing.T) {
	c := NewCursor("p0", Now())

	if err := c.Advance(AtOffset(10)); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestCursor_AdvancePastFromTime(t *testing.T) {
	start := time.Now()
	c := NewCursor("p0", AtTime(start))

	if err := c.AdvancePast(Record{Offset: 7, EnqueuedAt: start.Add(time.Millisecond)}); err != nil {
		t.Fatalf("AdvancePast failed: %v", err)
	}
	pos := c.Position()
	if !pos.IsOffset() || pos.Offset != 8 {
		t.Errorf("Expected offset:8, got %s", pos)
	}
}

func TestCursor_AdvancePastRecordBeforeStart(t *testing.T) {
	start := time.Now()
	c := NewCursor("p0", AtTime(start))

	err := c.AdvancePast(Record{Offset: 7, EnqueuedAt: start.Add(-time.Second)})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got %v", err)
	}
	if c.Position().IsOffset() {
		t.Error("Expected cursor to keep its time position")
	}
}

func TestCursor_AdvancePastRecordInStartMillisecond(t *testing.T) {
	tick := time.UnixMilli(1700000000000)
	c := NewCursor("p0", AtTime(tick.Add(300*time.Microsecond)))

	// Stores keep milliseconds, so a later record can carry the truncated start tick
	if err := c.AdvancePast(Record{Offset: 3, EnqueuedAt: tick}); err != nil {
		t.Fatalf("AdvancePast failed: %v", err)
	}
	if pos := c.Position(); !pos.IsOffset() || pos.Offset != 4 {
		t.Errorf("Expected offset:4, got %s", pos)
	}

	c = NewCursor("p0", AtTime(tick.Add(300*time.Microsecond)))
	if err := c.AdvancePast(Record{Offset: 3, EnqueuedAt: tick.Add(-time.Microsecond)}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition for the previous millisecond, got %v", err)
	}
}

func TestCursor_Monotonic(t *testing.T) {
	c := NewCursor("p0", AtOffset(0))

	offsets := []int64{0, 3, 3, 1, 10, 2, 11}
	var last int64 = -1
	for _, off := range offsets {
		_ = c.AdvancePast(Record{Offset: off})
		cur := c.Position().Offset
		if cur < last {
			t.Fatalf("Cursor moved backwards from %d to %d", last, cur)
		}
		last = cur
	}
	if last != 12 {
		t.Errorf("Expected final offset 12, got %d", last)
	}
}
