//go:build integration
// +build integration

package integration_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shogotsuneto/go-async-command"
	"github.com/shogotsuneto/go-async-command/memory"
)

// writableStream is a stream the tests can append to.
type writableStream interface {
	asynccmd.Stream
	Append(ctx context.Context, partitionID string, rec asynccmd.Record) (asynccmd.Record, error)
}

func appendBody(t *testing.T, s writableStream, partitionID, requestID, body string) asynccmd.Record {
	t.Helper()
	rec := asynccmd.Record{Body: []byte(body)}
	if requestID != "" {
		rec.Attributes = map[string]string{asynccmd.DefaultCorrelationAttribute: requestID}
	}
	out, err := s.Append(context.Background(), partitionID, rec)
	if err != nil {
		t.Fatalf("Failed to append record: %v", err)
	}
	return out
}

func fetch(t *testing.T, s asynccmd.Stream, partitionID string, pos asynccmd.Position, timeout time.Duration) []asynccmd.Record {
	t.Helper()
	batch, err := s.FetchBatch(context.Background(), partitionID, pos, 100, timeout)
	if err != nil {
		t.Fatalf("FetchBatch from %s failed: %v", pos, err)
	}
	return batch
}

func bodies(recs []asynccmd.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Body)
	}
	return out
}

func expectBodies(t *testing.T, recs []asynccmd.Record, expected ...string) {
	t.Helper()
	got := bodies(recs)
	if fmt.Sprint(got) != fmt.Sprint(expected) {
		t.Fatalf("Expected bodies %v, got %v", expected, got)
	}
}

// runStreamContract checks the position semantics every backend must share. Partition "0" must exist and be empty.
func runStreamContract(t *testing.T, s writableStream) {
	t.Run("offset positions are inclusive", func(t *testing.T) {
		first := appendBody(t, s, "0", "r1", "0%")
		second := appendBody(t, s, "0", "", "telemetry")
		third := appendBody(t, s, "0", "r1", "100%")

		if !(first.Offset < second.Offset && second.Offset < third.Offset) {
			t.Fatalf("Expected increasing offsets, got %d %d %d", first.Offset, second.Offset, third.Offset)
		}

		batch := fetch(t, s, "0", asynccmd.AtOffset(first.Offset), time.Second)
		expectBodies(t, batch, "0%", "telemetry", "100%")
		if id, _ := batch[0].Attribute(asynccmd.DefaultCorrelationAttribute); id != "r1" {
			t.Errorf("Expected correlation attribute r1, got %q", id)
		}
		if _, ok := batch[1].Attribute(asynccmd.DefaultCorrelationAttribute); ok {
			t.Error("Expected uncorrelated record to carry no correlation attribute")
		}

		expectBodies(t, fetch(t, s, "0", asynccmd.AtOffset(second.Offset), time.Second), "telemetry", "100%")
		expectBodies(t, fetch(t, s, "0", asynccmd.AtOffset(third.Offset+1), 0))
	})

	t.Run("time positions skip earlier records", func(t *testing.T) {
		appendBody(t, s, "0", "", "before")
		time.Sleep(20 * time.Millisecond)
		after := appendBody(t, s, "0", "", "after")

		batch := fetch(t, s, "0", asynccmd.AtTime(after.EnqueuedAt), time.Second)
		expectBodies(t, batch, "after")
		if batch[0].Offset != after.Offset {
			t.Errorf("Expected offset %d, got %d", after.Offset, batch[0].Offset)
		}
	})

	t.Run("fetch waits for new records", func(t *testing.T) {
		tail := appendBody(t, s, "0", "", "tail")
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.Append(context.Background(), "0", asynccmd.Record{Body: []byte("late")})
		}()

		started := time.Now()
		batch := fetch(t, s, "0", asynccmd.AtOffset(tail.Offset+1), 5*time.Second)
		expectBodies(t, batch, "late")
		if elapsed := time.Since(started); elapsed > 4*time.Second {
			t.Errorf("Expected the fetch to return soon after the append, took %v", elapsed)
		}
	})

	t.Run("supervisor completes against the backend", func(t *testing.T) {
		device := memory.NewDeviceWithSink("device-1", s, memory.DeviceConfig{Interval: 50 * time.Millisecond, Telemetry: true})
		defer device.Close()

		sup := asynccmd.NewSupervisor(device, s, nil, asynccmd.SupervisorConfig{
			Request:  asynccmd.CommandRequest{DeviceID: "device-1", InterfaceName: "sensor", CommandName: "blink"},
			Deadline: 30 * time.Second,
			Lookback: time.Second,
			Group: asynccmd.GroupConfig{
				ShutdownTimeout: 10 * time.Second,
				Reader:          asynccmd.ReaderConfig{FetchTimeout: 500 * time.Millisecond},
			},
		})
		res, err := sup.Run(context.Background())
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if res.State != asynccmd.Completed {
			t.Fatalf("Expected Completed, got %s", res.State)
		}
		if res.Terminal == nil || res.Terminal.RequestID != res.RequestID {
			t.Errorf("Unexpected terminal update %+v", res.Terminal)
		}
	})
}

func expectPartitionGone(t *testing.T, s asynccmd.Stream, partitionID string) {
	t.Helper()
	_, err := s.FetchBatch(context.Background(), partitionID, asynccmd.AtOffset(0), 10, 0)
	if !errors.Is(err, asynccmd.ErrPartitionGone) {
		t.Fatalf("Expected ErrPartitionGone for %s, got %v", partitionID, err)
	}
}
