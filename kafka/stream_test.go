package kafka

import (
	"errors"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/shogotsuneto/go-async-command"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Brokers: []string{"localhost:9092"}, Topic: "telemetry"}, false},
		{"missing brokers", Config{Topic: "telemetry"}, true},
		{"missing topic", Config{Brokers: []string{"localhost:9092"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}
	cfg.withDefaults()
	if cfg.ClientID != "asynccmd" {
		t.Errorf("Expected default client id asynccmd, got %s", cfg.ClientID)
	}
	if cfg.Fetch.MaxWait != 500*time.Millisecond {
		t.Errorf("Expected default max wait 500ms, got %v", cfg.Fetch.MaxWait)
	}
	if cfg.Fetch.MaxBytes != 50<<20 {
		t.Errorf("Expected default max bytes, got %d", cfg.Fetch.MaxBytes)
	}
}

func TestNewStream_InvalidConfig(t *testing.T) {
	if _, err := NewStream(Config{Topic: "telemetry"}); err == nil {
		t.Fatal("Expected error for missing brokers")
	}
}

func TestParsePartition(t *testing.T) {
	tests := []struct {
		id       string
		expected int32
		wantErr  bool
	}{
		{"0", 0, false},
		{"12", 12, false},
		{"-1", 0, true},
		{"abc", 0, true},
		{"99999999999", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got, err := parsePartition(tt.id)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parsePartition(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, asynccmd.ErrPartitionGone) {
				t.Errorf("Expected ErrPartitionGone, got %v", err)
			}
			if !tt.wantErr && got != tt.expected {
				t.Errorf("parsePartition(%q) = %d, expected %d", tt.id, got, tt.expected)
			}
		})
	}
}

func TestToRecord(t *testing.T) {
	ts := time.UnixMilli(1700000000123)
	rec := toRecord(&kgo.Record{
		Value:     []byte(`{"progress":"50%"}`),
		Timestamp: ts,
		Offset:    42,
		Headers: []kgo.RecordHeader{
			{Key: asynccmd.DefaultCorrelationAttribute, Value: []byte("r1")},
			{Key: "content-type", Value: []byte("application/json")},
		},
	})

	if rec.Offset != 42 {
		t.Errorf("Expected offset 42, got %d", rec.Offset)
	}
	if !rec.EnqueuedAt.Equal(ts) {
		t.Errorf("Expected enqueue time %v, got %v", ts, rec.EnqueuedAt)
	}
	if id, ok := rec.Attribute(asynccmd.DefaultCorrelationAttribute); !ok || id != "r1" {
		t.Errorf("Expected request id r1, got %q", id)
	}
	if len(rec.Attributes) != 2 {
		t.Errorf("Expected 2 attributes, got %v", rec.Attributes)
	}

	if bare := toRecord(&kgo.Record{Offset: 1}); bare.Attributes != nil {
		t.Errorf("Expected no attributes, got %v", bare.Attributes)
	}
}

func TestConsumerAt_ReusesClientAtExpectedPosition(t *testing.T) {
	// Clients connect lazily, so no broker is needed here
	s, err := NewStream(Config{Brokers: []string{"127.0.0.1:1"}, Topic: "telemetry"})
	if err != nil {
		t.Fatalf("Failed to create stream: %v", err)
	}
	defer s.Close()

	start := asynccmd.AtTime(time.Now())
	first, err := s.consumerAt(0, start)
	if err != nil {
		t.Fatalf("Failed to create consumer: %v", err)
	}
	again, err := s.consumerAt(0, start)
	if err != nil {
		t.Fatalf("Failed to get consumer: %v", err)
	}
	if again != first {
		t.Error("Expected the consumer to be reused at the same position")
	}

	first.next = asynccmd.AtOffset(10)
	moved, err := s.consumerAt(0, asynccmd.AtOffset(10))
	if err != nil {
		t.Fatalf("Failed to get consumer: %v", err)
	}
	if moved != first {
		t.Error("Expected the consumer to be reused after a batch")
	}

	seek, err := s.consumerAt(0, asynccmd.AtOffset(3))
	if err != nil {
		t.Fatalf("Failed to get consumer: %v", err)
	}
	if seek == first {
		t.Error("Expected a new consumer when seeking")
	}

	s.Close()
	if _, err := s.consumerAt(0, asynccmd.AtOffset(3)); !errors.Is(err, kgo.ErrClientClosed) {
		t.Errorf("Expected ErrClientClosed after Close, got %v", err)
	}
}
