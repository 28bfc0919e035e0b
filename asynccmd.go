// Package asynccmd invokes long-running commands on remote devices and follows their progress
// by correlating status updates read back from a partitioned event log.
package asynccmd

import (
	"context"
	"time"
)

// DefaultCorrelationAttribute is the record attribute carrying the originating request id.
const DefaultCorrelationAttribute = "iothub-command-request-id"

// Record represents a single record read from one partition of a stream.
type Record struct {
	// Body contains the raw record payload
	Body []byte
	// Attributes contains application and system properties of the record
	Attributes map[string]string
	// EnqueuedAt is when the log service accepted the record
	EnqueuedAt time.Time
	// Offset is the partition-local sequence number of the record
	Offset int64
}

// Attribute returns the value of the named attribute and whether it was present.
func (r Record) Attribute(key string) (string, bool) {
	if r.Attributes == nil {
		return "", false
	}
	v, ok := r.Attributes[key]
	return v, ok
}

// Stream is a partitioned, append-only log that can be read from an arbitrary position.
type Stream interface {
	// ListPartitions returns the ids of all partitions of the stream.
	ListPartitions(ctx context.Context) ([]string, error)

	// FetchBatch returns up to maxCount records of the partition at or after pos.
	// It waits at most timeout for records to arrive; an empty result is not an error.
	// Errors wrapping ErrPartitionGone are permanent for that partition.
	FetchBatch(ctx context.Context, partitionID string, pos Position, maxCount int, timeout time.Duration) ([]Record, error)
}

// CommandRequest describes a command to invoke on a device.
type CommandRequest struct {
	DeviceID      string
	InterfaceName string
	CommandName   string
	// Payload is the optional JSON payload for the command
	Payload []byte
}

// CommandResponse is the immediate answer to an invoked command.
type CommandResponse struct {
	// RequestID identifies the invocation in later status updates
	RequestID string
	// Status is the immediate status code returned by the device
	Status int
	// Payload is the immediate response payload, if any
	Payload []byte
}

// Invoker sends commands to devices.
// Long-running commands return immediately; their progress is reported through the stream.
type Invoker interface {
	InvokeCommand(ctx context.Context, req CommandRequest) (CommandResponse, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, req CommandRequest) (CommandResponse, error)

// InvokeCommand calls f(ctx, req).
func (f InvokerFunc) InvokeCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	return f(ctx, req)
}
