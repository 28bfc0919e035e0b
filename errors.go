package asynccmd

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for errors.Is checks against the typed errors below.
var (
	// ErrDiscovery is matched by *DiscoveryError.
	ErrDiscovery = errors.New("partition discovery failed")
	// ErrFetch is matched by *FetchError.
	ErrFetch = errors.New("fetch failed")
	// ErrDecode is matched by *DecodeError.
	ErrDecode = errors.New("payload decode failed")
	// ErrInvocation is matched by *InvocationError.
	ErrInvocation = errors.New("command invocation failed")
	// ErrShutdownTimeout is matched by *ShutdownTimeoutError.
	ErrShutdownTimeout = errors.New("shutdown timed out")
	// ErrInvalidTransition is matched by *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid cursor transition")

	// ErrPartitionGone is wrapped by stream adapters when a partition no longer exists.
	// Readers stop immediately on it instead of retrying.
	ErrPartitionGone = errors.New("partition no longer exists")
	// ErrAlreadyStarted is returned when a consumer group or supervisor is started twice.
	ErrAlreadyStarted = errors.New("already started")
)

// DiscoveryError indicates that the partition list could not be obtained or was empty.
type DiscoveryError struct {
	Err error
}

func (e *DiscoveryError) Error() string {
	if e.Err == nil {
		return "partition discovery failed: stream has no partitions"
	}
	return fmt.Sprintf("partition discovery failed: %v", e.Err)
}

func (e *DiscoveryError) Unwrap() []error { return []error{ErrDiscovery, e.Err} }

// FetchError reports a failed fetch on one partition.
// Persistent errors stop the owning reader; transient ones never leave it.
type FetchError struct {
	PartitionID string
	Attempts    int
	Persistent  bool
	Err         error
}

func (e *FetchError) Error() string {
	kind := "transient"
	if e.Persistent {
		kind = "persistent"
	}
	return fmt.Sprintf("%s fetch error on partition '%s' after %d attempt(s): %v", kind, e.PartitionID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error { return []error{ErrFetch, e.Err} }

// DecodeError indicates a correlated record whose payload could not be decoded.
type DecodeError struct {
	PartitionID string
	Offset      int64
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed payload at partition '%s' offset %d: %v", e.PartitionID, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() []error { return []error{ErrDecode, e.Err} }

// InvocationError indicates that the command itself could not be invoked.
type InvocationError struct {
	DeviceID    string
	CommandName string
	Err         error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invoking '%s' on device '%s': %v", e.CommandName, e.DeviceID, e.Err)
}

func (e *InvocationError) Unwrap() []error { return []error{ErrInvocation, e.Err} }

// ShutdownTimeoutError lists readers that did not exit within the shutdown grace period.
type ShutdownTimeoutError struct {
	Pending []string
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("readers for partitions [%s] did not exit within the shutdown grace period", strings.Join(e.Pending, ", "))
}

func (e *ShutdownTimeoutError) Is(target error) bool { return target == ErrShutdownTimeout }

// InvalidTransitionError indicates an attempt to move a cursor backwards.
type InvalidTransitionError struct {
	PartitionID string
	From        Position
	To          Position
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cursor for partition '%s' cannot move from %s to %s", e.PartitionID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }
