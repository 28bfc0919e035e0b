package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shogotsuneto/go-async-command"
)

// ErrUnknownDevice is returned when a command targets a device other than the simulated one.
var ErrUnknownDevice = errors.New("unknown device")

// DeviceConfig controls how a simulated device reports progress.
type DeviceConfig struct {
	// Steps are the progress percentages reported for each command (default 0, 25, 50, 75, 100)
	Steps []int
	// Interval is the delay between progress updates (default 100ms)
	Interval time.Duration
	// Telemetry publishes an unrelated telemetry record before every progress update
	Telemetry bool
	// AttributeKey names the correlation attribute (asynccmd.DefaultCorrelationAttribute when empty)
	AttributeKey string
	Logger       *slog.Logger
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if len(c.Steps) == 0 {
		c.Steps = []int{0, 25, 50, 75, 100}
	}
	if c.Interval == 0 {
		c.Interval = 100 * time.Millisecond
	}
	if c.AttributeKey == "" {
		c.AttributeKey = asynccmd.DefaultCorrelationAttribute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Progress is the body of a progress record published by a Device.
type Progress struct {
	RequestID   string `json:"requestId"`
	CommandName string `json:"commandName"`
	Progress    string `json:"progress"`
}

type telemetry struct {
	Temperature float64 `json:"temperature"`
	Humidity    float64 `json:"humidity"`
}

// Sink receives the records a Device publishes. The redis, postgres and kafka streams satisfy it.
type Sink interface {
	ListPartitions(ctx context.Context) ([]string, error)
	Append(ctx context.Context, partitionID string, rec asynccmd.Record) (asynccmd.Record, error)
}

type streamSink struct {
	stream *Stream
}

func (s streamSink) ListPartitions(ctx context.Context) ([]string, error) {
	return s.stream.ListPartitions(ctx)
}

func (s streamSink) Append(_ context.Context, partitionID string, rec asynccmd.Record) (asynccmd.Record, error) {
	return s.stream.AppendRecord(partitionID, rec)
}

// Device simulates a device that accepts long-running commands and reports their
// progress as records on a Stream. It implements asynccmd.Invoker.
type Device struct {
	id   string
	sink Sink
	cfg  DeviceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDevice creates a simulated device publishing to an in-memory stream.
func NewDevice(deviceID string, stream *Stream, cfg DeviceConfig) *Device {
	return NewDeviceWithSink(deviceID, streamSink{stream: stream}, cfg)
}

// NewDeviceWithSink creates a simulated device publishing to any sink.
func NewDeviceWithSink(deviceID string, sink Sink, cfg DeviceConfig) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	return &Device{
		id:     deviceID,
		sink:   sink,
		cfg:    cfg.withDefaults(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID returns the device id.
func (d *Device) ID() string {
	return d.id
}

// InvokeCommand accepts the command, returns 202 with a fresh request id and
// reports progress in the background.
func (d *Device) InvokeCommand(ctx context.Context, req asynccmd.CommandRequest) (asynccmd.CommandResponse, error) {
	if err := ctx.Err(); err != nil {
		return asynccmd.CommandResponse{}, err
	}
	if req.DeviceID != d.id {
		return asynccmd.CommandResponse{}, fmt.Errorf("%w: %s", ErrUnknownDevice, req.DeviceID)
	}
	if d.ctx.Err() != nil {
		return asynccmd.CommandResponse{}, errors.New("device is closed")
	}

	requestID := uuid.NewString()
	d.cfg.Logger.Info("command accepted", "device_id", d.id, "command", req.CommandName, "request_id", requestID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.report(requestID, req.CommandName)
	}()

	return asynccmd.CommandResponse{
		RequestID: requestID,
		Status:    202,
		Payload:   []byte(`{"status":"accepted"}`),
	}, nil
}

func (d *Device) report(requestID, command string) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for _, step := range d.cfg.Steps {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
		}

		if d.cfg.Telemetry {
			if err := d.PublishTelemetry(); err != nil {
				d.cfg.Logger.Warn("failed to publish telemetry", "device_id", d.id, "error", err)
			}
		}
		if err := d.PublishProgress(requestID, command, step); err != nil {
			d.cfg.Logger.Error("failed to publish progress", "request_id", requestID, "error", err)
			return
		}
	}
}

// PublishProgress appends one progress record for the request to its hashed partition.
func (d *Device) PublishProgress(requestID, command string, percent int) error {
	body, err := json.Marshal(Progress{
		RequestID:   requestID,
		CommandName: command,
		Progress:    strconv.Itoa(percent) + "%",
	})
	if err != nil {
		return err
	}
	return d.publish(requestID, asynccmd.Record{
		Body: body,
		Attributes: map[string]string{
			d.cfg.AttributeKey:            requestID,
			"iothub-connection-device-id": d.id,
			"content-type":                "application/json",
		},
	})
}

// PublishTelemetry appends an uncorrelated telemetry record.
func (d *Device) PublishTelemetry() error {
	t := telemetry{
		Temperature: 20 + rand.Float64()*15,
		Humidity:    60 + rand.Float64()*20,
	}
	body, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return d.publish(uuid.NewString(), asynccmd.Record{
		Body: body,
		Attributes: map[string]string{
			"iothub-connection-device-id": d.id,
			"temperatureAlert":            strconv.FormatBool(t.Temperature > 30),
		},
	})
}

func (d *Device) publish(key string, rec asynccmd.Record) error {
	ids, err := d.sink.ListPartitions(d.ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}
	partitionID := HashPartition(ids, key)
	if partitionID == "" {
		return fmt.Errorf("no partitions to publish to: %w", asynccmd.ErrPartitionGone)
	}
	_, err = d.sink.Append(d.ctx, partitionID, rec)
	return err
}

// Wait blocks until every accepted command has finished reporting.
func (d *Device) Wait() {
	d.wg.Wait()
}

// Close stops reporting progress and waits for background publishers to exit.
func (d *Device) Close() error {
	d.cancel()
	d.wg.Wait()
	return nil
}
