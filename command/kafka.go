package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shogotsuneto/go-async-command"
)

// MessageWriter is the part of *kafka.Writer the Kafka invoker uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaInvoker.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka commands topic is required")
	}
	return nil
}

// NewKafkaWriter creates a synchronous writer keyed by device id.
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}, nil
}

// KafkaInvoker publishes commands to a topic consumed by devices or their gateway.
// The request id is generated locally and travels as both a header and the message body.
type KafkaInvoker struct {
	writer MessageWriter
	now    func() time.Time
}

// Compile-time interface compliance check
var _ asynccmd.Invoker = (*KafkaInvoker)(nil)

func NewKafkaInvoker(writer MessageWriter) *KafkaInvoker {
	return &KafkaInvoker{writer: writer, now: time.Now}
}

// InvokeCommand writes the command and returns 202 once the broker has acknowledged it.
func (k *KafkaInvoker) InvokeCommand(ctx context.Context, req asynccmd.CommandRequest) (asynccmd.CommandResponse, error) {
	msg, err := newMessage(req, k.now())
	if err != nil {
		return asynccmd.CommandResponse{}, err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return asynccmd.CommandResponse{}, fmt.Errorf("encode command: %w", err)
	}

	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(req.DeviceID),
		Value: value,
		Time:  msg.SentAt,
		Headers: []kafka.Header{
			{Key: asynccmd.DefaultCorrelationAttribute, Value: []byte(msg.RequestID)},
			{Key: "command-name", Value: []byte(req.CommandName)},
		},
	})
	if err != nil {
		return asynccmd.CommandResponse{}, fmt.Errorf("failed to write message: %w", err)
	}
	return accepted(msg.RequestID), nil
}

func (k *KafkaInvoker) Close() error {
	return k.writer.Close()
}
