package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/shogotsuneto/go-async-command"
	"github.com/shogotsuneto/go-async-command/codec"
	"github.com/shogotsuneto/go-async-command/command"
	"github.com/shogotsuneto/go-async-command/config"
	kafkastream "github.com/shogotsuneto/go-async-command/kafka"
	pgstream "github.com/shogotsuneto/go-async-command/postgres"
	redisstream "github.com/shogotsuneto/go-async-command/redis"
)

// backend is a stream that can also be written to, so the simulator can publish onto it.
type backend interface {
	asynccmd.Stream
	Append(ctx context.Context, partitionID string, rec asynccmd.Record) (asynccmd.Record, error)
}

type partitionAdder interface {
	AddPartition(ctx context.Context, partitionID string) error
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backend, func(), error) {
	switch cfg.Stream.Backend {
	case "kafka":
		s, err := kafkastream.NewStream(kafkastream.Config{
			Brokers:  cfg.Stream.Kafka.Brokers,
			Topic:    cfg.Stream.Kafka.Topic,
			ClientID: "asynccmd",
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	case "redis":
		client, err := redisstream.NewClient(ctx, redisstream.ClientConfig{
			Addr:     cfg.Stream.Redis.Addr,
			Password: cfg.Stream.Redis.Password,
			DB:       cfg.Stream.Redis.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return redisstream.NewStream(client, cfg.Stream.Redis.Prefix), func() { client.Close() }, nil

	case "postgres":
		s, err := pgstream.Open(cfg.Stream.Postgres.URL, pgstream.Config{
			TableName: cfg.Stream.Postgres.Table,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, err
		}
		if err := s.InitSchema(); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return s, func() { s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown stream backend %q", cfg.Stream.Backend)
}

// ensurePartitions registers partitions "0".."n-1" on backends that keep an explicit partition list.
func ensurePartitions(ctx context.Context, b backend, n int) error {
	adder, ok := b.(partitionAdder)
	if !ok {
		return nil
	}
	for i := 0; i < n; i++ {
		if err := adder.AddPartition(ctx, strconv.Itoa(i)); err != nil {
			return fmt.Errorf("add partition %d: %w", i, err)
		}
	}
	return nil
}

func newInvoker(cfg *config.Config) (asynccmd.Invoker, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Invoker.Kind {
	case "http":
		inv, err := command.NewHTTPInvoker(command.HTTPConfig{
			BaseURL:       cfg.Invoker.HTTP.URL,
			Authorization: cfg.Invoker.HTTP.Authorization,
			Timeout:       cfg.Invoker.HTTP.Timeout,
			RetryMax:      cfg.Invoker.HTTP.RetryMax,
		})
		if err != nil {
			return nil, nil, err
		}
		return inv, noop, nil

	case "kafka":
		w, err := command.NewKafkaWriter(command.KafkaConfig{
			Brokers: cfg.Invoker.Kafka.Brokers,
			Topic:   cfg.Invoker.Kafka.Topic,
		})
		if err != nil {
			return nil, nil, err
		}
		inv := command.NewKafkaInvoker(w)
		return inv, inv.Close, nil

	case "amqp":
		inv, err := command.DialAMQP(command.AMQPConfig{
			URL:      cfg.Invoker.AMQP.URL,
			Exchange: cfg.Invoker.AMQP.Exchange,
		})
		if err != nil {
			return nil, nil, err
		}
		return inv, inv.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown invoker %q", cfg.Invoker.Kind)
}

// newDecoder decodes status bodies as JSON when the session needs structure, and as text otherwise.
// Bodies are decompressed first according to their content-encoding attribute.
func newDecoder(s config.Session) (asynccmd.Decoder, error) {
	if s.SchemaFile != "" {
		f, err := os.Open(s.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("open status schema: %w", err)
		}
		defer f.Close()
		dec, err := codec.NewSchemaDecoder("status", f)
		if err != nil {
			return nil, err
		}
		return codec.Decompressing(dec), nil
	}
	if s.ProgressField != "" {
		return codec.Decompressing(codec.JSON), nil
	}
	return codec.Decompressing(nil), nil
}

func newFilter(s config.Session) (asynccmd.Filter, error) {
	dec, err := newDecoder(s)
	if err != nil {
		return asynccmd.Filter{}, err
	}
	terminal := asynccmd.ContainsText(s.TerminalText)
	if s.ProgressField != "" {
		terminal = asynccmd.PercentComplete(s.ProgressField)
	}
	return asynccmd.Filter{
		AttributeKey: s.CorrelationAttribute,
		Decoder:      dec,
		Terminal:     terminal,
	}, nil
}

func readerConfig(s config.Session, logger *slog.Logger, metrics *asynccmd.Metrics) asynccmd.ReaderConfig {
	return asynccmd.ReaderConfig{
		BatchSize:    s.BatchSize,
		FetchTimeout: s.ReceiveTimeout,
		Logger:       logger,
		Metrics:      metrics,
	}
}

// exitCode maps a session outcome to the process exit status.
func exitCode(state asynccmd.State, err error) int {
	switch {
	case err != nil || state == asynccmd.Failed:
		return 1
	case state == asynccmd.Completed:
		return 0
	case state == asynccmd.TimedOut:
		return 2
	case state == asynccmd.Cancelled:
		return 130
	}
	return 1
}

var errUsage = errors.New("usage: asynccmd [-config file] invoke|monitor|simulate")
