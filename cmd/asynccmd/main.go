// Command asynccmd invokes long-running device commands and follows their progress,
// monitors a partitioned stream, or simulates devices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shogotsuneto/go-async-command"
	"github.com/shogotsuneto/go-async-command/config"
	"github.com/shogotsuneto/go-async-command/memory"
	"github.com/shogotsuneto/go-async-command/simulator"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("asynccmd", flag.ContinueOnError)
	configPath := fs.String("config", os.Getenv("ASYNCCMD_CONFIG"), "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, errUsage)
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := asynccmd.NewMetrics(reg)

	switch fs.Arg(0) {
	case "invoke":
		return runInvoke(ctx, cfg, logger, reg, metrics)
	case "monitor":
		return runMonitor(ctx, cfg, logger, reg, metrics)
	case "simulate":
		return runSimulate(ctx, cfg, logger, reg)
	}
	fmt.Fprintln(os.Stderr, errUsage)
	return 2
}

func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func mountMetrics(reg *prometheus.Registry) func(chi.Router) {
	return func(r chi.Router) {
		r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
}

// serveMetrics serves /metrics until ctx is done when an address is configured.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) {
	if addr == "" {
		return
	}
	r := chi.NewRouter()
	mountMetrics(reg)(r)
	serve(ctx, &http.Server{Addr: addr, Handler: r}, logger)
}

func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) {
	go func() {
		logger.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "addr", srv.Addr, "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func runInvoke(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, metrics *asynccmd.Metrics) int {
	if err := cfg.ValidateInvoke(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	filter, err := newFilter(cfg.Session)
	if err != nil {
		logger.Error("failed to build filter", "error", err)
		return 1
	}
	stream, closeStream, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stream", "backend", cfg.Stream.Backend, "error", err)
		return 1
	}
	defer closeStream()
	invoker, closeInvoker, err := newInvoker(cfg)
	if err != nil {
		logger.Error("failed to create invoker", "invoker", cfg.Invoker.Kind, "error", err)
		return 1
	}
	defer closeInvoker()

	serveMetrics(ctx, cfg.Metrics.Addr, reg, logger)

	req := asynccmd.CommandRequest{
		DeviceID:      cfg.Command.DeviceID,
		InterfaceName: cfg.Command.InterfaceName,
		CommandName:   cfg.Command.Name,
	}
	if cfg.Command.Payload != "" {
		req.Payload = []byte(cfg.Command.Payload)
	}

	handler := asynccmd.HandlerFuncs{
		Update: func(u asynccmd.CorrelatedUpdate) {
			if u.Err != nil {
				logger.Warn("undecodable status update", "partition", u.PartitionID, "offset", u.Record.Offset, "error", u.Err)
				return
			}
			logger.Info("status update", "partition", u.PartitionID, "request_id", u.RequestID,
				"payload", string(u.Payload.Body), "terminal", u.IsTerminal)
		},
		Warning: func(err error) {
			logger.Warn("session warning", "error", err)
		},
	}

	sup := asynccmd.NewSupervisor(invoker, stream, handler, asynccmd.SupervisorConfig{
		Request:  req,
		Filter:   filter,
		Deadline: cfg.Session.Deadline,
		Lookback: cfg.Session.Lookback,
		Group:    asynccmd.GroupConfig{Reader: readerConfig(cfg.Session, logger, metrics)},
		Logger:   logger,
		Metrics:  metrics,
	})
	res, err := sup.Run(ctx)
	if err != nil {
		logger.Error("command session failed", "state", res.State.String(), "error", err)
		return exitCode(res.State, err)
	}
	logger.Info("command session finished", "state", res.State.String(), "request_id", res.RequestID,
		"status", res.Response.Status, "response_payload", string(res.Response.Payload))
	return exitCode(res.State, nil)
}

func runMonitor(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, metrics *asynccmd.Metrics) int {
	if err := cfg.ValidateStream(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	dec, err := newDecoder(cfg.Session)
	if err != nil {
		logger.Error("failed to build decoder", "error", err)
		return 1
	}
	stream, closeStream, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stream", "backend", cfg.Stream.Backend, "error", err)
		return 1
	}
	defer closeStream()

	serveMetrics(ctx, cfg.Metrics.Addr, reg, logger)

	group := asynccmd.NewConsumerGroup(asynccmd.GroupConfig{Reader: readerConfig(cfg.Session, logger, metrics)})
	start := asynccmd.AtTime(time.Now().Add(-cfg.Session.Lookback))
	if err := group.StartMatching(ctx, stream, asynccmd.MatchAll(dec), start); err != nil {
		logger.Error("failed to start monitoring", "error", err)
		return 1
	}
	logger.Info("monitoring partitions", "partitions", group.Partitions())

	updates, warnings := group.Updates(), group.Warnings()
	for updates != nil || warnings != nil {
		select {
		case <-ctx.Done():
			if err := group.Stop(); err != nil {
				logger.Warn("monitor stopped uncleanly", "error", err)
			}
			return 0
		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			logger.Info("record", "partition", u.PartitionID, "offset", u.Record.Offset,
				"enqueued_at", u.Record.EnqueuedAt, "request_id", u.RequestID,
				"attributes", u.Record.Attributes, "payload", string(u.Payload.Body))
		case w, ok := <-warnings:
			if !ok {
				warnings = nil
				continue
			}
			logger.Warn("partition stopped", "error", w)
		}
	}
	logger.Error("all partition readers stopped")
	group.Stop()
	return 1
}

func runSimulate(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) int {
	if err := cfg.ValidateStream(); err != nil {
		logger.Error("invalid configuration", "error", err)
		return 1
	}
	sink, closeSink, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open stream", "backend", cfg.Stream.Backend, "error", err)
		return 1
	}
	defer closeSink()
	if err := ensurePartitions(ctx, sink, cfg.Simulator.Partitions); err != nil {
		logger.Error("failed to register partitions", "error", err)
		return 1
	}

	server := simulator.NewServer(logger)
	for _, id := range cfg.Simulator.DeviceIDs {
		device := memory.NewDeviceWithSink(id, sink, memory.DeviceConfig{
			Interval:     cfg.Simulator.Interval,
			Telemetry:    cfg.Simulator.Telemetry,
			AttributeKey: cfg.Session.CorrelationAttribute,
			Logger:       logger,
		})
		defer device.Close()
		server.Register(id, device)
	}

	serve(ctx, &http.Server{Addr: cfg.Simulator.Addr, Handler: server.Router(mountMetrics(reg))}, logger)
	<-ctx.Done()
	return 0
}
