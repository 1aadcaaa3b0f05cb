package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/fleetwatch/fleetwatch/internal/alert"
	"github.com/fleetwatch/fleetwatch/internal/api"
	"github.com/fleetwatch/fleetwatch/internal/device"
	"github.com/fleetwatch/fleetwatch/internal/engine"
	"github.com/fleetwatch/fleetwatch/internal/hub"
	"github.com/fleetwatch/fleetwatch/internal/notify"
	"github.com/fleetwatch/fleetwatch/internal/poller"
	"github.com/fleetwatch/fleetwatch/internal/store"
	"github.com/fleetwatch/fleetwatch/internal/tsdb"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = ":8090"
	defaultMetricsAddr = ":8091"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "address for the query/control API")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address for prometheus metrics")
	enableRealtimeFlag := flag.Bool("enable-realtime", true, "enable the real-time fan-out subsystem")

	// Polling configuration.
	baseIntervalFlag := flag.Duration("base-interval", poller.DefaultBaseInterval, "scheduled poll period per router")
	maxBackoffFlag := flag.Duration("max-backoff", poller.DefaultMaxBackoff, "cap on the failure backoff interval")
	pollDeadlineFlag := flag.Duration("poll-deadline", poller.DefaultPollDeadline, "per-call deadline for device operations")
	icmpProbeFlag := flag.Bool("icmp-probe", false, "probe reachability with ICMP instead of a TCP connect")

	// Real-time configuration.
	rtIntervalFlag := flag.Duration("rt-interval", hub.DefaultInterval, "real-time poll period")
	rtMaxTicksFlag := flag.Int("rt-max-ticks", hub.DefaultMaxTicks, "real-time ticks before auto-pause")
	rtMaxRoutersFlag := flag.Int("rt-max-routers", hub.DefaultMaxRouters, "global cap on routers under real-time polling")

	// Alerting configuration.
	debounceWindowFlag := flag.Int("debounce-window", alert.DefaultDebounceWindow, "consecutive evaluations before an alert fires or clears")

	// Time-series configuration.
	retentionFlag := flag.Duration("retention", engine.DefaultRetention, "raw sample retention")
	compactionAfterFlag := flag.Duration("compaction-after", engine.DefaultCompactionAfter, "sample age at which aggregates replace raw reads")

	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	// Optional; absence is the normal case outside development.
	_ = godotenv.Load()

	log := newLogger(*verboseFlag)

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Error("DATABASE_URL is required")
		return fmt.Errorf("DATABASE_URL is required")
	}
	clickhouseAddr := os.Getenv("CLICKHOUSE_ADDR")
	if clickhouseAddr == "" {
		log.Error("CLICKHOUSE_ADDR is required")
		return fmt.Errorf("CLICKHOUSE_ADDR is required")
	}

	listenAddr := *listenAddrFlag
	if port := os.Getenv("PORT"); port != "" {
		listenAddr = ":" + port
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	if *metricsAddrFlag != "" {
		go serveMetrics(log, *metricsAddrFlag, registry)
	}

	clock := clockwork.NewRealClock()

	stateStore, err := store.New(ctx, log, store.Config{DSN: databaseURL})
	if err != nil {
		log.Error("failed to connect to state store", "error", err)
		return err
	}
	defer stateStore.Close()

	tsdbStore, err := tsdb.New(ctx, log, tsdb.Config{
		Addr:     clickhouseAddr,
		Database: os.Getenv("CLICKHOUSE_DB"),
		Username: os.Getenv("CLICKHOUSE_USER"),
		Password: os.Getenv("CLICKHOUSE_PASSWORD"),
	}, tsdb.NewMetrics(registry))
	if err != nil {
		log.Error("failed to connect to time-series store", "error", err)
		return err
	}
	defer func() { _ = tsdbStore.Close() }()

	var sink notify.Sink = &notify.LogSink{Log: log}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		sink = &notify.SlackSink{WebhookURL: webhook}
	}
	dispatcher := notify.NewDispatcher(log, sink, 4)

	alertEngine, err := alert.NewEngine(log, alert.Config{
		Store:          stateStore,
		Notifier:       dispatcher,
		DebounceWindow: *debounceWindowFlag,
		Clock:          clock,
	}, alert.NewMetrics(registry))
	if err != nil {
		log.Error("failed to create alert engine", "error", err)
		return err
	}

	var prober device.Prober = &device.TCPProber{}
	if *icmpProbeFlag {
		prober = &device.ICMPProber{}
	}

	credentials := func(_ context.Context, r store.Router) (device.Credentials, error) {
		// Credential decryption is the session layer's concern; the
		// engine passes the stored material through as-is.
		return device.Credentials{Username: r.Username, Password: r.Credential}, nil
	}

	scheduler, err := poller.NewScheduler(log, poller.SchedulerConfig{
		Routers: stateStore,
		Supervisor: poller.Config{
			Store:        stateStore,
			Samples:      tsdbStore,
			Alerts:       alertEngine,
			Credentials:  credentials,
			Prober:       prober,
			BaseInterval: *baseIntervalFlag,
			MaxBackoff:   *maxBackoffFlag,
			PollDeadline: *pollDeadlineFlag,
			Clock:        clock,
		},
	}, poller.NewMetrics(registry))
	if err != nil {
		log.Error("failed to create scheduler", "error", err)
		return err
	}

	var rtHub *hub.Hub
	if *enableRealtimeFlag {
		rtHub, err = hub.New(log, hub.Config{
			Store:        stateStore,
			Samples:      tsdbStore,
			Credentials:  credentials,
			Interval:     *rtIntervalFlag,
			MaxTicks:     *rtMaxTicksFlag,
			MaxRouters:   *rtMaxRoutersFlag,
			PollDeadline: *pollDeadlineFlag,
			Clock:        clock,
		}, hub.NewMetrics(registry))
		if err != nil {
			log.Error("failed to create hub", "error", err)
			return err
		}
	}

	apiServer, err := api.NewServer(log, api.Config{
		Store:   stateStore,
		Samples: api.TSDBQuerier{Store: tsdbStore},
	})
	if err != nil {
		log.Error("failed to create api server", "error", err)
		return err
	}
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		log.Error("failed to listen", "address", listenAddr, "error", err)
		return err
	}
	log.Info("API listening", "address", listener.Addr().String())

	eng, err := engine.New(log, engine.Config{
		Scheduler:       scheduler,
		Hub:             rtHub,
		API:             apiServer,
		Listener:        listener,
		TSDB:            tsdbStore,
		Notifier:        dispatcher,
		Retention:       *retentionFlag,
		CompactionAfter: *compactionAfterFlag,
		Clock:           clock,
	})
	if err != nil {
		log.Error("failed to create engine", "error", err)
		return err
	}

	log.Info("Starting fleetwatch", "version", version, "commit", commit)
	if err := eng.Run(ctx); err != nil {
		log.Error("engine failed", "error", err)
		return err
	}
	return nil
}

func serveMetrics(log *slog.Logger, addr string, registry *prometheus.Registry) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		log.Error("failed to start metrics listener", "error", err)
		os.Exit(1)
	}
	log.Info("Prometheus metrics listening", "address", listener.Addr().String())
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.Serve(listener, mux); err != nil {
		log.Error("metrics server failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}
