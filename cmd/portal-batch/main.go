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

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/portal/internal/metrics"
	"github.com/malbeclabs/portal/pkg/portal"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultExternalAddr = ":7778"
	defaultInnerAddr    = "127.0.0.1:7777"
	defaultMetricsAddr  = ":8081"
	defaultBatchSize    = 32
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type config struct {
	showVersion bool
	verbose     bool

	externalAddr string
	innerAddr    string
	metricsAddr  string
	batchMethod  string
	batchSize    int
}

func loadConfig() config {
	var cfg config
	flag.BoolVar(&cfg.showVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.externalAddr, "addr", defaultExternalAddr, "address to listen on for RPC clients")
	flag.StringVar(&cfg.innerAddr, "inner-addr", defaultInnerAddr, "address of the inner plain RPC server")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics")
	flag.StringVar(&cfg.batchMethod, "batch-method", "compute", "name of the method to accumulate into batches")
	flag.IntVar(&cfg.batchSize, "batch-size", defaultBatchSize, "number of requests to accumulate before flushing; 0 forwards pass-through")
	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
}

func run() error {
	cfg := loadConfig()
	if cfg.showVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.verbose)

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	go func() {
		listener, err := net.Listen("tcp", cfg.metricsAddr)
		if err != nil {
			log.Error("failed to start metrics listener", "error", err)
			return
		}
		log.Info("prometheus metrics listening", "address", listener.Addr().String())
		http.Handle("/metrics", promhttp.Handler())
		if err := http.Serve(listener, nil); err != nil {
			log.Error("metrics server exited", "error", err)
		}
	}()

	gw, err := portal.NewGateway(portal.GatewayConfig{
		Logger:       log,
		ExternalAddr: cfg.externalAddr,
		InnerAddr:    cfg.innerAddr,
	})
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	if err := gw.Bind(portal.BatchMethod{
		Name:      cfg.batchMethod,
		BatchSize: cfg.batchSize,
	}); err != nil {
		return fmt.Errorf("binding %s: %w", cfg.batchMethod, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gw.Start(ctx)
	log.Info("batch gateway listening", "address", gw.Addr(), "inner", cfg.innerAddr, "method", cfg.batchMethod, "batch_size", cfg.batchSize)

	<-ctx.Done()
	log.Info("context cancelled, shutting down")

	return gw.Close(10 * time.Second)
}
