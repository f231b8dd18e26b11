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
	defaultAddr        = ":7777"
	defaultMetricsAddr = ":8080"
	defaultWorkers     = 4
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

	addr        string
	metricsAddr string
	workers     int
	errors      bool
}

func loadConfig() config {
	var cfg config
	flag.BoolVar(&cfg.showVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.addr, "addr", defaultAddr, "address to listen on for RPC clients")
	flag.StringVar(&cfg.metricsAddr, "metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics")
	flag.IntVar(&cfg.workers, "workers", defaultWorkers, "default worker pool size for methods without their own")
	flag.BoolVar(&cfg.errors, "errors", false, "fail fast: propagate the first method error locally after sending it to the client")
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

	srv, err := portal.NewServer(portal.ServerConfig{
		Logger:  log,
		Addr:    cfg.addr,
		Workers: cfg.workers,
		Errors:  cfg.errors,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	if err := srv.Bind(portal.Method{
		Name: "echo",
		Work: func(ctx context.Context, args portal.Value) (portal.Value, any, error) {
			return args, nil, nil
		},
	}); err != nil {
		return fmt.Errorf("binding echo: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv.Start(ctx)
	log.Info("rpc server listening", "address", srv.Addr())

	select {
	case <-ctx.Done():
		log.Info("context cancelled, shutting down")
	case err := <-waitErr(ctx, srv):
		if err != nil {
			log.Error("server error", "error", err)
		}
	}

	return srv.Close(10 * time.Second)
}

func waitErr(ctx context.Context, srv *portal.Server) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- srv.Wait(ctx) }()
	return ch
}
