package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/acnode/internal/approval"
	"github.com/danmuck/acnode/internal/bus"
	"github.com/danmuck/acnode/internal/bus/mqtt"
	"github.com/danmuck/acnode/internal/config"
	"github.com/danmuck/acnode/internal/link"
	"github.com/danmuck/acnode/internal/logging"
	"github.com/danmuck/acnode/internal/node"
	"github.com/danmuck/acnode/internal/observability"
	"github.com/danmuck/acnode/internal/session"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "acnode.toml", "path to the node config")
	logLevel := pflag.String("log-level", "", "override log_level from the config")
	metricsAddr := pflag.String("metrics-addr", "", "override metrics_addr from the config")
	pflag.Parse()

	logging.ConfigureRuntime()
	if err := run(*configPath, *logLevel, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "acnode: %v\n", err)
		os.Exit(1)
	}
}

func run(path, levelOverride, metricsOverride string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if levelOverride != "" {
		level = levelOverride
	}
	if level != "" && !logging.SetLevel(level) {
		return fmt.Errorf("unknown log level %q", level)
	}
	if metricsOverride != "" {
		cfg.MetricsAddr = metricsOverride
	}

	broker := cfg.Broker()
	broker.TLS, err = cfg.Session.ClientTLS(broker.Host)
	if err != nil {
		return err
	}

	n, err := node.New(cfg.Node(), node.Deps{
		Probe: probe(cfg.Link),
		Dial: func(events bus.Events, will bus.Will) bus.Client {
			bc := broker
			bc.Will = &will
			return mqtt.New(bc, events, log.Logger)
		},
	})
	if err != nil {
		return err
	}
	n.OnError(func(kind node.ErrorKind, err error) {
		log.Warn().Err(err).Stringer("kind", kind).Msg("acnode error")
	}).OnApproval(func(tag string) {
		log.Info().Str("tag", tag).Msg("acnode access granted")
	}).OnDenied(func(tag string, reason approval.Reason) {
		log.Info().Str("tag", tag).Str("reason", string(reason)).Msg("acnode access denied")
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("acnode metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info().
		Str("config", path).
		Str("broker", broker.BrokerURL()).
		Str("security_mode", string(session.NormalizeSecurityMode(cfg.Session.SecurityMode))).
		Msg("acnode starting")
	return n.Run(ctx)
}

func probe(cfg config.Link) session.LinkProbe {
	if cfg.AlwaysUp {
		return link.NewStatic(true)
	}
	return link.NewInterface(cfg.Interface)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler())
	return mux
}
