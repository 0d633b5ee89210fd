package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-anon/pkg/config"
	"github.com/polisai/polis-anon/pkg/engine"
	"github.com/polisai/polis-anon/pkg/logging"
	"github.com/polisai/polis-anon/pkg/proxy"
	"github.com/polisai/polis-anon/pkg/telemetry"
)

const (
	gracefulShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML); watched for changes")
	cmd.Flags().String("listen", "", "Proxy listen address (overrides server.listen)")
	cmd.Flags().String("admin-listen", "", "Admin listen address for /healthz and /metrics")
	cmd.Flags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	return cmd
}

// serveOptions are the serve flags after parsing.
type serveOptions struct {
	ConfigPath  string
	Listen      string
	AdminListen string
	LogLevel    string
}

func parseServeOptions(cmd *cobra.Command) (serveOptions, error) {
	var opts serveOptions
	var err error
	if opts.ConfigPath, err = cmd.Flags().GetString("config"); err != nil {
		return opts, fmt.Errorf("failed to get config flag: %w", err)
	}
	if opts.Listen, err = cmd.Flags().GetString("listen"); err != nil {
		return opts, fmt.Errorf("failed to get listen flag: %w", err)
	}
	if opts.AdminListen, err = cmd.Flags().GetString("admin-listen"); err != nil {
		return opts, fmt.Errorf("failed to get admin-listen flag: %w", err)
	}
	if opts.LogLevel, err = cmd.Flags().GetString("log-level"); err != nil {
		return opts, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	return opts, nil
}

// applyOverrides copies non-empty flag values over cfg.
func (o serveOptions) applyOverrides(cfg *config.Config) {
	if o.Listen != "" {
		cfg.Server.Listen = o.Listen
	}
	if o.AdminListen != "" {
		cfg.Server.AdminListen = o.AdminListen
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	opts, err := parseServeOptions(cmd)
	if err != nil {
		return err
	}

	var loader *config.Loader
	var cfg *config.Config
	baseDir := ""
	if opts.ConfigPath != "" {
		loader, err = config.NewLoader(opts.ConfigPath, nil)
		if err != nil {
			return err
		}
		if cfg, err = loader.Load(); err != nil {
			return fmt.Errorf("configuration load failed: %w", err)
		}
		baseDir = filepath.Dir(loader.Path())
	} else if cfg, err = config.Load(""); err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}
	opts.applyOverrides(cfg)

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cmd.ErrOrStderr(),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.Endpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     cfg.Telemetry.Headers,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()

	factory := engine.NewEngineFactory(baseDir, logger)
	rt, err := factory.Build(ctx, cfg)
	if err != nil {
		return err
	}

	metrics := proxy.NewMetrics()
	handler := proxy.New(proxy.Config{
		Evaluator:  rt.Evaluator,
		Classifier: rt.Classifier,
		Logger:     logger,
		Metrics:    metrics,
		DenyStatus: cfg.Server.DenyStatus,
		Redaction:  cfg.Telemetry.Redaction,
	})

	if loader != nil {
		loader.OnError(func(err error) {
			metrics.RecordConfigReload("error")
			logger.Error("configuration reload rejected, keeping previous configuration", "error", err)
		})
		if err := loader.Watch(reloadFunc(ctx, factory, handler, metrics, logger)); err != nil {
			return err
		}
		defer func() { _ = loader.Close() }()
	}

	proxyServer := &http.Server{
		Handler:           proxyRootHandler(handler),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
	adminServer := &http.Server{
		Handler:           adminHandler(metrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	for _, srv := range []struct {
		name   string
		addr   string
		server *http.Server
	}{
		{"proxy", cfg.Server.Listen, proxyServer},
		{"admin", cfg.Server.AdminListen, adminServer},
	} {
		listener, err := net.Listen("tcp", srv.addr)
		if err != nil {
			return fmt.Errorf("failed to bind %s listener on %s: %w", srv.name, srv.addr, err)
		}
		logger.Info("Server listening", "server", srv.name, "addr", listener.Addr().String())
		go func(server *http.Server) {
			if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}(srv.server)
	}

	logger.Info("Starting polis-anon",
		"version", version,
		"config", opts.ConfigPath,
		"trackers", rt.Trackers,
		"rego", rt.RegoLoaded,
	)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case serveErr = <-errCh:
		logger.Error("Server failed", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	for _, server := range []*http.Server{proxyServer, adminServer} {
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Shutdown error", "error", err)
		}
	}
	return serveErr
}

// reloadFunc rebuilds the runtime for a changed configuration and swaps it
// into the proxy. Listener and server settings need a restart.
func reloadFunc(ctx context.Context, factory *engine.EngineFactory, handler *proxy.Handler, metrics *proxy.Metrics, logger *slog.Logger) func(*config.Config) {
	return func(next *config.Config) {
		rt, err := factory.Build(ctx, next)
		if err != nil {
			metrics.RecordConfigReload("error")
			logger.Error("configuration reload failed, keeping previous policy", "error", err)
			return
		}
		handler.Swap(rt.Evaluator, rt.Classifier)
		metrics.RecordConfigReload("success")
		logger.Info("configuration reloaded", "trackers", rt.Trackers, "rego", rt.RegoLoaded)
	}
}

// proxyRootHandler wraps non-CONNECT traffic in OpenTelemetry. A manual
// handler avoids ServeMux redirects for CONNECT requests.
func proxyRootHandler(handler http.Handler) http.Handler {
	traced := otelhttp.NewHandler(handler, "polis.anon.proxy")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// otelhttp wraps the ResponseWriter and hides the Hijacker needed for tunnels.
		if r.Method == http.MethodConnect {
			handler.ServeHTTP(w, r)
			return
		}
		traced.ServeHTTP(w, r)
	})
}

func adminHandler(metrics *proxy.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
