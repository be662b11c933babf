package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/i2y/docsgate/configs"
	"github.com/i2y/docsgate/internal/app"
)

func main() {
	// === Command Line Flags ===
	var transport, configPath string
	var printConfig, showVersion bool
	flag.StringVar(&transport, "transport", "", "Transport mode: stdio, tcp, mcp-stdio, http, sse or hybrid (overrides config)")
	flag.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flag.BoolVar(&printConfig, "print-config", false, "Print the effective configuration as YAML and exit")
	flag.BoolVar(&showVersion, "version", false, "Print the version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("docsgate", configs.Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Configuration ===
	cfg, err := configs.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if transport != "" {
		cfg.Transport = transport
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if printConfig {
		if err := cfg.WriteYAML(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to print config: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// === Logging ===
	logger, closeLog := newLogger(cfg)
	defer closeLog()
	slog.SetDefault(logger)
	logger.Info("Logger initialized.", slog.String("level", cfg.ParsedLogLevel().String()), slog.String("transport", cfg.Transport))

	// === OpenTelemetry Initialization ===
	shutdownOtel, err := initOtelProvider(cfg)
	if err != nil {
		logger.Error("Failed to initialize OpenTelemetry.", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownOtel(context.Background()); err != nil {
			logger.Error("Failed to shutdown OpenTelemetry TracerProvider.", slog.Any("error", err))
		}
	}()

	// === Dependency Injection ===
	gateway, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize gateway.", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := gateway.Close(); err != nil {
			logger.Error("Failed to release gateway resources.", slog.Any("error", err))
		}
	}()

	if err := run(ctx, cfg, gateway, logger); err != nil {
		logger.Error("Server stopped with error.", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
	logger.Info("Servers shut down gracefully.")
}

// run serves the configured transports until ctx is done.
func run(ctx context.Context, cfg *configs.Config, gateway *app.App, logger *slog.Logger) error {
	switch cfg.Transport {
	case configs.TransportStdio:
		logger.Info("Starting in STDIO line mode")
		return gateway.Lines.ServeStdio(ctx, os.Stdin, os.Stdout)

	case configs.TransportMCPStdio:
		logger.Info("Starting in MCP STDIO mode")
		return gateway.MCP.ServeStdio(ctx, os.Stdin, os.Stdout)

	case configs.TransportTCP:
		ln, err := net.Listen("tcp", cfg.LineListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.LineListenAddr, err)
		}
		return gateway.Lines.Serve(ctx, ln)
	}

	// HTTP-based modes. Bind before serving so address errors surface at startup.
	httpLn, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	var lineLn net.Listener
	if cfg.Transport == configs.TransportHybrid && cfg.LineListenAddr != "" {
		lineLn, err = net.Listen("tcp", cfg.LineListenAddr)
		if err != nil {
			_ = httpLn.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.LineListenAddr, err)
		}
	}

	server := &http.Server{
		Handler:      gateway.HTTP.Router(),
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server starting.", slog.String("address", httpLn.Addr().String()))
		if err := server.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if lineLn != nil {
		g.Go(func() error { return gateway.Lines.Serve(gctx, lineLn) })
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Push streams never finish on their own; end them before draining.
		gateway.HTTP.Shutdown()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server graceful shutdown failed.", slog.Any("error", err))
			return err
		}
		return nil
	})

	return g.Wait()
}

// newLogger writes to stderr, or to the log file when stdout carries the protocol.
func newLogger(cfg *configs.Config) (*slog.Logger, func()) {
	opts := &slog.HandlerOptions{Level: cfg.ParsedLogLevel()}
	if !cfg.StdioTransport() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), func() {}
	}
	logFile, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, opts)), func() {}
	}
	return slog.New(slog.NewTextHandler(logFile, opts)), func() { _ = logFile.Close() }
}

// initOtelProvider initializes the OpenTelemetry SDK and sets up the OTLP trace exporter.
// It returns a shutdown function to be called on application exit.
func initOtelProvider(cfg *configs.Config) (func(context.Context) error, error) {
	ctx := context.Background()

	if cfg.OtelExporterOtlpEndpoint == "" {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, OpenTelemetry tracing disabled.")
		return func(context.Context) error { return nil }, nil
	}

	slog.Info("Initializing OTLP exporter.", slog.String("endpoint", cfg.OtelExporterOtlpEndpoint))

	grpcOpts := []grpc.DialOption{}
	if cfg.OtelExporterOtlpInsecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		slog.Warn("Using insecure connection for OTLP exporter.")
	}

	conn, err := grpc.NewClient(cfg.OtelExporterOtlpEndpoint, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to OTLP endpoint: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	r, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("docsgate"),
			semconv.ServiceVersionKey.String(configs.Version),
		),
	)
	if err != nil {
		_ = traceExporter.Shutdown(ctx)
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(r),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	slog.Info("OpenTelemetry TracerProvider configured.")

	return func(ctx context.Context) error {
		providerErr := tp.Shutdown(ctx)
		connErr := conn.Close()
		return errors.Join(providerErr, connErr)
	}, nil
}
