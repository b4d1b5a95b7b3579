package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/THM-MA/itsm-mcp/internal/config"
	"github.com/THM-MA/itsm-mcp/internal/httpkit"
	"github.com/THM-MA/itsm-mcp/internal/ivanti"
	"github.com/THM-MA/itsm-mcp/internal/metrics"
	"github.com/THM-MA/itsm-mcp/internal/rag"
	"github.com/THM-MA/itsm-mcp/internal/server"
	"github.com/THM-MA/itsm-mcp/internal/sqlgate"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// options are the command-line flags. Flags override the config file and
// the environment.
type options struct {
	configPath string
	transport  string
	port       int
	logLevel   string
	version    bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("itsm-mcp-server", pflag.ContinueOnError)
	fs.StringVarP(&o.configPath, "config", "c", "", "path to a YAML config file")
	fs.StringVar(&o.transport, "transport", "", "MCP transport: stdio or http (default from config, else stdio)")
	fs.IntVar(&o.port, "port", 0, "listen port for the http transport (default from config, else 8000)")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")
	fs.BoolVar(&o.version, "version", false, "print the version and exit")
	fs.SetOutput(os.Stderr)

	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return o, nil
}

// loadConfig reads the config and applies flag overrides on top.
func loadConfig(o options) (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.transport != "" {
		cfg.Server.Transport = o.transport
	}
	if o.port != 0 {
		cfg.Server.Port = o.port
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating flags: %w", err)
	}
	return cfg, nil
}

func run(args []string) error {
	o, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.version {
		fmt.Println(server.Name, httpkit.Version)
		return nil
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	// stdout belongs to the stdio transport.
	logger := cfg.Logging.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	if missing := cfg.Database.Missing(); len(missing) > 0 {
		logger.Warn("database settings incomplete; SQL tools will fail until set", "missing", missing)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := sqlgate.New(cfg.Database, logger.With("component", "sqlgate"))
	defer gateway.Close()

	srv := server.New(server.Deps{
		Database:  gateway,
		Ticketing: newIvantiClient(cfg.Ivanti, logger),
		Retrieval: newRAGService(cfg.RAG, logger),
		Metrics:   metrics.New(),
		Logger:    logger.With("component", "server"),
	})

	switch cfg.Server.Transport {
	case config.TransportHTTP:
		return serveHTTP(ctx, srv, cfg.Server.Port, logger)
	default:
		logger.Info("MCP server starting", "transport", "stdio")
		return srv.RunStdio(ctx)
	}
}

func newIvantiClient(cfg config.IvantiConfig, logger *slog.Logger) *ivanti.Client {
	if cfg.TLSInsecureSkipVerify {
		logger.Warn("TLS certificate verification disabled for Ivanti tenants")
	}
	return ivanti.New(
		ivanti.WithHTTPClient(newIvantiHTTPClient(cfg)),
		ivanti.WithReloginPolicy(cfg.ReloginPolicy),
		ivanti.WithLogger(logger.With("component", "ivanti")),
	)
}

func newIvantiHTTPClient(cfg config.IvantiConfig) *http.Client {
	opts := []httpkit.ClientOption{httpkit.WithTimeout(cfg.RequestTimeout)}
	if cfg.TLSInsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return httpkit.NewClient(opts...)
}

func newRAGService(cfg config.RAGConfig, logger *slog.Logger) *rag.Service {
	ragLogger := logger.With("component", "rag")
	ollama := rag.NewOllama(rag.OllamaConfig{
		BaseURL:       cfg.EmbedURL,
		EmbedModel:    cfg.EmbedModel,
		GenerateModel: cfg.GenerateModel,
	})
	opts := rag.Options{ChunkSize: cfg.ChunkSize, TopK: cfg.TopK, Logger: ragLogger}
	if ollama.CanGenerate() {
		opts.Generator = ollama
	}
	index := rag.NewVectorIndex(ollama, opts)
	return rag.NewService(index, index, ragLogger)
}

func serveHTTP(ctx context.Context, srv *server.Server, port int, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/mcp", srv.HTTPHandler())

	hs := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(port)),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("MCP server starting", "transport", "http", "addr", hs.Addr, "path", "/mcp")
		errCh <- hs.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}
