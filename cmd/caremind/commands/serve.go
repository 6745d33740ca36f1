package commands

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/caremind/caremind-go/internal/config"
	"github.com/caremind/caremind-go/internal/logging"
	"github.com/caremind/caremind-go/internal/rag"
	"github.com/caremind/caremind-go/internal/refresh"
	"github.com/caremind/caremind-go/internal/server"
	"github.com/caremind/caremind-go/internal/tracing"
)

// NewServeCmd constructs the `caremind serve` command, which starts the
// HTTP API and the background index refresh worker.
func NewServeCmd() *cobra.Command {
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the CareMind HTTP API and refresh worker",
		Long: `Start the CareMind HTTP server on localhost.

The server exposes the tenant-scoped query endpoint, record refresh
scheduling, health and readiness probes, and Prometheus metrics. A
background worker drains the refresh queue and keeps the vector index
in sync with record changes.

API credentials come from CAREMIND_API_TOKENS (comma-separated
token:tenant:actor entries). Without credentials the server falls back
to header-based identity for local development.

Examples:
  caremind serve
  caremind serve --port 9090
  MODEL_PROVIDER=azure caremind serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			pipe, err := buildPipeline(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer pipe.close()

			queue, err := openQueue(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer func() { _ = queue.Close() }()

			worker, err := refresh.NewWorker(queue, pipe.embedder, pipe.store, log, refresh.WorkerConfig{
				PollInterval: time.Duration(envInt("QUEUE_POLL_SECONDS", 0)) * time.Second,
			})
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			go func() {
				if err := worker.Run(ctx); err != nil {
					log.Error("refresh worker stopped", slog.Any("error", err))
				}
			}()

			limiter, closeLimiter, err := buildTenantLimiter(log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeLimiter()

			tokens, err := parseTokens()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}

			pingers := []server.Pinger{
				server.NewEmbedderPinger(pipe.embedder),
				server.NewDBPinger("audit", pipe.recorder.Ping),
			}
			if qs, ok := pipe.store.(*rag.QdrantStore); ok {
				pingers = append(pingers, server.NewQdrantPinger(qs.Client()))
			}

			srv, err := server.New(pipe.orchestrator, queue, limiter, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				Tokens:  tokens,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")

	return cmd
}

// parseTokens reads CAREMIND_API_TOKENS into the server's token map.
func parseTokens() (map[string]server.Identity, error) {
	raw, err := config.ParseAPITokens(os.Getenv("CAREMIND_API_TOKENS"))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, nil
	}
	tokens := make(map[string]server.Identity, len(raw))
	for token, id := range raw {
		tokens[token] = server.Identity{TenantID: id[0], ActorID: id[1]}
	}
	return tokens, nil
}
