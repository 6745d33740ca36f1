package commands

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caremind/caremind-go/internal/embedder"
	"github.com/caremind/caremind-go/internal/logging"
	"github.com/caremind/caremind-go/internal/refresh"
)

// NewWorkerCmd constructs the `caremind worker` command, which runs only
// the index refresh worker. Useful when the API and the worker are
// deployed as separate processes sharing one queue database.
func NewWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the index refresh worker without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			emb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("worker: failed to initialise embedder: %w", err)
			}

			store, err := buildVectorStore(ctx, log)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			defer func() { _ = store.Close() }()

			queue, err := openQueue(log)
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			defer func() { _ = queue.Close() }()

			w, err := refresh.NewWorker(queue, emb, store, log, refresh.WorkerConfig{
				PollInterval: time.Duration(envInt("QUEUE_POLL_SECONDS", 0)) * time.Second,
			})
			if err != nil {
				return fmt.Errorf("worker: %w", err)
			}

			log.Info("refresh worker starting")
			return w.Run(ctx)
		},
	}
}
