// Package commands defines all Cobra CLI commands for the caremind binary.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/caremind/caremind-go/internal/audit"
	"github.com/caremind/caremind-go/internal/config"
	"github.com/caremind/caremind-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "caremind",
		Short: "CareMind — a clinical documentation assistant for care teams",
		Long: `CareMind answers clinicians' questions about their own tenant's session
notes and client profiles, grounded in semantic retrieval over the clinic's
indexed records. Answers cite the records they draw on, and every query is
written to a local audit trail.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.caremind/config.yaml).
See 'caremind --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogStartup(log, loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.caremind/config.yaml)")

	root.AddCommand(
		NewAskCmd(),
		NewServeCmd(),
		NewWorkerCmd(),
		NewVersionCmd(),
	)

	return root
}
