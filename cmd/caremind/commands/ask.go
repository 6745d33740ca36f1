package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/caremind/caremind-go/internal/agent"
	"github.com/caremind/caremind-go/internal/logging"
)

// NewAskCmd constructs the `caremind ask` command: a one-shot query through
// the full pipeline from the terminal, mainly for local testing and
// operator spot checks. The query still runs tenant-scoped and is audited
// like any API request.
func NewAskCmd() *cobra.Command {
	var tenantID string
	var actorID string
	var recordID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a one-shot question against a tenant's records",
		Long: `Run a single question through the retrieval and synthesis pipeline
and print the answer with its citations.

Examples:
  caremind ask --tenant clinic-a "what is the current treatment plan?"
  caremind ask --tenant clinic-a --record client-7 "medication changes?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if tenantID == "" {
				return fmt.Errorf("ask: --tenant is required")
			}

			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			pipe, err := buildPipeline(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer pipe.close()

			resp, err := pipe.orchestrator.Answer(ctx, agent.Request{
				TenantID:      tenantID,
				ActorID:       actorID,
				Query:         strings.Join(args, " "),
				ScopeRecordID: recordID,
			})
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			fmt.Println(resp.Answer)
			if len(resp.Citations) > 0 {
				fmt.Println()
				for i, c := range resp.Citations {
					fmt.Printf("[%d] %s %s (%s)\n", i+1, c.SourceType, c.SourceID, c.Field)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "Tenant the question is scoped to (required)")
	cmd.Flags().StringVar(&actorID, "actor", "cli", "Actor recorded in the audit trail")
	cmd.Flags().StringVar(&recordID, "record", "", "Restrict retrieval to a single record")

	return cmd
}
