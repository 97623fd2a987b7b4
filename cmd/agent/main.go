package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jettro/bedrock-agent/internal/domain"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, formatError(err))
		os.Exit(1)
	}
}

// formatError prefixes err with its error code when it carries one.
func formatError(err error) string {
	if code := domain.ErrorCodeOf(err); code != domain.CodeUnknown {
		return fmt.Sprintf("error [%s]: %v", code, err)
	}
	return fmt.Sprintf("error: %v", err)
}

// rootFlags holds the persistent flags shared by all commands.
type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "bedrock-agent",
		Short: "Compose and invoke Bedrock inline agents for the CRM demo",
		Long: `bedrock-agent composes the CRM inline agents (front desk, marketing,
order support and product support), invokes them through Bedrock and manages
the order handler Lambda behind the order support agent.

Configuration is read from a YAML file (default ./config.yaml); BEDROCKAGENT_*
environment variables override it.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", defaultConfigPath(), "config file path")

	root.AddCommand(
		newInvokeCmd(flags),
		newRequestCmd(flags),
		newAgentsCmd(flags),
		newProvisionCmd(flags),
		newCleanupCmd(flags),
		newDoctorCmd(flags),
		newOrdersMCPCmd(flags),
	)
	return root
}

// defaultConfigPath returns BEDROCKAGENT_CONFIG or ./config.yaml.
func defaultConfigPath() string {
	if p := os.Getenv("BEDROCKAGENT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
