package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jettro/bedrock-agent/internal/adapter/bedrock"
	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/usecase/crm"
)

// agentFlags select and tune the agent a command composes.
type agentFlags struct {
	agent       string
	model       string
	sessionID   string
	executorARN string
}

func (f *agentFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "agent to use (default from agents.default)")
	cmd.Flags().StringVar(&f.model, "model", "", "foundation model override")
	cmd.Flags().StringVarP(&f.sessionID, "session", "s", "", "session id to continue (default: new session)")
	cmd.Flags().StringVar(&f.executorARN, "executor-arn", "", "order handler Lambda ARN (default: orders.executor_arn or the provisioned function)")
}

// pick returns the agent named by --agent, or the registry default.
func (f *agentFlags) pick(reg *crm.Registry) (crm.Agent, error) {
	if f.agent != "" {
		return reg.Get(f.agent)
	}
	return reg.Default()
}

func newInvokeCmd(root *rootFlags) *cobra.Command {
	var (
		flags      agentFlags
		traceLevel string
		showTrace  bool
		raw        bool
	)
	cmd := &cobra.Command{
		Use:   "invoke [question...]",
		Short: "Ask an agent a question",
		Example: `  bedrock-agent invoke "What is the status of order 123?"
  bedrock-agent invoke --agent marketing_agent --show-trace "Any running shoes on sale?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if traceLevel != "" {
				a.cfg.Invoke.TraceLevel = traceLevel
			}
			reg, err := a.registry(ctx, flags)
			if err != nil {
				return err
			}
			agent, err := flags.pick(reg)
			if err != nil {
				return fmt.Errorf("%w (available: %s)", err, strings.Join(reg.Names(), ", "))
			}

			client := bedrock.NewInlineAgentClient(a.aws, a.cfg.Invoke, a.logger)
			return runInvoke(ctx, cmd.OutOrStdout(), client, agent, strings.Join(args, " "), renderOptions{
				showTrace: showTrace,
				raw:       raw,
			})
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&traceLevel, "trace-level", "", "trace logging: none, core or all")
	cmd.Flags().BoolVar(&showTrace, "show-trace", false, "print the agent trace after the answer")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the answer without markdown rendering")
	return cmd
}

// runInvoke prepares the request for agent, sends it and prints the answer.
func runInvoke(ctx context.Context, out io.Writer, invoker domain.AgentInvoker, agent crm.Agent, input string, opts renderOptions) error {
	req, err := agent.PrepareInput(input)
	if err != nil {
		return err
	}
	result, err := invoker.Invoke(ctx, req)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", agent.Name(), err)
	}

	if opts.showTrace && len(result.Traces) > 0 {
		fmt.Fprintln(out, renderHeading("Trace"))
		for _, ev := range result.Traces {
			fmt.Fprintln(out, renderTrace(ev))
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out, renderAnswer(result.Completion, opts))
	fmt.Fprintln(out, renderMuted("session: "+result.SessionID))
	return nil
}

func newRequestCmd(root *rootFlags) *cobra.Command {
	var flags agentFlags
	cmd := &cobra.Command{
		Use:   "request [question...]",
		Short: "Print the inline agent request without sending it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			reg, err := a.registry(ctx, flags)
			if err != nil {
				return err
			}
			agent, err := flags.pick(reg)
			if err != nil {
				return err
			}
			return writeRequest(cmd.OutOrStdout(), agent, strings.Join(args, " "))
		},
	}
	flags.register(cmd)
	return cmd
}

func writeRequest(out io.Writer, agent crm.Agent, input string) error {
	req, err := agent.PrepareInput(input)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(req)
}

func newAgentsCmd(root *rootFlags) *cobra.Command {
	var flags agentFlags
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List the available agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			// Listing does not need the real executor.
			if flags.executorARN == "" && a.cfg.Orders.ExecutorARN == "" {
				flags.executorARN = "arn:aws:lambda:" + a.cfg.AWS.Region + ":000000000000:function:unresolved"
			}
			reg, err := a.registry(ctx, flags)
			if err != nil {
				return err
			}
			return writeAgents(cmd.OutOrStdout(), reg)
		},
	}
	flags.register(cmd)
	return cmd
}

// writeAgents lists the registered agents with their model. The default is
// marked with a star and supervisors also show how they delegate.
func writeAgents(out io.Writer, reg *crm.Registry) error {
	for _, name := range reg.Names() {
		agent, err := reg.Get(name)
		if err != nil {
			return err
		}
		marker := " "
		if name == reg.DefaultName() {
			marker = "*"
		}
		switch a := agent.(type) {
		case *crm.Supervisor:
			subs := make([]string, 0, len(a.Subordinates()))
			for _, d := range a.Subordinates() {
				subs = append(subs, d.Name())
			}
			fmt.Fprintf(out, "%s %s  %s  %s, relay %s: %s\n", marker, name, a.Descriptor().Model(),
				a.Mode(), a.Relay(), strings.Join(subs, ", "))
		case *crm.Descriptor:
			fmt.Fprintf(out, "%s %s  %s\n", marker, name, a.Model())
		default:
			fmt.Fprintf(out, "%s %s\n", marker, name)
		}
	}
	return nil
}
