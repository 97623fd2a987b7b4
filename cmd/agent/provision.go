package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jettro/bedrock-agent/internal/adapter/provision"
)

func newProvisionCmd(root *rootFlags) *cobra.Command {
	var binary string
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the order handler Lambda, its role and the orders bucket",
		Long: `provision creates the resources the order support agent needs. Resources
that already exist are left untouched, so the command can be re-run.

Build the handler first:
  GOOS=linux GOARCH=amd64 go build -tags lambda.norpc -o bin/orderhandler/bootstrap ./cmd/orderhandler`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := loadApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			spec := provision.SpecFromConfig(a.cfg)
			if binary != "" {
				spec.BinaryPath = binary
			}
			res, err := a.provisioner().Ensure(ctx, spec)
			if err != nil {
				return err
			}
			writeResources(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&binary, "binary", "", "path of the compiled bootstrap (default provision.binary_path)")
	return cmd
}

func writeResources(out io.Writer, res *provision.Resources) {
	fmt.Fprintln(out, renderHeading("Order handler"))
	fmt.Fprintf(out, "  account:  %s\n", res.AccountID)
	fmt.Fprintf(out, "  role:     %s\n", res.RoleARN)
	fmt.Fprintf(out, "  function: %s\n", res.FunctionARN)
	if res.Bucket != "" {
		fmt.Fprintf(out, "  bucket:   %s\n", res.Bucket)
	}
	if len(res.Created) == 0 {
		fmt.Fprintln(out, renderMuted("  nothing created, everything already existed"))
		return
	}
	fmt.Fprintln(out, renderMuted(fmt.Sprintf("  created: %v", res.Created)))
}

func newCleanupCmd(root *rootFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the order handler Lambda, its role and the orders bucket with all orders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("cleanup deletes the orders bucket and all its objects; pass --yes to confirm")
			}
			ctx := cmd.Context()
			a, err := loadApp(ctx, root.configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.provisioner().Remove(ctx, provision.SpecFromConfig(a.cfg)); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "order handler resources removed")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the deletion")
	return cmd
}
