package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jettro/bedrock-agent/internal/adapter/bedrock"
	"github.com/jettro/bedrock-agent/internal/adapter/provision"
	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(ctx context.Context, env *doctorEnv) CheckResult
}

type identityChecker interface {
	AccountID(ctx context.Context) (string, error)
}

type modelProber interface {
	Probe(ctx context.Context, model string) (*bedrock.ProbeResult, error)
}

type functionResolver interface {
	FunctionARN(ctx context.Context, spec provision.Spec) (string, error)
}

// doctorEnv is what the checks inspect. AWS-backed fields are nil when the
// config could not be loaded.
type doctorEnv struct {
	cfgPath   string
	cfg       *config.Config
	cfgErr    error
	identity  identityChecker
	probe     modelProber
	functions functionResolver
}

const checkTimeout = 20 * time.Second

func newDoctorCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run health checks on configuration, credentials, model access and the order handler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env := &doctorEnv{cfgPath: root.configPath}

			// Some checks work without a usable config.
			a, err := loadApp(ctx, root.configPath)
			if err != nil {
				env.cfgErr = err
			} else {
				defer a.Close()
				p := a.provisioner()
				env.cfg = a.cfg
				env.identity = p
				env.functions = p
				env.probe = bedrock.NewModelProbe(a.aws, a.logger)
			}
			return runDoctor(ctx, cmd.OutOrStdout(), env, defaultChecks())
		},
	}
}

func defaultChecks() []Check {
	return []Check{
		{Name: "Config file", Fn: checkConfigFile},
		{Name: "AWS credentials", Fn: checkCredentials},
		{Name: "Foundation model", Fn: checkFoundationModel},
		{Name: "Order handler", Fn: checkOrderHandler},
		{Name: "Orders store", Fn: checkOrdersStore},
		{Name: "Handler binary", Fn: checkHandlerBinary},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(ctx context.Context, out io.Writer, env *doctorEnv, checks []Check) error {
	fmt.Fprintln(out, renderHeading("bedrock-agent doctor"))
	fmt.Fprintln(out, strings.Repeat("=", 50))
	fmt.Fprintln(out)

	var pass, warn, fail int
	for _, check := range checks {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		result := check.Fn(cctx, env)
		cancel()
		result.Name = check.Name

		fmt.Fprintf(out, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(out, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.Repeat("-", 50))
	fmt.Fprintf(out, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		fmt.Fprintln(out, "\nFix the FAIL issues above before invoking the agents.")
		return fmt.Errorf("%d check(s) failed", fail)
	}
	if warn > 0 {
		fmt.Fprintln(out, "\nThe agents should work, but consider addressing the warnings.")
	} else {
		fmt.Fprintln(out, "\nAll checks passed! The agents are ready to be invoked.")
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return headingStyle.Foreground(colorPass).Render("[PASS]")
	case StatusWarn:
		return headingStyle.Foreground(colorWarn).Render("[WARN]")
	case StatusFail:
		return headingStyle.Foreground(colorFail).Render("[FAIL]")
	default:
		return "[????]"
	}
}

var notLoaded = CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}

// checkConfigFile verifies the config file parses and validates. A missing
// file is fine: defaults and environment overrides apply.
func checkConfigFile(_ context.Context, env *doctorEnv) CheckResult {
	if env.cfgErr != nil {
		fix := "Check the YAML syntax and the values named in the error"
		if errors.Is(env.cfgErr, domain.ErrConfigLoad) {
			fix = "Correct the invalid settings listed above"
		}
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("config error: %v", env.cfgErr),
			Fix:     fix,
		}
	}
	if _, err := os.Stat(env.cfgPath); os.IsNotExist(err) {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no config file at %s, using defaults and environment", env.cfgPath),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("config loaded from %s", env.cfgPath),
	}
}

// checkCredentials resolves the caller identity.
func checkCredentials(ctx context.Context, env *doctorEnv) CheckResult {
	if env.identity == nil {
		return notLoaded
	}
	account, err := env.identity.AccountID(ctx)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot resolve caller identity: %v", err),
			Fix:     "Configure credentials (aws configure, AWS_PROFILE or aws.profile)",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("account %s in %s", account, env.cfg.AWS.Region),
	}
}

// checkFoundationModel sends a one-word prompt to the default model.
func checkFoundationModel(ctx context.Context, env *doctorEnv) CheckResult {
	if env.probe == nil {
		return notLoaded
	}
	model := env.cfg.Agents.DefaultModel
	res, err := env.probe.Probe(ctx, model)
	if err != nil {
		fix := "Request access to the model in the Bedrock console, or set agents.default_model"
		if errors.Is(err, domain.ErrRateLimit) {
			fix = "Throttled; retry in a moment"
		}
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not usable: %v", model, err),
			Fix:     fix,
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s answered (latency: %dms)", res.Model, res.Latency.Milliseconds()),
	}
}

// checkOrderHandler verifies the order support agent has an executor.
func checkOrderHandler(ctx context.Context, env *doctorEnv) CheckResult {
	if env.cfg == nil {
		return notLoaded
	}
	if env.cfg.Orders.ExecutorARN != "" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("executor configured: %s", env.cfg.Orders.ExecutorARN),
		}
	}
	if env.functions == nil {
		return notLoaded
	}
	arn, err := env.functions.FunctionARN(ctx, provision.SpecFromConfig(env.cfg))
	if domain.IsNotFound(err) {
		return CheckResult{
			Status:  StatusFail,
			Message: "order handler function not found",
			Fix:     "Run 'bedrock-agent provision'",
		}
	}
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot look up order handler: %v", err),
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("function %s", arn),
	}
}

// checkOrdersStore verifies the configured store can be used.
func checkOrdersStore(_ context.Context, env *doctorEnv) CheckResult {
	if env.cfg == nil {
		return notLoaded
	}
	if env.cfg.Orders.Store == "s3" {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("s3 bucket %s", env.cfg.Orders.Bucket),
		}
	}

	absDir, _ := filepath.Abs(filepath.Dir(env.cfg.Orders.SQLitePath))
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("data directory %s cannot be created: %v", absDir, err),
			Fix:     fmt.Sprintf("Create the directory: mkdir -p %s", absDir),
		}
	}
	testFile := filepath.Join(absDir, ".doctor-check")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("data directory %s is not writable: %v", absDir, err),
			Fix:     fmt.Sprintf("Fix permissions: chmod 755 %s", absDir),
		}
	}
	os.Remove(testFile)

	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("sqlite database %s (directory writable)", env.cfg.Orders.SQLitePath),
	}
}

// checkHandlerBinary looks for the compiled order handler used by provision.
func checkHandlerBinary(_ context.Context, env *doctorEnv) CheckResult {
	if env.cfg == nil {
		return notLoaded
	}
	path := env.cfg.Provision.BinaryPath
	info, err := os.Stat(path)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("no handler binary at %s (only needed for provision)", path),
			Fix:     "GOOS=linux GOARCH=amd64 go build -tags lambda.norpc -o " + path + " ./cmd/orderhandler",
		}
	}
	if info.Mode()&0o111 == 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is not executable", path),
			Fix:     "chmod +x " + path,
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s (%d bytes)", path, info.Size()),
	}
}
