package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Unwrap lets callers match configuration failures with errors.Is(err, domain.ErrConfigLoad).
func (v *ValidationError) Unwrap() error { return domain.ErrConfigLoad }

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAWS(cfg, ve)
	validateAgents(cfg, ve)
	validateOrders(cfg, ve)
	validateInvoke(cfg, ve)
	validateProvision(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var regionPattern = regexp.MustCompile(`^[a-z]{2}(-gov)?-[a-z]+-\d$`)

func validateAWS(cfg *Config, ve *ValidationError) {
	if cfg.AWS.Region == "" {
		ve.Add("aws.region is required")
		return
	}
	if !regionPattern.MatchString(cfg.AWS.Region) {
		ve.Add("aws.region %q is not a valid region name", cfg.AWS.Region)
	}
}

var agentNames = map[string]bool{
	"front_desk_agent":      true,
	"marketing_agent":       true,
	"order_support_agent":   true,
	"product_support_agent": true,
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents.DefaultModel == "" {
		ve.Add("agents.default_model is required")
	}
	if cfg.Agents.KnowledgeBaseID == "" {
		ve.Add("agents.knowledge_base_id is required")
	}
	if cfg.Agents.Default != "" && !agentNames[cfg.Agents.Default] {
		ve.Add("agents.default %q is not a known agent", cfg.Agents.Default)
	}
	if mode, err := domain.ParseCollaborationMode(cfg.Agents.CollaborationMode); err != nil {
		ve.Add("agents.collaboration_mode %q must be SUPERVISOR or SUPERVISOR_ROUTER", cfg.Agents.CollaborationMode)
	} else if !mode.IsSupervisor() {
		ve.Add("agents.collaboration_mode %q does not supervise collaborators", cfg.Agents.CollaborationMode)
	}
	if _, err := domain.ParseRelayPolicy(cfg.Agents.RelayPolicy); err != nil {
		ve.Add("agents.relay_policy %q must be TO_COLLABORATOR or DISABLED", cfg.Agents.RelayPolicy)
	}
}

func validateOrders(cfg *Config, ve *ValidationError) {
	switch cfg.Orders.Store {
	case "s3":
		if cfg.Orders.Bucket == "" {
			ve.Add("orders.bucket is required when orders.store is \"s3\"")
		}
	case "sqlite":
		if cfg.Orders.SQLitePath == "" {
			ve.Add("orders.sqlite_path is required when orders.store is \"sqlite\"")
		}
	default:
		ve.Add("orders.store %q must be \"s3\" or \"sqlite\"", cfg.Orders.Store)
	}
	if arn := cfg.Orders.ExecutorARN; arn != "" && !strings.HasPrefix(arn, "arn:aws:lambda:") {
		ve.Add("orders.executor_arn %q is not a Lambda function ARN", arn)
	}
}

func validateInvoke(cfg *Config, ve *ValidationError) {
	switch cfg.Invoke.TraceLevel {
	case "none", "core", "all":
	default:
		ve.Add("invoke.trace_level %q must be one of none, core, all", cfg.Invoke.TraceLevel)
	}
	if cfg.Invoke.Timeout < 0 {
		ve.Add("invoke.timeout must not be negative")
	}
	if cfg.Invoke.RequestsPerMinute < 0 {
		ve.Add("invoke.requests_per_minute must not be negative")
	}
	if cb := cfg.Invoke.CircuitBreaker; cb.Enabled && cb.MaxFailures == 0 {
		ve.Add("invoke.circuit_breaker.max_failures must be positive when enabled")
	}
}

func validateProvision(cfg *Config, ve *ValidationError) {
	if cfg.Provision.FunctionName == "" {
		ve.Add("provision.function_name is required")
	}
	if t := cfg.Provision.FunctionTimeout; t < 1 || t > 900 {
		ve.Add("provision.function_timeout %d must be between 1 and 900 seconds", t)
	}
	if cfg.Provision.PropagationDelay < 0 {
		ve.Add("provision.propagation_delay must not be negative")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is not a valid level", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q must be \"text\" or \"json\"", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q must be \"stdout\" or \"noop\"", cfg.Tracer.Exporter)
	}
}
