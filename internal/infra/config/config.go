package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	AWS       AWSConfig       `yaml:"aws"`
	Agents    AgentsConfig    `yaml:"agents"`
	Orders    OrdersConfig    `yaml:"orders"`
	Invoke    InvokeConfig    `yaml:"invoke"`
	Provision ProvisionConfig `yaml:"provision"`
	MCP       MCPConfig       `yaml:"mcp"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// AWSConfig selects the region and shared-config profile for all AWS clients.
type AWSConfig struct {
	Region  string `yaml:"region"`
	Profile string `yaml:"profile,omitempty"`
}

// AgentsConfig holds the composition-time defaults of the agents.
type AgentsConfig struct {
	DefaultModel    string `yaml:"default_model"`
	KnowledgeBaseID string `yaml:"knowledge_base_id"`
	EnableTrace     bool   `yaml:"enable_trace"`
	EndSession      bool   `yaml:"end_session"`
	Default         string `yaml:"default"` // agent used when none is named

	// CollaborationMode and RelayPolicy configure how the front desk supervises
	// its collaborators.
	CollaborationMode string `yaml:"collaboration_mode"`
	RelayPolicy       string `yaml:"relay_policy"`
}

// OrdersConfig holds order storage settings.
type OrdersConfig struct {
	Store       string `yaml:"store"` // "s3" or "sqlite"
	Bucket      string `yaml:"bucket"`
	SQLitePath  string `yaml:"sqlite_path"`
	ExecutorARN string `yaml:"executor_arn,omitempty"` // order handler function; resolved by provisioning when empty
}

// InvokeConfig holds inline agent invocation settings.
type InvokeConfig struct {
	TraceLevel        string               `yaml:"trace_level"` // "none", "core" or "all"
	Timeout           time.Duration        `yaml:"timeout"`
	RequestsPerMinute int                  `yaml:"requests_per_minute"` // 0 = unlimited
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the invocation client.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ProvisionConfig holds the names and settings of the order handler resources.
type ProvisionConfig struct {
	FunctionName     string        `yaml:"function_name"`
	BinaryPath       string        `yaml:"binary_path"` // compiled bootstrap of cmd/orderhandler
	FunctionTimeout  int32         `yaml:"function_timeout"`
	PropagationDelay time.Duration `yaml:"propagation_delay"`
}

// MCPConfig holds the orders MCP server settings.
type MCPConfig struct {
	UserID   string `yaml:"user_id"`
	UserName string `yaml:"user_name"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns the persistent data directory under $HOME/.bedrock-agent.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".bedrock-agent")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		AWS: AWSConfig{
			Region: "eu-west-1",
		},
		Agents: AgentsConfig{
			DefaultModel:    "eu.amazon.nova-lite-v1:0",
			KnowledgeBaseID: "E3KSHKTHEL",
			EnableTrace:     true,
			Default:         "front_desk_agent",

			CollaborationMode: "SUPERVISOR_ROUTER",
			RelayPolicy:       "TO_COLLABORATOR",
		},
		Orders: OrdersConfig{
			Store:      "s3",
			Bucket:     "inline-agent-sample-orders-bucket",
			SQLitePath: filepath.Join(defaultDataDir(), "orders.db"),
		},
		Invoke: InvokeConfig{
			TraceLevel: "core",
			Timeout:    3 * time.Minute,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Provision: ProvisionConfig{
			FunctionName:     "inline-agent-order-handler",
			BinaryPath:       "bin/orderhandler/bootstrap",
			FunctionTimeout:  180,
			PropagationDelay: 10 * time.Second,
		},
		MCP: MCPConfig{
			UserID:   "1",
			UserName: "Jettro",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps BEDROCKAGENT_* env vars, and the plain variables the
// order tooling has always used, to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("BEDROCKAGENT_AWS_REGION"); v != "" {
		cfg.AWS.Region = v
	}
	if v := os.Getenv("AWS_PROFILE"); v != "" {
		cfg.AWS.Profile = v
	}
	if v := os.Getenv("BEDROCKAGENT_DEFAULT_MODEL"); v != "" {
		cfg.Agents.DefaultModel = v
	}
	if v := os.Getenv("KNOWLEDGE_BASE_ID"); v != "" {
		cfg.Agents.KnowledgeBaseID = v
	}
	if v := os.Getenv("BEDROCKAGENT_DEFAULT_AGENT"); v != "" {
		cfg.Agents.Default = v
	}
	if v := os.Getenv("BEDROCKAGENT_COLLABORATION_MODE"); v != "" {
		cfg.Agents.CollaborationMode = v
	}
	if v := os.Getenv("BEDROCKAGENT_RELAY_POLICY"); v != "" {
		cfg.Agents.RelayPolicy = v
	}
	if v := os.Getenv("BEDROCKAGENT_ORDERS_STORE"); v != "" {
		cfg.Orders.Store = v
	}
	if v := os.Getenv("BEDROCKAGENT_ORDERS_BUCKET"); v != "" {
		cfg.Orders.Bucket = v
	}
	if v := os.Getenv("BEDROCKAGENT_ORDERS_SQLITE_PATH"); v != "" {
		cfg.Orders.SQLitePath = v
	}
	if v := os.Getenv("BEDROCKAGENT_ORDERS_EXECUTOR_ARN"); v != "" {
		cfg.Orders.ExecutorARN = v
	}
	if v := os.Getenv("BEDROCKAGENT_INVOKE_TRACE_LEVEL"); v != "" {
		cfg.Invoke.TraceLevel = v
	}
	if v := os.Getenv("BEDROCKAGENT_INVOKE_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Invoke.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("BEDROCKAGENT_INVOKE_CIRCUIT_BREAKER"); v != "" {
		cfg.Invoke.CircuitBreaker.Enabled = v == "true"
	}
	if v := os.Getenv("BEDROCKAGENT_PROVISION_BINARY_PATH"); v != "" {
		cfg.Provision.BinaryPath = v
	}
	if v := os.Getenv("BEDROCKAGENT_PROVISION_PROPAGATION_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Provision.PropagationDelay = d
		}
	}
	if v := os.Getenv("USER_ID"); v != "" {
		cfg.MCP.UserID = v
	}
	if v := os.Getenv("USER_NAME"); v != "" {
		cfg.MCP.UserName = v
	}
	if v := os.Getenv("BEDROCKAGENT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("BEDROCKAGENT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("BEDROCKAGENT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("BEDROCKAGENT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
