package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/jettro/bedrock-agent/internal/adapter/provision"
	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/config"
	"github.com/jettro/bedrock-agent/internal/infra/logger"
	"github.com/jettro/bedrock-agent/internal/infra/tracer"
	"github.com/jettro/bedrock-agent/internal/usecase/crm"
)

// app bundles what every command needs: config, logger, tracing and the AWS
// client configuration.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	aws    aws.Config

	closers []func() error
}

func loadApp(ctx context.Context, cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: log, closers: []func() error{closeLog}}

	shutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("setup tracer: %w", err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	a.aws, err = awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// settings maps the agents config onto crm.Settings. model overrides the
// configured foundation model when set.
func (a *app) settings(model string) (crm.Settings, error) {
	mode, err := domain.ParseCollaborationMode(a.cfg.Agents.CollaborationMode)
	if err != nil {
		return crm.Settings{}, fmt.Errorf("agents.collaboration_mode: %w", err)
	}
	relay, err := domain.ParseRelayPolicy(a.cfg.Agents.RelayPolicy)
	if err != nil {
		return crm.Settings{}, fmt.Errorf("agents.relay_policy: %w", err)
	}
	s := crm.Settings{
		DefaultModel:      a.cfg.Agents.DefaultModel,
		KnowledgeBaseID:   a.cfg.Agents.KnowledgeBaseID,
		EnableTrace:       a.cfg.Agents.EnableTrace,
		EndSession:        a.cfg.Agents.EndSession,
		DefaultAgent:      a.cfg.Agents.Default,
		CollaborationMode: mode,
		RelayPolicy:       relay,
	}
	if model != "" {
		s.DefaultModel = model
	}
	return s, nil
}

func (a *app) provisioner() *provision.Provisioner {
	return provision.NewProvisioner(a.aws, a.cfg.Provision, a.logger)
}

// executorARN returns the order handler ARN: the flag value, the configured
// value, or the ARN of the provisioned function.
func (a *app) executorARN(ctx context.Context, flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if a.cfg.Orders.ExecutorARN != "" {
		return a.cfg.Orders.ExecutorARN, nil
	}
	arn, err := a.provisioner().FunctionARN(ctx, provision.SpecFromConfig(a.cfg))
	if err != nil {
		return "", fmt.Errorf("resolve order handler (run 'bedrock-agent provision' or set orders.executor_arn): %w", err)
	}
	return arn, nil
}

// registry builds the CRM agents with the resolved executor ARN.
func (a *app) registry(ctx context.Context, agentOpts agentFlags) (*crm.Registry, error) {
	arn, err := a.executorARN(ctx, agentOpts.executorARN)
	if err != nil {
		return nil, err
	}
	var opts []crm.Option
	if agentOpts.sessionID != "" {
		opts = append(opts, crm.WithSessionID(agentOpts.sessionID))
	}
	s, err := a.settings(agentOpts.model)
	if err != nil {
		return nil, err
	}
	return crm.NewCRMRegistry(s, arn, a.logger, opts...)
}
