package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/config"
	"github.com/jettro/bedrock-agent/internal/usecase/crm"
)

const testExecutor = "arn:aws:lambda:eu-west-1:123456789012:function:orders"

func testApp(t *testing.T) *app {
	t.Helper()
	return &app{
		cfg:    config.Defaults(),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestAppSettings(t *testing.T) {
	a := testApp(t)
	a.cfg.Agents.Default = crm.MarketingAgentName
	a.cfg.Agents.CollaborationMode = "supervisor"
	a.cfg.Agents.RelayPolicy = "ENABLED"

	s, err := a.settings("us.amazon.nova-pro-v1:0")
	require.NoError(t, err)
	assert.Equal(t, "us.amazon.nova-pro-v1:0", s.DefaultModel)
	assert.Equal(t, crm.MarketingAgentName, s.DefaultAgent)
	assert.Equal(t, domain.CollaborationSupervisor, s.CollaborationMode)
	assert.Equal(t, domain.RelayToCollaborator, s.RelayPolicy)
}

func TestAppSettings_Invalid(t *testing.T) {
	a := testApp(t)
	a.cfg.Agents.RelayPolicy = "sometimes"
	_, err := a.settings("")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "agents.relay_policy")
}

func TestAppRegistry_ConfiguredFrontDesk(t *testing.T) {
	a := testApp(t)
	a.cfg.Agents.CollaborationMode = "SUPERVISOR"
	a.cfg.Agents.RelayPolicy = "DISABLED"

	reg, err := a.registry(context.Background(), agentFlags{executorARN: testExecutor})
	require.NoError(t, err)
	agent, err := (&agentFlags{}).pick(reg)
	require.NoError(t, err)
	assert.Equal(t, crm.FrontDeskAgentName, agent.Name())

	req, err := agent.PrepareInput("Where is order 123?")
	require.NoError(t, err)
	assert.Equal(t, domain.CollaborationSupervisor, req.AgentCollaboration)
	require.NotEmpty(t, req.CollaboratorConfigurations)
	assert.Equal(t, domain.RelayDisabled, req.CollaboratorConfigurations[0].RelayConversationHistory)
}

func TestAgentFlagsPick(t *testing.T) {
	a := testApp(t)
	a.cfg.Agents.Default = crm.ProductSupportAgentName
	reg, err := a.registry(context.Background(), agentFlags{executorARN: testExecutor})
	require.NoError(t, err)
	assert.Equal(t, crm.ProductSupportAgentName, reg.DefaultName())

	agent, err := (&agentFlags{}).pick(reg)
	require.NoError(t, err)
	assert.Equal(t, crm.ProductSupportAgentName, agent.Name())

	agent, err = (&agentFlags{agent: crm.MarketingAgentName}).pick(reg)
	require.NoError(t, err)
	assert.Equal(t, crm.MarketingAgentName, agent.Name())

	_, err = (&agentFlags{agent: "billing_agent"}).pick(reg)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestWriteAgents(t *testing.T) {
	a := testApp(t)
	a.cfg.Agents.RelayPolicy = "DISABLED"
	reg, err := a.registry(context.Background(), agentFlags{executorARN: testExecutor})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, writeAgents(&out, reg))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "* front_desk_agent  eu.amazon.nova-lite-v1:0  SUPERVISOR_ROUTER, relay DISABLED: "+
		"marketing_agent, order_support_agent, product_support_agent", lines[0])
	assert.Equal(t, "  marketing_agent  eu.amazon.nova-lite-v1:0", lines[1])
}

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("boom"), "error: boom"},
		{"wrapped sentinel", fmt.Errorf("invoke front_desk_agent: %w", domain.ErrRateLimit),
			"error [RATE_LIMIT]: invoke front_desk_agent: rate limit exceeded"},
		{"subsystem", domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, "billing_agent"),
			"error [NOT_FOUND]: Registry.Get: billing_agent: not found"},
		{"invoke provider", domain.NewSubSystemError("invoke", "bedrock", domain.ErrProviderError, "throttled"),
			"error [INVOKE_PROVIDER]: bedrock: throttled: provider error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatError(tt.err))
		})
	}
}
