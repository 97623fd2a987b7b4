package domain

import (
	"context"
	"fmt"
	"strings"
)

// DefaultFoundationModel is the model binding used when neither the agent nor the
// composition settings name one.
const DefaultFoundationModel = "eu.amazon.nova-lite-v1:0"

// CollaborationMode is the agentCollaboration value understood by the inline agent API.
type CollaborationMode string

const (
	CollaborationDisabled         CollaborationMode = "DISABLED"
	CollaborationSupervisor       CollaborationMode = "SUPERVISOR"
	CollaborationSupervisorRouter CollaborationMode = "SUPERVISOR_ROUTER"
)

// ParseCollaborationMode returns the canonical mode for s (case-insensitive).
func ParseCollaborationMode(s string) (CollaborationMode, error) {
	switch CollaborationMode(strings.ToUpper(strings.TrimSpace(s))) {
	case CollaborationDisabled:
		return CollaborationDisabled, nil
	case CollaborationSupervisor:
		return CollaborationSupervisor, nil
	case CollaborationSupervisorRouter:
		return CollaborationSupervisorRouter, nil
	}
	return "", fmt.Errorf("%w: collaboration mode %q", ErrInvalidInput, s)
}

// IsSupervisor reports whether m nests collaborators.
func (m CollaborationMode) IsSupervisor() bool {
	return m == CollaborationSupervisor || m == CollaborationSupervisorRouter
}

// RelayPolicy is the relayConversationHistory value of a collaborator link.
type RelayPolicy string

const (
	RelayToCollaborator RelayPolicy = "TO_COLLABORATOR"
	RelayDisabled       RelayPolicy = "DISABLED"

	// Deprecated: RelayEnabled is the value older configurations used for
	// RelayToCollaborator. ParseRelayPolicy maps it to RelayToCollaborator.
	RelayEnabled RelayPolicy = "ENABLED"
)

// ParseRelayPolicy returns the canonical relay policy for s (case-insensitive).
func ParseRelayPolicy(s string) (RelayPolicy, error) {
	switch RelayPolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case RelayToCollaborator, RelayEnabled:
		return RelayToCollaborator, nil
	case RelayDisabled:
		return RelayDisabled, nil
	}
	return "", fmt.Errorf("%w: relay policy %q", ErrInvalidInput, s)
}

// ActionGroup is an external function an agent may call during a conversation.
type ActionGroup struct {
	Name          string
	Description   string
	Executor      string // Lambda function ARN
	SchemaPayload string // OpenAPI document, inline
}

// KnowledgeBase is a document retrieval index an agent may query.
type KnowledgeBase struct {
	ID          string
	Description string
}

// ActionGroupConfig is the serialized form of an ActionGroup.
type ActionGroupConfig struct {
	ActionGroupName     string              `json:"actionGroupName"`
	ActionGroupExecutor ActionGroupExecutor `json:"actionGroupExecutor"`
	APISchema           APISchema           `json:"apiSchema"`
	Description         string              `json:"description"`
}

// ActionGroupExecutor names the function that serves an action group.
type ActionGroupExecutor struct {
	Lambda string `json:"lambda"`
}

// APISchema carries an inline OpenAPI payload.
type APISchema struct {
	Payload string `json:"payload"`
}

// KnowledgeBaseConfig is the serialized form of a KnowledgeBase.
type KnowledgeBaseConfig struct {
	KnowledgeBaseID string `json:"knowledgeBaseId"`
	Description     string `json:"description"`
}

// CollaboratorLink tells a supervisor when and how to hand off to a collaborator.
type CollaboratorLink struct {
	CollaboratorInstruction  string      `json:"collaboratorInstruction"`
	CollaboratorName         string      `json:"collaboratorName"`
	RelayConversationHistory RelayPolicy `json:"relayConversationHistory"`
}

// AgentConfig is the serializable configuration of one agent. Session-level fields
// are pointers so that a collaborator configuration can leave them out entirely.
type AgentConfig struct {
	EnableTrace        *bool             `json:"enableTrace,omitempty"`
	EndSession         *bool             `json:"endSession,omitempty"`
	SessionID          string            `json:"sessionId,omitempty"`
	AgentName          string            `json:"agentName"`
	FoundationModel    string            `json:"foundationModel"`
	Instruction        string            `json:"instruction"`
	AgentCollaboration CollaborationMode `json:"agentCollaboration"`

	ActionGroups   []ActionGroupConfig   `json:"actionGroups,omitempty"`
	KnowledgeBases []KnowledgeBaseConfig `json:"knowledgeBases,omitempty"`

	// Collaboration is nil for agents without subordinates; when set its lists are
	// always serialized, even when empty.
	*Collaboration
}

// Collaboration holds the nested part of a supervisor configuration. Links and
// Collaborators correspond positionally.
type Collaboration struct {
	CollaboratorConfigurations []CollaboratorLink `json:"collaboratorConfigurations"`
	Collaborators              []AgentConfig      `json:"collaborators"`
}

// InvokeRequest is a composed configuration plus the user's input text.
type InvokeRequest struct {
	AgentConfig
	InputText string `json:"inputText"`
}

// TraceEvent is one trace part emitted by the orchestration service.
type TraceEvent struct {
	Collaborator string `json:"collaborator,omitempty"`
	Kind         string `json:"kind"`
	Text         string `json:"text,omitempty"`
}

// InvokeResult is the collected outcome of one invocation.
type InvokeResult struct {
	SessionID  string       `json:"session_id"`
	Completion string       `json:"completion"`
	Traces     []TraceEvent `json:"traces,omitempty"`
}

// AgentInvoker sends a composed request to the orchestration service.
type AgentInvoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (*InvokeResult, error)
}
