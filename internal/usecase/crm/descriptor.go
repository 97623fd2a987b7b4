// Package crm composes the configuration of the customer-relations agents: single
// agents described by a Descriptor, and a supervising front desk agent that nests
// them as collaborators in one inline agent request.
package crm

import (
	"github.com/google/uuid"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// Settings carries the composition-time defaults shared by all descriptors.
type Settings struct {
	DefaultModel    string
	KnowledgeBaseID string
	EnableTrace     bool
	EndSession      bool

	// DefaultAgent is the agent a registry returns when none is named.
	DefaultAgent string
	// CollaborationMode and RelayPolicy apply to the front desk. Empty values
	// mean SUPERVISOR_ROUTER and TO_COLLABORATOR.
	CollaborationMode domain.CollaborationMode
	RelayPolicy       domain.RelayPolicy
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		DefaultModel:    domain.DefaultFoundationModel,
		KnowledgeBaseID: DefaultKnowledgeBaseID,
		EnableTrace:     true,
	}
}

func (s Settings) model() string {
	if s.DefaultModel != "" {
		return s.DefaultModel
	}
	return domain.DefaultFoundationModel
}

func (s Settings) collaborationMode() domain.CollaborationMode {
	if s.CollaborationMode != "" {
		return s.CollaborationMode
	}
	return domain.CollaborationSupervisorRouter
}

func (s Settings) relayPolicy() domain.RelayPolicy {
	if s.RelayPolicy != "" {
		return s.RelayPolicy
	}
	return domain.RelayToCollaborator
}

func (s Settings) defaultAgent() string {
	if s.DefaultAgent != "" {
		return s.DefaultAgent
	}
	return FrontDeskAgentName
}

// Option overrides a per-agent value at construction.
type Option func(*options)

type options struct {
	model     string
	sessionID string
}

// WithModel binds the agent to the given foundation model.
func WithModel(model string) Option {
	return func(o *options) { o.model = model }
}

// WithSessionID sets the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

// Descriptor is the configuration of one agent. A Descriptor is only produced by
// the agent functions of this package and does not change after they return it.
type Descriptor struct {
	name        string
	displayName string
	model       string
	instruction string
	sessionID   string
	routingHint string
	enableTrace bool
	endSession  bool

	actionGroup   *domain.ActionGroup
	knowledgeBase *domain.KnowledgeBase
}

func newDescriptor(s Settings, name, displayName, instruction, routingHint string, opts ...Option) *Descriptor {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.model == "" {
		o.model = s.model()
	}
	if o.sessionID == "" {
		o.sessionID = uuid.NewString()
	}
	return &Descriptor{
		name:        name,
		displayName: displayName,
		model:       o.model,
		instruction: instruction,
		sessionID:   o.sessionID,
		routingHint: routingHint,
		enableTrace: s.EnableTrace,
		endSession:  s.EndSession,
	}
}

// Name returns the agent name sent to the orchestration service.
func (d *Descriptor) Name() string { return d.name }

// DisplayName returns the human readable agent name.
func (d *Descriptor) DisplayName() string { return d.displayName }

// Model returns the foundation model the agent is bound to.
func (d *Descriptor) Model() string { return d.model }

// Instruction returns the agent's system instruction.
func (d *Descriptor) Instruction() string { return d.instruction }

// SessionID returns the session the agent's requests belong to.
func (d *Descriptor) SessionID() string { return d.sessionID }

// RoutingHint is the instruction a supervisor receives about when to use this agent.
func (d *Descriptor) RoutingHint() string { return d.routingHint }

// Config returns the serializable configuration of the agent. A collaborator
// configuration leaves out the session level fields, which belong to the supervisor.
func (d *Descriptor) Config(asCollaborator bool) domain.AgentConfig {
	cfg := domain.AgentConfig{
		AgentName:          d.name,
		FoundationModel:    d.model,
		Instruction:        d.instruction,
		AgentCollaboration: domain.CollaborationDisabled,
	}
	if !asCollaborator {
		trace, end := d.enableTrace, d.endSession
		cfg.EnableTrace = &trace
		cfg.EndSession = &end
		cfg.SessionID = d.sessionID
	}
	if ag := d.actionGroup; ag != nil {
		cfg.ActionGroups = []domain.ActionGroupConfig{{
			ActionGroupName:     ag.Name,
			ActionGroupExecutor: domain.ActionGroupExecutor{Lambda: ag.Executor},
			APISchema:           domain.APISchema{Payload: ag.SchemaPayload},
			Description:         ag.Description,
		}}
	}
	if kb := d.knowledgeBase; kb != nil {
		cfg.KnowledgeBases = []domain.KnowledgeBaseConfig{{
			KnowledgeBaseID: kb.ID,
			Description:     kb.Description,
		}}
	}
	return cfg
}

// PrepareInput builds the invocation request for this agent on its own.
func (d *Descriptor) PrepareInput(inputText string) (domain.InvokeRequest, error) {
	return PrepareInput(d.Config(false), inputText)
}
