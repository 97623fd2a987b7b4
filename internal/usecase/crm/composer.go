package crm

import (
	"fmt"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// Compose nests the collaborator configurations of subordinates under the
// supervisor. Links and collaborators keep the declaration order of subordinates
// and are never nil, so zero subordinates still serialize as empty lists.
func Compose(supervisor *Descriptor, mode domain.CollaborationMode, subordinates ...*Descriptor) (domain.AgentConfig, error) {
	return compose(supervisor, mode, domain.RelayToCollaborator, subordinates)
}

func compose(supervisor *Descriptor, mode domain.CollaborationMode, relay domain.RelayPolicy, subordinates []*Descriptor) (domain.AgentConfig, error) {
	const op = "crm.Compose"
	if supervisor == nil {
		return domain.AgentConfig{}, domain.NewSubSystemError("agent", op, domain.ErrInvalidInput, "no supervisor")
	}
	if !mode.IsSupervisor() {
		return domain.AgentConfig{}, domain.NewSubSystemError("agent", op, domain.ErrInvalidInput,
			fmt.Sprintf("mode %q does not supervise collaborators", mode))
	}

	links := make([]domain.CollaboratorLink, 0, len(subordinates))
	configs := make([]domain.AgentConfig, 0, len(subordinates))
	seen := make(map[string]struct{}, len(subordinates))
	for i, sub := range subordinates {
		if sub == nil {
			return domain.AgentConfig{}, domain.NewSubSystemError("agent", op, domain.ErrInvalidInput,
				fmt.Sprintf("subordinate %d is nil", i))
		}
		if _, dup := seen[sub.name]; dup {
			return domain.AgentConfig{}, domain.NewSubSystemError("agent", op, domain.ErrDuplicate,
				"collaborator "+sub.name)
		}
		seen[sub.name] = struct{}{}

		configs = append(configs, sub.Config(true))
		links = append(links, domain.CollaboratorLink{
			CollaboratorInstruction:  sub.routingHint,
			CollaboratorName:         sub.name,
			RelayConversationHistory: relay,
		})
	}

	cfg := supervisor.Config(false)
	cfg.AgentCollaboration = mode
	cfg.Collaboration = &domain.Collaboration{
		CollaboratorConfigurations: links,
		Collaborators:              configs,
	}
	return cfg, nil
}

// Supervisor is a descriptor bound to its subordinates and collaboration mode.
type Supervisor struct {
	desc         *Descriptor
	mode         domain.CollaborationMode
	relay        domain.RelayPolicy
	subordinates []*Descriptor
}

// Descriptor returns the supervising agent's own descriptor.
func (s *Supervisor) Descriptor() *Descriptor { return s.desc }

// Mode returns the collaboration mode used when composing.
func (s *Supervisor) Mode() domain.CollaborationMode { return s.mode }

// Relay returns the relay policy of the collaborator links.
func (s *Supervisor) Relay() domain.RelayPolicy { return s.relay }

// Subordinates returns the collaborators in declaration order.
func (s *Supervisor) Subordinates() []*Descriptor {
	out := make([]*Descriptor, len(s.subordinates))
	copy(out, s.subordinates)
	return out
}

// Config composes the full supervisor configuration.
func (s *Supervisor) Config() (domain.AgentConfig, error) {
	return compose(s.desc, s.mode, s.relay, s.subordinates)
}

// PrepareInput composes the configuration and adds the user's input text.
func (s *Supervisor) PrepareInput(inputText string) (domain.InvokeRequest, error) {
	cfg, err := s.Config()
	if err != nil {
		return domain.InvokeRequest{}, err
	}
	return PrepareInput(cfg, inputText)
}
