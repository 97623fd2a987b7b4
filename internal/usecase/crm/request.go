package crm

import (
	"slices"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// PrepareInput returns the invocation request for cfg and the user's input text.
// cfg is copied deeply; the caller's value is left untouched.
func PrepareInput(cfg domain.AgentConfig, inputText string) (domain.InvokeRequest, error) {
	for _, f := range []struct{ name, value string }{
		{"agentName", cfg.AgentName},
		{"foundationModel", cfg.FoundationModel},
		{"instruction", cfg.Instruction},
		{"sessionId", cfg.SessionID},
	} {
		if f.value == "" {
			return domain.InvokeRequest{}, domain.NewSubSystemError("agent", "crm.PrepareInput", domain.ErrMissingField, f.name)
		}
	}
	return domain.InvokeRequest{AgentConfig: cloneConfig(cfg), InputText: inputText}, nil
}

func cloneConfig(cfg domain.AgentConfig) domain.AgentConfig {
	out := cfg
	if cfg.EnableTrace != nil {
		v := *cfg.EnableTrace
		out.EnableTrace = &v
	}
	if cfg.EndSession != nil {
		v := *cfg.EndSession
		out.EndSession = &v
	}
	out.ActionGroups = slices.Clone(cfg.ActionGroups)
	out.KnowledgeBases = slices.Clone(cfg.KnowledgeBases)
	if cfg.Collaboration != nil {
		collab := &domain.Collaboration{
			CollaboratorConfigurations: slices.Clone(cfg.CollaboratorConfigurations),
			Collaborators:              make([]domain.AgentConfig, len(cfg.Collaborators)),
		}
		if collab.CollaboratorConfigurations == nil {
			collab.CollaboratorConfigurations = []domain.CollaboratorLink{}
		}
		for i, c := range cfg.Collaborators {
			collab.Collaborators[i] = cloneConfig(c)
		}
		out.Collaboration = collab
	}
	return out
}
