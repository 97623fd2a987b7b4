package crm

import (
	"github.com/jettro/bedrock-agent/internal/domain"
)

func (d *Descriptor) attachActionGroup(ag domain.ActionGroup) error {
	if d.actionGroup != nil {
		return domain.NewSubSystemError("agent", "Descriptor.AttachActionGroup", domain.ErrDuplicate,
			d.name+" already has action group "+d.actionGroup.Name)
	}
	if ag.Name == "" || ag.Executor == "" {
		return domain.NewSubSystemError("agent", "Descriptor.AttachActionGroup", domain.ErrInvalidInput,
			"action group needs a name and an executor")
	}
	d.actionGroup = &ag
	return nil
}

func (d *Descriptor) attachKnowledgeBase(kb domain.KnowledgeBase) error {
	if d.knowledgeBase != nil {
		return domain.NewSubSystemError("agent", "Descriptor.AttachKnowledgeBase", domain.ErrDuplicate,
			d.name+" already has knowledge base "+d.knowledgeBase.ID)
	}
	if kb.ID == "" {
		return domain.NewSubSystemError("agent", "Descriptor.AttachKnowledgeBase", domain.ErrInvalidInput,
			"knowledge base needs an id")
	}
	d.knowledgeBase = &kb
	return nil
}

// ActionGroup returns the attached action group, if any.
func (d *Descriptor) ActionGroup() (domain.ActionGroup, bool) {
	if d.actionGroup == nil {
		return domain.ActionGroup{}, false
	}
	return *d.actionGroup, true
}

// KnowledgeBase returns the attached knowledge base, if any.
func (d *Descriptor) KnowledgeBase() (domain.KnowledgeBase, bool) {
	if d.knowledgeBase == nil {
		return domain.KnowledgeBase{}, false
	}
	return *d.knowledgeBase, true
}
