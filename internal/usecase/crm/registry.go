package crm

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jettro/bedrock-agent/internal/domain"
)

// Agent is anything that can turn user input into an invocation request.
// Both *Descriptor and *Supervisor implement it.
type Agent interface {
	Name() string
	PrepareInput(inputText string) (domain.InvokeRequest, error)
}

// Name returns the supervising agent's name.
func (s *Supervisor) Name() string { return s.desc.name }

// Registry holds the agents available to the CLI and provides lookup by name.
type Registry struct {
	mu          sync.RWMutex
	agents      map[string]Agent
	defaultName string
	logger      *slog.Logger
}

// NewRegistry creates a Registry with the given default agent name.
func NewRegistry(defaultName string, logger *slog.Logger) *Registry {
	return &Registry{
		agents:      make(map[string]Agent),
		defaultName: defaultName,
		logger:      logger,
	}
}

// Register adds an agent. Returns ErrDuplicate if the name is already taken.
func (r *Registry) Register(a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.agents[name]; exists {
		return domain.NewSubSystemError("agent", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.agents[name] = a
	r.logger.Debug("agent registered", "agent", name)
	return nil
}

// Get returns the agent with the given name, or ErrNotFound.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[name]
	if !ok {
		return nil, domain.NewSubSystemError("agent", "Registry.Get", domain.ErrNotFound, name)
	}
	return a, nil
}

// Default returns the default agent.
func (r *Registry) Default() (Agent, error) {
	return r.Get(r.defaultName)
}

// DefaultName returns the name of the default agent.
func (r *Registry) DefaultName() string { return r.defaultName }

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewCRMRegistry registers the three support agents and the front desk that
// supervises them. The default agent is s.DefaultAgent, or the front desk.
func NewCRMRegistry(s Settings, executorARN string, logger *slog.Logger, opts ...Option) (*Registry, error) {
	team, err := Team(s, executorARN, opts...)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(s.defaultAgent(), logger)
	if err := r.Register(FrontDesk(s, team, opts...)); err != nil {
		return nil, err
	}
	for _, d := range team {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}
