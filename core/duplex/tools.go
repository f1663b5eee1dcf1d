package duplex

import (
	"sync"

	"github.com/invopop/jsonschema"
)

// Action is a zero-argument operation the remote can request by name. It
// returns a short outcome string for the tool result.
type Action func() (string, error)

type registeredTool struct {
	name        string
	description string
	action      Action
}

// Registry holds the actions the remote side may invoke during a session.
// Registration happens before connecting; lookups run for the session's
// lifetime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registeredTool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]registeredTool{}}
}

func (r *Registry) Register(name, description string, action Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = registeredTool{name: name, description: description, action: action}
}

func (r *Registry) lookup(name string) (registeredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Declaration describes one registered tool to the remote endpoint.
type Declaration struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Parameters  *jsonschema.Schema `json:"parameters,omitempty"`
}

// noParameters is the argument shape of every registered action.
type noParameters struct{}

// Declarations renders the registry for the session-open handshake. All
// actions are zero-argument, so every declaration carries the same empty
// object schema.
func (r *Registry) Declarations() []Declaration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reflector := jsonschema.Reflector{DoNotReference: true}
	parameters := reflector.Reflect(noParameters{})

	declarations := make([]Declaration, 0, len(r.tools))
	for _, tool := range r.tools {
		declarations = append(declarations, Declaration{
			Name:        tool.name,
			Description: tool.description,
			Parameters:  parameters,
		})
	}
	return declarations
}
