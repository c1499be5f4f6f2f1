package agent

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Resolution is the outcome of a legality check.
type Resolution int

const (
	Callable Resolution = iota
	NotFound
	IllegalForState
)

func (r Resolution) String() string {
	switch r {
	case Callable:
		return "callable"
	case NotFound:
		return "not_found"
	case IllegalForState:
		return "illegal_for_state"
	}
	return "unknown"
}

type registeredOperation struct {
	Operation
	schemaMap map[string]interface{}
	schema    *gojsonschema.Schema
}

// definition is the registry table of one agent type.
type definition struct {
	name        string
	description string
	ops         map[string]*registeredOperation
	order       []string
	onCreate    HookFunc
	onDelete    HookFunc
}

// DefinitionOption configures an agent definition.
type DefinitionOption func(*definition)

// WithDescription sets the agent description.
func WithDescription(description string) DefinitionOption {
	return func(d *definition) {
		d.description = description
	}
}

// WithCreateHook sets the hook run before a process is created.
func WithCreateHook(hook HookFunc) DefinitionOption {
	return func(d *definition) {
		d.onCreate = hook
	}
}

// WithDeleteHook sets the hook run before a process is removed.
func WithDeleteHook(hook HookFunc) DefinitionOption {
	return func(d *definition) {
		d.onDelete = hook
	}
}

// Registry holds the agent definitions known to the runtime.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: make(map[string]*definition),
	}
}

// Define creates the agent type if needed and applies opts.
func (r *Registry) Define(agentType string, opts ...DefinitionOption) error {
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		return fmt.Errorf("agent type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def := r.ensure(agentType)
	for _, opt := range opts {
		opt(def)
	}
	return nil
}

// Register adds an operation to an agent type, defining the type if needed.
func (r *Registry) Register(agentType string, op Operation) error {
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		return fmt.Errorf("agent type is required")
	}
	op.Name = strings.TrimSpace(op.Name)
	if op.Name == "" {
		return fmt.Errorf("operation name is required")
	}
	if !op.Kind.Has(Program) && !op.Kind.Has(Action) {
		return fmt.Errorf("operation %s: kind is required", op.Name)
	}
	if op.Handler == nil {
		return fmt.Errorf("operation %s: handler cannot be nil", op.Name)
	}

	schemaMap := buildSchema(op.Params)
	schema, err := compileSchema(schemaMap)
	if err != nil {
		return fmt.Errorf("operation %s: invalid input schema: %w", op.Name, err)
	}

	op.States = append([]string(nil), op.States...)
	op.Params = append([]Param(nil), op.Params...)

	r.mu.Lock()
	defer r.mu.Unlock()

	def := r.ensure(agentType)
	if _, exists := def.ops[op.Name]; exists {
		return fmt.Errorf("%w: %s.%s", ErrDuplicateOperation, agentType, op.Name)
	}
	def.ops[op.Name] = &registeredOperation{
		Operation: op,
		schemaMap: schemaMap,
		schema:    schema,
	}
	def.order = append(def.order, op.Name)
	return nil
}

// RegisterProgram registers a program operation.
func (r *Registry) RegisterProgram(agentType, name string, handler Handler, params ...Param) error {
	return r.Register(agentType, Operation{Name: name, Kind: Program, Handler: handler, Params: params})
}

// RegisterAction registers an action callable in states.
func (r *Registry) RegisterAction(agentType, name string, handler Handler, states ...string) error {
	return r.Register(agentType, Operation{Name: name, Kind: Action, States: states, Handler: handler})
}

// Derive defines agentType as a separate agent type with a copy of base's
// operations and hooks.
func (r *Registry) Derive(agentType, base string, opts ...DefinitionOption) error {
	agentType = strings.TrimSpace(agentType)
	if agentType == "" {
		return fmt.Errorf("agent type is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.defs[base]
	if !ok {
		return fmt.Errorf("%w: agent type %s", ErrNotFound, base)
	}
	if _, exists := r.defs[agentType]; exists {
		return fmt.Errorf("%w: %s", ErrAgentExists, agentType)
	}

	def := &definition{
		name:        agentType,
		description: src.description,
		ops:         make(map[string]*registeredOperation, len(src.ops)),
		order:       append([]string(nil), src.order...),
		onCreate:    src.onCreate,
		onDelete:    src.onDelete,
	}
	for name, op := range src.ops {
		def.ops[name] = op
	}
	for _, opt := range opts {
		opt(def)
	}

	r.defs[agentType] = def
	return nil
}

// Remove deletes an agent type. It reports whether the type existed.
func (r *Registry) Remove(agentType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.defs[agentType]
	delete(r.defs, agentType)
	return exists
}

// Has reports whether agentType is defined.
func (r *Registry) Has(agentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.defs[agentType]
	return exists
}

// Agents returns the defined agent types in name order.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns the public view of an agent type.
func (r *Registry) Describe(agentType string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[agentType]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: agent type %s", ErrNotFound, agentType)
	}

	desc := Descriptor{
		Name:        def.name,
		Description: def.description,
		Programs:    []string{},
		Actions:     make(map[string][]string),
		Operations:  make([]OperationInfo, 0, len(def.order)),
	}
	for _, name := range def.order {
		op := def.ops[name]
		if op.Kind.Has(Program) {
			desc.Programs = append(desc.Programs, name)
		}
		if op.Kind.Has(Action) {
			desc.Actions[name] = append([]string{}, op.States...)
		}
		desc.Operations = append(desc.Operations, OperationInfo{
			Name:        name,
			Kind:        op.Kind.String(),
			States:      append([]string(nil), op.States...),
			Description: op.Description,
			Schema:      op.schemaMap,
		})
	}
	return desc, nil
}

// Hooks returns the lifecycle hooks of an agent type.
func (r *Registry) Hooks(agentType string) (onCreate, onDelete HookFunc, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[agentType]
	if !ok {
		return nil, nil, fmt.Errorf("%w: agent type %s", ErrNotFound, agentType)
	}
	return def.onCreate, def.onDelete, nil
}

// Resolve checks whether operation may run against a process of agentType
// in state. exists is false when the process has no record yet.
func (r *Registry) Resolve(agentType, operation, state string, exists bool) (Operation, Resolution) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[agentType]
	if !ok {
		return Operation{}, NotFound
	}
	op, ok := def.ops[operation]
	if !ok {
		return Operation{}, NotFound
	}

	if !exists {
		if op.Kind.Has(Program) {
			return op.Operation, Callable
		}
		return Operation{}, NotFound
	}

	if IsFinal(state) {
		return op.Operation, IllegalForState
	}
	if op.Kind.Has(Program) && state == StateUninitialized {
		return op.Operation, Callable
	}
	if op.AllowedIn(state) {
		return op.Operation, Callable
	}
	return op.Operation, IllegalForState
}

// AvailableActions returns the operations callable in state, sorted.
// Programs count as available while the process is uninitialized.
func (r *Registry) AvailableActions(agentType, state string) []string {
	actions := []string{}
	if IsFinal(state) {
		return actions
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[agentType]
	if !ok {
		return actions
	}
	for name, op := range def.ops {
		if op.AllowedIn(state) || (state == StateUninitialized && op.Kind.Has(Program)) {
			actions = append(actions, name)
		}
	}
	sort.Strings(actions)
	return actions
}

func (r *Registry) ensure(agentType string) *definition {
	def, ok := r.defs[agentType]
	if !ok {
		def = &definition{
			name: agentType,
			ops:  make(map[string]*registeredOperation),
		}
		r.defs[agentType] = def
	}
	return def
}
