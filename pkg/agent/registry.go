package agent

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/podium-run/podium/pkg/errors"
)

// VersionSelector picks one agent from the versions registered under a name.
// versions maps version string to agent; the empty version key holds the
// unversioned registration. requested is the parsed version suffix, empty
// when the reference carried none.
type VersionSelector func(versions map[string]Agent, requested string) (Agent, bool)

// DefaultVersionSelector resolves an exact version match; an empty request
// prefers the unversioned registration, then "latest", then a sole
// registered version.
func DefaultVersionSelector(versions map[string]Agent, requested string) (Agent, bool) {
	if requested != "" {
		a, ok := versions[requested]
		return a, ok
	}
	if a, ok := versions[""]; ok {
		return a, true
	}
	if a, ok := versions["latest"]; ok {
		return a, true
	}
	if len(versions) == 1 {
		for _, a := range versions {
			return a, true
		}
	}
	return nil, false
}

// Registry resolves agent references. Resolution order is fixed: builtin
// catalog, then user registrations, then dynamic instantiation from inline
// specs. Builtins shadowing user registrations of the same name is intended
// policy, not an accident; tests pin it.
type Registry struct {
	mu        sync.RWMutex
	builtins  map[string]map[string]Agent
	user      map[string]map[string]Agent
	inline    map[string]Spec
	built     map[string]builtInline
	factories map[string]Factory
	selector  VersionSelector
}

// builtInline memoizes one instantiated inline agent together with the
// spec it was built from, so a later definition re-declaring the name
// with a different config gets a fresh instantiation instead of a stale
// one.
type builtInline struct {
	spec  Spec
	agent Agent
}

// Factory instantiates an agent from an inline spec's configuration.
type Factory func(name string, config map[string]any) (Agent, error)

// NewRegistry creates a registry preloaded with the builtin catalog and the
// default inline factories (jq, expr, constant).
func NewRegistry() *Registry {
	r := &Registry{
		builtins:  make(map[string]map[string]Agent),
		user:      make(map[string]map[string]Agent),
		inline:    make(map[string]Spec),
		built:     make(map[string]builtInline),
		factories: builtinFactories(),
		selector:  DefaultVersionSelector,
	}
	for _, a := range builtinCatalog() {
		r.registerInto(r.builtins, a.Name(), "", a)
	}
	return r
}

// WithVersionSelector replaces the version selection strategy.
func (r *Registry) WithVersionSelector(selector VersionSelector) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selector = selector
	return r
}

// Register adds a user agent under its name, unversioned.
func (r *Registry) Register(a Agent) error {
	return r.RegisterVersion(a, "")
}

// RegisterVersion adds a user agent under an explicit version.
func (r *Registry) RegisterVersion(a Agent, version string) error {
	if a == nil || a.Name() == "" {
		return &errors.ValidationError{
			Field:   "agent",
			Message: "agent must have a non-empty name",
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.registerInto(r.user, a.Name(), version, a)
	return nil
}

// RegisterFactory adds an inline-spec factory for a kind.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// AddInline records inline agent specs from an ensemble definition for
// dynamic instantiation. Instantiation is lazy and memoized per spec, so
// a definition re-declaring a name with a different config rebuilds the
// agent rather than inheriting a previous run's instance.
func (r *Registry) AddInline(specs []Spec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range specs {
		if spec.Name == "" {
			return &errors.ValidationError{
				Field:   "agents",
				Message: "inline agent definition requires a name",
			}
		}
		r.inline[spec.Name] = spec
	}
	return nil
}

// Resolve turns a reference into an executable agent, or an
// AgentResolutionError naming the reference.
func (r *Registry) Resolve(ref string) (Agent, error) {
	parsed := ParseRef(ref)

	r.mu.RLock()
	if versions, ok := r.builtins[parsed.Name]; ok {
		if a, ok := r.selector(versions, parsed.Version); ok {
			r.mu.RUnlock()
			return a, nil
		}
	}
	if versions, ok := r.user[parsed.Name]; ok {
		if a, ok := r.selector(versions, parsed.Version); ok {
			r.mu.RUnlock()
			return a, nil
		}
	}
	spec, hasInline := r.inline[parsed.Name]
	r.mu.RUnlock()

	if hasInline {
		return r.instantiate(spec)
	}

	return nil, &errors.AgentResolutionError{
		Reference:  ref,
		Suggestion: "register the agent, declare it inline in the ensemble definition, or check the reference spelling",
	}
}

// instantiate builds an agent from an inline spec, reusing the previous
// instance only while the spec is unchanged.
func (r *Registry) instantiate(spec Spec) (Agent, error) {
	r.mu.RLock()
	entry, memoized := r.built[spec.Name]
	factory, ok := r.factories[spec.Kind]
	r.mu.RUnlock()

	if memoized && reflect.DeepEqual(entry.spec, spec) {
		return entry.agent, nil
	}
	if !ok {
		return nil, &errors.ValidationError{
			Field:      "agents.kind",
			Message:    fmt.Sprintf("unknown inline agent kind %q for %s", spec.Kind, spec.Name),
			Suggestion: "use one of the registered kinds (jq, expr, constant) or register a custom factory",
		}
	}

	a, err := factory(spec.Name, spec.Config)
	if err != nil {
		return nil, fmt.Errorf("instantiate inline agent %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	r.built[spec.Name] = builtInline{spec: spec, agent: a}
	r.mu.Unlock()
	return a, nil
}

func (r *Registry) registerInto(table map[string]map[string]Agent, name, version string, a Agent) {
	if table[name] == nil {
		table[name] = make(map[string]Agent)
	}
	table[name][version] = a
}
