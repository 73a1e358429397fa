package registry

import (
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/taskflow-io/engine/pkg/domain/orcherrors"
	"github.com/taskflow-io/engine/pkg/domain/task"
)

// Factory builds the TaskTemplate for one NamedTask. Build is called once by
// TaskRegistry.Register to validate the template and again on every Task
// materialization (pkg/orchestration.Engine.Submit); it takes no arguments,
// so the template does not depend on a submission request's Context.
type Factory interface {
	Build() (task.TaskTemplate, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func() (task.TaskTemplate, error)

func (f FactoryFunc) Build() (task.TaskTemplate, error) { return f() }

// Configurable is an optional capability a Factory may implement: a task
// definition that accepts process-level configuration (e.g. default
// timeouts) distinct from any individual Task's Context.
type Configurable interface {
	Configure(config []byte) error
}

// CustomEventSource is an optional capability: a task definition that emits
// event types beyond the standard task/step lifecycle catalog.
type CustomEventSource interface {
	CustomEvents() []string
}

// Capabilities reports which optional interfaces a registered Factory
// implements, for operational introspection (stats/health probes).
type Capabilities struct {
	Configurable bool
	CustomEvents bool
}

// taskKey identifies one registered NamedTask definition.
type taskKey struct {
	Namespace string
	Name      string
	Version   string // semver's canonical, normalized string form
}

type entry struct {
	factory      Factory
	version      *semver.Version
	capabilities Capabilities
	lookups      int
}

// Options controls a single Register call.
type Options struct {
	// Replace allows overwriting an existing (namespace, name, version)
	// registration instead of failing. Default false: duplicate
	// registration is rejected with CodeAlreadyRegistered, since silently
	// replacing a task definition backing already-materialized Task rows
	// would be a correctness hazard in production.
	Replace bool
}

// TaskRegistry is a namespaced, versioned lookup of NamedTask factories,
// generalized from the pkg/infrastructure/orchestration/steps
// package-level sync.RWMutex-guarded map (keyed by a single step name) to a
// (namespace, name, version) key over task-handler factories, and made
// instantiable rather than a package-level global so a process — or a
// test — can hold more than one isolated registry.
type TaskRegistry struct {
	mu      sync.RWMutex
	entries map[taskKey]*entry
	// byName indexes every registered version for a (namespace, name) pair,
	// sorted ascending by semver, to answer "latest version" lookups.
	byName map[[2]string][]*entry
}

// NewTaskRegistry returns an empty TaskRegistry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{
		entries: make(map[taskKey]*entry),
		byName:  make(map[[2]string][]*entry),
	}
}

// Register adds factory under (namespace, name, version), validating the
// factory's capability set (it must at minimum produce a template whose
// steps all declare a HandlerClass; Build is invoked once, immediately, to
// catch a malformed template at registration time rather than at first Task
// materialization, failing fast rather than letting a bad template surface
// only when a Task is submitted against it).
func (r *TaskRegistry) Register(namespace, name string, version *semver.Version, factory Factory, opts Options) error {
	if namespace == "" || name == "" {
		return orcherrors.New(orcherrors.CodeInvalidParameter, "registry", "namespace and name are required", nil)
	}
	if version == nil {
		return orcherrors.New(orcherrors.CodeInvalidParameter, "registry", "version is required", nil)
	}
	tmpl, err := factory.Build()
	if err != nil {
		return orcherrors.New(orcherrors.CodeValidationFailed, "registry", "factory build failed for "+namespace+"/"+name, err)
	}
	if err := tmpl.Validate(); err != nil {
		return err
	}
	for _, s := range tmpl.Steps {
		if s.HandlerClass == "" {
			return orcherrors.New(orcherrors.CodeValidationFailed, "registry",
				"step "+s.Name+" declares no handler class", nil)
		}
	}

	key := taskKey{Namespace: namespace, Name: name, Version: version.String()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; exists && !opts.Replace {
		return orcherrors.New(orcherrors.CodeAlreadyRegistered, "registry",
			"task already registered: "+namespace+"/"+name+"@"+version.String(), nil)
	}

	e := &entry{
		factory: factory,
		version: version,
		capabilities: Capabilities{
			Configurable: isConfigurable(factory),
			CustomEvents: isCustomEventSource(factory),
		},
	}
	r.entries[key] = e

	nameKey := [2]string{namespace, name}
	versions := r.byName[nameKey]
	replaced := false
	for i, existing := range versions {
		if existing.version.Equal(version) {
			versions[i] = e
			replaced = true
			break
		}
	}
	if !replaced {
		versions = append(versions, e)
		sort.Slice(versions, func(i, j int) bool { return versions[i].version.LessThan(versions[j].version) })
	}
	r.byName[nameKey] = versions

	return nil
}

// Unregister removes the (namespace, name, version) registration, returning
// CodeNotFound if nothing is registered under that key. After a successful
// register/unregister pair, lookups behave exactly as before the register.
func (r *TaskRegistry) Unregister(namespace, name string, version *semver.Version) error {
	if version == nil {
		return orcherrors.New(orcherrors.CodeInvalidParameter, "registry", "version is required", nil)
	}
	key := taskKey{Namespace: namespace, Name: name, Version: version.String()}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[key]; !exists {
		return orcherrors.New(orcherrors.CodeNotFound, "registry",
			"no task registered: "+namespace+"/"+name+"@"+version.String(), nil)
	}
	delete(r.entries, key)

	nameKey := [2]string{namespace, name}
	versions := r.byName[nameKey]
	for i, e := range versions {
		if e.version.Equal(version) {
			versions = append(versions[:i], versions[i+1:]...)
			break
		}
	}
	if len(versions) == 0 {
		delete(r.byName, nameKey)
	} else {
		r.byName[nameKey] = versions
	}
	return nil
}

// Lookup resolves (namespace, name, version) to its registered Factory.
func (r *TaskRegistry) Lookup(namespace, name string, version *semver.Version) (Factory, error) {
	if version == nil {
		return r.LookupLatest(namespace, name)
	}
	key := taskKey{Namespace: namespace, Name: name, Version: version.String()}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, orcherrors.New(orcherrors.CodeNotFound, "registry",
			"no task registered: "+namespace+"/"+name+"@"+version.String(), nil)
	}
	e.lookups++
	return e.factory, nil
}

// LookupLatest resolves (namespace, name) to the highest registered semver
// version's Factory.
func (r *TaskRegistry) LookupLatest(namespace, name string) (Factory, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	versions := r.byName[[2]string{namespace, name}]
	if len(versions) == 0 {
		return nil, orcherrors.New(orcherrors.CodeNotFound, "registry",
			"no task registered in namespace "+namespace+" named "+name, nil)
	}
	e := versions[len(versions)-1]
	e.lookups++
	return e.factory, nil
}

// Versions returns every registered version for (namespace, name), sorted
// ascending.
func (r *TaskRegistry) Versions(namespace, name string) []*semver.Version {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.byName[[2]string{namespace, name}]
	out := make([]*semver.Version, len(versions))
	for i, e := range versions {
		out[i] = e.version
	}
	return out
}

// Stat is one registered task definition's operational summary, surfaced by
// Stats for a health/diagnostics endpoint.
type Stat struct {
	Namespace    string
	Name         string
	Version      string
	Capabilities Capabilities
	Lookups      int
}

// Stats returns a snapshot of every registered task definition, sorted by
// namespace, name, then version, for an operational dashboard.
func (r *TaskRegistry) Stats() []Stat {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stat, 0, len(r.entries))
	for key, e := range r.entries {
		out = append(out, Stat{
			Namespace:    key.Namespace,
			Name:         key.Name,
			Version:      key.Version,
			Capabilities: e.capabilities,
			Lookups:      e.lookups,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Healthy reports whether the registry has at least one registered task
// definition, the minimal liveness probe a worker process's health endpoint
// needs before accepting submissions.
func (r *TaskRegistry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries) > 0
}

func isConfigurable(f Factory) bool {
	_, ok := f.(Configurable)
	return ok
}

func isCustomEventSource(f Factory) bool {
	_, ok := f.(CustomEventSource)
	return ok
}
