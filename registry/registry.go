// Package registry provides the CapabilityRegistry: a catalog of stages keyed
// by capability name that resolves dependency closures for graph building.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/logging"
)

// Affinity hints which resource a stage mostly consumes.
type Affinity string

const (
	AffinityLLM Affinity = "llm"
	AffinityCPU Affinity = "cpu"
	AffinityIO  Affinity = "io"
)

// Descriptor describes one capability and the stage providing it.
type Descriptor struct {
	Name         string
	Stage        core.Stage
	Affinity     Affinity
	RequiredFor  []core.TaskType
	OptionalFor  []core.TaskType
	Dependencies []string
}

// Options configures a Registry.
type Options struct {
	// Init populates the catalog on first access. It runs exactly once.
	Init func(r *Registry) error

	Logger logging.Logger
}

// Registry is a concurrency-safe capability catalog. Population is lazy:
// the Init function runs on first access, not at construction.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string][]Descriptor
	order       []string

	once    sync.Once
	init    func(r *Registry) error
	initErr error
	logger  logging.Logger
}

// New creates an empty Registry.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Registry{
		descriptors: make(map[string][]Descriptor),
		init:        opts.Init,
		logger:      opts.Logger,
	}
}

func (r *Registry) ensureInit() error {
	r.once.Do(func() {
		if r.init == nil {
			return
		}
		r.initErr = r.init(r)
		if r.initErr != nil {
			r.logger.Error("Registry initialization failed", "error", r.initErr)
			return
		}
		r.logger.Debug("Registry initialized", "capabilities", len(r.order))
	})
	return r.initErr
}

// Register adds a descriptor. Several descriptors may share a capability name;
// the first one registered is the primary provider.
func (r *Registry) Register(d Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return core.NewValidationError("descriptor.name", "must not be empty")
	}
	if d.Stage == nil {
		return core.NewValidationError("descriptor.stage", "capability %s has no stage", d.Name)
	}
	if slices.Contains(d.Dependencies, d.Name) {
		return core.NewValidationError("descriptor.dependencies", "capability %s depends on itself", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descriptors[d.Name]; !ok {
		r.order = append(r.order, d.Name)
	}
	d.Dependencies = slices.Clone(d.Dependencies)
	d.RequiredFor = slices.Clone(d.RequiredFor)
	d.OptionalFor = slices.Clone(d.OptionalFor)
	r.descriptors[d.Name] = append(r.descriptors[d.Name], d)
	return nil
}

// MustRegister is Register that panics on error. Intended for static catalogs.
func (r *Registry) MustRegister(d Descriptor) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// GetByCapability returns every descriptor registered for name.
func (r *Registry) GetByCapability(name string) []Descriptor {
	if err := r.ensureInit(); err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.descriptors[name])
}

// Primary returns the first descriptor registered for name.
func (r *Registry) Primary(name string) (Descriptor, bool) {
	ds := r.GetByCapability(name)
	if len(ds) == 0 {
		return Descriptor{}, false
	}
	return ds[0], true
}

// Names returns all capability names in registration order.
func (r *Registry) Names() []string {
	if err := r.ensureInit(); err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// RequiredFor returns the capabilities whose descriptors list taskType as required.
func (r *Registry) RequiredFor(taskType core.TaskType) []string {
	if err := r.ensureInit(); err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, name := range r.order {
		for _, d := range r.descriptors[name] {
			if slices.Contains(d.RequiredFor, taskType) {
				out = append(out, name)
				break
			}
		}
	}
	return out
}

// ResolveDependencies returns the dependency closure of names in post-order:
// every capability appears exactly once and dependencies precede dependents.
func (r *Registry) ResolveDependencies(names []string) ([]string, error) {
	if err := r.ensureInit(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	const (
		unvisited = iota
		visiting
		done
	)
	state := map[string]int{}
	var (
		order []string
		path  []string
	)

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			start := slices.Index(path, name)
			cycle := append(slices.Clone(path[start:]), name)
			return core.NewValidationError("dependencies", "cycle detected: %s", strings.Join(cycle, " -> "))
		}
		ds, ok := r.descriptors[name]
		if !ok || len(ds) == 0 {
			if len(path) == 0 {
				return core.NewValidationError("capability", "unknown capability %q", name)
			}
			return core.NewValidationError("capability", "unknown capability %q required by %s", name, path[len(path)-1])
		}
		state[name] = visiting
		path = append(path, name)
		for _, dep := range ds[0].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Validate checks that every capability and each of its transitive
// dependencies is registered. All problems are reported at once in a
// *core.MissingDependenciesError, sorted for deterministic output.
func (r *Registry) Validate(names []string) error {
	if err := r.ensureInit(); err != nil {
		return err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := map[string]bool{}
	missing := map[core.MissingDependency]bool{}
	queue := slices.Clone(names)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true
		ds, ok := r.descriptors[name]
		if !ok || len(ds) == 0 {
			if slices.Contains(names, name) {
				missing[core.MissingDependency{Capability: name}] = true
			}
			continue
		}
		for _, dep := range ds[0].Dependencies {
			if _, ok := r.descriptors[dep]; !ok {
				missing[core.MissingDependency{Capability: name, Dependency: dep}] = true
			}
			queue = append(queue, dep)
		}
	}

	if len(missing) == 0 {
		return nil
	}
	out := make([]core.MissingDependency, 0, len(missing))
	for m := range missing {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Capability != out[j].Capability {
			return out[i].Capability < out[j].Capability
		}
		return out[i].Dependency < out[j].Dependency
	})
	return &core.MissingDependenciesError{Missing: out}
}

// String renders the catalog for debugging.
func (r *Registry) String() string {
	var b strings.Builder
	for _, name := range r.Names() {
		d, _ := r.Primary(name)
		fmt.Fprintf(&b, "%s -> %s deps=%v\n", name, d.Stage.Name(), d.Dependencies)
	}
	return b.String()
}
