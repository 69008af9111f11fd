package stage

import (
	"time"

	"github.com/hupe1980/agentgraph/core"
	"github.com/hupe1980/agentgraph/hitl"
	"github.com/hupe1980/agentgraph/model"
	"github.com/hupe1980/agentgraph/registry"
)

// CatalogOptions configures the default catalog.
type CatalogOptions struct {
	Options
	// Artifacts receives generated files. Nil keeps files in state only.
	Artifacts core.ArtifactStore
	// Approvals backs the approval stage. A manager with default options is
	// created when nil.
	Approvals *hitl.Manager
	// ModelSecurityReview enables generator-assisted security findings.
	ModelSecurityReview bool
	// ApprovalTimeout overrides the manager's request timeout when positive.
	ApprovalTimeout time.Duration
}

// NewRegistry returns a registry that lazily registers the built-in stages
// on first access.
func NewRegistry(gen model.Generator, optFns ...func(o *CatalogOptions)) *registry.Registry {
	opts := CatalogOptions{Options: newOptions(nil)}
	for _, fn := range optFns {
		fn(&opts)
	}
	return registry.New(func(o *registry.Options) {
		o.Logger = opts.Logger
		o.Init = func(r *registry.Registry) error {
			for _, d := range Descriptors(gen, opts) {
				if err := r.Register(d); err != nil {
					return err
				}
			}
			return nil
		}
	})
}

// Descriptors builds the capability descriptors of the built-in stages.
func Descriptors(gen model.Generator, opts CatalogOptions) []registry.Descriptor {
	base := func(o *Options) { *o = opts.Options }
	approvals := opts.Approvals
	if approvals == nil {
		approvals = hitl.NewManager(func(o *hitl.Options) { o.Logger = opts.Logger })
	}

	impl := []string{core.CapImplementation}
	return []registry.Descriptor{
		{
			Name:        core.CapImplementation,
			Stage:       NewImplementation(gen, opts.Artifacts, base),
			Affinity:    registry.AffinityLLM,
			RequiredFor: []core.TaskType{core.TaskFeature, core.TaskBugfix, core.TaskRefactor},
			OptionalFor: []core.TaskType{core.TaskTesting, core.TaskSecurity, core.TaskDocumentation},
		},
		{
			Name: core.CapSecurity,
			Stage: NewSecurity(gen, func(o *SecurityOptions) {
				o.Options = opts.Options
				o.ModelReview = opts.ModelSecurityReview
			}),
			Affinity:     registry.AffinityCPU,
			RequiredFor:  []core.TaskType{core.TaskSecurity},
			OptionalFor:  []core.TaskType{core.TaskFeature, core.TaskBugfix},
			Dependencies: impl,
		},
		{
			Name:         core.CapTesting,
			Stage:        NewTests(gen, base),
			Affinity:     registry.AffinityLLM,
			RequiredFor:  []core.TaskType{core.TaskTesting, core.TaskBugfix},
			OptionalFor:  []core.TaskType{core.TaskFeature, core.TaskRefactor},
			Dependencies: impl,
		},
		{
			Name:         core.CapReview,
			Stage:        NewReview(gen, base),
			Affinity:     registry.AffinityLLM,
			RequiredFor:  []core.TaskType{core.TaskRefactor},
			OptionalFor:  []core.TaskType{core.TaskFeature, core.TaskDocumentation},
			Dependencies: impl,
		},
		{
			Name:         core.CapAggregator,
			Stage:        NewAggregator(base),
			Affinity:     registry.AffinityCPU,
			Dependencies: impl,
		},
		{
			Name:         core.CapRootCause,
			Stage:        NewRootCause(gen, base),
			Affinity:     registry.AffinityLLM,
			Dependencies: []string{core.CapAggregator},
		},
		{
			Name:         core.CapRefinement,
			Stage:        NewRefinement(gen, base),
			Affinity:     registry.AffinityLLM,
			Dependencies: []string{core.CapRootCause},
		},
		{
			Name: core.CapApproval,
			Stage: NewApproval(approvals, func(o *ApprovalOptions) {
				o.Options = opts.Options
				o.Timeout = opts.ApprovalTimeout
			}),
			Affinity:     registry.AffinityIO,
			Dependencies: impl,
		},
		{
			Name:         core.CapFinalize,
			Stage:        NewFinalize(gen, base),
			Affinity:     registry.AffinityIO,
			Dependencies: impl,
		},
	}
}
