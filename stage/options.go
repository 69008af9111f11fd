package stage

import (
	"time"

	"github.com/hupe1980/agentgraph/logging"
)

// Stage names used by the default catalog.
const (
	NameImplementation = "implementation"
	NameSecurity       = "security"
	NameTests          = "tests"
	NameReview         = "review"
	NameAggregator     = "aggregator"
	NameRootCause      = "root_cause"
	NameRefinement     = "refinement"
	NameApproval       = "approval"
	NameFinalize       = "finalize"
)

// Options carries the ambient dependencies shared by all stages.
type Options struct {
	Logger logging.Logger
	Clock  func() time.Time
}

func newOptions(optFns []func(o *Options)) Options {
	opts := Options{Logger: logging.NoOpLogger{}, Clock: time.Now}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}
