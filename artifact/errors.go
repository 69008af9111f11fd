package artifact

import "fmt"

var (
	// ErrNotFound is returned when no artifact exists for the given
	// workspace / path pair.
	ErrNotFound = fmt.Errorf("artifact not found")
)
