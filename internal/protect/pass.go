package protect

import "github.com/mreshboboyev/goprotect/internal/moduleir"

// Pass is the contract every protection stage implements: a stable
// identity, a priority used to break dependency-graph ties, the
// dependency/conflict relationships the orchestrator schedules around,
// an applicability check, and the mutation itself.
type Pass interface {
	ID() string
	Name() string
	// Priority breaks ties between passes that have no dependency
	// relationship to each other; higher runs first.
	Priority() int
	// Dependencies lists pass IDs that are scheduled before this one when
	// they are part of the same run. A dependency absent from the run is
	// ignored, and a dependency that fails does not stop this one from
	// running.
	Dependencies() []string
	// ConflictsWith lists pass IDs that must not be scheduled in the
	// same run as this one.
	ConflictsWith() []string
	CanApply(module *moduleir.Module) bool
	Apply(module *moduleir.Module, ctx *Context) error
}
