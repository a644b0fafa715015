package protect

import (
	"fmt"
	"sort"
	"time"

	"github.com/mreshboboyev/goprotect/internal/diagnostics"
)

// PassResult records the outcome of scheduling and running one pass.
type PassResult struct {
	PassID   string
	Applied  bool
	Skipped  bool
	SkipReason string
	Err      error
}

// Result is the orchestrator's overall report for one Run, returned
// alongside the mutated module.
type Result struct {
	AppliedIDs  []string
	PassResults []PassResult
	Diagnostics []diagnostics.Entry
	Duration    time.Duration
	Err         error
}

// Orchestrator resolves a dependency/conflict graph over a set of passes
// and runs them in a valid order against a Context.
type Orchestrator struct{}

// NewOrchestrator returns a ready-to-use Orchestrator. It carries no
// state of its own; every Run call is independent.
func NewOrchestrator() *Orchestrator { return &Orchestrator{} }

// Run schedules passes by dependency order (Kahn's algorithm, ties broken
// by descending Priority — higher Priority schedules earlier — then
// registration order) and applies each one in
// turn against ctx.Module. A dependency cycle aborts the whole run before
// any pass executes. A conflict between two passes both present in the
// set aborts the run the same way. An individual pass's CanApply
// returning false is recorded as a skip, not an error; an individual
// pass's Apply returning an error is recorded as a failure and, if
// ctx.Config.AbortOnError() reports true (debug_mode == full), stops the
// run — otherwise the orchestrator moves on to the next schedulable pass.
func (o *Orchestrator) Run(passes []Pass, ctx *Context) Result {
	start := timeNow()

	if err := checkConflicts(passes); err != nil {
		return Result{Err: err, Duration: timeNow().Sub(start)}
	}

	order, err := topoSort(passes)
	if err != nil {
		return Result{Err: err, Duration: timeNow().Sub(start)}
	}

	var result Result
	byID := make(map[string]Pass, len(passes))
	for _, p := range passes {
		byID[p.ID()] = p
	}

	for _, id := range order {
		p := byID[id]

		if !p.CanApply(ctx.Module) {
			result.PassResults = append(result.PassResults, PassResult{
				PassID: id, Skipped: true, SkipReason: "CanApply returned false",
			})
			ctx.Diagnostics.Info(id, "skipped: not applicable to this module")
			continue
		}

		applyErr := runPassRecovered(p, ctx)
		if applyErr != nil {
			result.PassResults = append(result.PassResults, PassResult{PassID: id, Err: applyErr})
			ctx.Diagnostics.Error(id, "%v", applyErr)
			if ctx.Config != nil && ctx.Config.AbortOnError() {
				result.Err = fmt.Errorf("pass %s failed: %w", id, applyErr)
				break
			}
			continue
		}

		ctx.MarkApplied(id)
		result.AppliedIDs = append(result.AppliedIDs, id)
		result.PassResults = append(result.PassResults, PassResult{PassID: id, Applied: true})
		ctx.Diagnostics.Info(id, "applied")
	}

	result.Diagnostics = ctx.Diagnostics.Entries()
	result.Duration = timeNow().Sub(start)
	return result
}

// runPassRecovered calls p.Apply, converting any panic into a returned
// error so one misbehaving pass can't take the whole run down silently —
// the orchestrator-level analogue of the per-method copy-on-fail pattern
// individual passes use internally.
func runPassRecovered(p Pass, ctx *Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in pass %s: %v", p.ID(), r)
		}
	}()
	return p.Apply(ctx.Module, ctx)
}

func checkConflicts(passes []Pass) error {
	present := make(map[string]bool, len(passes))
	for _, p := range passes {
		present[p.ID()] = true
	}
	for _, p := range passes {
		for _, conflict := range p.ConflictsWith() {
			if present[conflict] {
				return fmt.Errorf("pass %s conflicts with pass %s, both requested in the same run", p.ID(), conflict)
			}
		}
	}
	return nil
}

// topoSort orders passes so every dependency runs before its dependents,
// using Kahn's algorithm. Ties among ready passes are broken by
// descending Priority (higher Priority schedules earlier, per the
// documented contract), then by the order passes were supplied, for a
// deterministic schedule given a deterministic input slice.
func topoSort(passes []Pass) ([]string, error) {
	byID := make(map[string]Pass, len(passes))
	order := make(map[string]int, len(passes))
	for i, p := range passes {
		byID[p.ID()] = p
		order[p.ID()] = i
	}

	indegree := make(map[string]int, len(passes))
	dependents := make(map[string][]string, len(passes))
	for _, p := range passes {
		indegree[p.ID()] = 0
	}
	for _, p := range passes {
		for _, dep := range p.Dependencies() {
			if _, ok := byID[dep]; !ok {
				// A dependency on a pass not present in this run is not
				// scheduled at all, so it can never block anything.
				continue
			}
			indegree[p.ID()]++
			dependents[dep] = append(dependents[dep], p.ID())
		}
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortByPriorityThenOrder(ready, byID, order)

	var result []string
	for len(ready) > 0 {
		next := ready[0]
		ready = ready[1:]
		result = append(result, next)

		var newlyReady []string
		for _, dep := range dependents[next] {
			indegree[dep]--
			if indegree[dep] == 0 {
				newlyReady = append(newlyReady, dep)
			}
		}
		sortByPriorityThenOrder(newlyReady, byID, order)
		ready = mergeSorted(ready, newlyReady, byID, order)
	}

	if len(result) != len(passes) {
		return nil, fmt.Errorf("pass dependency graph has a cycle (scheduled %d of %d passes)", len(result), len(passes))
	}
	return result, nil
}

func sortByPriorityThenOrder(ids []string, byID map[string]Pass, order map[string]int) {
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := byID[ids[i]].Priority(), byID[ids[j]].Priority()
		if pi != pj {
			return pi > pj
		}
		return order[ids[i]] < order[ids[j]]
	})
}

func mergeSorted(a, b []string, byID map[string]Pass, order map[string]int) []string {
	if len(b) == 0 {
		return a
	}
	merged := append(append([]string{}, a...), b...)
	sortByPriorityThenOrder(merged, byID, order)
	return merged
}

// timeNow is a seam so tests can avoid depending on wall-clock time; it
// defaults to time.Now.
var timeNow = time.Now
