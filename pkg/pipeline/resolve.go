// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pipeline

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tombee/pipectl/pkg/errors"
)

// prerequisites maps each step type to the step types that must run before it.
// Types not listed have no prerequisites.
var prerequisites = map[StepType][]StepType{
	StepAnalyze:   {StepClean},
	StepVisualize: {StepClean, StepAnalyze},
	StepModel:     {StepClean, StepAnalyze},
	StepReport:    {StepAnalyze, StepVisualize},
	StepSchema:    {StepClean},
}

// Prerequisites returns the step types that must precede t.
func Prerequisites(t StepType) []StepType {
	return append([]StepType(nil), prerequisites[t]...)
}

// ResolvePolicy controls what the resolver does with missing prerequisites.
type ResolvePolicy int

const (
	// PolicyAutoInsert adds a default step with empty parameters for every
	// missing prerequisite, placed immediately before its first dependent.
	PolicyAutoInsert ResolvePolicy = iota

	// PolicyReject fails with MissingPrerequisiteError instead.
	PolicyReject
)

// String returns the policy name as used in configuration.
func (p ResolvePolicy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	default:
		return "auto-insert"
	}
}

// ParseResolvePolicy parses "auto-insert" or "reject".
func ParseResolvePolicy(s string) (ResolvePolicy, error) {
	switch s {
	case "", "auto-insert", "auto":
		return PolicyAutoInsert, nil
	case "reject":
		return PolicyReject, nil
	default:
		return PolicyAutoInsert, &errors.ValidationError{
			Field:      "resolve_policy",
			Message:    fmt.Sprintf("unknown resolve policy %q", s),
			Suggestion: "use auto-insert or reject",
		}
	}
}

// Resolver orders step lists so that prerequisites precede dependents.
type Resolver struct {
	Policy ResolvePolicy

	// NewID generates ids for inserted steps. Defaults to random UUIDs.
	NewID func() string
}

// NewResolver creates a resolver with the given policy.
func NewResolver(policy ResolvePolicy) *Resolver {
	return &Resolver{Policy: policy, NewID: uuid.NewString}
}

// Resolve orders steps with the default auto-insert policy.
func Resolve(steps []Step) ([]Step, error) {
	return NewResolver(PolicyAutoInsert).Resolve(steps)
}

// Resolve returns a new list in which every step's prerequisites come first.
//
// The result is deterministic for a given input. Ordering is a stable
// topological sort: among steps whose prerequisites are satisfied, the one
// that appeared first wins, so unrelated steps keep their relative order.
func (r *Resolver) Resolve(steps []Step) ([]Step, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	present := make(map[StepType]bool, len(steps))
	for _, s := range steps {
		present[s.Type] = true
	}

	missing, order := missingPrerequisites(steps, present)
	if len(missing) > 0 && r.Policy == PolicyReject {
		return nil, &errors.MissingPrerequisiteError{Missing: missing, Order: order}
	}

	expanded := r.expand(steps, present)
	return stableTopoSort(expanded)
}

// missingPrerequisites returns, per dependent type, the transitive
// prerequisite types absent from the set, and the dependents in input order.
func missingPrerequisites(steps []Step, present map[StepType]bool) (map[string][]string, []string) {
	missing := make(map[string][]string)
	var order []string

	for _, s := range steps {
		key := string(s.Type)
		if _, done := missing[key]; done {
			continue
		}

		seen := make(map[StepType]bool)
		var absent []string
		var walk func(t StepType)
		walk = func(t StepType) {
			for _, p := range prerequisites[t] {
				if seen[p] {
					continue
				}
				seen[p] = true
				walk(p)
				if !present[p] {
					absent = append(absent, string(p))
				}
			}
		}
		walk(s.Type)

		if len(absent) > 0 {
			missing[key] = absent
			order = append(order, key)
		}
	}
	return missing, order
}

// expand inserts default steps for missing prerequisites ahead of the first
// step that needs them. Inserted steps are themselves expanded first.
func (r *Resolver) expand(steps []Step, present map[StepType]bool) []Step {
	newID := r.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	inserted := make(map[StepType]bool)
	out := make([]Step, 0, len(steps))

	var insert func(t StepType)
	insert = func(t StepType) {
		for _, p := range prerequisites[t] {
			if present[p] || inserted[p] {
				continue
			}
			inserted[p] = true
			insert(p)
			out = append(out, Step{
				ID:           newID(),
				Type:         p,
				Name:         p.DisplayName(),
				Parameters:   map[string]any{},
				AutoInserted: true,
			})
		}
	}

	for _, s := range steps {
		insert(s.Type)
		out = append(out, s.Clone())
	}
	return out
}

// stableTopoSort orders steps by the prerequisite table, always choosing the
// lowest-index ready step.
func stableTopoSort(steps []Step) ([]Step, error) {
	n := len(steps)
	preds := make([][]int, n)
	indegree := make([]int, n)

	for j := range steps {
		for _, p := range prerequisites[steps[j].Type] {
			for i := range steps {
				if i != j && steps[i].Type == p {
					preds[j] = append(preds[j], i)
				}
			}
		}
		indegree[j] = len(preds[j])
	}

	order := make([]Step, 0, n)
	used := make([]bool, n)
	for len(order) < n {
		picked := -1
		for i := range steps {
			if used[i] || indegree[i] != 0 {
				continue
			}
			picked = i
			break
		}
		if picked == -1 {
			return nil, &errors.ValidationError{
				Field:   "steps",
				Message: "dependency cycle detected between steps",
			}
		}
		used[picked] = true
		order = append(order, steps[picked])
		for j := range steps {
			for _, p := range preds[j] {
				if p == picked {
					indegree[j]--
				}
			}
		}
	}
	return order, nil
}
