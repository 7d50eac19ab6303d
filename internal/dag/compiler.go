// Package dag validates workflow step lists and compiles them into the
// DagMetadata snapshotted on the definition.
package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/apphub/apphub/internal/core"
)

// Code identifies a validation failure class.
type Code string

const (
	CodeDuplicateID              Code = "DUPLICATE_ID"
	CodeUnknownDependency        Code = "UNKNOWN_DEPENDENCY"
	CodeCycle                    Code = "CYCLE"
	CodeFanoutTemplateIDConflict Code = "FANOUT_TEMPLATE_ID_CONFLICT"
	CodeInvalidAssetID           Code = "INVALID_ASSET_ID"
	CodeConflictingPartitioning  Code = "CONFLICTING_PARTITIONING"
)

// Error is a DAG validation failure. Cycle errors carry a witness: the
// members of one offending strongly connected component.
type Error struct {
	Code   Code
	StepID string
	Detail string
	Cycle  []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.StepID != "" {
		fmt.Fprintf(&b, " (step %q)", e.StepID)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Cycle) > 0 {
		fmt.Fprintf(&b, ": cycle %s", strings.Join(e.Cycle, " -> "))
	}
	return b.String()
}

// AsEngineError wraps the validation failure in the engine taxonomy.
func (e *Error) AsEngineError() *core.Error {
	err := core.ValidationErr("invalid workflow definition")
	err.Err = e
	err.WithDetail("code", string(e.Code))
	if e.StepID != "" {
		err.WithDetail("stepId", e.StepID)
	}
	if len(e.Cycle) > 0 {
		err.WithDetail("cycle", e.Cycle)
	}
	return err
}

// ValidateAndCompile normalizes the step list and derives the dag metadata.
// Fan-out templates are validated as if they were real nodes, with
// dependencies inherited from the fan-out parent; expansion itself is
// deferred to execution time.
func ValidateAndCompile(steps []core.Step) ([]core.Step, *core.DagMetadata, error) {
	normalized := make([]core.Step, len(steps))
	copy(normalized, steps)

	for i := range normalized {
		normalizeStep(&normalized[i])
	}

	// Collect the id namespace: real steps plus fan-out template ids.
	seen := map[string]bool{}
	templates := map[string]string{} // templateID -> parent step id
	for i := range normalized {
		step := &normalized[i]
		if step.ID == "" {
			return nil, nil, &Error{Code: CodeUnknownDependency, Detail: "step id must not be empty"}
		}
		if seen[step.ID] {
			return nil, nil, &Error{Code: CodeDuplicateID, StepID: step.ID}
		}
		seen[step.ID] = true

		if step.Type == core.StepTypeFanOut {
			if step.FanOut == nil || step.FanOut.Template == nil {
				return nil, nil, &Error{Code: CodeFanoutTemplateIDConflict, StepID: step.ID, Detail: "fan-out step requires a template"}
			}
			tmpl := step.FanOut.Template
			normalizeStep(tmpl)
			if tmpl.ID == "" || seen[tmpl.ID] {
				return nil, nil, &Error{Code: CodeFanoutTemplateIDConflict, StepID: step.ID, Detail: fmt.Sprintf("template id %q already used", tmpl.ID)}
			}
			seen[tmpl.ID] = true
			templates[tmpl.ID] = step.ID
		}
	}

	if err := validateAssets(normalized); err != nil {
		return nil, nil, err
	}

	// Resolve dependencies; templates inherit the parent's dependencies.
	adjacency := map[string][]string{}
	reverse := map[string][]string{}
	nodeIDs := make([]string, 0, len(seen))
	for i := range normalized {
		nodeIDs = append(nodeIDs, normalized[i].ID)
	}
	deps := map[string][]string{}
	for i := range normalized {
		step := &normalized[i]
		for _, dep := range step.DependsOn {
			if !seen[dep] {
				return nil, nil, &Error{Code: CodeUnknownDependency, StepID: step.ID, Detail: fmt.Sprintf("unknown dependency %q", dep)}
			}
			if _, isTemplate := templates[dep]; isTemplate {
				return nil, nil, &Error{Code: CodeUnknownDependency, StepID: step.ID, Detail: fmt.Sprintf("dependency %q is a fan-out template", dep)}
			}
			deps[step.ID] = append(deps[step.ID], dep)
			adjacency[dep] = append(adjacency[dep], step.ID)
			reverse[step.ID] = append(reverse[step.ID], dep)
		}
	}

	depth, cycle := kahn(nodeIDs, deps, adjacency)
	if cycle != nil {
		return nil, nil, &Error{Code: CodeCycle, Cycle: cycle}
	}

	// Stable topological order: depth ASC, then step id ASC.
	order := make([]string, len(nodeIDs))
	copy(order, nodeIDs)
	sort.Slice(order, func(i, j int) bool {
		if depth[order[i]] != depth[order[j]] {
			return depth[order[i]] < depth[order[j]]
		}
		return order[i] < order[j]
	})

	roots := lo.Filter(order, func(id string, _ int) bool {
		return len(deps[id]) == 0
	})

	for _, ids := range adjacency {
		sort.Strings(ids)
	}
	for _, ids := range reverse {
		sort.Strings(ids)
	}

	dag := &core.DagMetadata{
		Roots:            roots,
		Order:            order,
		Adjacency:        adjacency,
		ReverseAdjacency: reverse,
		Depth:            depth,
	}
	if len(templates) > 0 {
		dag.FanoutTemplates = templates
	}
	return normalized, dag, nil
}

func normalizeStep(step *core.Step) {
	step.ID = strings.TrimSpace(step.ID)
	step.JobSlug = strings.ToLower(strings.TrimSpace(step.JobSlug))
	step.ServiceSlug = strings.ToLower(strings.TrimSpace(step.ServiceSlug))
	if step.Type == "" {
		switch {
		case step.FanOut != nil:
			step.Type = core.StepTypeFanOut
		case step.ServiceSlug != "":
			step.Type = core.StepTypeService
		default:
			step.Type = core.StepTypeJob
		}
	}
	if step.Bundle != nil {
		step.Bundle.Slug = strings.ToLower(strings.TrimSpace(step.Bundle.Slug))
		if step.Bundle.Strategy == "" {
			if step.Bundle.Version != "" {
				step.Bundle.Strategy = core.BundlePinned
			} else {
				step.Bundle.Strategy = core.BundleLatest
			}
		}
	}
	deduped := make([]string, 0, len(step.DependsOn))
	present := map[string]bool{}
	for _, dep := range step.DependsOn {
		dep = strings.TrimSpace(dep)
		if dep == "" || present[dep] {
			continue
		}
		present[dep] = true
		deduped = append(deduped, dep)
	}
	step.DependsOn = deduped
}

// validateAssets checks asset id shape and rejects an asset declared with
// two different partitioning schemes within one definition.
func validateAssets(steps []core.Step) error {
	partitioning := map[string]*core.Partitioning{}
	check := func(stepID string, decls []core.AssetDeclaration) error {
		for i := range decls {
			decl := &decls[i]
			if !core.AssetIDPattern.MatchString(decl.AssetID) {
				return &Error{Code: CodeInvalidAssetID, StepID: stepID, Detail: fmt.Sprintf("asset id %q", decl.AssetID)}
			}
			if decl.Partitioning == nil {
				continue
			}
			if prev, ok := partitioning[decl.AssetID]; ok {
				if !samePartitioning(prev, decl.Partitioning) {
					return &Error{Code: CodeConflictingPartitioning, StepID: stepID, Detail: fmt.Sprintf("asset %q", decl.AssetID)}
				}
				continue
			}
			partitioning[decl.AssetID] = decl.Partitioning
		}
		return nil
	}
	for i := range steps {
		step := &steps[i]
		if err := check(step.ID, step.Produces); err != nil {
			return err
		}
		if err := check(step.ID, step.Consumes); err != nil {
			return err
		}
		if step.FanOut != nil && step.FanOut.Template != nil {
			tmpl := step.FanOut.Template
			if err := check(tmpl.ID, tmpl.Produces); err != nil {
				return err
			}
			if err := check(tmpl.ID, tmpl.Consumes); err != nil {
				return err
			}
		}
	}
	return nil
}

func samePartitioning(a, b *core.Partitioning) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case core.PartitioningStatic:
		return lo.Every(a.Keys, b.Keys) && lo.Every(b.Keys, a.Keys)
	case core.PartitioningTimeWindow:
		return a.Granularity == b.Granularity && a.Format == b.Format && a.Timezone == b.Timezone
	default:
		return true
	}
}

// kahn computes depth per node and detects cycles with in-degree peeling.
// On a cycle it returns a witness walk through one offending SCC.
func kahn(nodes []string, deps map[string][]string, adjacency map[string][]string) (map[string]int, []string) {
	inDegree := map[string]int{}
	for _, id := range nodes {
		inDegree[id] = len(deps[id])
	}

	depth := map[string]int{}
	queue := make([]string, 0, len(nodes))
	for _, id := range nodes {
		if inDegree[id] == 0 {
			queue = append(queue, id)
			depth[id] = 0
		}
	}

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++
		for _, next := range adjacency[id] {
			if d := depth[id] + 1; d > depth[next] {
				depth[next] = d
			}
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed == len(nodes) {
		return depth, nil
	}

	// Remaining nodes with positive in-degree form the cyclic residue.
	// Walk dependencies within the residue until a node repeats.
	residue := map[string]bool{}
	var start string
	for _, id := range nodes {
		if inDegree[id] > 0 {
			residue[id] = true
			if start == "" {
				start = id
			}
		}
	}
	var witness []string
	visited := map[string]int{}
	curr := start
	for {
		if pos, ok := visited[curr]; ok {
			witness = witness[pos:]
			break
		}
		visited[curr] = len(witness)
		witness = append(witness, curr)
		for _, dep := range deps[curr] {
			if residue[dep] {
				curr = dep
				break
			}
		}
	}
	return nil, witness
}
