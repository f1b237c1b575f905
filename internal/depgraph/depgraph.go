// Package depgraph orders processes by their declared dependencies so the
// scheduler can start dependencies before dependents and stop dependents
// before dependencies.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
)

// Node is the minimal shape depgraph needs from a process configuration.
type Node struct {
	Name      string
	DependsOn []string
}

// CycleError reports a dependency cycle, carrying the full cycle path for
// diagnostics (e.g. "a -> b -> c -> a").
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %v", e.Cycle)
}

// MissingError reports a depends_on entry that names an undeclared process.
type MissingError struct {
	From, To string
}

func (e *MissingError) Error() string {
	return fmt.Sprintf("process %q depends on undeclared process %q", e.From, e.To)
}

// Validate checks that every depends_on reference names a known process.
func Validate(nodes []Node) error {
	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n.Name] = struct{}{}
	}
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			if _, ok := known[dep]; !ok {
				return &MissingError{From: n.Name, To: dep}
			}
		}
	}
	return nil
}

// Levels returns the start order as a sequence of layers: every name in
// level i only depends on names in levels < i, and every name within a
// level is independent of every other name in that level (safe to start
// concurrently). Each level is sorted alphabetically for determinism.
//
// Uses Kahn's algorithm: repeatedly drain the current set of in-degree-zero
// nodes into a level, then decrement the in-degree of their dependents.
func Levels(nodes []Node) ([][]string, error) {
	if err := Validate(nodes); err != nil {
		return nil, err
	}

	inDegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string) // dep -> things that depend on it
	for _, n := range nodes {
		if _, ok := inDegree[n.Name]; !ok {
			inDegree[n.Name] = 0
		}
		inDegree[n.Name] += len(n.DependsOn)
		for _, dep := range n.DependsOn {
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	var levels [][]string
	processed := 0
	for {
		var ready []string
		for name, deg := range inDegree {
			if deg == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			break
		}
		sort.Strings(ready)
		for _, name := range ready {
			delete(inDegree, name)
		}
		for _, name := range ready {
			for _, dependent := range dependents[name] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
		levels = append(levels, ready)
		processed += len(ready)
	}

	if processed != len(nodes) {
		cycle := FindCycle(nodes)
		if cycle != nil {
			return nil, &CycleError{Cycle: cycle}
		}
		return nil, errors.New("dependency graph did not fully resolve")
	}
	return levels, nil
}

// ReverseStopOrder flattens the start levels and reverses them, so that
// dependents are stopped before the dependencies they rely on.
func ReverseStopOrder(levels [][]string) []string {
	var flat []string
	for _, level := range levels {
		flat = append(flat, level...)
	}
	for i, j := 0, len(flat)-1; i < j; i, j = i+1, j-1 {
		flat[i], flat[j] = flat[j], flat[i]
	}
	return flat
}

// FindCycle performs a deterministic DFS (alphabetical start order) to
// locate and reconstruct one concrete cycle, for error reporting once
// Levels has already determined that one exists.
func FindCycle(nodes []Node) []string {
	adj := make(map[string][]string, len(nodes))
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		adj[n.Name] = append([]string{}, n.DependsOn...)
		names = append(names, n.Name)
	}
	sort.Strings(names)
	for name := range adj {
		sort.Strings(adj[name])
	}

	const (
		unvisited = 0
		onStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(nodes))
	parent := make(map[string]string, len(nodes))

	var dfs func(start string) []string
	dfs = func(start string) []string {
		type frame struct {
			node      string
			childIdx  int
			returning bool
		}
		stack := []frame{{node: start}}
		state[start] = onStack

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.childIdx >= len(adj[top.node]) {
				state[top.node] = done
				stack = stack[:len(stack)-1]
				continue
			}
			next := adj[top.node][top.childIdx]
			top.childIdx++
			switch state[next] {
			case unvisited:
				parent[next] = top.node
				state[next] = onStack
				stack = append(stack, frame{node: next})
			case onStack:
				// Found a cycle: walk parent pointers from top.node back to next.
				cycle := []string{next}
				cur := top.node
				for cur != next {
					cycle = append(cycle, cur)
					cur = parent[cur]
				}
				cycle = append(cycle, next)
				// cycle was built innermost-first; reverse to outermost-first.
				for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
					cycle[i], cycle[j] = cycle[j], cycle[i]
				}
				return cycle
			}
		}
		return nil
	}

	for _, name := range names {
		if state[name] == unvisited {
			if cycle := dfs(name); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ExpandDeps returns, in start order, every process in targets plus every
// process those targets transitively depend on.
func ExpandDeps(nodes []Node, targets []string) ([]string, error) {
	byName := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byName[n.Name] = n
	}
	seen := make(map[string]struct{})
	queue := append([]string{}, targets...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		queue = append(queue, byName[name].DependsOn...)
	}
	return orderSubset(nodes, seen)
}

// ExpandDependents returns, in stop order (dependents first), every process
// in targets plus every process that transitively depends on them.
func ExpandDependents(nodes []Node, targets []string) ([]string, error) {
	reverse := make(map[string][]string)
	for _, n := range nodes {
		for _, dep := range n.DependsOn {
			reverse[dep] = append(reverse[dep], n.Name)
		}
	}
	seen := make(map[string]struct{})
	queue := append([]string{}, targets...)
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		queue = append(queue, reverse[name]...)
	}
	subset, err := orderSubset(nodes, seen)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(subset)-1; i < j; i, j = i+1, j-1 {
		subset[i], subset[j] = subset[j], subset[i]
	}
	return subset, nil
}

// orderSubset topologically orders the named subset using the full graph's
// dependency edges restricted to that subset.
func orderSubset(nodes []Node, subset map[string]struct{}) ([]string, error) {
	filtered := make([]Node, 0, len(subset))
	for _, n := range nodes {
		if _, ok := subset[n.Name]; !ok {
			continue
		}
		var deps []string
		for _, d := range n.DependsOn {
			if _, ok := subset[d]; ok {
				deps = append(deps, d)
			}
		}
		filtered = append(filtered, Node{Name: n.Name, DependsOn: deps})
	}
	levels, err := Levels(filtered)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, level := range levels {
		out = append(out, level...)
	}
	return out, nil
}
