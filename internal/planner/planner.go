package planner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/cascade/internal/release"
	"github.com/kingrea/cascade/internal/workspace"
)

// Node is one package in the graph. Edges reference other nodes by arena index.
type Node struct {
	Name         string
	Version      string
	Dependencies []string
	Dependents   []string

	deps []int
}

// Graph is an acyclic dependency graph of publishable workspace packages.
type Graph struct {
	nodes []*Node
	index map[string]int
}

// Build constructs the graph for every publishable member of info. Edges to
// packages outside the publishable set are ignored. A cycle fails the build
// with a non-recoverable error naming every package on it.
func Build(info workspace.Info) (*Graph, error) {
	members := info.Publishable()
	g := &Graph{
		nodes: make([]*Node, 0, len(members)),
		index: make(map[string]int, len(members)),
	}
	for _, pkg := range members {
		if _, dup := g.index[pkg.Name]; dup {
			return nil, release.Newf(release.CategoryWorkspace, release.KindInvalidStructure, "package %s declared twice", pkg.Name)
		}
		g.index[pkg.Name] = len(g.nodes)
		g.nodes = append(g.nodes, &Node{Name: pkg.Name, Version: pkg.Version})
	}
	for i, pkg := range members {
		node := g.nodes[i]
		seen := map[string]bool{}
		for _, dep := range pkg.Dependencies {
			depIdx, ok := g.index[dep]
			if !ok || seen[dep] {
				continue
			}
			seen[dep] = true
			node.deps = append(node.deps, depIdx)
			node.Dependencies = append(node.Dependencies, dep)
			g.nodes[depIdx].Dependents = append(g.nodes[depIdx].Dependents, node.Name)
		}
	}
	for _, node := range g.nodes {
		if len(node.Dependents) > 1 {
			sort.Strings(node.Dependents)
		}
	}
	if cycle := g.findCycle(); len(cycle) > 0 {
		return nil, release.CycleError(cycle)
	}
	return g, nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs a three-colour depth first search in declaration order and
// returns the sorted members of the first cycle found.
func (g *Graph) findCycle() []string {
	color := make([]int, len(g.nodes))
	stack := make([]int, 0, len(g.nodes))
	var cycle []string
	var visit func(int) bool
	visit = func(i int) bool {
		color[i] = gray
		stack = append(stack, i)
		for _, dep := range g.nodes[i].deps {
			switch color[dep] {
			case gray:
				start := len(stack) - 1
				for stack[start] != dep {
					start--
				}
				for _, member := range stack[start:] {
					cycle = append(cycle, g.nodes[member].Name)
				}
				sort.Strings(cycle)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = black
		return false
	}
	for i := range g.nodes {
		if color[i] == white && visit(i) {
			return cycle
		}
	}
	return nil
}

// Len returns the number of packages in the graph.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Names returns package names in declaration order.
func (g *Graph) Names() []string {
	out := make([]string, 0, len(g.nodes))
	for _, node := range g.nodes {
		out = append(out, node.Name)
	}
	return out
}

// Node retrieves a package node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	idx, ok := g.index[name]
	if !ok {
		return nil, false
	}
	return g.nodes[idx], true
}

// Dependencies returns the internal dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	node, ok := g.Node(name)
	if !ok {
		return nil
	}
	return append([]string(nil), node.Dependencies...)
}

// Dependents returns packages that depend on name, sorted.
func (g *Graph) Dependents(name string) []string {
	node, ok := g.Node(name)
	if !ok {
		return nil
	}
	return append([]string(nil), node.Dependents...)
}

// TierPlan is an ordered sequence of disjoint package sets. Every package in
// tier k depends only on packages in tiers before k.
type TierPlan struct {
	Tiers [][]string `json:"tiers"`
}

// PublishOrder layers the graph: tier 0 holds packages without internal
// dependencies and each later tier holds packages whose dependencies all sit in
// earlier tiers. Order within a tier follows declaration order.
func (g *Graph) PublishOrder() TierPlan {
	level := make([]int, len(g.nodes))
	pending := make([]int, len(g.nodes))
	dependents := make([][]int, len(g.nodes))
	for i, node := range g.nodes {
		pending[i] = len(node.deps)
		for _, dep := range node.deps {
			dependents[dep] = append(dependents[dep], i)
		}
	}
	queue := make([]int, 0, len(g.nodes))
	for i := range g.nodes {
		if pending[i] == 0 {
			queue = append(queue, i)
		}
	}
	maxLevel := -1
	for head := 0; head < len(queue); head++ {
		current := queue[head]
		if level[current] > maxLevel {
			maxLevel = level[current]
		}
		for _, next := range dependents[current] {
			if level[current]+1 > level[next] {
				level[next] = level[current] + 1
			}
			pending[next]--
			if pending[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	tiers := make([][]string, maxLevel+1)
	for i, node := range g.nodes {
		tiers[level[i]] = append(tiers[level[i]], node.Name)
	}
	return TierPlan{Tiers: tiers}
}

// TierCount returns the number of tiers.
func (p TierPlan) TierCount() int {
	return len(p.Tiers)
}

// Packages flattens the plan in publish order.
func (p TierPlan) Packages() []string {
	var out []string
	for _, tier := range p.Tiers {
		out = append(out, tier...)
	}
	return out
}

// TierOf returns the tier index holding name, or -1.
func (p TierPlan) TierOf(name string) int {
	for i, tier := range p.Tiers {
		for _, pkg := range tier {
			if pkg == name {
				return i
			}
		}
	}
	return -1
}

// String renders the plan as "[{a} {b, c}]".
func (p TierPlan) String() string {
	out := "["
	for i, tier := range p.Tiers {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("{%s}", strings.Join(tier, ", "))
	}
	return out + "]"
}
