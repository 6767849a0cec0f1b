// Package depgraph tracks "consumer waits for prerequisite" edges between task names.
//
// Graph is not safe for concurrent use; the engine guards it.
package depgraph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var ErrSelfDependency = errors.New("task cannot depend on itself")

// Graph keeps a forward index (consumer -> prerequisites) and a reverse index
// (prerequisite -> consumers) so either side can be dropped cheaply.
type Graph struct {
	deps       map[string]map[string]struct{}
	dependents map[string]map[string]struct{}
}

func New() *Graph {
	return &Graph{
		deps:       map[string]map[string]struct{}{},
		dependents: map[string]map[string]struct{}{},
	}
}

// AddEdge records that consumer must wait for prereq. Re-adding an edge is a no-op.
// Cycles through other nodes are not rejected; they leave the involved tasks blocked.
func (g *Graph) AddEdge(consumer, prereq string) error {
	consumer = strings.TrimSpace(consumer)
	prereq = strings.TrimSpace(prereq)
	if consumer == "" || prereq == "" {
		return fmt.Errorf("empty task name in dependency %q -> %q", consumer, prereq)
	}
	if consumer == prereq {
		return fmt.Errorf("%w: %s", ErrSelfDependency, consumer)
	}
	link(g.deps, consumer, prereq)
	link(g.dependents, prereq, consumer)
	return nil
}

// RemoveEdge drops a single edge and reports whether it existed.
func (g *Graph) RemoveEdge(consumer, prereq string) bool {
	consumer, prereq = strings.TrimSpace(consumer), strings.TrimSpace(prereq)
	if !unlink(g.deps, consumer, prereq) {
		return false
	}
	unlink(g.dependents, prereq, consumer)
	return true
}

// Clear drops every prerequisite of consumer and returns how many were removed.
func (g *Graph) Clear(consumer string) int {
	consumer = strings.TrimSpace(consumer)
	set := g.deps[consumer]
	for p := range set {
		unlink(g.dependents, p, consumer)
	}
	delete(g.deps, consumer)
	return len(set)
}

// RemoveNode drops name in both directions.
func (g *Graph) RemoveNode(name string) {
	name = strings.TrimSpace(name)
	g.Clear(name)
	for c := range g.dependents[name] {
		unlink(g.deps, c, name)
	}
	delete(g.dependents, name)
}

func (g *Graph) Prerequisites(consumer string) []string { return sorted(g.deps[consumer]) }

func (g *Graph) Dependents(prereq string) []string { return sorted(g.dependents[prereq]) }

func (g *Graph) HasPrerequisites(consumer string) bool { return len(g.deps[consumer]) > 0 }

// Satisfied reports whether no prerequisite of consumer is still pending.
// A prerequisite that was never scheduled, or already left the queue, counts as satisfied.
func (g *Graph) Satisfied(consumer string, pending func(string) bool) bool {
	for p := range g.deps[consumer] {
		if pending(p) {
			return false
		}
	}
	return true
}

// Blockers returns the pending prerequisites of consumer.
func (g *Graph) Blockers(consumer string, pending func(string) bool) []string {
	var out []string
	for p := range g.deps[consumer] {
		if pending(p) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Edges returns the number of edges.
func (g *Graph) Edges() int {
	n := 0
	for _, set := range g.deps {
		n += len(set)
	}
	return n
}

func link(m map[string]map[string]struct{}, from, to string) {
	set, ok := m[from]
	if !ok {
		set = map[string]struct{}{}
		m[from] = set
	}
	set[to] = struct{}{}
}

func unlink(m map[string]map[string]struct{}, from, to string) bool {
	set, ok := m[from]
	if !ok {
		return false
	}
	if _, ok := set[to]; !ok {
		return false
	}
	delete(set, to)
	if len(set) == 0 {
		delete(m, from)
	}
	return true
}

func sorted(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
