package batch

import (
	"fmt"
	"sort"
	"sync"

	"github.com/draftmill/flywheel/core"
)

type opStatus int

const (
	opPending opStatus = iota
	opRunning
	opCompleted
	opFailed
	opSkipped
)

type depNode struct {
	id         string
	dependsOn  []string
	dependents []string
	status     opStatus
	failure    error
}

// depGraph tracks operation dependencies and completion state during one
// batch execution.
type depGraph struct {
	mu    sync.RWMutex
	nodes map[string]*depNode
	order []string
}

func newDepGraph(ops []*Operation) *depGraph {
	g := &depGraph{nodes: make(map[string]*depNode, len(ops))}
	for _, op := range ops {
		deps := make([]string, len(op.DependsOn))
		copy(deps, op.DependsOn)
		g.nodes[op.ID] = &depNode{id: op.ID, dependsOn: deps}
		g.order = append(g.order, op.ID)
	}
	for _, node := range g.nodes {
		for _, dep := range node.dependsOn {
			if parent, ok := g.nodes[dep]; ok {
				parent.dependents = append(parent.dependents, node.id)
			}
		}
	}
	return g
}

// validate rejects references to unknown operations and dependency cycles.
// Runs before any operation executes.
func (g *depGraph) validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, id := range g.order {
		for _, dep := range g.nodes[id].dependsOn {
			if _, ok := g.nodes[dep]; !ok {
				return &core.PlatformError{
					Op:      "batch.Execute",
					Kind:    "validation",
					ID:      id,
					Message: fmt.Sprintf("operation %q depends on unknown operation %q", id, dep),
					Err:     core.ErrInvalidInput,
				}
			}
		}
	}

	visited := make(map[string]bool, len(g.nodes))
	inStack := make(map[string]bool, len(g.nodes))
	for _, id := range g.order {
		if !visited[id] {
			if cycle := g.findCycle(id, visited, inStack); cycle != "" {
				return &core.PlatformError{
					Op:      "batch.Execute",
					Kind:    "validation",
					ID:      cycle,
					Message: fmt.Sprintf("dependency cycle through operation %q", cycle),
					Err:     core.ErrCycleDetected,
				}
			}
		}
	}
	return nil
}

func (g *depGraph) findCycle(id string, visited, inStack map[string]bool) string {
	visited[id] = true
	inStack[id] = true
	for _, dep := range g.nodes[id].dependsOn {
		if !visited[dep] {
			if cycle := g.findCycle(dep, visited, inStack); cycle != "" {
				return cycle
			}
		} else if inStack[dep] {
			return dep
		}
	}
	inStack[id] = false
	return ""
}

// levels groups operations into waves where every operation's dependencies
// live in an earlier wave. Operations inside a wave are independent.
func (g *depGraph) levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	placed := make(map[string]bool, len(g.nodes))
	var out [][]string
	for len(placed) < len(g.nodes) {
		var wave []string
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range g.nodes[id].dependsOn {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			// Unreachable after validate; bail rather than spin.
			break
		}
		for _, id := range wave {
			placed[id] = true
		}
		out = append(out, wave)
	}
	return out
}

// topological returns a full execution order, stable with respect to the
// order operations were added.
func (g *depGraph) topological() []string {
	var out []string
	for _, wave := range g.levels() {
		out = append(out, wave...)
	}
	return out
}

type claimResult int

const (
	// claimWait means the operation is pending on unfinished dependencies.
	claimWait claimResult = iota
	// claimStarted means the caller now owns the operation and must run it.
	claimStarted
	// claimBlocked means a dependency failed or was skipped.
	claimBlocked
	// claimDone means the operation already reached a terminal state.
	claimDone
)

// claim atomically inspects an operation's dependencies and, when they are
// all complete, transitions it to running. Exactly one caller wins the
// transition.
func (g *depGraph) claim(id string) (claimResult, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node := g.nodes[id]
	if node.status != opPending {
		return claimDone, ""
	}
	waiting := false
	for _, dep := range node.dependsOn {
		switch g.nodes[dep].status {
		case opFailed, opSkipped:
			return claimBlocked, dep
		case opCompleted:
		default:
			waiting = true
		}
	}
	if waiting {
		return claimWait, ""
	}
	node.status = opRunning
	return claimStarted, ""
}

func (g *depGraph) markCompleted(id string) {
	g.mu.Lock()
	g.nodes[id].status = opCompleted
	g.mu.Unlock()
}

func (g *depGraph) markFailed(id string, err error) {
	g.mu.Lock()
	g.nodes[id].status = opFailed
	g.nodes[id].failure = err
	g.mu.Unlock()
}

// failIfPending transitions a pending operation straight to failed. Returns
// false when the operation already ran or is running.
func (g *depGraph) failIfPending(id string, err error) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	node := g.nodes[id]
	if node.status != opPending {
		return false
	}
	node.status = opFailed
	node.failure = err
	return true
}

func (g *depGraph) dependentsOf(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, len(g.nodes[id].dependents))
	copy(out, g.nodes[id].dependents)
	return out
}

// markSkipped flags an operation that will never run, along with everything
// downstream of it.
func (g *depGraph) markSkipped(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.skipLocked(id)
}

func (g *depGraph) skipLocked(id string) {
	node := g.nodes[id]
	if node.status != opPending {
		return
	}
	node.status = opSkipped
	for _, dep := range node.dependents {
		g.skipLocked(dep)
	}
}

func (g *depGraph) statusOf(id string) opStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id].status
}

// pendingIDs returns operations that never reached a terminal state, sorted
// by id.
func (g *depGraph) pendingIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []string
	for _, id := range g.order {
		if s := g.nodes[id].status; s == opPending || s == opRunning {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
