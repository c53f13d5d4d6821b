// Package graph provides a dependency graph for task scheduling.
package graph

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sgoodwin/foreman/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found in the task graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// DependencyGraph is a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
// Task statuses drive scheduling: a task becomes ready once every
// dependency has succeeded, and a failed dependency skips the whole
// downstream subtree.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// order preserves insertion order so scheduling is deterministic.
	order []string
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes: make(map[string]*models.Task),
		edges: make(map[string][]string),
	}
}

// Build constructs the dependency graph from a slice of tasks.
// Returns an error on duplicate IDs, dependencies that reference
// unknown tasks, or cycles (including self-dependencies).
func (g *DependencyGraph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, task := range tasks {
		if _, exists := g.nodes[task.ID]; exists {
			return fmt.Errorf("duplicate task id %s", task.ID)
		}
		g.nodes[task.ID] = task
		g.edges[task.ID] = nil
		g.order = append(g.order, task.ID)
	}

	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("task %s depends on unknown task %s", task.ID, depID)
			}
			g.edges[task.ID] = append(g.edges[task.ID], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked detects back edges via depth-first search with
// coloring. Assumes the lock is held.
func (g *DependencyGraph) hasCycleLocked() bool {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs in an order where all dependencies
// come before the tasks that depend on them.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.hasCycleLocked() {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	var result []string

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true

		for _, depID := range g.edges[id] {
			visit(depID)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Ready returns pending tasks whose dependencies have all succeeded,
// in insertion order. These can be dispatched in parallel.
func (g *DependencyGraph) Ready() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []*models.Task
	for _, id := range g.order {
		task := g.nodes[id]
		if task.Status != models.TaskStatusPending {
			continue
		}

		satisfied := true
		for _, depID := range g.edges[id] {
			if g.nodes[depID].Status != models.TaskStatusSucceeded {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, task)
		}
	}
	return ready
}

// MarkRunning transitions a task to running, stamping its start time
// and attempt count. Task fields are only ever written under the graph
// lock so Snapshot sees consistent state.
func (g *DependencyGraph) MarkRunning(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task, ok := g.nodes[taskID]; ok {
		task.Status = models.TaskStatusRunning
		now := time.Now()
		task.StartedAt = &now
		task.Attempts++
	}
}

// MarkSucceeded transitions a task to succeeded, unblocking dependents.
func (g *DependencyGraph) MarkSucceeded(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task, ok := g.nodes[taskID]; ok {
		task.Status = models.TaskStatusSucceeded
	}
}

// MarkFailed transitions a task to failed and skips every pending task
// downstream of it. Returns the skipped tasks; each one's SkipReason
// names the dependency that doomed it.
func (g *DependencyGraph) MarkFailed(taskID, errMsg string) []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	task, ok := g.nodes[taskID]
	if !ok {
		return nil
	}
	task.Status = models.TaskStatusFailed
	task.Error = errMsg

	return g.skipDownstreamLocked()
}

// MarkSkipped transitions one task to skipped with the given reason.
func (g *DependencyGraph) MarkSkipped(taskID, reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if task, ok := g.nodes[taskID]; ok {
		task.Status = models.TaskStatusSkipped
		task.SkipReason = reason
	}
}

// SkipPending marks every pending task skipped with the given reason.
// Used when a run is cancelled mid-cycle. Returns the skipped tasks.
func (g *DependencyGraph) SkipPending(reason string) []*models.Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var skipped []*models.Task
	for _, id := range g.order {
		task := g.nodes[id]
		if task.Status == models.TaskStatusPending {
			task.Status = models.TaskStatusSkipped
			task.SkipReason = reason
			skipped = append(skipped, task)
		}
	}
	return skipped
}

// skipDownstreamLocked skips pending tasks that can no longer run
// because a dependency failed or was itself skipped. Iterates until a
// fixed point so skips propagate through chains.
func (g *DependencyGraph) skipDownstreamLocked() []*models.Task {
	var skipped []*models.Task
	for {
		changed := false
		for _, id := range g.order {
			task := g.nodes[id]
			if task.Status != models.TaskStatusPending {
				continue
			}
			for _, depID := range g.edges[id] {
				dep := g.nodes[depID]
				if dep.Status == models.TaskStatusFailed || dep.Status == models.TaskStatusSkipped {
					task.Status = models.TaskStatusSkipped
					task.SkipReason = fmt.Sprintf("dependency %s %s", depID, dep.Status)
					skipped = append(skipped, task)
					changed = true
					break
				}
			}
		}
		if !changed {
			return skipped
		}
	}
}

// Done returns true once every task has reached a terminal status.
func (g *DependencyGraph) Done() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, task := range g.nodes {
		if !task.Status.Terminal() {
			return false
		}
	}
	return true
}

// Task returns the task for a given ID, or nil if not found.
func (g *DependencyGraph) Task(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of tasks in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// Dependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// Tasks returns all tasks in insertion order.
func (g *DependencyGraph) Tasks() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, g.nodes[id])
	}
	return tasks
}

// Snapshot returns deep copies of all tasks in insertion order. The
// copies are safe to read or serialize while workers keep mutating the
// graph's tasks.
func (g *DependencyGraph) Snapshot() []*models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tasks := make([]*models.Task, 0, len(g.order))
	for _, id := range g.order {
		tasks = append(tasks, g.nodes[id].Clone())
	}
	return tasks
}
