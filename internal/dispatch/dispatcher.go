// Package dispatch runs a cycle's tasks across a team of agents,
// honoring dependency order and a global concurrency bound.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sgoodwin/foreman/internal/agent"
	"github.com/sgoodwin/foreman/internal/graph"
	"github.com/sgoodwin/foreman/pkg/models"
)

// DefaultMaxParallel is the concurrency bound used when none is set.
const DefaultMaxParallel = 3

// Hooks are optional callbacks fired as tasks move through the
// dispatcher. Callbacks run on dispatcher goroutines and must not block
// for long.
type Hooks struct {
	// TaskStarted fires when a task begins executing.
	TaskStarted func(task *models.Task)
	// TaskFinished fires when a task succeeds or fails. result is nil
	// when the agent returned no usable result.
	TaskFinished func(task *models.Task, result *agent.Result)
	// TaskSkipped fires when a task is abandoned without running.
	TaskSkipped func(task *models.Task)
	// Checkpoint fires after every terminal transition with a deep
	// copy of the whole batch, safe to serialize while other tasks
	// are still executing.
	Checkpoint func(tasks []*models.Task)
}

// Outcome summarizes one dispatch pass.
type Outcome struct {
	// Tasks holds every task with its final status, in plan order.
	Tasks []*models.Task
	// Results maps task ID to the agent result, for tasks that ran.
	Results map[string]*agent.Result
	// Succeeded, Failed and Skipped count final statuses.
	Succeeded int
	Failed    int
	Skipped   int
}

// Dispatcher executes task batches against a team of role-named agents.
type Dispatcher struct {
	team        map[string]*agent.Agent
	workdir     string
	maxParallel int64
	hooks       Hooks
}

// New creates a Dispatcher. team maps role names to agents; maxParallel
// bounds tasks executing at once across the whole team.
func New(team map[string]*agent.Agent, workdir string, maxParallel int, hooks Hooks) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Dispatcher{
		team:        team,
		workdir:     workdir,
		maxParallel: int64(maxParallel),
		hooks:       hooks,
	}
}

// taskDone carries a finished task execution back to the dispatch loop.
type taskDone struct {
	task   *models.Task
	result *agent.Result
	err    error
}

// Dispatch runs the batch until every task reaches a terminal status.
// A failed task fails alone; its dependents are skipped and unrelated
// tasks keep running. Cancellation stops launching new tasks, lets
// in-flight ones unwind, and skips the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, tasks []*models.Task) (*Outcome, error) {
	if len(tasks) == 0 {
		return &Outcome{Results: map[string]*agent.Result{}}, nil
	}

	for _, task := range tasks {
		if _, ok := d.team[task.Role]; !ok {
			return nil, fmt.Errorf("task %s: no agent for role %q", task.ID, task.Role)
		}
	}

	g := graph.New()
	if err := g.Build(tasks); err != nil {
		return nil, fmt.Errorf("build task graph: %w", err)
	}

	sem := semaphore.NewWeighted(d.maxParallel)
	doneCh := make(chan taskDone, len(tasks))
	launched := make(map[string]bool, len(tasks))
	inflight := 0

	launch := func(task *models.Task) {
		launched[task.ID] = true
		inflight++
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				doneCh <- taskDone{task: task, err: err}
				return
			}
			defer sem.Release(1)

			// All task field writes go through the graph so its lock
			// guards them against concurrent snapshots.
			g.MarkRunning(task.ID)
			if d.hooks.TaskStarted != nil {
				d.hooks.TaskStarted(task)
			}

			result, err := d.team[task.Role].Run(ctx, task, d.workdir)
			doneCh <- taskDone{task: task, result: result, err: err}
		}()
	}

	results := make(map[string]*agent.Result, len(tasks))

	for {
		if ctx.Err() == nil {
			for _, task := range g.Ready() {
				if !launched[task.ID] {
					launch(task)
				}
			}
		}
		if inflight == 0 {
			break
		}

		done := <-doneCh
		inflight--

		task := done.task
		now := time.Now()
		task.CompletedAt = &now
		if done.result != nil {
			results[task.ID] = done.result
			task.Output = done.result.Output
		}

		switch {
		case done.err == nil:
			g.MarkSucceeded(task.ID)
			if d.hooks.TaskFinished != nil {
				d.hooks.TaskFinished(task, done.result)
			}

		case errors.Is(done.err, context.Canceled) || errors.Is(done.err, context.DeadlineExceeded):
			// Interrupted, not broken. The task never finished, so it
			// stays eligible for re-dispatch on resume.
			g.MarkSkipped(task.ID, models.SkipReasonCancelled)
			if d.hooks.TaskSkipped != nil {
				d.hooks.TaskSkipped(task)
			}

		default:
			log.Printf("[dispatch] task %s (%s) failed: %v", task.ID, task.Role, done.err)
			skipped := g.MarkFailed(task.ID, done.err.Error())
			if d.hooks.TaskFinished != nil {
				d.hooks.TaskFinished(task, done.result)
			}
			for _, s := range skipped {
				if d.hooks.TaskSkipped != nil {
					d.hooks.TaskSkipped(s)
				}
			}
		}

		if d.hooks.Checkpoint != nil {
			d.hooks.Checkpoint(g.Snapshot())
		}
	}

	if ctx.Err() != nil {
		skipped := g.SkipPending(models.SkipReasonCancelled)
		for _, s := range skipped {
			if d.hooks.TaskSkipped != nil {
				d.hooks.TaskSkipped(s)
			}
		}
		if len(skipped) > 0 && d.hooks.Checkpoint != nil {
			d.hooks.Checkpoint(g.Snapshot())
		}
	}

	outcome := &Outcome{Tasks: g.Tasks(), Results: results}
	for _, task := range outcome.Tasks {
		switch task.Status {
		case models.TaskStatusSucceeded:
			outcome.Succeeded++
		case models.TaskStatusFailed:
			outcome.Failed++
		case models.TaskStatusSkipped:
			outcome.Skipped++
		}
	}

	if err := ctx.Err(); err != nil {
		return outcome, err
	}
	return outcome, nil
}
