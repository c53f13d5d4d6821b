package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgoodwin/foreman/internal/agent"
	"github.com/sgoodwin/foreman/internal/checkpoint"
	"github.com/sgoodwin/foreman/internal/config"
	"github.com/sgoodwin/foreman/internal/cost"
	"github.com/sgoodwin/foreman/internal/dispatch"
	"github.com/sgoodwin/foreman/internal/session"
	"github.com/sgoodwin/foreman/pkg/models"
)

// ErrRunFinished indicates a resume was attempted on a run that already
// reached a terminal status.
var ErrRunFinished = errors.New("run already finished")

// maxFailureContext caps how many failure accounts are carried into
// planning.
const maxFailureContext = 10

// pausePollInterval is how often a paused run rechecks its signals.
const pausePollInterval = 2 * time.Second

// Options wires an Orchestrator together. Config, Team and Planner are
// required; everything else degrades gracefully when nil.
type Options struct {
	Config     *config.Config
	Team       map[string]*agent.Agent
	Planner    *Planner
	Summarizer *Summarizer
	Verifier   Verifier
	Store      *checkpoint.Store
	Accountant *cost.Accountant
	Emitter    *EventEmitter
	RunLog     *RunLog
	Signals    *SignalWatcher
	Workdir    string
}

// Orchestrator owns the cycle state machine for one run at a time.
type Orchestrator struct {
	cfg        *config.Config
	team       map[string]*agent.Agent
	planner    *Planner
	summarizer *Summarizer
	verifier   Verifier
	store      *checkpoint.Store
	accountant *cost.Accountant
	emitter    *EventEmitter
	runLog     *RunLog
	ownRunLog  bool
	signals    *SignalWatcher
	workdir    string
	monitor    *cost.ContextMonitor

	priorSummary   string
	failureContext []string
	rejections     int
	barrenCycles   int
	lastTasks      []*models.Task
}

// New creates an Orchestrator from options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if len(opts.Team) == 0 {
		return nil, fmt.Errorf("team is required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("planner is required")
	}
	if opts.Verifier == nil {
		opts.Verifier = AcceptAll{}
	}
	if opts.Summarizer == nil {
		opts.Summarizer = NewSummarizer(nil)
	}
	if opts.Accountant == nil {
		opts.Accountant = cost.NewAccountant(nil)
	}

	monitor := cost.NewContextMonitor(0)
	for role, ag := range opts.Team {
		monitor.SetBudget(role, ag.ContextBudget())
	}

	return &Orchestrator{
		cfg:        opts.Config,
		team:       opts.Team,
		planner:    opts.Planner,
		summarizer: opts.Summarizer,
		verifier:   opts.Verifier,
		store:      opts.Store,
		accountant: opts.Accountant,
		emitter:    opts.Emitter,
		runLog:     opts.RunLog,
		signals:    opts.Signals,
		workdir:    opts.Workdir,
		monitor:    monitor,
	}, nil
}

// Accountant returns the run's cost accountant.
func (o *Orchestrator) Accountant() *cost.Accountant {
	return o.accountant
}

// Run drives a fresh goal to a terminal status.
func (o *Orchestrator) Run(ctx context.Context, goal string) (*models.Run, error) {
	run := &models.Run{
		ID:        uuid.New().String(),
		Goal:      goal,
		Status:    models.RunStatusRunning,
		Workdir:   o.workdir,
		StartedAt: time.Now(),
	}
	o.saveRun(run)
	o.openRunLog(run.ID)
	o.emit(Event{Type: EventRunStarted, RunID: run.ID, CycleIndex: -1, Message: goal})

	return o.loop(ctx, run, nil)
}

// Resume picks up a checkpointed run. Terminal task outcomes from the
// interrupted cycle are kept; only incomplete tasks are re-dispatched.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*models.Run, error) {
	if o.store == nil {
		return nil, fmt.Errorf("resume requires a checkpoint store")
	}
	snap, err := o.store.LoadLatest(runID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}

	run := snap.Run
	switch run.Status {
	case models.RunStatusRunning:
	case models.RunStatusCancelled:
		// A graceful stop leaves the run resumable.
		run.Status = models.RunStatusRunning
		run.CompletedAt = nil
		o.saveRun(run)
	default:
		return nil, fmt.Errorf("run %s is %s: %w", runID, run.Status, ErrRunFinished)
	}

	o.priorSummary = snap.PriorSummary
	o.failureContext = snap.FailureContext
	o.lastTasks = snap.Tasks
	o.restoreSessions(snap.Sessions)

	leftover := snap.IncompleteTasks()
	for _, task := range leftover {
		// A task caught mid-flight never reported a result; run it
		// again from scratch.
		task.Status = models.TaskStatusPending
		task.SkipReason = ""
		task.StartedAt = nil
		task.CompletedAt = nil
	}

	o.openRunLog(run.ID)
	o.emit(Event{Type: EventRunStarted, RunID: run.ID, CycleIndex: -1,
		Message: fmt.Sprintf("resumed from checkpoint %d with %d incomplete tasks", snap.Seq, len(leftover))})

	return o.loop(ctx, run, leftover)
}

// restoreSessions seeds team sessions from checkpointed state. CLI
// conversations resume by ID; API history cannot be revived remotely,
// so those roles start fresh and rely on the prior summary.
func (o *Orchestrator) restoreSessions(states []checkpoint.SessionState) {
	for _, state := range states {
		ag, ok := o.team[state.Role]
		if !ok || state.ConversationID == "" {
			continue
		}
		sess := ag.Session()
		if rs, ok := sess.(*session.RetrySession); ok {
			sess = rs.Unwrap()
		}
		if cli, ok := sess.(*session.CLISession); ok {
			cli.SetConversationID(state.ConversationID)
		}
	}
}

// loop is the cycle state machine. leftover, when non-empty, is an
// interrupted cycle's remainder and is dispatched before any new
// planning happens.
func (o *Orchestrator) loop(ctx context.Context, run *models.Run, leftover []*models.Task) (*models.Run, error) {
	maxCycles := o.cfg.Orchestrator.MaxCycles

	for len(run.Cycles) <= maxCycles {
		if err := o.waitWhilePaused(ctx, run); err != nil {
			return o.cancelled(run, err)
		}

		var tasks []*models.Task
		var cycle *models.Cycle

		if len(leftover) > 0 {
			tasks = leftover
			leftover = nil
			cycle = run.CurrentCycle()
			if cycle == nil {
				cycle = o.newCycle(run, tasks)
			}
		} else {
			cycleIndex := len(run.Cycles)
			if cycleIndex >= maxCycles {
				break
			}
			o.emit(Event{Type: EventCycleStarted, RunID: run.ID, CycleIndex: cycleIndex})

			plan, err := o.plan(ctx, run)
			if err != nil {
				if ctx.Err() != nil {
					return o.cancelled(run, ctx.Err())
				}
				return o.escalate(run, fmt.Sprintf("planning failed: %v", err)), nil
			}

			if plan.Done {
				done, result := o.handleCompletionClaim(ctx, run, plan)
				if done {
					return result, nil
				}
				continue
			}

			tasks = plan.Tasks
			cycle = o.newCycle(run, tasks)
			o.emit(Event{Type: EventPlanReady, RunID: run.ID, CycleIndex: cycle.Index,
				Message: fmt.Sprintf("%d tasks planned", len(tasks))})
		}

		for _, task := range tasks {
			task.RunID = run.ID
			task.CycleIndex = cycle.Index
		}
		o.checkpointTasks(run, tasks)

		outcome, err := o.dispatchCycle(ctx, run, cycle, tasks)
		if err != nil {
			o.checkpointTasks(run, tasks)
			return o.cancelled(run, err)
		}

		o.collect(ctx, run, cycle, outcome)
		o.checkpointTasks(run, outcome.Tasks)

		if outcome.Succeeded == 0 {
			o.barrenCycles++
		} else {
			o.barrenCycles = 0
			o.rejections = 0
		}
		if o.barrenCycles >= o.cfg.Orchestrator.MaxBarrenCycles {
			return o.escalate(run, fmt.Sprintf("no task succeeded in %d consecutive cycles", o.barrenCycles)), nil
		}
	}

	return o.escalate(run, fmt.Sprintf("cycle budget of %d exhausted", maxCycles)), nil
}

// plan runs one planning exchange and accounts for its usage.
func (o *Orchestrator) plan(ctx context.Context, run *models.Run) (*Plan, error) {
	before := o.planner.Session().Stats()
	plan, err := o.planner.Plan(ctx, run.Goal, o.priorSummary, o.failureContext)
	o.recordUsage(run, len(run.Cycles), "planner", o.planner.Session(), before)
	return plan, err
}

// handleCompletionClaim verifies a done claim. Returns (true, run) when
// the run is finished; (false, nil) sends the loop into another cycle.
func (o *Orchestrator) handleCompletionClaim(ctx context.Context, run *models.Run, plan *Plan) (bool, *models.Run) {
	var before session.Stats
	holder, holds := o.verifier.(interface{ Session() session.Session })
	if holds {
		before = holder.Session().Stats()
	}

	accepted, reason, err := o.verifier.Verify(ctx, run.Goal, plan.Summary, o.workdir)
	if holds {
		o.recordUsage(run, len(run.Cycles), "verifier", holder.Session(), before)
	}
	if err != nil {
		if ctx.Err() != nil {
			run, _ = o.cancelled(run, ctx.Err())
			return true, run
		}
		reason = fmt.Sprintf("verification failed: %v", err)
	}

	if accepted {
		return true, o.done(run, plan.Summary)
	}

	o.rejections++
	o.emit(Event{Type: EventVerifyRejected, RunID: run.ID, CycleIndex: len(run.Cycles), Err: reason})
	o.pushFailure(fmt.Sprintf("completion claim rejected: %s", reason))

	if o.rejections >= o.cfg.Orchestrator.MaxVerifyRejections {
		return true, o.escalate(run, fmt.Sprintf("completion claim rejected %d times, last: %s", o.rejections, reason))
	}
	return false, nil
}

// newCycle appends a cycle record for a planned batch.
func (o *Orchestrator) newCycle(run *models.Run, tasks []*models.Task) *models.Cycle {
	cycle := &models.Cycle{
		RunID:     run.ID,
		Index:     len(run.Cycles),
		StartedAt: time.Now(),
	}
	for _, task := range tasks {
		cycle.TaskIDs = append(cycle.TaskIDs, task.ID)
	}
	run.Cycles = append(run.Cycles, cycle)
	return cycle
}

// dispatchCycle runs one batch, streaming task events and checkpoints
// as tasks finish. The context is additionally cancelled by the
// operator's cancel signal.
func (o *Orchestrator) dispatchCycle(ctx context.Context, run *models.Run, cycle *models.Cycle, tasks []*models.Task) (*dispatch.Outcome, error) {
	dispatchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.signals != nil {
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-dispatchCtx.Done():
					return
				case <-ticker.C:
					if o.signals.ShouldCancel() {
						cancel()
						return
					}
				}
			}
		}()
	}

	hooks := dispatch.Hooks{
		TaskStarted: func(task *models.Task) {
			o.emit(Event{Type: EventTaskStarted, RunID: run.ID, CycleIndex: cycle.Index,
				TaskID: task.ID, Role: task.Role, Message: task.Title})
		},
		TaskFinished: func(task *models.Task, result *agent.Result) {
			o.recordTask(run, cycle, task, result)
			eventType := EventTaskSucceeded
			var errMsg string
			if task.Status == models.TaskStatusFailed {
				eventType = EventTaskFailed
				errMsg = task.Error
			}
			o.emit(Event{Type: eventType, RunID: run.ID, CycleIndex: cycle.Index,
				TaskID: task.ID, Role: task.Role, Message: task.Title, Err: errMsg})
		},
		TaskSkipped: func(task *models.Task) {
			o.emit(Event{Type: EventTaskSkipped, RunID: run.ID, CycleIndex: cycle.Index,
				TaskID: task.ID, Role: task.Role, Message: task.SkipReason})
		},
		// The dispatcher hands over a deep copy taken under its graph
		// lock, so serializing here cannot race with workers that are
		// still mutating their own tasks.
		Checkpoint: func(snapshot []*models.Task) {
			o.checkpointTasks(run, snapshot)
		},
	}

	dispatcher := dispatch.New(o.team, o.workdir, o.cfg.Orchestrator.MaxParallel, hooks)
	return dispatcher.Dispatch(dispatchCtx, tasks)
}

// collect folds a dispatch outcome into the cycle record and prepares
// context for the next planning pass.
func (o *Orchestrator) collect(ctx context.Context, run *models.Run, cycle *models.Cycle, outcome *dispatch.Outcome) {
	cycle.Succeeded = outcome.Succeeded
	cycle.Failed = outcome.Failed
	cycle.Skipped = outcome.Skipped

	for _, task := range outcome.Tasks {
		if task.Status == models.TaskStatusFailed {
			o.pushFailure(fmt.Sprintf("task %q failed: %s", task.Title, task.Error))
		}
	}

	var before session.Stats
	if o.summarizer.Session() != nil {
		before = o.summarizer.Session().Stats()
	}
	summary := o.summarizer.Summarize(ctx, outcome)
	if o.summarizer.Session() != nil {
		o.recordUsage(run, cycle.Index, "summarizer", o.summarizer.Session(), before)
	}

	cycle.Summary = summary
	o.priorSummary = summary

	cycleTotal := o.accountant.CycleTotal(cycle.Index)
	cycle.CostUSD = cycleTotal.CostUSD
	cycle.Tokens = cycleTotal.TotalTokens()
	now := time.Now()
	cycle.CompletedAt = &now
	cycle.Verdict = models.VerdictContinue

	total := o.accountant.Total()
	run.TotalCostUSD = total.CostUSD
	run.TotalTokens = total.TotalTokens()

	for role, ag := range o.team {
		o.monitor.Observe(role, ag.Session().Stats().TotalTokens())
	}
	if pressured := o.monitor.Pressured(); len(pressured) > 0 {
		log.Printf("[orchestrator] context pressure for roles %s; conversations reset before their next task",
			strings.Join(pressured, ", "))
	}

	o.emit(Event{Type: EventCycleSummarized, RunID: run.ID, CycleIndex: cycle.Index, Message: summary})
}

// recordTask accounts for one task execution.
func (o *Orchestrator) recordTask(run *models.Run, cycle *models.Cycle, task *models.Task, result *agent.Result) {
	if result == nil {
		return
	}
	sess := o.team[task.Role].Session()
	o.accountant.Record(models.CostRecord{
		RunID:        run.ID,
		CycleIndex:   cycle.Index,
		TaskID:       task.ID,
		Role:         task.Role,
		Backend:      string(sess.Kind()),
		Model:        sess.Model(),
		Bucket:       sess.Bucket(),
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CostUSD:      result.CostUSD,
	})
}

// recordUsage accounts for an orchestration exchange (planning,
// summarizing, verifying) by diffing session counters.
func (o *Orchestrator) recordUsage(run *models.Run, cycleIndex int, role string, sess session.Session, before session.Stats) {
	after := sess.Stats()

	in := after.InputTokens - before.InputTokens
	out := after.OutputTokens - before.OutputTokens
	costUSD := after.CostUSD - before.CostUSD
	if after.Restarts != before.Restarts {
		// Counters were zeroed by a reset mid-exchange; the post-reset
		// numbers are the best available accounting.
		in, out, costUSD = after.InputTokens, after.OutputTokens, after.CostUSD
	}
	if in == 0 && out == 0 {
		return
	}

	o.accountant.Record(models.CostRecord{
		RunID:        run.ID,
		CycleIndex:   cycleIndex,
		Role:         role,
		Backend:      string(sess.Kind()),
		Model:        sess.Model(),
		Bucket:       sess.Bucket(),
		InputTokens:  in,
		OutputTokens: out,
		CostUSD:      costUSD,
	})
}

// pushFailure appends to the failure context, keeping only the most
// recent entries.
func (o *Orchestrator) pushFailure(msg string) {
	o.failureContext = append(o.failureContext, msg)
	if len(o.failureContext) > maxFailureContext {
		o.failureContext = o.failureContext[len(o.failureContext)-maxFailureContext:]
	}
}

// waitWhilePaused blocks while the pause signal is present. Returns an
// error when the run should stop instead of continuing.
func (o *Orchestrator) waitWhilePaused(ctx context.Context, run *models.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if o.signals == nil {
		return nil
	}
	if o.signals.ShouldCancel() {
		return context.Canceled
	}

	for o.signals.ShouldPause() {
		log.Printf("[orchestrator] run %s paused, waiting for signal to clear", run.ID)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pausePollInterval):
		}
		if o.signals.ShouldCancel() {
			return context.Canceled
		}
	}
	return nil
}

// done closes the run as successfully completed.
func (o *Orchestrator) done(run *models.Run, summary string) *models.Run {
	run.Status = models.RunStatusDone
	run.FinalSummary = summary
	if c := run.CurrentCycle(); c != nil {
		c.Verdict = models.VerdictDone
	}
	o.finish(run, Event{Type: EventRunDone, RunID: run.ID, CycleIndex: -1, Message: summary})
	return run
}

// escalate closes the run as needing a human.
func (o *Orchestrator) escalate(run *models.Run, reason string) *models.Run {
	run.Status = models.RunStatusEscalated
	run.EscalationReason = reason
	run.FinalSummary = o.priorSummary
	if c := run.CurrentCycle(); c != nil {
		c.Verdict = models.VerdictEscalate
	}
	o.finish(run, Event{Type: EventRunEscalated, RunID: run.ID, CycleIndex: -1, Err: reason})
	return run
}

// cancelled closes the run after an operator stop or context cancel.
func (o *Orchestrator) cancelled(run *models.Run, cause error) (*models.Run, error) {
	run.Status = models.RunStatusCancelled
	o.finish(run, Event{Type: EventRunCancelled, RunID: run.ID, CycleIndex: -1, Err: cause.Error()})
	return run, cause
}

// finish stamps the run, persists it and emits the closing event.
func (o *Orchestrator) finish(run *models.Run, event Event) {
	now := time.Now()
	run.CompletedAt = &now

	total := o.accountant.Total()
	run.TotalCostUSD = total.CostUSD
	run.TotalTokens = total.TotalTokens()

	o.saveRun(run)
	o.checkpointTasks(run, nil)
	o.emit(event)

	if o.ownRunLog && o.runLog != nil {
		if err := o.runLog.Close(); err != nil {
			log.Printf("[orchestrator] close run log: %v", err)
		}
		o.runLog = nil
		o.ownRunLog = false
	}
}

// openRunLog lazily opens a per-run JSONL log under the project
// directory when none was injected.
func (o *Orchestrator) openRunLog(runID string) {
	if o.runLog != nil || o.workdir == "" {
		return
	}
	rl, err := OpenRunLog(o.workdir, runID)
	if err != nil {
		log.Printf("[orchestrator] open run log: %v", err)
		return
	}
	o.runLog = rl
	o.ownRunLog = true
}

// checkpointTasks persists a snapshot. Persistence is best effort; a
// storage failure is logged, never fatal to the run.
func (o *Orchestrator) checkpointTasks(run *models.Run, tasks []*models.Task) {
	if o.store == nil {
		return
	}
	if tasks != nil {
		o.lastTasks = tasks
	} else {
		// Terminal snapshots keep the final cycle's tasks so a
		// cancelled run can still be resumed.
		tasks = o.lastTasks
	}

	snap := &checkpoint.Snapshot{
		Run:            run,
		Tasks:          tasks,
		FailureContext: o.failureContext,
		PriorSummary:   o.priorSummary,
	}
	for role, ag := range o.team {
		sess := ag.Session()
		snap.Sessions = append(snap.Sessions, checkpoint.SessionState{
			Role:           role,
			Backend:        string(sess.Kind()),
			ConversationID: sess.ConversationID(),
			Stats:          sess.Stats(),
		})
	}

	if _, err := o.store.Save(snap); err != nil {
		log.Printf("[orchestrator] save checkpoint: %v", err)
	}
}

// saveRun persists the run row, best effort.
func (o *Orchestrator) saveRun(run *models.Run) {
	if o.store == nil {
		return
	}
	if err := o.store.SaveRun(run); err != nil {
		log.Printf("[orchestrator] save run: %v", err)
	}
}

// emit publishes an event to the subscriber channel and the run log.
func (o *Orchestrator) emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if o.emitter != nil {
		o.emitter.Emit(event)
	}
	if o.runLog != nil {
		if err := o.runLog.Append(event); err != nil {
			log.Printf("[orchestrator] append run log: %v", err)
		}
	}
}
