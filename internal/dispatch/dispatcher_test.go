package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sgoodwin/foreman/internal/agent"
	"github.com/sgoodwin/foreman/internal/session"
	"github.com/sgoodwin/foreman/pkg/models"
)

// gauge tracks how many sessions are executing at once.
type gauge struct {
	current atomic.Int32
	peak    atomic.Int32
}

func (g *gauge) enter() {
	cur := g.current.Add(1)
	for {
		peak := g.peak.Load()
		if cur <= peak || g.peak.CompareAndSwap(peak, cur) {
			return
		}
	}
}

func (g *gauge) exit() { g.current.Add(-1) }

// stubSession completes after a fixed delay, optionally failing.
type stubSession struct {
	delay time.Duration
	fail  error
	g     *gauge

	mu    sync.Mutex
	order *[]string
}

var _ session.Session = (*stubSession)(nil)

func (s *stubSession) Send(ctx context.Context, prompt, workdir string) (*session.Reply, error) {
	if s.g != nil {
		s.g.enter()
		defer s.g.exit()
	}
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if s.fail != nil {
		return nil, s.fail
	}
	return &session.Reply{Text: "done: " + prompt, Turns: 1, InputTokens: 10, OutputTokens: 5}, nil
}

func (s *stubSession) Reset() error              { return nil }
func (s *stubSession) Stats() session.Stats      { return session.Stats{} }
func (s *stubSession) Kind() session.Kind        { return session.KindCLI }
func (s *stubSession) Bucket() models.CostBucket { return models.BucketFlatRate }
func (s *stubSession) Model() string             { return "test" }
func (s *stubSession) ConversationID() string    { return "" }

func newTask(id, role string, deps ...string) *models.Task {
	return &models.Task{ID: id, Title: id, Role: role, Status: models.TaskStatusPending, DependsOn: deps}
}

func teamOf(sessions map[string]session.Session) map[string]*agent.Agent {
	team := make(map[string]*agent.Agent, len(sessions))
	for role, sess := range sessions {
		team[role] = agent.New(agent.Config{Role: role}, sess)
	}
	return team
}

func TestDispatchRespectsConcurrencyBound(t *testing.T) {
	g := &gauge{}
	sessions := make(map[string]session.Session)
	var tasks []*models.Task
	for i := 0; i < 5; i++ {
		role := fmt.Sprintf("worker%d", i)
		sessions[role] = &stubSession{delay: 30 * time.Millisecond, g: g}
		tasks = append(tasks, newTask(fmt.Sprintf("t%d", i), role))
	}

	d := New(teamOf(sessions), "", 2, Hooks{})
	outcome, err := d.Dispatch(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Succeeded != 5 {
		t.Errorf("Succeeded = %d, want 5", outcome.Succeeded)
	}
	if peak := g.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
	if peak := g.peak.Load(); peak < 2 {
		t.Errorf("peak concurrency = %d, independent tasks should run in parallel", peak)
	}
}

func TestDispatchHonorsDependencyOrder(t *testing.T) {
	var mu sync.Mutex
	var finished []string
	hooks := Hooks{
		TaskFinished: func(task *models.Task, _ *agent.Result) {
			mu.Lock()
			finished = append(finished, task.ID)
			mu.Unlock()
		},
	}

	sessions := map[string]session.Session{
		"w": &stubSession{delay: 5 * time.Millisecond},
	}
	tasks := []*models.Task{
		newTask("c", "w", "b"),
		newTask("a", "w"),
		newTask("b", "w", "a"),
	}

	d := New(teamOf(sessions), "", 3, hooks)
	outcome, err := d.Dispatch(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Succeeded != 3 {
		t.Fatalf("Succeeded = %d, want 3", outcome.Succeeded)
	}

	pos := make(map[string]int)
	for i, id := range finished {
		pos[id] = i
	}
	if pos["a"] > pos["b"] || pos["b"] > pos["c"] {
		t.Errorf("finish order %v violates dependencies", finished)
	}
}

func TestDispatchSkipsDependentsOfFailedTask(t *testing.T) {
	var skipped []*models.Task
	var mu sync.Mutex
	hooks := Hooks{
		TaskSkipped: func(task *models.Task) {
			mu.Lock()
			skipped = append(skipped, task)
			mu.Unlock()
		},
	}

	sessions := map[string]session.Session{
		"bad":  &stubSession{delay: time.Millisecond, fail: session.ErrRetriesExhausted},
		"good": &stubSession{delay: time.Millisecond},
	}
	tasks := []*models.Task{
		newTask("a", "bad"),
		newTask("b", "good", "a"),
		newTask("c", "good", "b"),
		newTask("d", "good"),
	}

	d := New(teamOf(sessions), "", 3, hooks)
	outcome, err := d.Dispatch(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if outcome.Failed != 1 || outcome.Skipped != 2 || outcome.Succeeded != 1 {
		t.Errorf("outcome = %d/%d/%d succeeded/failed/skipped, want 1/1/2",
			outcome.Succeeded, outcome.Failed, outcome.Skipped)
	}
	if len(skipped) != 2 {
		t.Fatalf("skip hook fired %d times, want 2", len(skipped))
	}
	for _, task := range skipped {
		if task.SkipReason == "" {
			t.Errorf("task %s skipped without a reason", task.ID)
		}
	}

	for _, task := range outcome.Tasks {
		switch task.ID {
		case "a":
			if task.Status != models.TaskStatusFailed {
				t.Errorf("a status = %s, want failed", task.Status)
			}
		case "b", "c":
			if task.Status != models.TaskStatusSkipped {
				t.Errorf("%s status = %s, want skipped", task.ID, task.Status)
			}
		case "d":
			if task.Status != models.TaskStatusSucceeded {
				t.Errorf("d status = %s, want succeeded", task.Status)
			}
		}
	}
}

func TestDispatchCheckpointDeliversSnapshots(t *testing.T) {
	sessions := make(map[string]session.Session)
	live := make(map[string]*models.Task)
	var tasks []*models.Task
	for i := 0; i < 4; i++ {
		role := fmt.Sprintf("worker%d", i)
		sessions[role] = &stubSession{delay: 10 * time.Millisecond}
		task := newTask(fmt.Sprintf("t%d", i), role)
		live[task.ID] = task
		tasks = append(tasks, task)
	}

	var checkpoints int
	hooks := Hooks{
		// Serializing here must be safe while other workers are still
		// writing their own tasks, so the hook must receive copies.
		Checkpoint: func(snapshot []*models.Task) {
			checkpoints++
			if len(snapshot) != len(tasks) {
				t.Errorf("checkpoint has %d tasks, want %d", len(snapshot), len(tasks))
			}
			for _, task := range snapshot {
				if task == live[task.ID] {
					t.Errorf("checkpoint holds live task %s, want a copy", task.ID)
				}
				if _, err := json.Marshal(task); err != nil {
					t.Errorf("marshal checkpoint task %s: %v", task.ID, err)
				}
			}
		},
	}

	d := New(teamOf(sessions), "", 3, hooks)
	outcome, err := d.Dispatch(context.Background(), tasks)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if outcome.Succeeded != 4 {
		t.Fatalf("Succeeded = %d, want 4", outcome.Succeeded)
	}
	if checkpoints != 4 {
		t.Errorf("checkpoint fired %d times, want one per terminal transition", checkpoints)
	}
}

func TestDispatchCancellation(t *testing.T) {
	sessions := map[string]session.Session{
		"slow": &stubSession{delay: 5 * time.Second},
		"w":    &stubSession{delay: time.Millisecond},
	}
	tasks := []*models.Task{
		newTask("a", "slow"),
		newTask("b", "w", "a"),
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	d := New(teamOf(sessions), "", 2, Hooks{})
	start := time.Now()
	outcome, err := d.Dispatch(ctx, tasks)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Dispatch err = %v, want context.Canceled", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("cancellation did not interrupt in-flight task")
	}

	for _, task := range outcome.Tasks {
		if task.Status != models.TaskStatusSkipped {
			t.Errorf("task %s status = %s, want skipped", task.ID, task.Status)
		}
		if task.SkipReason != "cancelled" {
			t.Errorf("task %s skip reason = %q, want cancelled", task.ID, task.SkipReason)
		}
	}
}

func TestDispatchUnknownRole(t *testing.T) {
	d := New(teamOf(map[string]session.Session{"w": &stubSession{}}), "", 2, Hooks{})
	_, err := d.Dispatch(context.Background(), []*models.Task{newTask("a", "ghost")})
	if err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestDispatchRejectsCyclicBatch(t *testing.T) {
	d := New(teamOf(map[string]session.Session{"w": &stubSession{}}), "", 2, Hooks{})
	_, err := d.Dispatch(context.Background(), []*models.Task{
		newTask("a", "w", "b"),
		newTask("b", "w", "a"),
	})
	if err == nil {
		t.Fatal("expected error for cyclic batch")
	}
}
