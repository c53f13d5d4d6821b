package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sgoodwin/foreman/internal/session"
	"github.com/sgoodwin/foreman/pkg/models"
)

// plannerPrompt is the prompt template for cycle planning.
const plannerPrompt = `You are coordinating a team of agents working toward a goal.

Goal:
%s
%s%s
Available roles: %s

Decide what the team should do next. If the goal is fully achieved, say so.
Otherwise break the next increment of work into tasks sized for a single
agent, as independent as possible so they can run in parallel.

Return ONLY a JSON object with this exact structure (no other text):
{
  "done": false,
  "summary": "One paragraph: current state and what this batch achieves",
  "tasks": [
    {
      "title": "Short task title",
      "description": "Detailed task description with everything the agent needs",
      "role": "one of the available roles",
      "depends_on": ["title of prerequisite task"],
      "new_conversation": false
    }
  ]
}

Guidelines:
- Set "done" to true and omit tasks only when the goal is fully achieved
- Only add dependencies when one task truly needs another's output
- At most %d tasks; prefer fewer, larger tasks over many tiny ones
- Use empty array [] for depends_on when there are no prerequisites
- Set "new_conversation" to true when the agent should start from a clean
  slate because its earlier conversation is no longer relevant`

// plannedTask is the JSON structure returned by the model for one task.
type plannedTask struct {
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Role            string   `json:"role"`
	DependsOn       []string `json:"depends_on"`
	NewConversation bool     `json:"new_conversation"`
}

// planResponse is the JSON structure returned by the model.
type planResponse struct {
	Done    bool          `json:"done"`
	Summary string        `json:"summary"`
	Tasks   []plannedTask `json:"tasks"`
}

// Plan is the outcome of one planning pass.
type Plan struct {
	// Tasks is the next batch to dispatch. Empty when Done.
	Tasks []*models.Task
	// Done is the planner's claim that the goal is achieved. Subject
	// to verification before the run actually finishes.
	Done bool
	// Summary is the planner's account of where things stand.
	Summary string
}

// Planner turns the goal plus accumulated context into the next task
// batch using a dedicated planning session.
type Planner struct {
	sess     session.Session
	roles    []string
	maxTasks int
}

// NewPlanner creates a Planner. roles is the set of role names tasks
// may be assigned to; maxTasks caps the batch size.
func NewPlanner(sess session.Session, roles []string, maxTasks int) *Planner {
	if maxTasks <= 0 {
		maxTasks = 8
	}
	return &Planner{sess: sess, roles: roles, maxTasks: maxTasks}
}

// Plan produces the next cycle's task batch. priorSummary is the last
// cycle's summary; failureContext carries forward error accounts so the
// planner can route around persistent failures.
func (p *Planner) Plan(ctx context.Context, goal, priorSummary string, failureContext []string) (*Plan, error) {
	var prior string
	if priorSummary != "" {
		prior = fmt.Sprintf("\nPrevious cycle summary:\n%s\n", priorSummary)
	}
	var failures string
	if len(failureContext) > 0 {
		failures = fmt.Sprintf("\nRecent failures to work around:\n- %s\n", strings.Join(failureContext, "\n- "))
	}

	prompt := fmt.Sprintf(plannerPrompt, goal, prior, failures, strings.Join(p.roles, ", "), p.maxTasks)

	reply, err := p.sess.Send(ctx, prompt, "")
	if err != nil {
		return nil, fmt.Errorf("planning exchange: %w", err)
	}

	plan, err := parsePlanResponse(reply.Text, p.roles)
	if err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	if len(plan.Tasks) > p.maxTasks {
		log.Printf("[orchestrator] planner returned %d tasks, truncating to %d", len(plan.Tasks), p.maxTasks)
		plan.Tasks = plan.Tasks[:p.maxTasks]
	}
	return plan, nil
}

// Session exposes the planning session for usage accounting.
func (p *Planner) Session() session.Session {
	return p.sess
}

// parsePlanResponse parses the model's JSON response into a Plan. The
// model may wrap the JSON in prose, so the object is extracted between
// the first and last braces.
func parsePlanResponse(response string, roles []string) (*Plan, error) {
	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")
	if jsonStart == -1 || jsonEnd == -1 || jsonEnd <= jsonStart {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var parsed planResponse
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	if parsed.Done {
		return &Plan{Done: true, Summary: parsed.Summary}, nil
	}
	if len(parsed.Tasks) == 0 {
		return nil, fmt.Errorf("planner returned neither done nor tasks")
	}

	known := make(map[string]bool, len(roles))
	for _, role := range roles {
		known[role] = true
	}

	// Tasks reference each other by title; assign IDs and remap.
	titleToID := make(map[string]string, len(parsed.Tasks))
	for _, pt := range parsed.Tasks {
		if pt.Title == "" {
			return nil, fmt.Errorf("task with empty title")
		}
		if _, dup := titleToID[pt.Title]; dup {
			return nil, fmt.Errorf("duplicate task title %q", pt.Title)
		}
		titleToID[pt.Title] = uuid.New().String()
	}

	tasks := make([]*models.Task, 0, len(parsed.Tasks))
	for _, pt := range parsed.Tasks {
		if !known[pt.Role] {
			return nil, fmt.Errorf("task %q names unknown role %q", pt.Title, pt.Role)
		}

		task := &models.Task{
			ID:              titleToID[pt.Title],
			Title:           pt.Title,
			Description:     pt.Description,
			Role:            pt.Role,
			Status:          models.TaskStatusPending,
			NewConversation: pt.NewConversation,
			CreatedAt:       time.Now(),
		}
		for _, depTitle := range pt.DependsOn {
			depID, ok := titleToID[depTitle]
			if !ok {
				return nil, fmt.Errorf("task %q depends on unknown task %q", pt.Title, depTitle)
			}
			task.DependsOn = append(task.DependsOn, depID)
		}
		tasks = append(tasks, task)
	}

	return &Plan{Tasks: tasks, Summary: parsed.Summary}, nil
}
