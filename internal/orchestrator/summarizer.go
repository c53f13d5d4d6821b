package orchestrator

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/sgoodwin/foreman/internal/dispatch"
	"github.com/sgoodwin/foreman/internal/session"
	"github.com/sgoodwin/foreman/pkg/models"
)

// summarizerPrompt is the prompt template for cycle summaries.
const summarizerPrompt = `Compress the following cycle report into a short summary (at most
two paragraphs) for the next planning pass. Keep concrete outcomes,
file or component names, and unresolved problems. Drop process chatter.

%s`

// maxMechanicalSummary bounds the fallback summary length.
const maxMechanicalSummary = 2000

// Summarizer compresses a cycle's outcome so later cycles can plan on
// a bounded amount of context.
type Summarizer struct {
	sess session.Session
}

// NewSummarizer creates a Summarizer. sess may be nil, in which case
// only the mechanical fallback is used.
func NewSummarizer(sess session.Session) *Summarizer {
	return &Summarizer{sess: sess}
}

// Summarize produces the cycle summary. If the summarizing exchange
// fails, a mechanical digest of task outcomes is returned instead; a
// cycle never concludes without some summary.
func (s *Summarizer) Summarize(ctx context.Context, outcome *dispatch.Outcome) string {
	report := cycleReport(outcome)

	if s.sess != nil {
		reply, err := s.sess.Send(ctx, fmt.Sprintf(summarizerPrompt, report), "")
		if err == nil && reply.Text != "" {
			return reply.Text
		}
		if err != nil {
			log.Printf("[orchestrator] summarizer exchange failed, using mechanical summary: %v", err)
		}
	}

	if len(report) > maxMechanicalSummary {
		report = report[:maxMechanicalSummary] + "\n[truncated]"
	}
	return report
}

// Session exposes the summarizing session for usage accounting, nil
// when summarization is mechanical only.
func (s *Summarizer) Session() session.Session {
	return s.sess
}

// cycleReport renders task outcomes as text.
func cycleReport(outcome *dispatch.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cycle outcome: %d succeeded, %d failed, %d skipped.\n",
		outcome.Succeeded, outcome.Failed, outcome.Skipped)

	for _, task := range outcome.Tasks {
		switch task.Status {
		case models.TaskStatusSucceeded:
			fmt.Fprintf(&b, "\n[ok] %s (%s)\n%s\n", task.Title, task.Role, task.Output)
		case models.TaskStatusFailed:
			fmt.Fprintf(&b, "\n[failed] %s (%s): %s\n", task.Title, task.Role, task.Error)
		case models.TaskStatusSkipped:
			fmt.Fprintf(&b, "\n[skipped] %s (%s): %s\n", task.Title, task.Role, task.SkipReason)
		}
	}
	return b.String()
}
