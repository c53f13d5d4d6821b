package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/sgoodwin/foreman/internal/session"
)

// Verifier independently checks a completion claim before a run is
// allowed to finish.
type Verifier interface {
	// Verify inspects the claim and the project and reports whether
	// the goal is actually achieved. reason explains a rejection.
	Verify(ctx context.Context, goal, claim, workdir string) (accepted bool, reason string, err error)
}

// AcceptAll trusts every completion claim. Used when verification is
// disabled.
type AcceptAll struct{}

var _ Verifier = AcceptAll{}

// Verify always accepts.
func (AcceptAll) Verify(ctx context.Context, goal, claim, workdir string) (bool, string, error) {
	return true, "", nil
}

// verifyPassToken is the exact phrase the checking session must emit
// for a claim to be accepted.
const verifyPassToken = "ALL CHECKS PASS"

// verifierPrompt is the prompt template for completion checks.
const verifierPrompt = `A team claims the following goal is complete. Independently check the
project state and the claim. Be skeptical; look for gaps between what
was asked and what was delivered.

Goal:
%s

Claim:
%s

If every aspect of the goal is genuinely complete, reply with exactly:
ALL CHECKS PASS

Otherwise reply with a short list of what is missing or broken.`

// SessionVerifier runs the completion check through its own session,
// so the check is not biased by the planner's conversation.
type SessionVerifier struct {
	sess session.Session
}

var _ Verifier = (*SessionVerifier)(nil)

// NewSessionVerifier creates a SessionVerifier.
func NewSessionVerifier(sess session.Session) *SessionVerifier {
	return &SessionVerifier{sess: sess}
}

// Verify accepts the claim only when the checking session replies with
// the pass phrase.
func (v *SessionVerifier) Verify(ctx context.Context, goal, claim, workdir string) (bool, string, error) {
	reply, err := v.sess.Send(ctx, fmt.Sprintf(verifierPrompt, goal, claim), workdir)
	if err != nil {
		return false, "", fmt.Errorf("verification exchange: %w", err)
	}

	if strings.Contains(reply.Text, verifyPassToken) {
		return true, "", nil
	}
	return false, strings.TrimSpace(reply.Text), nil
}

// Session exposes the checking session for usage accounting.
func (v *SessionVerifier) Session() session.Session {
	return v.sess
}
