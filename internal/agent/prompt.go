package agent

import (
	"fmt"
	"strings"

	"github.com/redeyes-project/redeye/internal/exec"
	"github.com/redeyes-project/redeye/internal/llm"
	"github.com/redeyes-project/redeye/internal/session"
)

const systemPromptTemplate = `You are an authorized penetration testing assistant operating under
explicit written scope. Propose the next commands for the current phase,
one complete command line per line inside a fenced code block. Do not
use shell pipelines, redirection, or command substitution; each command
must stand alone. Before each command, state in one line why it is the
right next step.

Current phase: %s
In-scope targets: %s
Installed tools: %s

When the current phase has nothing left to do, write PHASE COMPLETE.
When the objective is fully met, write OBJECTIVE COMPLETE.`

// buildMessages renders the session into the planner's chat transcript.
func (l *Loop) buildMessages() []llm.Message {
	snap := l.Session.Snapshot()

	targets := make([]string, 0, len(snap.Targets))
	for _, t := range snap.Targets {
		if !t.Archived {
			targets = append(targets, t.Identifier)
		}
	}
	if len(targets) == 0 {
		targets = append(targets, l.Cfg.Scope.Targets...)
		targets = append(targets, l.Cfg.Scope.Networks...)
	}
	targetList := strings.Join(targets, ", ")
	if targetList == "" {
		targetList = "(none registered yet)"
	}
	toolList := strings.Join(l.Registry.Names(), ", ")
	if toolList == "" {
		toolList = "(none detected)"
	}

	messages := []llm.Message{{
		Role:    session.RoleSystem,
		Content: fmt.Sprintf(systemPromptTemplate, snap.Phase, targetList, toolList),
	}}
	for _, msg := range snap.Chat {
		messages = append(messages, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return messages
}

// observationText renders one envelope as a feedback turn, output
// clipped to maxLines.
func observationText(env exec.Envelope, maxLines int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Result of `%s`: %s", strings.Join(env.Argv, " "), env.Status)
	if env.Status == exec.StatusNonzero {
		fmt.Fprintf(&b, " (exit %d)", env.ExitCode)
	}
	if env.Reason != "" {
		fmt.Fprintf(&b, " (%s)", env.Reason)
	}
	b.WriteString("\n")
	if out := clipLines(env.Stdout, maxLines); out != "" {
		b.WriteString(out)
		b.WriteString("\n")
	}
	if errOut := clipLines(env.Stderr, maxLines/4+1); errOut != "" && env.Status != exec.StatusSuccess {
		b.WriteString("stderr: ")
		b.WriteString(errOut)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func clipLines(s string, maxLines int) string {
	s = strings.TrimSpace(s)
	if s == "" || maxLines <= 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= maxLines {
		return s
	}
	clipped := append([]string(nil), lines[:maxLines]...)
	clipped = append(clipped, fmt.Sprintf("[%d more lines omitted]", len(lines)-maxLines))
	return strings.Join(clipped, "\n")
}

// summaryLine condenses an envelope into a finding summary.
func summaryLine(env exec.Envelope) string {
	first := strings.TrimSpace(env.Stdout)
	if idx := strings.IndexByte(first, '\n'); idx >= 0 {
		first = first[:idx]
	}
	if first == "" {
		first = "completed"
	}
	return fmt.Sprintf("%s: %s", env.Argv[0], first)
}

// compactionSummary is the single turn that replaces folded history.
func compactionSummary(snap session.Snapshot) string {
	ran, blocked := 0, 0
	for _, env := range snap.History {
		if env.Ran() {
			ran++
		} else {
			blocked++
		}
	}
	targets := make([]string, 0, len(snap.Targets))
	for _, t := range snap.Targets {
		targets = append(targets, t.Identifier)
	}
	return fmt.Sprintf(
		"Context summary: phase %s, %d commands executed, %d blocked or skipped, known targets: %s.",
		snap.Phase, ran, blocked, strings.Join(targets, ", "))
}
