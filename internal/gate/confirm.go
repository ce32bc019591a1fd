package gate

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/redeyes-project/redeye/internal/plan"
)

// Verdict is the operator's answer to a confirmation request.
type Verdict string

const (
	VerdictAccept Verdict = "accept"
	VerdictReject Verdict = "reject"
	VerdictAbort  Verdict = "abort"
)

// Confirmer is the operator confirmation channel. Both calls block until
// the operator decides or ctx is cancelled; the UI layer owns
// presentation.
type Confirmer interface {
	Confirm(ctx context.Context, action plan.CandidateAction, reason string) (Verdict, error)
	// Retry asks whether to attempt another planning round after a
	// failure. Accept means retry; reject and abort both stop.
	Retry(ctx context.Context, reason string) (Verdict, error)
}

// TerminalConfirmer prompts on a reader/writer pair, typically stdin and
// stdout.
type TerminalConfirmer struct {
	In  *bufio.Reader
	Out io.Writer
}

func NewTerminalConfirmer() *TerminalConfirmer {
	return &TerminalConfirmer{
		In:  bufio.NewReader(os.Stdin),
		Out: os.Stdout,
	}
}

func (c *TerminalConfirmer) reader() *bufio.Reader {
	if c.In == nil {
		return bufio.NewReader(os.Stdin)
	}
	return c.In
}

func (c *TerminalConfirmer) writer() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *TerminalConfirmer) Confirm(ctx context.Context, action plan.CandidateAction, reason string) (Verdict, error) {
	in, out := c.reader(), c.writer()
	fmt.Fprintf(out, "\n[%s] %s\n", action.Tier, strings.Join(action.Argv, " "))
	if action.Rationale != "" {
		fmt.Fprintf(out, "  rationale: %s\n", action.Rationale)
	}
	if reason != "" {
		fmt.Fprintf(out, "  %s\n", reason)
	}

	for {
		if err := ctx.Err(); err != nil {
			return VerdictAbort, err
		}
		fmt.Fprintf(out, "Execute? [y]es / [n]o / [a]bort plan: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return VerdictAbort, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return VerdictAccept, nil
		case "", "n", "no":
			return VerdictReject, nil
		case "a", "abort":
			return VerdictAbort, nil
		}
	}
}

func (c *TerminalConfirmer) Retry(ctx context.Context, reason string) (Verdict, error) {
	in, out := c.reader(), c.writer()
	fmt.Fprintf(out, "\nplanning failed: %s\n", reason)

	for {
		if err := ctx.Err(); err != nil {
			return VerdictAbort, err
		}
		fmt.Fprintf(out, "Retry planning? [r]etry / [a]bort: ")
		line, err := in.ReadString('\n')
		if err != nil {
			return VerdictAbort, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "", "r", "retry", "y", "yes":
			return VerdictAccept, nil
		case "a", "abort", "n", "no":
			return VerdictAbort, nil
		}
	}
}
