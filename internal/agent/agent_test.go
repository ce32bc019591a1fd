package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/redeyes-project/redeye/internal/config"
	"github.com/redeyes-project/redeye/internal/exec"
	"github.com/redeyes-project/redeye/internal/gate"
	"github.com/redeyes-project/redeye/internal/guard"
	"github.com/redeyes-project/redeye/internal/llm"
	"github.com/redeyes-project/redeye/internal/logging"
	"github.com/redeyes-project/redeye/internal/plan"
	"github.com/redeyes-project/redeye/internal/session"
)

type fakePlanner struct {
	mu        sync.Mutex
	responses []string
	calls     int
	attempts  int
	err       error
}

func (f *fakePlanner) Chat(ctx context.Context, req llm.ChatRequest) (llm.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.err != nil {
		return llm.ChatResponse{}, f.err
	}
	if f.calls >= len(f.responses) {
		return llm.ChatResponse{Content: "OBJECTIVE COMPLETE"}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return llm.ChatResponse{Content: resp}, nil
}

type fakeRunner struct {
	mu          sync.Mutex
	session     *session.Session
	guard       exec.Validator
	status      exec.Status
	requests    []exec.Request
	inFlight    int
	maxInFlight int
}

func (f *fakeRunner) Run(ctx context.Context, req exec.Request) exec.Envelope {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	status := f.status
	f.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	env := exec.Envelope{
		ID:       uuid.NewString(),
		ActionID: req.ActionID,
		Argv:     req.Argv,
		Stdout:   "scan output",
		RiskTier: req.RiskTier,
	}
	if f.guard != nil {
		if err := f.guard.Validate(req.Argv); err != nil {
			env.Status = exec.StatusBlocked
			env.Reason = err.Error()
			env.Stdout = ""
			f.session.Append(env)
			return env
		}
	}
	if status == "" {
		status = exec.StatusSuccess
	}
	env.Status = status
	f.session.Append(env)
	return env
}

type scriptedConfirmer struct {
	mu           sync.Mutex
	verdicts     map[string]gate.Verdict
	retryVerdict gate.Verdict
	asked        []string
	retries      int
}

func (c *scriptedConfirmer) Confirm(ctx context.Context, action plan.CandidateAction, reason string) (gate.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.asked = append(c.asked, action.Argv[0])
	if v, ok := c.verdicts[action.Argv[0]]; ok {
		if v == gate.VerdictAbort {
			return v, errors.New("operator aborted")
		}
		return v, nil
	}
	return gate.VerdictAccept, nil
}

func (c *scriptedConfirmer) Retry(ctx context.Context, reason string) (gate.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries++
	if c.retryVerdict == "" {
		return gate.VerdictAccept, nil
	}
	return c.retryVerdict, nil
}

type fakeTools map[string]bool

func (f fakeTools) Available() map[string]bool { return f }
func (f fakeTools) Names() []string {
	out := make([]string, 0, len(f))
	for name := range f {
		out = append(out, name)
	}
	return out
}

func testLoop(t *testing.T, planner *fakePlanner, confirmer gate.Confirmer, available fakeTools) (*Loop, *fakeRunner) {
	t.Helper()
	cfg := config.Config{}
	cfg.Normalize()
	cfg.Agent.MaxIterations = 4
	cfg.Agent.Workers = 2

	sess := session.New("assess the lab network", nil, logging.Discard())
	g := guard.New("", nil)
	runner := &fakeRunner{session: sess, guard: g}
	if confirmer == nil {
		confirmer = &scriptedConfirmer{}
	}
	loop := &Loop{
		Cfg:       cfg,
		Session:   sess,
		Client:    planner,
		Breaker:   llm.NewBreaker(3, time.Minute),
		Registry:  available,
		Guard:     g,
		Runner:    runner,
		Gate:      gate.NewPolicy(false, time.Minute),
		Confirmer: confirmer,
		Log:       logging.Discard(),
	}
	return loop, runner
}

const threeActionPlan = "Sweep the host first.\n```bash\nnmap -sV 10.0.0.5\nnikto -h 10.0.0.5\nhydra -l admin -P wordlist.txt 10.0.0.5 ssh\n```\n"

func TestRunTerminatesOnObjectiveComplete(t *testing.T) {
	planner := &fakePlanner{}
	loop, runner := testLoop(t, planner, nil, fakeTools{})

	outcome, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Reason != ReasonObjectiveComplete {
		t.Errorf("reason = %s", outcome.Reason)
	}
	if len(runner.requests) != 0 {
		t.Errorf("runner called %d times for an empty plan", len(runner.requests))
	}
	if got := loop.Session.Phase(); got != session.PhaseReporting {
		t.Errorf("phase = %s, want reporting", got)
	}
}

func TestRejectionDropsOnlyThatCandidate(t *testing.T) {
	planner := &fakePlanner{responses: []string{threeActionPlan}}
	confirmer := &scriptedConfirmer{verdicts: map[string]gate.Verdict{"nikto": gate.VerdictReject}}
	loop, runner := testLoop(t, planner, confirmer, fakeTools{"nmap": true, "nikto": true, "hydra": true})

	outcome, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Reason != ReasonObjectiveComplete {
		t.Errorf("reason = %s", outcome.Reason)
	}
	if len(runner.requests) != 2 {
		t.Fatalf("runner ran %d actions, want 2", len(runner.requests))
	}

	snap := loop.Session.Snapshot()
	rejected := 0
	for _, env := range snap.History {
		if env.Status == exec.StatusRejected {
			rejected++
			if env.Argv[0] != "nikto" {
				t.Errorf("rejected envelope for %v", env.Argv)
			}
		}
	}
	if rejected != 1 {
		t.Errorf("rejected envelopes = %d, want 1", rejected)
	}
	if len(snap.Confirmations) != 3 {
		t.Errorf("confirmation records = %d, want 3", len(snap.Confirmations))
	}
}

func TestAbortTerminatesTheLoop(t *testing.T) {
	planner := &fakePlanner{responses: []string{threeActionPlan}}
	confirmer := &scriptedConfirmer{verdicts: map[string]gate.Verdict{"nmap": gate.VerdictAbort}}
	loop, runner := testLoop(t, planner, confirmer, fakeTools{"nmap": true, "nikto": true, "hydra": true})

	outcome, err := loop.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if outcome.Reason != ReasonAborted {
		t.Errorf("reason = %s", outcome.Reason)
	}
	if len(runner.requests) != 0 {
		t.Errorf("runner ran %d actions after abort", len(runner.requests))
	}
}

func TestGuardDeniedCandidateSkipsConfirmation(t *testing.T) {
	text := "Cleanup.\n```bash\nshutdown -h now\nwhois example.test\n```\n"
	planner := &fakePlanner{responses: []string{text}}
	confirmer := &scriptedConfirmer{}
	loop, runner := testLoop(t, planner, confirmer, fakeTools{"shutdown": true, "whois": true})

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, name := range confirmer.asked {
		if name == "shutdown" {
			t.Error("operator was prompted for a guard-denied action")
		}
	}
	// Denied action still reaches the runner so the denial is recorded.
	sawShutdown := false
	for _, req := range runner.requests {
		if req.Argv[0] == "shutdown" {
			sawShutdown = true
		}
	}
	if !sawShutdown {
		t.Error("denied action never recorded")
	}
}

func TestSkippedActionsReachThePlanner(t *testing.T) {
	text := "Mixed round.\n```bash\nshutdown -h now\nnikto -h 10.0.0.5\nwhois example.test\n```\n"
	planner := &fakePlanner{responses: []string{text}}
	confirmer := &scriptedConfirmer{verdicts: map[string]gate.Verdict{"nikto": gate.VerdictReject}}
	loop, runner := testLoop(t, planner, confirmer, fakeTools{"shutdown": true, "nikto": true, "whois": true})

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.requests) != 2 {
		// shutdown reaches the runner only for its denial envelope.
		t.Fatalf("runner saw %d requests, want 2", len(runner.requests))
	}

	// Every disposition, including the commands that never ran, must show
	// up as a feedback turn so the planner does not re-propose them blind.
	want := map[string]string{
		"nikto -h 10.0.0.5":  string(exec.StatusRejected),
		"shutdown -h now":    string(exec.StatusBlocked),
		"whois example.test": string(exec.StatusSuccess),
	}
	snap := loop.Session.Snapshot()
	for _, msg := range snap.Chat {
		if msg.Role != session.RoleUser {
			continue
		}
		for argv, status := range want {
			if strings.Contains(msg.Content, "`"+argv+"`") && strings.Contains(msg.Content, status) {
				delete(want, argv)
			}
		}
	}
	for argv, status := range want {
		t.Errorf("no feedback turn reports %q as %s", argv, status)
	}
}

func TestSecondDestructiveInRoundIsThrottled(t *testing.T) {
	text := "Cleanup.\n```bash\nrm stale1.log\nrm stale2.log\n```\n"
	planner := &fakePlanner{responses: []string{text}}
	confirmer := &scriptedConfirmer{}
	loop, runner := testLoop(t, planner, confirmer, fakeTools{"rm": true})

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Both were confirmed while no cooldown was open, but the first run
	// starts the window and the second must defer to it.
	if len(confirmer.asked) != 2 {
		t.Fatalf("operator prompted %d times, want 2", len(confirmer.asked))
	}
	if len(runner.requests) != 1 {
		t.Fatalf("runner ran %d destructive actions, want 1", len(runner.requests))
	}
	if got := strings.Join(runner.requests[0].Argv, " "); got != "rm stale1.log" {
		t.Errorf("ran %q, want the first candidate", got)
	}

	throttled := 0
	for _, env := range loop.Session.Snapshot().History {
		if env.Status == exec.StatusThrottled {
			throttled++
			if strings.Join(env.Argv, " ") != "rm stale2.log" {
				t.Errorf("throttled envelope for %v", env.Argv)
			}
		}
	}
	if throttled != 1 {
		t.Errorf("throttled envelopes = %d, want 1", throttled)
	}
}

func TestLowTierActionsRunInParallelBounded(t *testing.T) {
	text := "Passive recon.\n```bash\nwhois alpha.test\nwhois beta.test\ndig gamma.test\nsubfinder -d delta.test\n```\n"
	planner := &fakePlanner{responses: []string{text}}
	loop, runner := testLoop(t, planner, nil, fakeTools{"whois": true, "dig": true, "subfinder": true})

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(runner.requests) != 4 {
		t.Fatalf("runner ran %d actions, want 4", len(runner.requests))
	}
	if runner.maxInFlight > 2 {
		t.Errorf("max in-flight = %d, want <= worker pool width 2", runner.maxInFlight)
	}
}

func TestPlannerUnavailableWhenBreakerTrips(t *testing.T) {
	planner := &fakePlanner{err: llm.ErrUnavailable}
	confirmer := &scriptedConfirmer{}
	loop, _ := testLoop(t, planner, confirmer, fakeTools{})
	loop.Breaker = llm.NewBreaker(2, time.Hour)

	outcome, err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected planner failure")
	}
	if outcome.Reason != ReasonPlannerUnavailable {
		t.Errorf("reason = %s", outcome.Reason)
	}
	// Each failed round suspended on the operator before the next attempt.
	if confirmer.retries != 2 {
		t.Errorf("operator consulted %d times, want once per failed round (2)", confirmer.retries)
	}
}

func TestPlanningFailurePausesForOperator(t *testing.T) {
	planner := &fakePlanner{err: llm.ErrUnavailable}
	confirmer := &scriptedConfirmer{retryVerdict: gate.VerdictAbort}
	loop, _ := testLoop(t, planner, confirmer, fakeTools{})

	outcome, err := loop.Run(context.Background())
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("err = %v, want ErrAborted", err)
	}
	if outcome.Reason != ReasonAborted {
		t.Errorf("reason = %s", outcome.Reason)
	}
	if planner.attempts != 1 {
		t.Errorf("planner invoked %d times, want 1 before the abort", planner.attempts)
	}
	if confirmer.retries != 1 {
		t.Errorf("operator consulted %d times, want 1", confirmer.retries)
	}
	snap := loop.Session.Snapshot()
	if len(snap.Confirmations) != 1 || snap.Confirmations[0].Tier != "planning" {
		t.Errorf("planning failure decision not recorded: %+v", snap.Confirmations)
	}
}

func TestIterationCeiling(t *testing.T) {
	// Planner keeps proposing nothing actionable and never declares done.
	planner := &fakePlanner{responses: []string{
		"thinking", "thinking", "thinking", "thinking", "thinking", "thinking",
	}}
	loop, _ := testLoop(t, planner, nil, fakeTools{})
	loop.Cfg.Agent.MaxIterations = 3

	outcome, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome.Reason != ReasonIterationLimit {
		t.Errorf("reason = %s", outcome.Reason)
	}
	if outcome.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", outcome.Iterations)
	}
}

func TestAllSpawnErrorsTerminates(t *testing.T) {
	text := "Recon.\n```bash\nwhois alpha.test\n```\n"
	planner := &fakePlanner{responses: []string{text, text, text}}
	loop, runner := testLoop(t, planner, nil, fakeTools{"whois": true})
	runner.status = exec.StatusSpawnError

	outcome, err := loop.Run(context.Background())
	if err == nil {
		t.Fatal("expected stall error")
	}
	if outcome.Reason != ReasonStalled {
		t.Errorf("reason = %s", outcome.Reason)
	}
	if outcome.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", outcome.Iterations)
	}
}

func TestPhaseCompleteAdvancesPhase(t *testing.T) {
	planner := &fakePlanner{responses: []string{"Recon done. PHASE COMPLETE"}}
	loop, _ := testLoop(t, planner, nil, fakeTools{})

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// One advance past recon, then the completion override to reporting.
	snap := loop.Session.Snapshot()
	if snap.Phase != session.PhaseReporting {
		t.Errorf("phase = %s", snap.Phase)
	}
}

func TestContextCompaction(t *testing.T) {
	long := strings.Repeat("x", 400)
	planner := &fakePlanner{responses: []string{long, long, long}}
	loop, _ := testLoop(t, planner, nil, fakeTools{})
	loop.Cfg.Context.MaxPromptBytes = 600
	loop.Cfg.Context.KeepRecent = 2

	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	snap := loop.Session.Snapshot()
	if len(snap.Chat) > 4 {
		t.Errorf("chat grew to %d messages despite compaction", len(snap.Chat))
	}
	if !strings.HasPrefix(snap.Chat[0].Content, "Context summary:") {
		t.Errorf("first turn = %q, want compaction summary", snap.Chat[0].Content)
	}
}

func TestCancelledContext(t *testing.T) {
	planner := &fakePlanner{responses: []string{threeActionPlan}}
	loop, _ := testLoop(t, planner, nil, fakeTools{"nmap": true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := loop.Run(ctx)
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if outcome.Reason != ReasonCancelled {
		t.Errorf("reason = %s", outcome.Reason)
	}
}
