// Package agent drives the plan/confirm/execute/observe cycle. The
// model proposes, the guard and gate dispose, and every attempt lands
// in the session record.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/redeyes-project/redeye/internal/config"
	"github.com/redeyes-project/redeye/internal/exec"
	"github.com/redeyes-project/redeye/internal/feed"
	"github.com/redeyes-project/redeye/internal/gate"
	"github.com/redeyes-project/redeye/internal/llm"
	"github.com/redeyes-project/redeye/internal/plan"
	"github.com/redeyes-project/redeye/internal/session"
)

type State string

const (
	StateIdle       State = "idle"
	StatePlanning   State = "planning"
	StateGating     State = "gating"
	StateExecuting  State = "executing"
	StateObserving  State = "observing"
	StateTerminated State = "terminated"
)

// Markers the planner may emit to steer the loop.
const (
	markerObjectiveComplete = "OBJECTIVE COMPLETE"
	markerPhaseComplete     = "PHASE COMPLETE"
)

const (
	ReasonObjectiveComplete  = "objective-complete"
	ReasonAborted            = "aborted"
	ReasonIterationLimit     = "iteration-limit"
	ReasonPlannerUnavailable = "planner-unavailable"
	ReasonCancelled          = "cancelled"
	ReasonStalled            = "stalled"
)

var ErrAborted = errors.New("operator aborted the session")

// Executor runs one vetted command. Satisfied by exec.Runner.
type Executor interface {
	Run(ctx context.Context, req exec.Request) exec.Envelope
}

// Capabilities reports installed tooling. Satisfied by tools.Registry.
type Capabilities interface {
	Available() map[string]bool
	Names() []string
}

// Publisher mirrors loop activity to the operator feed. Satisfied by
// feed.Hub; nil disables publishing.
type Publisher interface {
	Broadcast(eventType feed.EventType, data any)
}

type Outcome struct {
	Iterations int
	Reason     string
}

// Loop is re-entrant per session: all mutable state lives in the
// session or on the stack of Run.
type Loop struct {
	Cfg       config.Config
	Session   *session.Session
	Client    llm.Client
	Breaker   *llm.Breaker
	Registry  Capabilities
	Guard     exec.Validator
	Runner    Executor
	Gate      *gate.Policy
	Confirmer gate.Confirmer
	Feed      Publisher
	Log       *logrus.Entry
}

func (l *Loop) publish(eventType feed.EventType, data any) {
	if l.Feed != nil {
		l.Feed.Broadcast(eventType, data)
	}
}

func (l *Loop) setState(s State) {
	l.publish(feed.EventStatus, map[string]string{"state": string(s)})
	l.Log.WithField("state", s).Debug("loop state")
}

// Run executes planning rounds until a termination condition fires.
func (l *Loop) Run(ctx context.Context) (Outcome, error) {
	if l.Log == nil {
		l.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	maxIterations := l.Cfg.Agent.MaxIterations
	l.Session.AppendChat(session.ChatMessage{
		Role:    session.RoleUser,
		Content: "Objective: " + l.Session.Objective,
	})

	for iteration := 1; iteration <= maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Iterations: iteration - 1, Reason: ReasonCancelled}, err
		}
		log := l.Log.WithField("iteration", iteration)

		text, err := l.planRound(ctx, log)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return Outcome{Iterations: iteration, Reason: ReasonCancelled}, err
			}
			if errors.Is(err, errBreakerOpen) {
				return Outcome{Iterations: iteration, Reason: ReasonPlannerUnavailable}, err
			}
			// Suspend on the operator channel; a failed round is never
			// silently retried.
			log.WithError(err).Warn("planning round failed")
			verdict, retryErr := l.Confirmer.Retry(ctx, err.Error())
			l.Session.RecordConfirmation(session.ConfirmationRecord{
				Tier:    "planning",
				Verdict: string(verdict),
				Reason:  err.Error(),
			})
			if retryErr != nil && ctx.Err() != nil {
				return Outcome{Iterations: iteration, Reason: ReasonCancelled}, retryErr
			}
			if verdict != gate.VerdictAccept || retryErr != nil {
				return Outcome{Iterations: iteration, Reason: ReasonAborted}, ErrAborted
			}
			continue
		}

		if strings.Contains(text, markerObjectiveComplete) {
			_ = l.Session.OverridePhase(string(session.PhaseReporting))
			return Outcome{Iterations: iteration, Reason: ReasonObjectiveComplete}, nil
		}

		extraction := plan.Extract(text, l.Registry.Available(), iteration)
		l.Session.AppendChat(session.ChatMessage{
			Role:       session.RoleAssistant,
			Content:    text,
			Extraction: &extraction,
		})
		actions := extraction.Actions
		if max := l.Cfg.Agent.MaxActions; max > 0 && len(actions) > max {
			actions = actions[:max]
		}
		for _, skipped := range extraction.Skipped {
			log.WithFields(logrus.Fields{"line": skipped.Line, "reason": skipped.Reason}).Info("candidate skipped")
		}
		if len(actions) == 0 {
			l.observe(nil, text)
			continue
		}

		approved, skipped, err := l.gateRound(ctx, actions, log)
		if err != nil {
			if errors.Is(err, ErrAborted) {
				return Outcome{Iterations: iteration, Reason: ReasonAborted}, err
			}
			return Outcome{Iterations: iteration, Reason: ReasonCancelled}, err
		}

		envelopes := l.executeRound(ctx, approved)
		if ctx.Err() != nil {
			return Outcome{Iterations: iteration, Reason: ReasonCancelled}, ctx.Err()
		}

		l.setState(StateObserving)
		// The planner sees every disposition, including the commands that
		// never ran, so blocked or deferred work is not re-proposed blind.
		l.observe(append(skipped, envelopes...), text)

		if allSpawnErrors(envelopes) {
			return Outcome{Iterations: iteration, Reason: ReasonStalled},
				fmt.Errorf("every approved action failed to spawn")
		}
	}
	return Outcome{Iterations: maxIterations, Reason: ReasonIterationLimit}, nil
}

var errBreakerOpen = errors.New("planner disabled by failure breaker")

func (l *Loop) planRound(ctx context.Context, log *logrus.Entry) (string, error) {
	l.setState(StatePlanning)
	if l.Breaker != nil && !l.Breaker.Allow() {
		return "", fmt.Errorf("%w: retry in %s", errBreakerOpen, l.Breaker.RetryAfter().Round(time.Second))
	}

	resp, err := l.Client.Chat(ctx, llm.ChatRequest{
		Messages:    l.buildMessages(),
		Temperature: l.Cfg.LLM.Temperature,
	})
	if err != nil {
		if l.Breaker != nil && !errors.Is(err, context.Canceled) {
			if l.Breaker.RecordFailure() {
				log.Warn("planner breaker tripped")
			}
		}
		return "", err
	}
	if l.Breaker != nil {
		l.Breaker.RecordSuccess()
	}
	return resp.Content, nil
}

// gateRound walks candidates in plan order. Rejection drops only the
// rejected candidate; abort ends the session. The second return carries
// the envelopes of candidates that never reached the executor.
func (l *Loop) gateRound(ctx context.Context, actions []plan.CandidateAction, log *logrus.Entry) ([]plan.CandidateAction, []exec.Envelope, error) {
	l.setState(StateGating)
	approved := make([]plan.CandidateAction, 0, len(actions))
	var skipped []exec.Envelope
	for _, action := range actions {
		if err := l.Guard.Validate(action.Argv); err != nil {
			// Doomed anyway; run it through the executor so the denial
			// is recorded as a blocked envelope, without prompting.
			env := l.Runner.Run(ctx, l.request(action))
			l.publish(feed.EventEnvelope, env)
			skipped = append(skipped, env)
			continue
		}

		result := l.Gate.Gate(action.Tier)
		l.publish(feed.EventGate, map[string]any{
			"action_id": action.ID,
			"argv":      action.Argv,
			"tier":      string(action.Tier),
			"decision":  string(result.Decision),
		})

		switch result.Decision {
		case gate.DecisionProceed:
			approved = append(approved, action)
		case gate.DecisionThrottled:
			log.WithField("argv", action.Argv).Info("destructive action throttled")
			skipped = append(skipped, l.recordSkip(action, exec.StatusThrottled,
				fmt.Sprintf("%s (retry in %s)", result.Reason, result.RetryAfter.Round(time.Second))))
		case gate.DecisionConfirm:
			verdict, err := l.Confirmer.Confirm(ctx, action, result.Reason)
			l.Session.RecordConfirmation(session.ConfirmationRecord{
				ActionID: action.ID,
				Argv:     action.Argv,
				Tier:     string(action.Tier),
				Verdict:  string(verdict),
				Reason:   result.Reason,
			})
			if err != nil {
				if verdict == gate.VerdictAbort {
					return nil, skipped, ErrAborted
				}
				return nil, skipped, err
			}
			switch verdict {
			case gate.VerdictAccept:
				approved = append(approved, action)
			case gate.VerdictReject:
				skipped = append(skipped, l.recordSkip(action, exec.StatusRejected, "operator rejected"))
			case gate.VerdictAbort:
				return nil, skipped, ErrAborted
			}
		}
	}
	return approved, skipped, nil
}

// executeRound fans low-tier actions out on a bounded pool. Actions
// touching the same resource serialize; medium and above always run
// one at a time, in plan order.
func (l *Loop) executeRound(ctx context.Context, actions []plan.CandidateAction) []exec.Envelope {
	l.setState(StateExecuting)

	var parallel, sequential []plan.CandidateAction
	for _, action := range actions {
		if action.Tier == plan.RiskLow {
			parallel = append(parallel, action)
		} else {
			sequential = append(sequential, action)
		}
	}

	var mu sync.Mutex
	var envelopes []exec.Envelope
	collect := func(env exec.Envelope) {
		mu.Lock()
		envelopes = append(envelopes, env)
		mu.Unlock()
		l.publish(feed.EventEnvelope, env)
	}

	if len(parallel) > 0 {
		workers := int64(l.Cfg.Agent.Workers)
		if workers < 1 {
			workers = 1
		}
		sem := semaphore.NewWeighted(workers)
		locks := newResourceLocks()
		g, gctx := errgroup.WithContext(ctx)
		for _, action := range parallel {
			action := action
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return nil
				}
				defer sem.Release(1)
				unlock := locks.lock(resourceKey(action.Argv))
				defer unlock()
				collect(l.Runner.Run(gctx, l.request(action)))
				return nil
			})
		}
		g.Wait()
	}

	for _, action := range sequential {
		if ctx.Err() != nil {
			break
		}
		if action.Tier == plan.RiskDestructive {
			// Re-check at execution time: an earlier destructive action in
			// this same round may have opened the cooldown window.
			if result := l.Gate.Gate(action.Tier); result.Decision == gate.DecisionThrottled {
				env := l.recordSkip(action, exec.StatusThrottled,
					fmt.Sprintf("%s (retry in %s)", result.Reason, result.RetryAfter.Round(time.Second)))
				envelopes = append(envelopes, env)
				continue
			}
		}
		env := l.Runner.Run(ctx, l.request(action))
		collect(env)
		if action.Tier == plan.RiskDestructive && env.Ran() {
			l.Gate.RecordDestructive()
		}
	}
	return envelopes
}

// observe folds results back into the session: observation turns for
// the planner, target findings, phase markers, context compaction.
func (l *Loop) observe(envelopes []exec.Envelope, plannerText string) {
	for _, env := range envelopes {
		l.Session.AppendChat(session.ChatMessage{
			Role:    session.RoleUser,
			Content: observationText(env, l.Cfg.Context.MaxOutputLines),
		})
		if env.Status == exec.StatusSuccess {
			if target := resourceKey(env.Argv); target != "" && target != executableOf(env.Argv) {
				l.Session.AddFinding(target, session.FindingRef{
					Summary:    summaryLine(env),
					EnvelopeID: env.ID,
				})
			}
		}
	}

	if strings.Contains(plannerText, markerPhaseComplete) {
		next := l.Session.AdvancePhase()
		l.publish(feed.EventPhase, map[string]string{"phase": string(next)})
	}

	if max := l.Cfg.Context.MaxPromptBytes; max > 0 {
		snap := l.Session.Snapshot()
		size := 0
		for _, msg := range snap.Chat {
			size += len(msg.Content)
		}
		if size > max {
			l.Session.CompactChat(compactionSummary(snap), l.Cfg.Context.KeepRecent)
		}
	}
}

func (l *Loop) request(action plan.CandidateAction) exec.Request {
	return exec.Request{
		Argv:     action.Argv,
		ActionID: action.ID,
		RiskTier: string(action.Tier),
	}
}

// recordSkip writes a synthetic envelope for an action that never
// reached the executor, keeping the history complete.
func (l *Loop) recordSkip(action plan.CandidateAction, status exec.Status, reason string) exec.Envelope {
	now := time.Now().UTC()
	env := exec.Envelope{
		ID:        uuid.NewString(),
		ActionID:  action.ID,
		Argv:      action.Argv,
		StartedAt: now,
		EndedAt:   now,
		Status:    status,
		ExitCode:  -1,
		RiskTier:  string(action.Tier),
		Reason:    reason,
	}
	l.Session.Append(env)
	l.publish(feed.EventEnvelope, env)
	return env
}

func allSpawnErrors(envelopes []exec.Envelope) bool {
	if len(envelopes) == 0 {
		return false
	}
	for _, env := range envelopes {
		if env.Status != exec.StatusSpawnError {
			return false
		}
	}
	return true
}

// resourceLocks serializes actions that share a target so parallel
// low-tier scans do not hammer one host from several workers.
type resourceLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{locks: map[string]*sync.Mutex{}}
}

func (r *resourceLocks) lock(key string) func() {
	r.mu.Lock()
	m, ok := r.locks[key]
	if !ok {
		m = &sync.Mutex{}
		r.locks[key] = m
	}
	r.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// resourceKey picks the argument an action is aimed at: the last
// non-flag argument, or the executable when there is none.
func resourceKey(argv []string) string {
	for i := len(argv) - 1; i >= 1; i-- {
		arg := argv[i]
		if strings.HasPrefix(arg, "-") {
			continue
		}
		if i > 1 && strings.HasPrefix(argv[i-1], "-") && !flagTakesNoValue(argv[i-1]) {
			// Likely a flag value, keep looking.
			continue
		}
		return strings.ToLower(arg)
	}
	return executableOf(argv)
}

func executableOf(argv []string) string {
	if len(argv) == 0 {
		return ""
	}
	return strings.ToLower(argv[0])
}

func flagTakesNoValue(flag string) bool {
	switch flag {
	case "-v", "-vv", "-h", "-sV", "-sC", "-sS", "-sT", "-sU", "-A", "-Pn", "-n", "-6", "-r":
		return true
	}
	return false
}
