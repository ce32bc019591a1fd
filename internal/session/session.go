// Package session holds the mutable state of one engagement: phase,
// target registry, chat log, execution history, and the on-disk
// artifact store. All appendable state sits behind one mutex and is
// append-only; readers get copies through Snapshot.
package session

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/redeyes-project/redeye/internal/exec"
	"github.com/redeyes-project/redeye/internal/plan"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	Timestamp  time.Time        `json:"timestamp"`
	Extraction *plan.Extraction `json:"extraction,omitempty"`
}

// ConfirmationRecord is the durable trace of one gate decision put to
// the operator.
type ConfirmationRecord struct {
	ActionID  string    `json:"action_id"`
	Argv      []string  `json:"argv"`
	Tier      string    `json:"tier"`
	Verdict   string    `json:"verdict"`
	Reason    string    `json:"reason,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

type Session struct {
	ID        uuid.UUID
	StartedAt time.Time
	Objective string

	mu            sync.Mutex
	phase         TestPhase
	targets       map[string]*Target
	targetOrder   []string
	chat          []ChatMessage
	history       []exec.Envelope
	confirmations []ConfirmationRecord

	store *Store
	log   *logrus.Entry
	now   func() time.Time
}

// New starts a session in the recon phase. store may be nil for
// in-memory sessions (tests, dry runs).
func New(objective string, store *Store, log *logrus.Entry) *Session {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Session{
		ID:        uuid.New(),
		StartedAt: time.Now().UTC(),
		Objective: objective,
		phase:     PhaseRecon,
		targets:   map[string]*Target{},
		store:     store,
		log:       log,
		now:       time.Now,
	}
	if store != nil {
		if err := store.WriteMeta(Meta{
			ID:        s.ID.String(),
			Objective: objective,
			StartedAt: s.StartedAt,
			Phase:     string(s.phase),
			Status:    StatusActive,
		}); err != nil {
			log.WithError(err).Warn("write session meta")
		}
	}
	return s
}

func (s *Session) Phase() TestPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// AdvancePhase moves to the next phase in order. It never moves
// backwards and never skips.
func (s *Session) AdvancePhase() TestPhase {
	s.mu.Lock()
	next := s.phase.Next()
	changed := next != s.phase
	s.phase = next
	s.mu.Unlock()
	if changed {
		s.emit("phase", map[string]string{"phase": string(next)})
	}
	return next
}

// OverridePhase jumps to an arbitrary phase on operator request.
func (s *Session) OverridePhase(raw string) error {
	p, err := ParsePhase(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
	s.emit("phase", map[string]string{"phase": string(p), "override": "true"})
	return nil
}

// AddTarget registers a target by identifier, returning the existing
// record when one is already known (add-or-get).
func (s *Session) AddTarget(identifier string, kind TargetKind) Target {
	s.mu.Lock()
	existing, ok := s.targets[identifier]
	if ok {
		out := existing.clone()
		s.mu.Unlock()
		return out
	}
	t := &Target{
		ID:           uuid.New(),
		Identifier:   identifier,
		Kind:         kind,
		DiscoveredAt: s.now().UTC(),
	}
	s.targets[identifier] = t
	s.targetOrder = append(s.targetOrder, identifier)
	out := t.clone()
	s.mu.Unlock()
	s.emit("target", map[string]string{"identifier": identifier, "kind": string(kind)})
	return out
}

// AddFinding attaches a finding to a known target. Unknown identifiers
// are registered as hosts first.
func (s *Session) AddFinding(identifier string, ref FindingRef) {
	s.mu.Lock()
	t, ok := s.targets[identifier]
	if !ok {
		t = &Target{
			ID:           uuid.New(),
			Identifier:   identifier,
			Kind:         TargetHost,
			DiscoveredAt: s.now().UTC(),
		}
		s.targets[identifier] = t
		s.targetOrder = append(s.targetOrder, identifier)
	}
	if ref.RecordedAt.IsZero() {
		ref.RecordedAt = s.now().UTC()
	}
	t.Findings = append(t.Findings, ref)
	s.mu.Unlock()
}

// ArchiveTargets marks every target archived, preserving the records.
// Used when exporting a session.
func (s *Session) ArchiveTargets() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		t.Archived = true
	}
}

func (s *Session) Targets() []Target {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Target, 0, len(s.targetOrder))
	for _, id := range s.targetOrder {
		out = append(out, s.targets[id].clone())
	}
	return out
}

func (s *Session) AppendChat(msg ChatMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	s.mu.Lock()
	s.chat = append(s.chat, msg)
	s.mu.Unlock()
}

// Append records one execution envelope. It satisfies the runner's
// sink interface, so every attempt lands here including blocked and
// spawn-error ones.
func (s *Session) Append(env exec.Envelope) {
	s.mu.Lock()
	s.history = append(s.history, env)
	s.mu.Unlock()
	s.emit("envelope", env)
	if s.store != nil && env.Ran() {
		note := string(env.Status)
		if env.Truncated {
			note += ", output truncated"
		}
		if err := s.store.AppendLedger(argvString(env.Argv), env.ID, note); err != nil {
			s.log.WithError(err).Warn("append evidence ledger")
		}
	}
}

func (s *Session) RecordConfirmation(rec ConfirmationRecord) {
	if rec.DecidedAt.IsZero() {
		rec.DecidedAt = s.now().UTC()
	}
	s.mu.Lock()
	s.confirmations = append(s.confirmations, rec)
	s.mu.Unlock()
	s.emit("confirmation", rec)
}

// Close marks the session finished on disk.
func (s *Session) Close() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	meta := Meta{
		ID:        s.ID.String(),
		Objective: s.Objective,
		StartedAt: s.StartedAt,
		EndedAt:   s.now().UTC(),
		Phase:     string(s.phase),
		Status:    StatusClosed,
	}
	s.mu.Unlock()
	if err := s.store.WriteMeta(meta); err != nil {
		s.log.WithError(err).Warn("close session meta")
	}
}

// Snapshot is a point-in-time copy for planners and the CLI. Mutating
// it does not touch the session.
type Snapshot struct {
	ID            uuid.UUID
	Objective     string
	StartedAt     time.Time
	Phase         TestPhase
	Targets       []Target
	Chat          []ChatMessage
	History       []exec.Envelope
	Confirmations []ConfirmationRecord
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:            s.ID,
		Objective:     s.Objective,
		StartedAt:     s.StartedAt,
		Phase:         s.phase,
		Chat:          append([]ChatMessage(nil), s.chat...),
		History:       append([]exec.Envelope(nil), s.history...),
		Confirmations: append([]ConfirmationRecord(nil), s.confirmations...),
	}
	snap.Targets = make([]Target, 0, len(s.targetOrder))
	for _, id := range s.targetOrder {
		snap.Targets = append(snap.Targets, s.targets[id].clone())
	}
	return snap
}

// CompactChat folds every message before keep into a single summary
// turn, bounding planner context. History and targets are untouched.
func (s *Session) CompactChat(summary string, keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep < 0 {
		keep = 0
	}
	if len(s.chat) <= keep {
		return
	}
	tail := append([]ChatMessage(nil), s.chat[len(s.chat)-keep:]...)
	s.chat = append([]ChatMessage{{
		Role:      RoleSystem,
		Content:   summary,
		Timestamp: s.now().UTC(),
	}}, tail...)
}

func (s *Session) emit(eventType string, payload any) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendEvent(eventType, payload); err != nil {
		s.log.WithError(err).WithField("event", eventType).Warn("append session event")
	}
}

func argvString(argv []string) string {
	return strings.Join(argv, " ")
}
