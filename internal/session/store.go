package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	StatusActive = "active"
	StatusClosed = "closed"

	metaFilename   = "session.yaml"
	eventsFilename = "events.jsonl"
	ledgerFilename = "ledger.md"

	ledgerHeader = "# Evidence Ledger\n\n| Command | Envelope | Timestamp | Notes |\n| --- | --- | --- | --- |\n"
)

// Meta is the session descriptor written to session.yaml.
type Meta struct {
	ID        string    `yaml:"id"`
	Objective string    `yaml:"objective,omitempty"`
	StartedAt time.Time `yaml:"started_at"`
	EndedAt   time.Time `yaml:"ended_at,omitempty"`
	Phase     string    `yaml:"phase"`
	Status    string    `yaml:"status"`
}

// Event is one line of events.jsonl. Seq is monotonic per writer, so
// replaying a log can detect truncation or interleaving damage.
type Event struct {
	EventID   string          `json:"event_id"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"ts"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewDirID returns a sortable directory name for a new session,
// timestamp plus a short random suffix.
func NewDirID() string {
	ts := time.Now().UTC().Format("20060102-150405")
	suffix := uuid.NewString()[:4]
	return fmt.Sprintf("%s-%s", ts, suffix)
}

// Store owns one session directory: meta, event log, ledger, and the
// logs/ and artifacts/ subdirectories.
type Store struct {
	dir string

	mu  sync.Mutex
	seq int64
}

// NewStore creates the session directory scaffold under rootDir.
func NewStore(rootDir, sessionID string) (*Store, error) {
	if rootDir == "" {
		rootDir = "sessions"
	}
	dir := filepath.Join(rootDir, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	for _, name := range []string{"logs", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, name), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", name, err)
		}
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) LogPath() string {
	return filepath.Join(s.dir, "logs", "session.log")
}

// WriteMeta replaces session.yaml atomically.
func (s *Store) WriteMeta(meta Meta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	path := filepath.Join(s.dir, metaFilename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp meta: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename meta: %w", err)
	}
	return nil
}

// AppendEvent adds one line to events.jsonl with the next sequence
// number. The file is append-only; existing lines are never rewritten.
func (s *Store) AppendEvent(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	event := Event{
		EventID:   uuid.NewString(),
		Seq:       s.seq,
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(s.dir, eventsFilename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// AppendLedger adds one evidence row, creating the table header on
// first use.
func (s *Store) AppendLedger(command, envelopeID, notes string) error {
	path := filepath.Join(s.dir, ledgerFilename)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte(ledgerHeader), 0o644); err != nil {
			return fmt.Errorf("write ledger header: %w", err)
		}
	}
	row := fmt.Sprintf("| %s | %s | %s | %s |\n",
		escapePipes(command),
		escapePipes(envelopeID),
		time.Now().UTC().Format(time.RFC3339),
		escapePipes(notes),
	)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(row); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func escapePipes(value string) string {
	return strings.ReplaceAll(value, "|", "\\|")
}

// ReadMeta loads session.yaml from a session directory.
func ReadMeta(sessionDir string) (Meta, error) {
	data, err := os.ReadFile(filepath.Join(sessionDir, metaFilename))
	if err != nil {
		return Meta{}, err
	}
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Meta{}, fmt.Errorf("parse meta: %w", err)
	}
	return meta, nil
}

// ReadEvents replays events.jsonl, enforcing monotonic sequence
// numbers.
func ReadEvents(sessionDir string) ([]Event, error) {
	f, err := os.Open(filepath.Join(sessionDir, eventsFilename))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	var lastSeq int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, fmt.Errorf("parse event line %d: %w", lineNo, err)
		}
		if event.Seq <= lastSeq {
			return nil, fmt.Errorf("non-monotonic seq at line %d: %d <= %d", lineNo, event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		events = append(events, event)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event log: %w", err)
	}
	return events, nil
}

// ListSessions returns metadata for each session under rootDir, newest
// first. Directories without a readable meta file are skipped.
func ListSessions(rootDir string) ([]Meta, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var out []Meta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := ReadMeta(filepath.Join(rootDir, entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}
