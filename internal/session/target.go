package session

import (
	"time"

	"github.com/google/uuid"
)

type TargetKind string

const (
	TargetHost    TargetKind = "host"
	TargetDomain  TargetKind = "domain"
	TargetPerson  TargetKind = "person"
	TargetNetwork TargetKind = "network"
)

// FindingRef ties a short finding summary to the command result it
// came from.
type FindingRef struct {
	Summary    string    `json:"summary" yaml:"summary"`
	EnvelopeID string    `json:"envelope_id,omitempty" yaml:"envelope_id,omitempty"`
	RecordedAt time.Time `json:"recorded_at" yaml:"recorded_at"`
}

// Target is one asset under test. Targets are never deleted from the
// registry; exporting a session archives them instead.
type Target struct {
	ID           uuid.UUID    `json:"id" yaml:"id"`
	Identifier   string       `json:"identifier" yaml:"identifier"`
	Kind         TargetKind   `json:"kind" yaml:"kind"`
	DiscoveredAt time.Time    `json:"discovered_at" yaml:"discovered_at"`
	Findings     []FindingRef `json:"findings,omitempty" yaml:"findings,omitempty"`
	Archived     bool         `json:"archived,omitempty" yaml:"archived,omitempty"`
}

func (t Target) clone() Target {
	out := t
	out.Findings = append([]FindingRef(nil), t.Findings...)
	return out
}
