package session

import "fmt"

// TestPhase tracks where the engagement is in its lifecycle. Phases
// only move forward through Advance; an operator may jump anywhere
// with Override.
type TestPhase string

const (
	PhaseRecon          TestPhase = "recon"
	PhaseEnumeration    TestPhase = "enumeration"
	PhaseVulnAssessment TestPhase = "vulnerability-assessment"
	PhaseExploitation   TestPhase = "exploitation"
	PhasePostExploit    TestPhase = "post-exploitation"
	PhaseReporting      TestPhase = "reporting"
)

var phaseOrder = []TestPhase{
	PhaseRecon,
	PhaseEnumeration,
	PhaseVulnAssessment,
	PhaseExploitation,
	PhasePostExploit,
	PhaseReporting,
}

func phaseIndex(p TestPhase) int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the phase after p. Reporting is terminal.
func (p TestPhase) Next() TestPhase {
	idx := phaseIndex(p)
	if idx < 0 || idx == len(phaseOrder)-1 {
		return p
	}
	return phaseOrder[idx+1]
}

func (p TestPhase) Valid() bool {
	return phaseIndex(p) >= 0
}

func ParsePhase(raw string) (TestPhase, error) {
	p := TestPhase(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", raw)
	}
	return p, nil
}
