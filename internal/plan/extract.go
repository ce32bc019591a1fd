// Package plan turns free-form model output into typed candidate actions.
// Extraction is deliberately a pure function: the fuzzy text parsing lives
// here, and everything downstream (gating, execution) works on the typed
// result only.
package plan

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

type CandidateAction struct {
	ID            string
	Argv          []string
	Rationale     string
	Tier          RiskTier
	SourceMessage int
}

type SkipReason string

const (
	SkipUnavailable SkipReason = "tool_unavailable"
	SkipUnparseable SkipReason = "unparseable"
)

type SkippedCandidate struct {
	Line   string
	Reason SkipReason
}

// Extraction is the full result of one parsing pass. Skipped candidates are
// reported, never silently dropped, so the operator can see what the model
// proposed that will not run.
type Extraction struct {
	Actions []CandidateAction
	Skipped []SkippedCandidate
}

var (
	fencedBlockPattern = regexp.MustCompile("(?is)```(?:bash|sh|zsh|shell|console)?\\s*\\n(.*?)```")

	// Bare tool invocations outside fenced blocks, one per line.
	toolLinePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?im)^\s*\$?\s*((?:nmap|masscan|nikto|gobuster|feroxbuster|ffuf|sqlmap|hydra|amass|subfinder|theharvester|fierce|dnsrecon|enum4linux|whois|dig|nslookup|curl|wget|httpx|wpscan|smbclient|snmpwalk|searchsploit|msfconsole|aircrack-ng|aireplay-ng)\b[^\n]*)$`),
	}

	shellMetaPattern = regexp.MustCompile("[|;&<>`]|\\$\\(")
)

// Extract parses model-generated text into ordered candidate actions.
// available is the known-tool capability set; candidates whose executable is
// not present are reported as skipped instead of being queued to fail.
// sourceMessage is the chat index the text came from.
func Extract(text string, available map[string]bool, sourceMessage int) Extraction {
	out := Extraction{}
	seen := map[string]struct{}{}

	add := func(line, rationale string) {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "$ "))
		if line == "" {
			return
		}
		if _, dup := seen[line]; dup {
			return
		}
		seen[line] = struct{}{}

		if shellMetaPattern.MatchString(stripQuoted(line)) {
			out.Skipped = append(out.Skipped, SkippedCandidate{Line: line, Reason: SkipUnparseable})
			return
		}
		argv, ok := SplitArgv(line)
		if !ok || len(argv) == 0 {
			out.Skipped = append(out.Skipped, SkippedCandidate{Line: line, Reason: SkipUnparseable})
			return
		}
		if available != nil && !available[executableName(argv[0])] {
			out.Skipped = append(out.Skipped, SkippedCandidate{Line: line, Reason: SkipUnavailable})
			return
		}
		out.Actions = append(out.Actions, CandidateAction{
			ID:            uuid.NewString(),
			Argv:          argv,
			Rationale:     rationale,
			Tier:          ClassifyRisk(argv),
			SourceMessage: sourceMessage,
		})
	}

	remainder := text
	for _, match := range fencedBlockPattern.FindAllStringSubmatchIndex(text, -1) {
		block := text[match[2]:match[3]]
		rationale := precedingLine(text, match[0])
		for _, line := range strings.Split(block, "\n") {
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
				continue
			}
			add(trimmed, rationale)
		}
	}
	remainder = fencedBlockPattern.ReplaceAllString(remainder, "\n")

	for _, pattern := range toolLinePatterns {
		for _, match := range pattern.FindAllStringSubmatch(remainder, -1) {
			add(match[1], strings.TrimSpace(match[1]))
		}
	}
	return out
}

// SplitArgv splits a single command line into an argument vector without
// shell semantics beyond quote grouping. Returns false when quoting is
// unterminated.
func SplitArgv(line string) ([]string, bool) {
	argv := []string{}
	var current strings.Builder
	inSingle, inDouble, hasToken := false, false, false

	flush := func() {
		if hasToken {
			argv = append(argv, current.String())
			current.Reset()
			hasToken = false
		}
	}

	for _, r := range line {
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				current.WriteRune(r)
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			} else {
				current.WriteRune(r)
			}
		case r == '\'':
			inSingle = true
			hasToken = true
		case r == '"':
			inDouble = true
			hasToken = true
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
			hasToken = true
		}
	}
	if inSingle || inDouble {
		return nil, false
	}
	flush()
	return argv, true
}

// stripQuoted blanks quoted spans so metacharacters inside quotes do not
// disqualify a line.
func stripQuoted(line string) string {
	var b strings.Builder
	inSingle, inDouble := false, false
	for _, r := range line {
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			}
		case inDouble:
			if r == '"' {
				inDouble = false
			}
		case r == '\'':
			inSingle = true
		case r == '"':
			inDouble = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func precedingLine(text string, offset int) string {
	before := strings.TrimRight(text[:offset], "\n \t")
	idx := strings.LastIndex(before, "\n")
	line := before
	if idx >= 0 {
		line = before[idx+1:]
	}
	return strings.TrimSpace(line)
}
