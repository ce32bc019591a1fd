// Package guard implements the pre-execution policy check. A Guard can
// categorically deny an argument vector before it ever reaches the
// executor: catastrophic commands, wrapper-based bypasses, path escapes,
// and out-of-scope targets.
package guard

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Denial is the terminal verdict for a rejected vector. It is an error so
// callers can surface it through normal error paths, but it is never
// retried.
type Denial struct {
	Rule   string
	Reason string
}

func (d *Denial) Error() string {
	return fmt.Sprintf("denied by %s: %s", d.Rule, d.Reason)
}

// IsDenial reports whether err is a guard denial.
func IsDenial(err error) bool {
	_, ok := err.(*Denial)
	return ok
}

type Guard struct {
	// WorkingRoot confines path arguments when set.
	WorkingRoot string
	// ReadOnlyPrefixes are absolute prefixes exempt from the working-root
	// check (wordlists, device null sink, scratch space).
	ReadOnlyPrefixes []string
	// Scope restricts network targets when it has rules.
	Scope *ScopePolicy
}

func New(workingRoot string, scope *ScopePolicy) *Guard {
	return &Guard{
		WorkingRoot:      workingRoot,
		ReadOnlyPrefixes: []string{"/usr/share", "/opt/wordlists", "/dev/null", "/tmp"},
		Scope:            scope,
	}
}

// Executables denied outright regardless of arguments.
var deniedExecutables = map[string]string{
	"shutdown": "host shutdown",
	"reboot":   "host reboot",
	"halt":     "host halt",
	"poweroff": "host poweroff",
	"mkfs":     "filesystem creation wipes the device",
	"fdisk":    "partition table modification",
	"parted":   "partition table modification",
}

// Wrappers whose real command follows after their own arguments.
var passthroughWrappers = map[string]struct{}{
	"sudo": {}, "doas": {}, "env": {}, "nohup": {}, "nice": {}, "stdbuf": {},
	"timeout": {}, "xargs": {}, "setsid": {},
}

var shellInterpreters = map[string]struct{}{
	"sh": {}, "bash": {}, "zsh": {}, "dash": {}, "ash": {}, "ksh": {},
}

var scriptInterpreters = map[string]struct{}{
	"python": {}, "python3": {}, "perl": {}, "ruby": {}, "php": {},
}

var rootLevelPaths = map[string]struct{}{
	"/": {}, "/*": {}, "/bin": {}, "/boot": {}, "/dev": {}, "/etc": {},
	"/home": {}, "/lib": {}, "/opt": {}, "/proc": {}, "/root": {},
	"/sbin": {}, "/srv": {}, "/sys": {}, "/usr": {}, "/var": {},
}

// Validate checks an argument vector against the deny policy. A nil return
// means the vector may proceed to the gate/executor pipeline; a *Denial
// return is final for that action.
func (g *Guard) Validate(argv []string) error {
	if len(argv) == 0 {
		return &Denial{Rule: "empty-argv", Reason: "no command given"}
	}

	effective, script := unwrap(argv)
	if len(effective) == 0 && script == "" {
		return &Denial{Rule: "empty-argv", Reason: "wrapper carries no command"}
	}
	if script != "" {
		if err := g.validateScript(script); err != nil {
			return err
		}
	}
	if len(effective) > 0 {
		if err := g.validateVector(effective); err != nil {
			return err
		}
	}
	if g.WorkingRoot != "" {
		if err := g.validatePaths(argv); err != nil {
			return err
		}
	}
	if g.Scope.HasRules() {
		if err := g.Scope.ValidateCommand(argv[0], argv[1:]); err != nil {
			return &Denial{Rule: "scope", Reason: err.Error()}
		}
	}
	return nil
}

func (g *Guard) validateVector(argv []string) error {
	name := executableName(argv[0])
	if reason, ok := deniedExecutables[name]; ok {
		return &Denial{Rule: "denylist", Reason: fmt.Sprintf("%s: %s", name, reason)}
	}
	if strings.HasPrefix(name, "mkfs.") {
		return &Denial{Rule: "denylist", Reason: "filesystem creation wipes the device"}
	}

	for _, token := range argv {
		if strings.Contains(token, ":(){") {
			return &Denial{Rule: "fork-bomb", Reason: "fork bomb pattern"}
		}
	}

	switch name {
	case "rm":
		if err := checkRecursiveDelete(argv[1:]); err != nil {
			return err
		}
	case "dd":
		if err := checkDiskWrite(argv[1:]); err != nil {
			return err
		}
	case "shred":
		for _, arg := range argv[1:] {
			if strings.HasPrefix(arg, "/dev/") || isRootLevelPath(arg) {
				return &Denial{Rule: "disk-wipe", Reason: "shred against device or system path"}
			}
		}
	}
	return nil
}

// validateScript inspects a shell `-c` payload. Scripts cannot be split
// into a vector safely, so any denied executable name appearing as a token
// fails the whole script.
func (g *Guard) validateScript(script string) error {
	lowered := strings.ToLower(script)
	if strings.Contains(lowered, ":(){") {
		return &Denial{Rule: "fork-bomb", Reason: "fork bomb pattern in shell script"}
	}
	for _, token := range tokenize(lowered) {
		name := executableName(strings.Trim(token, "'\"`"))
		if _, ok := deniedExecutables[name]; ok {
			return &Denial{Rule: "wrapped-denylist", Reason: fmt.Sprintf("script invokes %s", name)}
		}
		if strings.HasPrefix(name, "mkfs") {
			return &Denial{Rule: "wrapped-denylist", Reason: "script invokes mkfs"}
		}
	}
	if strings.Contains(lowered, "rm ") && containsRecursiveRootDelete(lowered) {
		return &Denial{Rule: "wrapped-denylist", Reason: "script performs recursive delete of a system path"}
	}
	if strings.Contains(lowered, "dd ") && strings.Contains(lowered, "of=/dev/") {
		return &Denial{Rule: "wrapped-denylist", Reason: "script writes a raw device"}
	}
	if strings.Contains(lowered, "> /dev/sd") || strings.Contains(lowered, ">/dev/sd") {
		return &Denial{Rule: "wrapped-denylist", Reason: "script redirects onto a raw disk"}
	}
	return nil
}

func (g *Guard) validatePaths(argv []string) error {
	root, err := filepath.Abs(g.WorkingRoot)
	if err != nil {
		return fmt.Errorf("resolve working root: %w", err)
	}
	for _, arg := range argv[1:] {
		candidate := pathArgument(arg)
		if candidate == "" || !filepath.IsAbs(candidate) {
			continue
		}
		clean := filepath.Clean(candidate)
		if strings.HasPrefix(clean, root+string(filepath.Separator)) || clean == root {
			continue
		}
		if g.allowedPrefix(clean) {
			continue
		}
		return &Denial{Rule: "working-root", Reason: fmt.Sprintf("path %s escapes working root %s", clean, root)}
	}
	return nil
}

func (g *Guard) allowedPrefix(path string) bool {
	for _, prefix := range g.ReadOnlyPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return true
		}
	}
	return false
}

// unwrap peels wrapper commands (sudo, env, timeout ...) until the real
// executable is visible. For shell interpreters with -c it returns the
// script payload instead.
func unwrap(argv []string) ([]string, string) {
	current := argv
	for len(current) > 0 {
		name := executableName(current[0])

		if _, ok := shellInterpreters[name]; ok {
			if script, ok := dashCPayload(current[1:]); ok {
				return nil, script
			}
			return current, ""
		}
		if _, ok := scriptInterpreters[name]; ok {
			if script, ok := inlineCodePayload(current[1:]); ok {
				return nil, script
			}
			return current, ""
		}
		if _, ok := passthroughWrappers[name]; !ok {
			return current, ""
		}

		rest := current[1:]
		// Skip the wrapper's own flags and, for env/timeout, its leading
		// operands (VAR=val assignments, durations).
		for len(rest) > 0 {
			tok := rest[0]
			if strings.HasPrefix(tok, "-") || strings.Contains(tok, "=") || looksLikeDuration(tok) {
				rest = rest[1:]
				continue
			}
			break
		}
		if len(rest) == 0 {
			return nil, ""
		}
		current = rest
	}
	return current, ""
}

func dashCPayload(args []string) (string, bool) {
	for i, arg := range args {
		if arg == "-c" || (strings.HasPrefix(arg, "-") && strings.Contains(arg, "c")) {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		}
	}
	return "", false
}

func inlineCodePayload(args []string) (string, bool) {
	for i, arg := range args {
		if arg == "-c" || arg == "-e" {
			if i+1 < len(args) {
				return args[i+1], true
			}
			return "", true
		}
	}
	return "", false
}

func checkRecursiveDelete(args []string) error {
	recursive := false
	targets := []string{}
	for _, arg := range args {
		if strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "--") {
			if strings.ContainsAny(arg, "rR") {
				recursive = true
			}
			continue
		}
		switch arg {
		case "--recursive":
			recursive = true
			continue
		case "--force", "--":
			continue
		}
		targets = append(targets, arg)
	}
	if !recursive {
		return nil
	}
	for _, target := range targets {
		if isRootLevelPath(target) {
			return &Denial{Rule: "recursive-delete", Reason: fmt.Sprintf("recursive delete of %s", target)}
		}
	}
	return nil
}

func checkDiskWrite(args []string) error {
	for _, arg := range args {
		if strings.HasPrefix(arg, "of=/dev/") {
			return &Denial{Rule: "disk-wipe", Reason: fmt.Sprintf("dd writes raw device %s", strings.TrimPrefix(arg, "of="))}
		}
	}
	return nil
}

func containsRecursiveRootDelete(script string) bool {
	fields := strings.Fields(script)
	for i, field := range fields {
		if executableName(field) != "rm" {
			continue
		}
		recursive := false
		for _, arg := range fields[i+1:] {
			if strings.HasPrefix(arg, "-") && strings.ContainsAny(arg, "rR") {
				recursive = true
				continue
			}
			if recursive && isRootLevelPath(arg) {
				return true
			}
		}
	}
	return false
}

func isRootLevelPath(raw string) bool {
	clean := strings.TrimSpace(raw)
	if clean == "/*" {
		return true
	}
	if !strings.HasPrefix(clean, "/") {
		return false
	}
	clean = filepath.Clean(clean)
	_, ok := rootLevelPaths[clean]
	return ok
}

// pathArgument extracts the path portion of an argument, handling
// --flag=/path forms.
func pathArgument(arg string) string {
	if strings.HasPrefix(arg, "-") {
		if idx := strings.Index(arg, "="); idx >= 0 {
			return arg[idx+1:]
		}
		return ""
	}
	return arg
}

func looksLikeDuration(token string) bool {
	if token == "" {
		return false
	}
	for i, r := range token {
		if r >= '0' && r <= '9' {
			continue
		}
		return i > 0 && (r == 's' || r == 'm' || r == 'h') && i == len(token)-1
	}
	return true
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ';' || r == '|' || r == '&' || r == '(' || r == ')'
	})
}

func executableName(raw string) string {
	return strings.ToLower(filepath.Base(strings.TrimSpace(raw)))
}
