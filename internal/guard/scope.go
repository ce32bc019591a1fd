package guard

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// ScopePolicy holds the engagement's allow/deny target rules. Entries may
// be IPs, CIDRs, hostnames, or one of the private-range aliases.
type ScopePolicy struct {
	allowIPs      []net.IP
	allowNets     []*net.IPNet
	allowLiterals []string
	denyIPs       []net.IP
	denyNets      []*net.IPNet
	denyLiterals  []string
}

var scopeAliases = map[string][]string{
	"internal":  {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8", "169.254.0.0/16"},
	"private":   {"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
	"loopback":  {"127.0.0.0/8"},
	"local":     {"127.0.0.0/8"},
	"linklocal": {"169.254.0.0/16"},
}

var (
	cidrPattern = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}/\d{1,2}\b`)
	ipPattern   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	hostPattern = regexp.MustCompile(`(?i)\b(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\b`)
)

// Tokens with these extensions are output files, not hostnames, even though
// the host regex matches them.
var fileExtensions = map[string]struct{}{
	".cfg": {}, ".conf": {}, ".csv": {}, ".gnmap": {}, ".ini": {}, ".json": {},
	".log": {}, ".md": {}, ".nmap": {}, ".out": {}, ".txt": {}, ".xml": {},
	".yaml": {}, ".yml": {}, ".zip": {},
}

func NewScopePolicy(allowEntries, denyEntries []string) *ScopePolicy {
	p := &ScopePolicy{}
	p.allowIPs, p.allowNets, p.allowLiterals = parseEntries(allowEntries)
	p.denyIPs, p.denyNets, p.denyLiterals = parseEntries(denyEntries)
	return p
}

func (p *ScopePolicy) HasRules() bool {
	if p == nil {
		return false
	}
	return len(p.allowIPs)+len(p.allowNets)+len(p.allowLiterals)+
		len(p.denyIPs)+len(p.denyNets)+len(p.denyLiterals) > 0
}

// ValidateCommand extracts every target-looking token from the vector and
// checks each against the policy.
func (p *ScopePolicy) ValidateCommand(command string, args []string) error {
	if !p.HasRules() {
		return nil
	}
	return p.ValidateTargets(p.extractTargets(command, args))
}

// ValidateTargets enforces deny rules first, then the allow list when one
// is configured.
func (p *ScopePolicy) ValidateTargets(targets []string) error {
	if p == nil || len(targets) == 0 {
		return nil
	}
	allowEnforced := len(p.allowIPs)+len(p.allowNets)+len(p.allowLiterals) > 0
	violations := []string{}

	for _, raw := range targets {
		target := strings.ToLower(strings.TrimSpace(raw))
		if target == "" {
			continue
		}
		ip, cidr, literal := classifyTarget(target)
		switch {
		case literal:
			if containsString(p.denyLiterals, target) {
				violations = append(violations, fmt.Sprintf("denied target %s", raw))
				continue
			}
			if allowEnforced && !containsString(p.allowLiterals, target) {
				violations = append(violations, fmt.Sprintf("out of scope target %s", raw))
			}
		case ip != nil:
			if ipMatches(ip, p.denyIPs, p.denyNets) {
				violations = append(violations, fmt.Sprintf("denied target %s", raw))
				continue
			}
			if allowEnforced && !ipMatches(ip, p.allowIPs, p.allowNets) {
				violations = append(violations, fmt.Sprintf("out of scope target %s", raw))
			}
		case cidr != nil:
			if cidrTouchesDeny(cidr, p.denyIPs, p.denyNets) {
				violations = append(violations, fmt.Sprintf("denied target %s", raw))
				continue
			}
			if allowEnforced && !cidrInsideAllow(cidr, p.allowNets) {
				violations = append(violations, fmt.Sprintf("out of scope target %s", raw))
			}
		}
	}
	if len(violations) > 0 {
		return fmt.Errorf("scope violation: %s", strings.Join(violations, "; "))
	}
	return nil
}

func (p *ScopePolicy) extractTargets(command string, args []string) []string {
	seen := map[string]struct{}{}
	add := func(value string) {
		v := strings.ToLower(strings.TrimSpace(value))
		if v != "" {
			seen[v] = struct{}{}
		}
	}

	for _, token := range append([]string{command}, args...) {
		fileLike := looksLikeFile(token)
		if host := hostFromURL(token); host != "" {
			add(host)
		}
		lower := strings.ToLower(token)
		if strings.Contains(lower, "localhost") {
			add("localhost")
		}
		for _, match := range cidrPattern.FindAllString(token, -1) {
			add(match)
		}
		for _, match := range ipPattern.FindAllString(token, -1) {
			add(match)
		}
		if !fileLike {
			for _, match := range hostPattern.FindAllString(token, -1) {
				add(match)
			}
		}
		for _, literal := range p.allowLiterals {
			if literal != "" && strings.Contains(lower, literal) {
				add(literal)
			}
		}
		for _, literal := range p.denyLiterals {
			if literal != "" && strings.Contains(lower, literal) {
				add(literal)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for target := range seen {
		out = append(out, target)
	}
	sort.Strings(out)
	return out
}

func parseEntries(entries []string) ([]net.IP, []*net.IPNet, []string) {
	ips := []net.IP{}
	nets := []*net.IPNet{}
	literals := []string{}
	for _, entry := range expandAliases(entries) {
		token := strings.ToLower(strings.TrimSpace(entry))
		if token == "" {
			continue
		}
		if strings.Contains(token, "/") {
			if _, network, err := net.ParseCIDR(token); err == nil {
				nets = append(nets, network)
				continue
			}
		}
		if ip := net.ParseIP(token); ip != nil {
			ips = append(ips, ip)
			continue
		}
		literals = append(literals, token)
	}
	return ips, nets, literals
}

func expandAliases(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		token := strings.ToLower(strings.TrimSpace(entry))
		if expansion, ok := scopeAliases[token]; ok {
			out = append(out, expansion...)
			continue
		}
		out = append(out, entry)
	}
	return out
}

func classifyTarget(target string) (net.IP, *net.IPNet, bool) {
	if target == "localhost" {
		return net.ParseIP("127.0.0.1"), nil, false
	}
	if strings.Contains(target, "/") {
		if _, network, err := net.ParseCIDR(target); err == nil {
			return nil, network, false
		}
	}
	if ip := net.ParseIP(target); ip != nil {
		return ip, nil, false
	}
	return nil, nil, true
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func ipMatches(ip net.IP, ips []net.IP, nets []*net.IPNet) bool {
	for _, candidate := range ips {
		if candidate.Equal(ip) {
			return true
		}
	}
	for _, network := range nets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func cidrInsideAllow(target *net.IPNet, allow []*net.IPNet) bool {
	for _, network := range allow {
		if network.Contains(target.IP) {
			containerOnes, _ := network.Mask.Size()
			targetOnes, _ := target.Mask.Size()
			if containerOnes <= targetOnes {
				return true
			}
		}
	}
	return false
}

func cidrTouchesDeny(target *net.IPNet, denyIPs []net.IP, denyNets []*net.IPNet) bool {
	for _, ip := range denyIPs {
		if target.Contains(ip) {
			return true
		}
	}
	for _, network := range denyNets {
		if network.Contains(target.IP) || target.Contains(network.IP) {
			return true
		}
	}
	return false
}

func hostFromURL(token string) string {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" || !strings.Contains(trimmed, "://") {
		return ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(parsed.Hostname()))
}

func looksLikeFile(token string) bool {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return false
	}
	if strings.Contains(trimmed, "://") {
		return false
	}
	if strings.HasPrefix(trimmed, "./") || strings.HasPrefix(trimmed, "../") || strings.HasPrefix(trimmed, "~") || strings.HasPrefix(trimmed, "/") {
		return true
	}
	ext := strings.ToLower(filepath.Ext(trimmed))
	if ext == "" {
		return false
	}
	_, ok := fileExtensions[ext]
	return ok
}
