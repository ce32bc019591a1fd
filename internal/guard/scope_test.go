package guard

import (
	"strings"
	"testing"
)

func TestScopeAllowList(t *testing.T) {
	p := NewScopePolicy([]string{"10.0.0.0/24", "lab.example.com"}, nil)
	if err := p.ValidateTargets([]string{"10.0.0.5"}); err != nil {
		t.Fatalf("in-scope IP rejected: %v", err)
	}
	if err := p.ValidateTargets([]string{"lab.example.com"}); err != nil {
		t.Fatalf("in-scope literal rejected: %v", err)
	}
	if err := p.ValidateTargets([]string{"192.168.1.1"}); err == nil {
		t.Fatalf("out-of-scope IP accepted")
	}
	if err := p.ValidateTargets([]string{"evil.example.org"}); err == nil {
		t.Fatalf("out-of-scope host accepted")
	}
}

func TestScopeDenyBeatsAllow(t *testing.T) {
	p := NewScopePolicy([]string{"10.0.0.0/8"}, []string{"10.0.0.1"})
	err := p.ValidateTargets([]string{"10.0.0.1"})
	if err == nil {
		t.Fatalf("denied target accepted")
	}
	if !strings.Contains(err.Error(), "denied target") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestScopeCIDRContainment(t *testing.T) {
	p := NewScopePolicy([]string{"10.0.0.0/16"}, nil)
	if err := p.ValidateTargets([]string{"10.0.1.0/24"}); err != nil {
		t.Fatalf("contained CIDR rejected: %v", err)
	}
	if err := p.ValidateTargets([]string{"10.0.0.0/8"}); err == nil {
		t.Fatalf("wider CIDR accepted")
	}
}

func TestScopeAliasExpansion(t *testing.T) {
	p := NewScopePolicy([]string{"internal"}, nil)
	if err := p.ValidateTargets([]string{"192.168.10.20"}); err != nil {
		t.Fatalf("alias-covered IP rejected: %v", err)
	}
	if err := p.ValidateTargets([]string{"8.8.8.8"}); err == nil {
		t.Fatalf("public IP accepted under internal alias")
	}
}

func TestScopeExtractsTargetsFromCommand(t *testing.T) {
	p := NewScopePolicy([]string{"10.0.0.0/24"}, nil)
	if err := p.ValidateCommand("nmap", []string{"-sV", "10.0.0.5"}); err != nil {
		t.Fatalf("in-scope command rejected: %v", err)
	}
	if err := p.ValidateCommand("nmap", []string{"-sV", "172.16.0.9"}); err == nil {
		t.Fatalf("out-of-scope command accepted")
	}
	if err := p.ValidateCommand("curl", []string{"http://203.0.113.7/admin"}); err == nil {
		t.Fatalf("URL host not extracted")
	}
}

func TestScopeIgnoresOutputFileTokens(t *testing.T) {
	p := NewScopePolicy([]string{"10.0.0.0/24"}, nil)
	// results.example.txt would match the host regex but is an output file.
	if err := p.ValidateCommand("nmap", []string{"-oN", "results.example.txt", "10.0.0.5"}); err != nil {
		t.Fatalf("file token treated as host: %v", err)
	}
}

func TestScopeNoRulesAllowsEverything(t *testing.T) {
	var p *ScopePolicy
	if p.HasRules() {
		t.Fatalf("nil policy must report no rules")
	}
	if err := p.ValidateTargets([]string{"198.51.100.99"}); err != nil {
		t.Fatalf("nil policy must allow: %v", err)
	}
}
