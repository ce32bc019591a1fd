package plan

import (
	"path/filepath"
	"strings"
)

type RiskTier string

const (
	RiskLow         RiskTier = "low"
	RiskMedium      RiskTier = "medium"
	RiskHigh        RiskTier = "high"
	RiskDestructive RiskTier = "destructive"
)

// rank orders tiers for comparisons; destructive is highest.
var riskRank = map[RiskTier]int{
	RiskLow:         0,
	RiskMedium:      1,
	RiskHigh:        2,
	RiskDestructive: 3,
}

func (t RiskTier) AtLeast(other RiskTier) bool {
	return riskRank[t] >= riskRank[other]
}

func ParseRiskTier(raw string) (RiskTier, bool) {
	tier := RiskTier(strings.ToLower(strings.TrimSpace(raw)))
	_, ok := riskRank[tier]
	return tier, ok
}

// Passive lookups and local inspection only.
var lowRiskTools = map[string]struct{}{
	"whois": {}, "dig": {}, "nslookup": {}, "host": {},
	"ping": {}, "traceroute": {}, "tracepath": {},
	"theharvester": {}, "subfinder": {}, "amass": {}, "assetfinder": {},
	"dnsrecon": {}, "fierce": {}, "searchsploit": {},
	"cat": {}, "ls": {}, "file": {}, "strings": {}, "grep": {},
}

// Active probing and service interrogation.
var mediumRiskTools = map[string]struct{}{
	"nmap": {}, "masscan": {}, "naabu": {}, "rustscan": {},
	"nikto": {}, "gobuster": {}, "feroxbuster": {}, "ffuf": {}, "dirb": {},
	"curl": {}, "wget": {}, "httpx": {}, "whatweb": {}, "wafw00f": {},
	"enum4linux": {}, "smbclient": {}, "smbmap": {}, "snmpwalk": {},
	"wpscan": {}, "sslscan": {}, "sslyze": {}, "nc": {}, "netcat": {},
}

// Credential attacks, exploitation, wireless disruption.
var highRiskTools = map[string]struct{}{
	"hydra": {}, "medusa": {}, "ncrack": {}, "patator": {},
	"john": {}, "hashcat": {},
	"sqlmap": {}, "msfconsole": {}, "msfvenom": {}, "metasploit": {},
	"aireplay-ng": {}, "aircrack-ng": {}, "mdk3": {}, "mdk4": {}, "wifite": {},
	"responder": {}, "mimikatz": {}, "ettercap": {}, "bettercap": {}, "arpspoof": {},
	"evil-winrm": {}, "crackmapexec": {}, "netexec": {},
}

// Filesystem/host destruction verbs. The execution guard denies most of
// these outright; tiering them keeps the confirmation policy coherent for
// the ones the guard lets through (e.g. rm of an in-root file).
var destructiveTools = map[string]struct{}{
	"rm": {}, "shred": {}, "dd": {}, "mkfs": {}, "fdisk": {}, "parted": {},
	"shutdown": {}, "reboot": {}, "halt": {}, "poweroff": {}, "format": {},
}

// ClassifyRisk maps an argument vector to a risk tier. Unknown executables
// classify as medium: unclassified is never auto-low.
func ClassifyRisk(argv []string) RiskTier {
	if len(argv) == 0 {
		return RiskMedium
	}
	name := executableName(argv[0])
	if _, ok := destructiveTools[name]; ok {
		return RiskDestructive
	}
	if strings.HasPrefix(name, "mkfs.") {
		return RiskDestructive
	}
	if _, ok := highRiskTools[name]; ok {
		return RiskHigh
	}
	if _, ok := lowRiskTools[name]; ok {
		return RiskLow
	}
	if _, ok := mediumRiskTools[name]; ok {
		return RiskMedium
	}
	return RiskMedium
}

func executableName(raw string) string {
	return strings.ToLower(filepath.Base(strings.TrimSpace(raw)))
}
