// Package tools tracks which security tooling is installed on the
// operator's machine. Extracted commands are only eligible for
// execution when their binary resolves here.
package tools

import (
	"os/exec"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// catalog is the set of binaries the planner is told about. Config may
// extend it with extras.
var catalog = []string{
	"aircrack-ng",
	"aireplay-ng",
	"airodump-ng",
	"amass",
	"arp-scan",
	"curl",
	"dig",
	"dirb",
	"dnsrecon",
	"enum4linux",
	"ffuf",
	"fierce",
	"gobuster",
	"hashcat",
	"hydra",
	"john",
	"masscan",
	"medusa",
	"msfconsole",
	"netdiscover",
	"nikto",
	"nmap",
	"nuclei",
	"responder",
	"searchsploit",
	"smbclient",
	"smbmap",
	"sqlmap",
	"sslscan",
	"subfinder",
	"theharvester",
	"wafw00f",
	"wfuzz",
	"whatweb",
	"whois",
	"wpscan",
}

// Registry answers "is this tool installed". Refresh walks the catalog
// with LookPath; lookups between refreshes hit the cached map.
type Registry struct {
	mu       sync.RWMutex
	extras   []string
	found    map[string]bool
	lookPath func(string) (string, error)
	log      *logrus.Entry
}

func NewRegistry(extras []string, log *logrus.Entry) *Registry {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Registry{
		extras:   append([]string(nil), extras...),
		found:    map[string]bool{},
		lookPath: exec.LookPath,
		log:      log,
	}
}

// Refresh re-probes every catalog entry. Returns how many resolved.
func (r *Registry) Refresh() int {
	names := append(append([]string(nil), catalog...), r.extras...)
	found := make(map[string]bool, len(names))
	count := 0
	for _, name := range names {
		if _, err := r.lookPath(name); err == nil {
			found[name] = true
			count++
		}
	}
	r.mu.Lock()
	r.found = found
	r.mu.Unlock()
	r.log.WithFields(logrus.Fields{"installed": count, "known": len(names)}).Debug("tool registry refreshed")
	return count
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.found[name]
}

// Available returns a copy of the installed set, keyed by binary name.
func (r *Registry) Available() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.found))
	for name, ok := range r.found {
		out[name] = ok
	}
	return out
}

// Names returns the installed tools sorted, for the CLI dump and the
// planning prompt.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.found))
	for name := range r.found {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Known returns the full catalog plus configured extras, sorted.
func (r *Registry) Known() []string {
	names := append(append([]string(nil), catalog...), r.extras...)
	sort.Strings(names)
	return names
}
