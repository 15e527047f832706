// Package whitelist evaluates whether a consumer's tier may call a set of
// JSON-RPC methods against a given network, per a loaded whitelist
// configuration (see internal/configstore for how that configuration is
// loaded and cached).
package whitelist

import (
	"fmt"
	"strings"
)

// NetworkRules holds the free/paid pattern lists for one network plus the
// derived lookup sets used for O(1) exact-match checks.
type NetworkRules struct {
	Free       []string
	Paid       []string
	FreeLookup map[string]struct{}
	PaidLookup map[string]struct{}
}

// Config is the processed whitelist snapshot: network -> rules.
type Config struct {
	Networks map[string]NetworkRules
}

// Raw is the on-disk JSON/YAML shape before lookup sets are derived.
type Raw struct {
	Networks map[string]struct {
		Free []string `json:"free" yaml:"free"`
		Paid []string `json:"paid" yaml:"paid"`
	} `json:"networks" yaml:"networks"`
}

// Process derives the lookup sets from a raw whitelist document. Every
// non-wildcard entry of Free/Paid is mirrored into the corresponding
// lookup set, per the invariant in the data model.
func Process(raw Raw) Config {
	cfg := Config{Networks: make(map[string]NetworkRules, len(raw.Networks))}
	for name, nr := range raw.Networks {
		rules := NetworkRules{
			Free:       nr.Free,
			Paid:       nr.Paid,
			FreeLookup: make(map[string]struct{}),
			PaidLookup: make(map[string]struct{}),
		}
		for _, p := range nr.Free {
			if !strings.HasSuffix(p, "*") {
				rules.FreeLookup[p] = struct{}{}
			}
		}
		for _, p := range nr.Paid {
			if !strings.HasSuffix(p, "*") {
				rules.PaidLookup[p] = struct{}{}
			}
		}
		cfg.Networks[name] = rules
	}
	return cfg
}

func matchAny(method string, patterns []string) bool {
	for _, p := range patterns {
		if strings.HasSuffix(p, "*") {
			if strings.HasPrefix(method, p[:len(p)-1]) {
				return true
			}
		}
	}
	return false
}

// Check evaluates every method in methods, left to right, against the
// network's rules. The first disallowed method short-circuits the whole
// batch and its reason is returned. A method present in both free and paid
// (a misconfiguration) is treated as free — free wins the tie.
func Check(network string, methods []string, isPaid bool, cfg Config) (bool, string) {
	rules, ok := cfg.Networks[network]
	if !ok {
		return false, "unsupported network"
	}

	for _, method := range methods {
		if method == "" {
			// tombstone from a partial parse failure; already recorded
			// upstream, never evaluated here.
			continue
		}
		if _, exact := rules.FreeLookup[method]; exact || matchAny(method, rules.Free) {
			continue
		}
		if _, exact := rules.PaidLookup[method]; exact || matchAny(method, rules.Paid) {
			if isPaid {
				continue
			}
			return false, fmt.Sprintf("method %s requires paid tier", method)
		}
		return false, fmt.Sprintf("unsupported method: %s", method)
	}
	return true, ""
}
