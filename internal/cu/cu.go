// Package cu computes the compute-unit cost of a JSON-RPC request from a
// method-to-price table loaded by internal/configstore.
package cu

import "strings"

// Config is the processed CU-pricing snapshot.
type Config struct {
	Default int
	Methods map[string]int // exact-match entries
	// Wildcards is an ordered slice: GetMethodCU iterates it and returns
	// the first match in slice order. When built by Process from a map,
	// that order is Go's map iteration order, not the file's order.
	Wildcards []WildcardPrice
}

// WildcardPrice is one suffix-wildcard pricing entry.
type WildcardPrice struct {
	Pattern string
	Price   int
}

// Raw is the on-disk JSON/YAML shape.
type Raw struct {
	Default int            `json:"default" yaml:"default"`
	Methods map[string]int `json:"methods" yaml:"methods"`
}

// Process normalises a raw CU-pricing document: default is floored at 1,
// and exact vs. wildcard entries are split out preserving map iteration as
// the declared order is not recoverable from JSON, so callers that need a
// guaranteed order should supply an ordered source; this processes a plain
// map as JSON naturally provides.
func Process(raw Raw) Config {
	def := raw.Default
	if def < 1 {
		def = 1
	}
	cfg := Config{Default: def, Methods: make(map[string]int)}
	for pattern, price := range raw.Methods {
		if price < 1 {
			price = 1
		}
		if strings.HasSuffix(pattern, "*") {
			cfg.Wildcards = append(cfg.Wildcards, WildcardPrice{Pattern: pattern, Price: price})
		} else {
			cfg.Methods[pattern] = price
		}
	}
	return cfg
}

// GetMethodCU returns the price for one method: exact match first, then
// the first wildcard match in iteration order, else the default. Never
// panics; a nil config (e.g. failed load) yields the safe default of 1.
func GetMethodCU(method string, cfg *Config) int {
	if cfg == nil {
		return 1
	}
	if price, ok := cfg.Methods[method]; ok {
		return price
	}
	for _, w := range cfg.Wildcards {
		if strings.HasPrefix(method, w.Pattern[:len(w.Pattern)-1]) {
			return w.Price
		}
	}
	return cfg.Default
}

// Calculate sums GetMethodCU over every method. Tombstones (empty string
// from a partial-parse failure) contribute 0. The total is never negative;
// it is at least 1 whenever any non-tombstone method is present, since
// every price is floored at 1 during Process.
func Calculate(methods []string, cfg *Config) int {
	total := 0
	for _, m := range methods {
		if m == "" {
			continue
		}
		total += GetMethodCU(m, cfg)
	}
	return total
}
