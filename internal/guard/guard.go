// Package guard implements the early-exit block list (C11): IP, consumer
// name and method patterns checked before the expensive stages of the
// pipeline run. Exact-match IP/consumer membership is kept in a bounded
// LRU set so a large, frequently-updated block list cannot grow the
// process's memory without limit; method patterns (exact + suffix-`*`)
// are small and checked linearly, since block lists are expected to stay
// in the tens of entries.
package guard

import (
	"strings"
	"sync"

	"github.com/decred/dcrd/lru"
)

// Config is the on-disk/administrative shape of one guard list.
type Config struct {
	BlockedIPs       []string
	BlockedConsumers []string
	BlockedMethods   []string // exact or suffix-* patterns
	BlockMessage     string
	Enabled          bool
}

const defaultSetSize = 4096

// Guard holds the currently active block list. Replace swaps the whole
// list atomically (mutex-guarded pointer swap), matching C2's
// snapshot-replacement discipline, so an operator reload never leaves
// readers observing a half-updated list.
type Guard struct {
	mu       sync.RWMutex
	enabled  bool
	ips      *lru.Cache
	consumers *lru.Cache
	methods  []string
	message  string
}

// New builds a Guard from an initial configuration.
func New(cfg Config) *Guard {
	g := &Guard{}
	g.Replace(cfg)
	return g
}

// Replace atomically installs a new block list.
func (g *Guard) Replace(cfg Config) {
	ips := lru.NewCache(defaultSetSize)
	for _, ip := range cfg.BlockedIPs {
		ips.Add(ip)
	}
	consumers := lru.NewCache(defaultSetSize)
	for _, c := range cfg.BlockedConsumers {
		consumers.Add(c)
	}

	message := cfg.BlockMessage
	if message == "" {
		message = "blocked"
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.enabled = cfg.Enabled
	g.ips = &ips
	g.consumers = &consumers
	g.methods = append([]string(nil), cfg.BlockedMethods...)
	g.message = message
}

// Snapshot returns the currently active method patterns, block message and
// enabled flag, for introspection. BlockedIPs and BlockedConsumers are
// always empty in the returned Config: the LRU sets are not enumerated.
func (g *Guard) Snapshot() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Config{
		BlockedMethods: append([]string(nil), g.methods...),
		BlockMessage:   g.message,
		Enabled:        g.enabled,
	}
}

// CheckPreParse rejects a request before the body is parsed, based on
// client IP and consumer name alone.
func (g *Guard) CheckPreParse(clientIP, consumerName string) (reject bool, message string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.enabled {
		return false, ""
	}
	if clientIP != "" && g.ips.Contains(clientIP) {
		return true, g.message
	}
	if consumerName != "" && g.consumers.Contains(consumerName) {
		return true, g.message
	}
	return false, ""
}

// CheckPostParse rejects a request after parsing if any method matches a
// blocked pattern. Method blocks necessarily run after parse: the method
// name does not exist before that stage.
func (g *Guard) CheckPostParse(methods []string) (reject bool, message string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.enabled || len(g.methods) == 0 {
		return false, ""
	}
	for _, method := range methods {
		if method == "" {
			continue
		}
		for _, pattern := range g.methods {
			if matchPattern(method, pattern) {
				return true, g.message
			}
		}
	}
	return false, ""
}

func matchPattern(method, pattern string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(method, pattern[:len(pattern)-1])
	}
	return method == pattern
}
