// Package configstore loads and caches the whitelist and CU-pricing
// configuration files consumed by internal/whitelist and internal/cu. Each
// cache entry is keyed by (route_id, path) rather than globally, because
// two routes may reference distinct whitelist files — a shared global
// cache caused cross-route interference in the source this core replaces.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/sprintgateway/rpc-gateway/internal/cu"
	"github.com/sprintgateway/rpc-gateway/internal/whitelist"
)

// defaultCacheSize bounds the number of distinct (route_id, path) entries
// held in memory at once; least-recently-used entries are evicted beyond
// that, since route counts are operator-controlled but unbounded in theory.
const defaultCacheSize = 1024

// snapshot is one cache entry: an immutable processed value plus the load
// bookkeeping needed to decide whether it is still fresh.
type snapshot struct {
	value    interface{}
	loadedAt time.Time
	ttl      time.Duration
}

func (s *snapshot) fresh(now time.Time) bool {
	if s.ttl <= 0 {
		return false
	}
	return now.Sub(s.loadedAt) < s.ttl
}

// Store is the per-route TTL cache for whitelist and CU-pricing snapshots.
// Entries are swapped by atomic pointer replacement: readers never observe
// a half-parsed snapshot, and a failed reload keeps serving the stale one.
type Store struct {
	logger *zap.Logger
	cache  *lru.Cache
	mu     sync.Mutex // guards first-insert into cache; entries themselves use atomic.Pointer
	sf     singleflight.Group
}

// New builds a Store. size <= 0 uses the default cache size.
func New(logger *zap.Logger, size int) (*Store, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("configstore: create cache: %w", err)
	}
	return &Store{logger: logger, cache: c}, nil
}

func cacheKey(kind, routeID, path string) string {
	return kind + "\x00" + routeID + "\x00" + path
}

// entryFor returns (creating if absent) the atomic holder for one cache key.
func (s *Store) entryFor(key string) *atomic.Pointer[snapshot] {
	if v, ok := s.cache.Get(key); ok {
		return v.(*atomic.Pointer[snapshot])
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.cache.Get(key); ok {
		return v.(*atomic.Pointer[snapshot])
	}
	ptr := &atomic.Pointer[snapshot]{}
	s.cache.Add(key, ptr)
	return ptr
}

// LoadWhitelist returns the cached whitelist snapshot for (routeID, path),
// reloading from disk when stale or forceReload is set. ttl = 0 disables
// caching (always reloads).
func (s *Store) LoadWhitelist(routeID, path string, ttl time.Duration, forceReload bool) (whitelist.Config, error) {
	v, err := s.load("whitelist", routeID, path, ttl, forceReload, func(b []byte, isJSON bool) (interface{}, error) {
		var raw whitelist.Raw
		if isJSON {
			if err := json.Unmarshal(b, &raw); err != nil {
				return nil, err
			}
		} else if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
		return whitelist.Process(raw), nil
	})
	if err != nil {
		return whitelist.Config{}, err
	}
	return v.(whitelist.Config), nil
}

// LoadCUPricing returns the cached CU-pricing snapshot for (routeID, path).
func (s *Store) LoadCUPricing(routeID, path string, ttl time.Duration, forceReload bool) (cu.Config, error) {
	v, err := s.load("cu", routeID, path, ttl, forceReload, func(b []byte, isJSON bool) (interface{}, error) {
		var raw cu.Raw
		if isJSON {
			if err := json.Unmarshal(b, &raw); err != nil {
				return nil, err
			}
		} else if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
		return cu.Process(raw), nil
	})
	if err != nil {
		return cu.Config{}, err
	}
	return v.(cu.Config), nil
}

// ClearCache drops every cached entry of the given kind ("whitelist" or
// "cu"); an empty kind clears everything.
func (s *Store) ClearCache(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.cache.Keys() {
		k := key.(string)
		if kind == "" || strings.HasPrefix(k, kind+"\x00") {
			s.cache.Remove(key)
		}
	}
}

func (s *Store) load(kind, routeID, path string, ttl time.Duration, forceReload bool, parse func([]byte, bool) (interface{}, error)) (interface{}, error) {
	key := cacheKey(kind, routeID, path)
	entry := s.entryFor(key)
	now := time.Now()

	if !forceReload {
		if cur := entry.Load(); cur != nil && cur.fresh(now) {
			return cur.value, nil
		}
	}

	// singleflight collapses concurrent reloads of the same key so a burst
	// of requests against an expired entry triggers exactly one disk read.
	v, err, _ := s.sf.Do(key, func() (interface{}, error) {
		resolved, isJSON, rerr := resolveFile(path)
		if rerr != nil {
			if cur := entry.Load(); cur != nil {
				if s.logger != nil {
					s.logger.Warn("config reload failed, serving stale snapshot",
						zap.String("kind", kind), zap.String("route_id", routeID), zap.Error(rerr))
				}
				return cur.value, nil
			}
			return nil, fmt.Errorf("configstore: load %s: %w", kind, rerr)
		}

		body, rerr := os.ReadFile(resolved)
		if rerr != nil {
			if cur := entry.Load(); cur != nil {
				if s.logger != nil {
					s.logger.Warn("config reload failed, serving stale snapshot",
						zap.String("kind", kind), zap.String("route_id", routeID), zap.Error(rerr))
				}
				return cur.value, nil
			}
			return nil, fmt.Errorf("configstore: read %s: %w", kind, rerr)
		}

		parsed, perr := parse(body, isJSON)
		if perr != nil {
			if cur := entry.Load(); cur != nil {
				if s.logger != nil {
					s.logger.Warn("config parse failed, serving stale snapshot",
						zap.String("kind", kind), zap.String("route_id", routeID), zap.Error(perr))
				}
				return cur.value, nil
			}
			return nil, fmt.Errorf("configstore: parse %s: %w", kind, perr)
		}

		entry.Store(&snapshot{value: parsed, loadedAt: time.Now(), ttl: ttl})
		return parsed, nil
	})
	return v, err
}

// resolveFile implements "JSON preferred when both exist side by side": if
// path already names a .json/.yaml/.yml file it is used as-is; otherwise
// path is treated as a base name and path+".json" is preferred over
// path+".yaml"/".yml".
func resolveFile(path string) (resolved string, isJSON bool, err error) {
	switch {
	case strings.HasSuffix(path, ".json"):
		return path, true, nil
	case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
		return path, false, nil
	}

	jsonPath := path + ".json"
	if _, statErr := os.Stat(jsonPath); statErr == nil {
		return jsonPath, true, nil
	}
	for _, ext := range []string{".yaml", ".yml"} {
		yamlPath := path + ext
		if _, statErr := os.Stat(yamlPath); statErr == nil {
			return yamlPath, false, nil
		}
	}
	return "", false, fmt.Errorf("no .json/.yaml/.yml file found for %q", path)
}
