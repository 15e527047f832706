package configstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadWhitelistJSONPreferredOverYAML(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "whitelist")
	require.NoError(t, os.WriteFile(base+".json", []byte(`{"networks":{"eth-mainnet":{"free":["eth_blockNumber"],"paid":["debug_*"]}}}`), 0o644))
	require.NoError(t, os.WriteFile(base+".yaml", []byte("networks: {}"), 0o644))

	s, err := New(nil, 0)
	require.NoError(t, err)

	cfg, err := s.LoadWhitelist("route-1", base, time.Minute, false)
	require.NoError(t, err)
	_, ok := cfg.Networks["eth-mainnet"]
	require.True(t, ok)
}

func TestLoadWhitelistStaleOnReloadFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"networks":{"eth-mainnet":{"free":["eth_blockNumber"]}}}`), 0o644))

	s, err := New(nil, 0)
	require.NoError(t, err)

	cfg, err := s.LoadWhitelist("route-1", path, time.Millisecond, false)
	require.NoError(t, err)
	require.Contains(t, cfg.Networks, "eth-mainnet")

	require.NoError(t, os.Remove(path))
	time.Sleep(2 * time.Millisecond)

	cfg2, err := s.LoadWhitelist("route-1", path, time.Millisecond, false)
	require.NoError(t, err)
	require.Contains(t, cfg2.Networks, "eth-mainnet")
}

func TestPerRouteCacheIsolation(t *testing.T) {
	dir := t.TempDir()
	pathA := filepath.Join(dir, "a.json")
	pathB := filepath.Join(dir, "b.json")
	require.NoError(t, os.WriteFile(pathA, []byte(`{"networks":{"net-a":{"free":["m1"]}}}`), 0o644))
	require.NoError(t, os.WriteFile(pathB, []byte(`{"networks":{"net-b":{"free":["m2"]}}}`), 0o644))

	s, err := New(nil, 0)
	require.NoError(t, err)

	cfgA, err := s.LoadWhitelist("route-a", pathA, time.Minute, false)
	require.NoError(t, err)
	cfgB, err := s.LoadWhitelist("route-b", pathB, time.Minute, false)
	require.NoError(t, err)

	require.Contains(t, cfgA.Networks, "net-a")
	require.NotContains(t, cfgA.Networks, "net-b")
	require.Contains(t, cfgB.Networks, "net-b")
	require.NotContains(t, cfgB.Networks, "net-a")
}

func TestLoadCUPricingDefaultFloor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cu.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"default":0,"methods":{"eth_call":5,"debug_*":10}}`), 0o644))

	s, err := New(nil, 0)
	require.NoError(t, err)

	cfg, err := s.LoadCUPricing("route-1", path, time.Minute, false)
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Default)
	require.Equal(t, 5, cfg.Methods["eth_call"])
}

func TestClearCacheForcesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "whitelist.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"networks":{"net-a":{"free":["m1"]}}}`), 0o644))

	s, err := New(nil, 0)
	require.NoError(t, err)
	_, err = s.LoadWhitelist("route-1", path, time.Hour, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"networks":{"net-a":{"free":["m1"]},"net-b":{"free":["m2"]}}}`), 0o644))
	s.ClearCache("whitelist")

	cfg, err := s.LoadWhitelist("route-1", path, time.Hour, false)
	require.NoError(t, err)
	require.Contains(t, cfg.Networks, "net-b")
}
