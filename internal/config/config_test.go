package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetEnvSliceAcceptsCSVAndJSON(t *testing.T) {
	t.Setenv("TEST_SLICE_CSV", "a, b ,c")
	require.Equal(t, []string{"a", "b", "c"}, getEnvSlice("TEST_SLICE_CSV", nil))

	t.Setenv("TEST_SLICE_JSON", `["x","y"]`)
	require.Equal(t, []string{"x", "y"}, getEnvSlice("TEST_SLICE_JSON", nil))

	require.Equal(t, []string{"fallback"}, getEnvSlice("TEST_SLICE_UNSET", []string{"fallback"}))
}

func TestGetEnvIntFallsBackOnInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "not-a-number")
	require.Equal(t, 7, getEnvInt("TEST_INT_BAD", 7))

	t.Setenv("TEST_INT_GOOD", "42")
	require.Equal(t, 42, getEnvInt("TEST_INT_GOOD", 7))
}

func TestGetEnvBoolAcceptsOneAndTrue(t *testing.T) {
	t.Setenv("TEST_BOOL_1", "1")
	require.True(t, getEnvBool("TEST_BOOL_1", false))

	t.Setenv("TEST_BOOL_TRUE", "true")
	require.True(t, getEnvBool("TEST_BOOL_TRUE", false))

	t.Setenv("TEST_BOOL_NO", "nope")
	require.False(t, getEnvBool("TEST_BOOL_NO", true))
}

func TestRouteByIDFallsBackToDefault(t *testing.T) {
	cfg := Config{
		DefaultRouteID: "default",
		Routes: []Route{
			{ID: "default", Network: "eth-mainnet"},
			{ID: "other", Network: "polygon"},
		},
	}
	r, ok := cfg.RouteByID("")
	require.True(t, ok)
	require.Equal(t, "eth-mainnet", r.Network)

	r, ok = cfg.RouteByID("other")
	require.True(t, ok)
	require.Equal(t, "polygon", r.Network)

	_, ok = cfg.RouteByID("missing")
	require.False(t, ok)
}

func TestRouteByNetwork(t *testing.T) {
	cfg := Config{Routes: []Route{{ID: "r1", Network: "eth-mainnet"}}}
	r, ok := cfg.RouteByNetwork("eth-mainnet")
	require.True(t, ok)
	require.Equal(t, "r1", r.ID)

	_, ok = cfg.RouteByNetwork("bsc-mainnet")
	require.False(t, ok)
}

func TestLoadRoutesAppliesDefaultPaidThreshold(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	routes := []Route{
		{ID: "r1", Network: "eth-mainnet", PaidThreshold: 0},
		{ID: "r2", Network: "polygon", PaidThreshold: 5000},
	}
	data, err := json.Marshal(routes)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	loaded, err := loadRoutes(path, Config{PaidThreshold: 1_000_000})
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, 1_000_000, loaded[0].PaidThreshold)
	require.Equal(t, 5000, loaded[1].PaidThreshold)
}

func TestLoadRoutesEmptyPathIsNotConfigured(t *testing.T) {
	_, err := loadRoutes("", Config{})
	require.Error(t, err)
}

func TestLoadRoutesRejectsEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	_, err := loadRoutes(path, Config{})
	require.Error(t, err)
}

func TestValidateRequiresRedisAddrAndRoutes(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{RedisAddr: "127.0.0.1:6379"}
	require.Error(t, cfg.Validate())

	cfg = Config{RedisAddr: "127.0.0.1:6379", Routes: []Route{{ID: "r1"}}}
	require.NoError(t, cfg.Validate())
}
