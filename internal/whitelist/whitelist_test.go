package whitelist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Process(Raw{Networks: map[string]struct {
		Free []string `json:"free" yaml:"free"`
		Paid []string `json:"paid" yaml:"paid"`
	}{
		"eth-mainnet": {
			Free: []string{"eth_blockNumber", "eth_chainId", "net_*"},
			Paid: []string{"debug_*", "trace_block"},
		},
	}})
}

func TestProcessDerivesLookupSets(t *testing.T) {
	cfg := testConfig()
	rules := cfg.Networks["eth-mainnet"]

	require.Contains(t, rules.FreeLookup, "eth_blockNumber")
	require.Contains(t, rules.FreeLookup, "eth_chainId")
	require.NotContains(t, rules.FreeLookup, "net_*")
	require.Contains(t, rules.PaidLookup, "trace_block")
	require.NotContains(t, rules.PaidLookup, "debug_*")
}

func TestCheckUnsupportedNetwork(t *testing.T) {
	ok, reason := Check("bsc-mainnet", []string{"eth_blockNumber"}, false, testConfig())
	require.False(t, ok)
	require.Equal(t, "unsupported network", reason)
}

func TestCheckFreeMethodAllowedForAnyTier(t *testing.T) {
	ok, _ := Check("eth-mainnet", []string{"eth_blockNumber"}, false, testConfig())
	require.True(t, ok)

	ok, _ = Check("eth-mainnet", []string{"eth_blockNumber"}, true, testConfig())
	require.True(t, ok)
}

func TestCheckFreeWildcardMatch(t *testing.T) {
	ok, _ := Check("eth-mainnet", []string{"net_version"}, false, testConfig())
	require.True(t, ok)
}

func TestCheckPaidMethodRequiresPaidTier(t *testing.T) {
	ok, reason := Check("eth-mainnet", []string{"debug_traceTransaction"}, false, testConfig())
	require.False(t, ok)
	require.Equal(t, "method debug_traceTransaction requires paid tier", reason)

	ok, _ = Check("eth-mainnet", []string{"debug_traceTransaction"}, true, testConfig())
	require.True(t, ok)
}

func TestCheckUnsupportedMethod(t *testing.T) {
	ok, reason := Check("eth-mainnet", []string{"eth_sendRawTransaction"}, true, testConfig())
	require.False(t, ok)
	require.Equal(t, "unsupported method: eth_sendRawTransaction", reason)
}

func TestCheckFirstFailureShortCircuits(t *testing.T) {
	methods := []string{"eth_blockNumber", "debug_traceTransaction", "eth_bogus"}
	ok, reason := Check("eth-mainnet", methods, false, testConfig())
	require.False(t, ok)
	require.Equal(t, "method debug_traceTransaction requires paid tier", reason)
}

func TestCheckSkipsTombstones(t *testing.T) {
	ok, _ := Check("eth-mainnet", []string{"", "eth_blockNumber"}, false, testConfig())
	require.True(t, ok)
}

func TestCheckMethodInBothListsIsTreatedAsFree(t *testing.T) {
	cfg := Process(Raw{Networks: map[string]struct {
		Free []string `json:"free" yaml:"free"`
		Paid []string `json:"paid" yaml:"paid"`
	}{
		"eth-mainnet": {
			Free: []string{"eth_getLogs"},
			Paid: []string{"eth_getLogs"},
		},
	}})

	ok, _ := Check("eth-mainnet", []string{"eth_getLogs"}, false, cfg)
	require.True(t, ok)
}
