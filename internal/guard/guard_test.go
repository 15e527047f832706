package guard

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGuardDisabledAllowsEverything(t *testing.T) {
	g := New(Config{Enabled: false, BlockedIPs: []string{"1.2.3.4"}})
	reject, _ := g.CheckPreParse("1.2.3.4", "anyone")
	require.False(t, reject)
}

func TestGuardBlocksByIP(t *testing.T) {
	g := New(Config{Enabled: true, BlockedIPs: []string{"1.2.3.4"}, BlockMessage: "nope"})
	reject, msg := g.CheckPreParse("1.2.3.4", "")
	require.True(t, reject)
	require.Equal(t, "nope", msg)

	reject, _ = g.CheckPreParse("5.6.7.8", "")
	require.False(t, reject)
}

func TestGuardBlocksByConsumer(t *testing.T) {
	g := New(Config{Enabled: true, BlockedConsumers: []string{"bad-actor"}})
	reject, _ := g.CheckPreParse("", "bad-actor")
	require.True(t, reject)
}

func TestGuardBlocksByMethodExactAndWildcard(t *testing.T) {
	g := New(Config{Enabled: true, BlockedMethods: []string{"eth_sendRawTransaction", "debug_*"}})

	reject, _ := g.CheckPostParse([]string{"eth_blockNumber"})
	require.False(t, reject)

	reject, _ = g.CheckPostParse([]string{"eth_blockNumber", "eth_sendRawTransaction"})
	require.True(t, reject)

	reject, _ = g.CheckPostParse([]string{"debug_traceTransaction"})
	require.True(t, reject)
}

func TestGuardPostParseSkipsTombstones(t *testing.T) {
	g := New(Config{Enabled: true, BlockedMethods: []string{"debug_*"}})
	reject, _ := g.CheckPostParse([]string{"", "eth_blockNumber"})
	require.False(t, reject)
}

func TestGuardReplaceIsAtomic(t *testing.T) {
	g := New(Config{Enabled: true, BlockedIPs: []string{"1.2.3.4"}})
	g.Replace(Config{Enabled: true, BlockedIPs: []string{"9.9.9.9"}})

	reject, _ := g.CheckPreParse("1.2.3.4", "")
	require.False(t, reject)
	reject, _ = g.CheckPreParse("9.9.9.9", "")
	require.True(t, reject)
}
