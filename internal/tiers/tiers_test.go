package tiers

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	cfg := Config{PaidThreshold: 1000}
	require.Equal(t, Free, Derive(500, cfg))
	require.Equal(t, Paid, Derive(1500, cfg))
	require.Equal(t, Free, Derive(1000, cfg))
}
