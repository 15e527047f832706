package auditstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWithEmptyURLIsNilAndNoop(t *testing.T) {
	s, err := New(Config{Type: "sqlite"}, zap.NewNop())
	require.NoError(t, err)
	require.Nil(t, s)

	// Record/Close must be safe no-ops on a nil Store.
	s.Record(Entry{Consumer: "alice"})
	s.Close()
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Config{Type: "oracle", URL: "whatever"}, zap.NewNop())
	require.Error(t, err)
}

func TestSQLiteRecordPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")

	s, err := New(Config{Type: "sqlite", URL: path, MaxConns: 1}, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()

	s.Record(Entry{
		Consumer:   "alice",
		Network:    "eth-mainnet",
		Method:     "eth_blockNumber",
		Decision:   DecisionAllowed,
		CU:         1,
		StatusCode: 200,
	})

	var count int
	require.Eventually(t, func() bool {
		row := s.sqldb.QueryRow(`SELECT COUNT(*) FROM request_log WHERE consumer = 'alice'`)
		if err := row.Scan(&count); err != nil {
			return false
		}
		return count == 1
	}, 2*time.Second, 10*time.Millisecond)
}
