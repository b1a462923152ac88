package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func sqliteEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CARDSCAN_CONFIG", "")
	t.Setenv("CARDSCAN_DATABASE_DRIVER", "sqlite")
	t.Setenv("CARDSCAN_DATABASE_URL", filepath.Join(t.TempDir(), "scans.db"))
	t.Setenv("CARDSCAN_AUTH_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("CARDSCAN_SERVER_LOG_LEVEL", "error")
}

func TestMigrateThenStatus(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")

	out, err = execute(t, "migrate", "--status")
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1")
}

func TestSweepDrainRunOneOnEmptyQueue(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "sweep")
	require.NoError(t, err)
	assert.Contains(t, out, "requeued=0 exhausted=0 purged=0 reenqueued=0")

	out, err = execute(t, "drain")
	require.NoError(t, err)
	assert.Contains(t, out, "processed 0 commands")

	out, err = execute(t, "run-one")
	require.NoError(t, err)
	assert.Contains(t, out, "no pending jobs")
}

func TestToken(t *testing.T) {
	sqliteEnv(t)
	out, err := execute(t, "token", "alice")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)

	_, err = execute(t, "token")
	assert.Error(t, err)
}
