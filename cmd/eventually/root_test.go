package main

import (
	"bytes"
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestDemo_MemoryBackend(t *testing.T) {
	// WHEN
	out, err := execute(t, "demo", "--backend", "memory", "--opening", "100", "--amount", "30")

	// THEN
	require.NoError(t, err)
	assert.Contains(t, out, "transferred 30 from")
	assert.Contains(t, out, "overdraft rejected")
	assert.Contains(t, out, "concurrent save rejected")
	assert.Regexp(t, regexp.MustCompile(`acct-\S+ balance 70 version 2\n`), out)
	assert.Regexp(t, regexp.MustCompile(`acct-\S+ balance 31 version 3\n`), out)
}

func TestDemo_TransferLargerThanBalanceFails(t *testing.T) {
	_, err := execute(t, "demo", "--backend", "memory", "--opening", "10", "--amount", "30")
	assert.ErrorContains(t, err, "insufficient funds")
}

func TestRoot_RejectsUnknownBackend(t *testing.T) {
	_, err := execute(t, "demo", "--backend", "sqlite")
	assert.ErrorContains(t, err, `unknown backend "sqlite"`)
}

func TestRoot_RejectsUnknownLogLevel(t *testing.T) {
	_, err := execute(t, "demo", "--backend", "memory", "--log-level", "chatty")
	assert.ErrorContains(t, err, "log_level")
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	_, err := execute(t, "migrate", "--backend", "memory")
	assert.ErrorContains(t, err, "requires the postgres backend")
}

func TestSubscribe_MemoryBackendNeedsAHandler(t *testing.T) {
	t.Setenv("APP_NATS_URL", "")
	_, err := execute(t, "subscribe", "--backend", "memory")
	assert.ErrorContains(t, err, "nothing to do")
}
