package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the root command against the database in dir
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("FLUX_CONFIG", "")
	t.Setenv("FLUX_DATABASE_DRIVER", "sqlite")
	t.Setenv("FLUX_DATABASE_DSN", filepath.Join(dir, "flux.db"))

	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Flux dev")
}

func TestKeysCommands(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "keys", "create", "--owner", "customer@example.com", "--max", "2", "--days", "30")
	require.NoError(t, err)
	value := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	assert.True(t, strings.HasPrefix(value, "FLUX-"), "unexpected key %q", value)
	assert.Contains(t, out, "Expires:")

	out, err = execute(t, dir, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, value)
	assert.Contains(t, out, "0/2")
	assert.Contains(t, out, "customer@example.com")

	out, err = execute(t, dir, "keys", "set-limit", "1", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "0/5 activations")

	exportPath := filepath.Join(dir, "export.json")
	_, err = execute(t, dir, "keys", "export", "-o", exportPath)
	require.NoError(t, err)

	out, err = execute(t, dir, "keys", "revoke", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked "+value)

	out, err = execute(t, dir, "keys", "delete", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted key 1")

	out, err = execute(t, dir, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No license keys.")

	// The deleted value stays reserved, so re-importing skips it
	out, err = execute(t, dir, "keys", "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 0, skipped 1")
}

func TestKeysImportIntoFreshDatabase(t *testing.T) {
	src := t.TempDir()
	_, err := execute(t, src, "keys", "create", "--max", "3")
	require.NoError(t, err)

	exportPath := filepath.Join(src, "export.json")
	_, err = execute(t, src, "keys", "export", "-o", exportPath)
	require.NoError(t, err)

	dst := t.TempDir()
	out, err := execute(t, dst, "keys", "import", exportPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 1, skipped 0")

	out, err = execute(t, dst, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "0/3")
}

func TestKeysCommandErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "keys", "revoke", "abc")
	assert.Error(t, err)

	_, err = execute(t, dir, "keys", "revoke", "42")
	assert.Error(t, err)

	_, err = execute(t, dir, "keys", "create", "--max", "0")
	assert.Error(t, err)

	_, err = execute(t, dir, "keys", "set-limit", "1")
	assert.Error(t, err)
}
