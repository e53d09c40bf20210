package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracertea/ldiftap/internal/tap"
)

const sampleLDIF = `version: 1

dn: uid=alice,ou=people,dc=example,dc=com
objectClass: person
uid: alice
cn: Alice

dn: uid=bob,ou=people,dc=example,dc=com
objectClass: person
uid: bob
cn: Bob
`

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, statePath, catalogPath, logLevel, logFilePath = "", "", "", "", ""
	discover = false

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return lines[len(lines)-1]
}

func TestRunTap_SyncAndResume(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "people.ldif", sampleLDIF)
	cfg := writeFile(t, dir, "tap.yaml", "file_path: "+input+"\nbatch_size: 1\nlog_level: error\n")

	out, err := execute(t, "--config", cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, `"type":"RECORD"`))
	assert.Contains(t, out, `"dn":"uid=alice,ou=people,dc=example,dc=com"`)

	state := writeFile(t, dir, "state.json", lastLine(out))
	out, err = execute(t, "--config", cfg, "--state", state)
	require.NoError(t, err)
	assert.NotContains(t, out, `"type":"RECORD"`, "a resumed run emits nothing new")
	assert.Contains(t, lastLine(out), `"type":"STATE"`)
}

func TestRunTap_DiscoverThenCatalog(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "people.ldif", sampleLDIF)
	cfg := writeFile(t, dir, "tap.yaml", "file_path: "+input+"\nlog_level: error\n")

	catalog, err := execute(t, "--config", cfg, "--discover")
	require.NoError(t, err)
	assert.Contains(t, catalog, `"ldif_entries"`)
	assert.Contains(t, catalog, `"uid"`)

	catalogPath := writeFile(t, dir, "catalog.json", catalog)
	out, err := execute(t, "--config", cfg, "--catalog", catalogPath)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, `"type":"RECORD"`))
}

func TestRunTap_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, "--config", writeFile(t, dir, "empty.yaml", "log_level: error\n"))
	assert.Error(t, err, "no input selection")
	assert.True(t, alreadyReported(err), "validation failures are logged once by fail")
	assert.ErrorIs(t, err, tap.ErrConfiguration)

	_, err = execute(t, "--config", filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
	assert.False(t, alreadyReported(err), "errors raised before logging is set up are left for main to print")

	cfg := writeFile(t, dir, "tap.yaml", "file_path: "+filepath.Join(dir, "missing.ldif")+"\nlog_level: error\n")
	_, err = execute(t, "--config", cfg)
	assert.Error(t, err)

	input := writeFile(t, dir, "people.ldif", sampleLDIF)
	cfg = writeFile(t, dir, "ok.yaml", "file_path: "+input+"\nlog_level: error\n")
	_, err = execute(t, "--config", cfg, "--state", writeFile(t, dir, "bad.json", "{not json"))
	assert.Error(t, err)
}

func TestInfoAndVersion(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "people.ldif", sampleLDIF)

	out, err := execute(t, "info", "--log-level", "error", input)
	require.NoError(t, err)
	assert.Contains(t, out, "people.ldif")
	assert.Contains(t, out, "Entries")

	out, err = execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, version)
}
