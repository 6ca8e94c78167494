package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommand_PrintsMaskedYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(`
transport:
  mode: remote
  remoteUrl: http://agent.internal:8080
  remoteToken: s3cret
`), 0o600))

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "--config", dir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "remoteurl: http://agent.internal:8080")
	assert.NotContains(t, out.String(), "s3cret")
}

func TestConfigCommand_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("transport:\n  mode: carrier-pigeon\n"), 0o600))

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--config", dir})

	assert.Error(t, cmd.Execute())
}
