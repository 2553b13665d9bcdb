package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStartupBanner(t *testing.T) {
	b := startupBanner{version: "v1.2.3"}
	require.Equal(t, "xsensor v1.2.3", b.JSON())
	require.Contains(t, b.PlainText(), bannerArt)
	require.Contains(t, b.PlainText(), "version: v1.2.3")
}

func TestRootCmd_Version(t *testing.T) {
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestRootCmd_Check(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xsensor.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
sensors:
  - name: weather
subscriptions:
  - sensor: weather
    transport: log
`), 0o600))

	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetArgs([]string{"check", "--config", path})
	require.NoError(t, root.Execute())
	require.Equal(t, "configuration ok: 1 sensors, 1 subscriptions\n", out.String())

	root = newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"check", "--config", path, "--metrics.exporter", "graphite"})
	require.Error(t, root.Execute())
}
