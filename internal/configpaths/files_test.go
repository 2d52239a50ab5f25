package configpaths

import (
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigDir_XDG(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("XDG only applies to unix")
	}
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := DefaultConfigDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", "vprinter"), dir)

	p, err := DefaultNamedConfigPath("server", "yml")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/tmp/xdg", "vprinter", "server.yaml"), p)
}

func TestConfigCandidatePaths_UserPathFirst(t *testing.T) {
	jsonPaths, yamlPaths, tomlPaths := ConfigCandidatePaths("/opt/printer.toml")
	require.NotEmpty(t, tomlPaths)
	assert.Equal(t, "/opt/printer.toml", tomlPaths[0])
	assert.NotContains(t, jsonPaths, "/opt/printer.toml")
	assert.NotContains(t, yamlPaths, "/opt/printer.toml")

	jsonPaths, _, _ = ConfigCandidatePaths("custom.conf")
	assert.Equal(t, "custom.conf", jsonPaths[0])
}
