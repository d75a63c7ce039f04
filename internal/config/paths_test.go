package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutableDir(t *testing.T) {
	dir, err := ExecutableDir()
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(dir))
}

func TestResolvePath(t *testing.T) {
	cfg := Default()
	cfg.Paths.ExecutableDir = filepath.Join(string(os.PathSeparator), "opt", "app")

	assert.Equal(t, filepath.Join(cfg.Paths.ExecutableDir, LicenseFileName), cfg.LicenseFilePath())
	assert.Equal(t, filepath.Join(cfg.Paths.ExecutableDir, "logs", "licensekit.log"), cfg.LogFilePath())

	abs := filepath.Join(string(os.PathSeparator), "var", "lib", "license.elements")
	assert.Equal(t, abs, cfg.ResolvePath(abs))
	assert.Empty(t, cfg.ResolvePath(""))
}

func TestResolvePath_DefaultsToExecutableDir(t *testing.T) {
	cfg := Default()
	exeDir, err := ExecutableDir()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(exeDir, LicenseFileName), cfg.LicenseFilePath())
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "license.elements")

	assert.False(t, FileExists(path))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	assert.True(t, FileExists(path))
	assert.False(t, FileExists(dir))
}
