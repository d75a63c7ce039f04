package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// ExecutableDir returns the directory containing the running executable with symlinks resolved
func ExecutableDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to get executable path: %w", err)
	}

	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return "", fmt.Errorf("failed to resolve executable symlinks: %w", err)
	}

	return filepath.Dir(exe), nil
}

// ResolvePath resolves p against the executable directory, never the working directory.
// Absolute paths are returned unchanged.
func (c *Config) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}

	base := c.Paths.ExecutableDir
	if base == "" {
		dir, err := ExecutableDir()
		if err != nil {
			return p
		}
		base = dir
	}
	return filepath.Join(base, p)
}

// LicenseFilePath returns the resolved offline license file path
func (c *Config) LicenseFilePath() string {
	return c.ResolvePath(c.Paths.LicenseFile)
}

// LogFilePath returns the resolved log file path
func (c *Config) LogFilePath() string {
	return c.ResolvePath(c.Logging.FilePath)
}

// FileExists reports whether path names an existing file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
