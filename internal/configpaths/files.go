// Package configpaths resolves where vprinter looks for configuration files.
package configpaths

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
)

const appName = "vprinter"

// configBases are the file base names probed in every candidate directory.
var configBases = []string{"config", "server"}

// DefaultConfigDir returns the platform-specific configuration directory.
func DefaultConfigDir() (string, error) {
	switch runtime.GOOS {
	case "windows":
		if appdata := os.Getenv("AppData"); appdata != "" {
			return filepath.Join(appdata, appName), nil
		}
		return "", errors.New("AppData not set")
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName), nil
		}
		if home := os.Getenv("HOME"); home != "" {
			return filepath.Join(home, ".config", appName), nil
		}
		return "", errors.New("HOME not set")
	}
}

// DefaultNamedConfigPath returns the default config file path for the given format and base name (e.g., "server").
func DefaultNamedConfigPath(baseName, format string) (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, baseName+"."+Ext(format)), nil
}

// Ext returns the file extension used for format.
func Ext(format string) string {
	switch format {
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	default:
		return "json"
	}
}

// EnsureDir ensures the directory for a given file path exists.
func EnsureDir(filePath string) error {
	dir := filepath.Dir(filePath)
	return os.MkdirAll(dir, 0o755)
}

// ConfigCandidatePaths builds candidate paths for config files per format.
// If userPath is provided, it is prioritized and routed to the matching loader by extension.
func ConfigCandidatePaths(userPath string) (jsonPaths, yamlPaths, tomlPaths []string) {
	add := func(dir string, bases ...string) {
		for _, base := range bases {
			jsonPaths = append(jsonPaths, filepath.Join(dir, base+".json"))
			yamlPaths = append(yamlPaths, filepath.Join(dir, base+".yaml"), filepath.Join(dir, base+".yml"))
			tomlPaths = append(tomlPaths, filepath.Join(dir, base+".toml"))
		}
	}

	if userPath != "" {
		switch filepath.Ext(userPath) {
		case ".yaml", ".yml":
			yamlPaths = append(yamlPaths, userPath)
		case ".toml":
			tomlPaths = append(tomlPaths, userPath)
		default:
			jsonPaths = append(jsonPaths, userPath)
		}
	}

	if wd, err := os.Getwd(); err == nil {
		add(wd, append([]string{appName}, configBases...)...)
	}
	if dir, err := DefaultConfigDir(); err == nil {
		add(dir, configBases...)
	}
	if runtime.GOOS != "windows" {
		add(filepath.Join("/etc", appName), configBases...)
	}
	return
}
