// Package config holds the viper configuration singleton for the lix CLI
// and engine defaults.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/untoldecay/lix/internal/debug"
)

var (
	mu sync.Mutex
	v  *viper.Viper
)

// Initialize sets up the viper configuration singleton. Should be called
// once at application startup; later calls replace the singleton.
//
// Precedence: project .lix/config.yaml (walking up from CWD) >
// ~/.config/lix/config.yaml > ~/.lix/config.yaml. Environment variables
// prefixed LIX_ override file values.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	nv.SetConfigType("yaml")

	configFileSet := false

	// Walk up parent directories to find .lix/config.yaml so commands work
	// from subdirectories.
	if cwd, err := os.Getwd(); err == nil {
		for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
			configPath := filepath.Join(dir, ".lix", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				nv.SetConfigFile(configPath)
				configFileSet = true
				break
			}
		}
	}

	if !configFileSet {
		if configDir, err := os.UserConfigDir(); err == nil {
			configPath := filepath.Join(configDir, "lix", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				nv.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	if !configFileSet {
		if homeDir, err := os.UserHomeDir(); err == nil {
			configPath := filepath.Join(homeDir, ".lix", "config.yaml")
			if _, err := os.Stat(configPath); err == nil {
				nv.SetConfigFile(configPath)
				configFileSet = true
			}
		}
	}

	nv.SetEnvPrefix("LIX")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	setDefaults(nv)

	if configFileSet {
		if err := nv.ReadInConfig(); err != nil {
			return err
		}
		debug.Logf("config: loaded %s", nv.ConfigFileUsed())
	}

	v = nv
	return nil
}

func setDefaults(nv *viper.Viper) {
	nv.SetDefault("database.path", ".lix/lix.db")
	nv.SetDefault("database.dialect", "sqlite")
	nv.SetDefault("plugins.dir", ".lix/plugins")
	nv.SetDefault("materialize.debug", "off")
}

func instance() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	if v == nil {
		nv := viper.New()
		setDefaults(nv)
		v = nv
	}
	return v
}

// GetString returns a string config value.
func GetString(key string) string { return instance().GetString(key) }

// GetBool returns a boolean config value.
func GetBool(key string) bool { return instance().GetBool(key) }

// Set overrides a value for the current process (used by CLI flags).
func Set(key string, value any) { instance().Set(key, value) }
