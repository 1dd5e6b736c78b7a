// Loomis - Media Server Playlist and Watch-State Orchestrator
// Copyright 2026 Brikim
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/brikim/loomis

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar selects the directory the config file is read from.
const ConfigPathEnvVar = "CONFIG_PATH"

// configFileNames are tried in order inside the config directory.
var configFileNames = []string{"config.yaml", "config.yml"}

// DefaultConfigDirs lists the directories searched when CONFIG_PATH is unset.
var DefaultConfigDirs = []string{".", "/config", "/etc/loomis"}

// envPrefix namespaces Loomis environment overrides:
// LOOMIS_LOGGING_LEVEL -> logging.level.
const envPrefix = "LOOMIS_"

// defaultConfig returns a Config with all defaults applied. These are
// loaded first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		PlaylistSync: PlaylistSyncConfig{
			SettleSeconds:    5,
			InterSyncSeconds: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    7979,
		},
	}
}

// Load reads the layered configuration and validates it. A missing config
// file is an error: the daemon has nothing to do without one.
func Load() (*Config, error) {
	path := findConfigFile()
	if path == "" {
		return nil, fmt.Errorf("no config file found (set %s or place config.yaml in %s)",
			ConfigPathEnvVar, strings.Join(DefaultConfigDirs, ", "))
	}
	return loadFrom(path)
}

func loadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config file %s: %w", path, err)
	}

	envProvider := env.Provider(envPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	dirs := DefaultConfigDirs
	if envDir := os.Getenv(ConfigPathEnvVar); envDir != "" {
		dirs = []string{envDir}
	}
	for _, dir := range dirs {
		for _, name := range configFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}
