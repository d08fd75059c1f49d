// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/readersync/pkg/validation"
)

// Environment overrides, applied after the file is read.
const (
	EnvBaseURL = "READERSYNC_BASE_URL"
	EnvToken   = "READERSYNC_TOKEN"
)

// DotEnvName is the optional env file read from the config directory.
// Variables already set in the process environment take precedence.
const DotEnvName = ".env"

// DefaultPath returns ~/.readersync/readersync.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".readersync", "readersync.yaml"), nil
}

// Load reads the config at path, creating it with DefaultConfig on first
// run. An empty path means DefaultPath. Notices about first-run creation
// go to notice, which may be nil.
func Load(path string, notice io.Writer) (ReaderSyncConfig, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return ReaderSyncConfig{}, err
		}
		path = p
	}
	// create it if it doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if notice != nil {
			fmt.Fprintf(notice, " First run detected, creating the config at %s\n", path)
		}
		if err := createDefault(path); err != nil {
			return ReaderSyncConfig{}, err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ReaderSyncConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	getenv, err := dotEnv(filepath.Join(filepath.Dir(path), DotEnvName))
	if err != nil {
		return ReaderSyncConfig{}, err
	}
	cfg, err := parse(data, getenv)
	if err != nil {
		return ReaderSyncConfig{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over DefaultConfig, applies the environment
// overrides and validates the result.
func Parse(data []byte) (ReaderSyncConfig, error) {
	return parse(data, os.Getenv)
}

func parse(data []byte, getenv func(string) string) (ReaderSyncConfig, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ReaderSyncConfig{}, fmt.Errorf("failed to parse the config: %w", err)
	}
	applyEnv(&cfg, getenv)
	if err := validation.Struct(cfg); err != nil {
		return ReaderSyncConfig{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *ReaderSyncConfig, getenv func(string) string) {
	if v := getenv(EnvBaseURL); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := getenv(EnvToken); v != "" {
		cfg.Server.Token = v
	}
}

// dotEnv returns a lookup over the process environment backed by the
// values in file. A missing file is not an error.
func dotEnv(file string) (func(string) string, error) {
	if _, err := os.Stat(file); os.IsNotExist(err) {
		return os.Getenv, nil
	}
	vals, err := godotenv.Read(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", file, err)
	}
	return func(key string) string {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			return v
		}
		return vals[key]
	}, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	// the file may later hold a token
	return os.WriteFile(path, data, 0600)
}
