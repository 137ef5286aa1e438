// Copyright (C) 2025 OpsPilot Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads OpsPilot configuration from embedded defaults, an
// optional YAML file, and environment variables, in that order of
// precedence (later wins).
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config is the full runtime configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ollama      OllamaConfig      `yaml:"ollama"`
	Investigate InvestigateConfig `yaml:"investigate"`
	Kubectl     KubectlConfig     `yaml:"kubectl"`
	Stream      StreamConfig      `yaml:"stream"`
}

type ServerConfig struct {
	Port  int  `yaml:"port"`
	Debug bool `yaml:"debug"`
}

type OllamaConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Model          string  `yaml:"model"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	Temperature    float64 `yaml:"temperature"`
	NumCtx         int     `yaml:"num_ctx"`
}

func (c OllamaConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type InvestigateConfig struct {
	MaxIterations      int `yaml:"max_iterations"`
	MaxToolOutputBytes int `yaml:"max_tool_output_bytes"`
}

type KubectlConfig struct {
	Binary            string `yaml:"binary"`
	Kubeconfig        string `yaml:"kubeconfig"`
	Context           string `yaml:"context"`
	TimeoutSeconds    int    `yaml:"timeout_seconds"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

func (c KubectlConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type StreamConfig struct {
	FeedURL        string `yaml:"feed_url"`
	ThrottleMillis int    `yaml:"throttle_millis"`
}

func (c StreamConfig) ThrottleWindow() time.Duration {
	return time.Duration(c.ThrottleMillis) * time.Millisecond
}

// Load builds the configuration. path may be empty to use defaults and
// environment only.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv layers environment overrides on top of file values.
func applyEnv(cfg *Config) {
	if v := os.Getenv("OPSPILOT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("OPSPILOT_DEBUG"); v != "" {
		cfg.Server.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_MODEL"); v != "" {
		cfg.Ollama.Model = v
	}
	if v := os.Getenv("OPSPILOT_KUBECONFIG"); v != "" {
		cfg.Kubectl.Kubeconfig = v
	}
	if v := os.Getenv("OPSPILOT_KUBE_CONTEXT"); v != "" {
		cfg.Kubectl.Context = v
	}
	if v := os.Getenv("OPSPILOT_FEED_URL"); v != "" {
		cfg.Stream.FeedURL = v
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Ollama.BaseURL == "" {
		return fmt.Errorf("ollama.base_url must be set")
	}
	if c.Investigate.MaxIterations < 1 {
		return fmt.Errorf("investigate.max_iterations must be at least 1, got %d", c.Investigate.MaxIterations)
	}
	if c.Investigate.MaxToolOutputBytes < 256 {
		return fmt.Errorf("investigate.max_tool_output_bytes %d too small", c.Investigate.MaxToolOutputBytes)
	}
	if c.Kubectl.RequestsPerMinute < 1 {
		return fmt.Errorf("kubectl.requests_per_minute must be at least 1, got %d", c.Kubectl.RequestsPerMinute)
	}
	if c.Stream.ThrottleMillis < 0 {
		return fmt.Errorf("stream.throttle_millis must not be negative, got %d", c.Stream.ThrottleMillis)
	}
	return nil
}
