// Package config loads the server configuration file. The file is HCL;
// expressions may reference process environment variables through the env
// object.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Config is the decoded server configuration.
type Config struct {
	// ModuleRoot is the addon directory scanned at startup.
	ModuleRoot string `hcl:"module_root,optional"`
	// ModulePathEnv names the environment variable that overrides ModuleRoot.
	ModulePathEnv string `hcl:"module_path_env,optional"`
	// ScriptDir is the task folder scripts and file imports load from.
	ScriptDir string `hcl:"script_dir,optional"`
	// Workers sizes the shared worker pool.
	Workers int `hcl:"workers,optional"`
	// EventQueueCap bounds the interpreter event queue.
	EventQueueCap int `hcl:"event_queue_capacity,optional"`
	// BusCap bounds the message bus queue.
	BusCap int `hcl:"bus_capacity,optional"`
	// LogLevel and LogFormat configure the logger.
	LogLevel  string `hcl:"log_level,optional"`
	LogFormat string `hcl:"log_format,optional"`
}

// Defaults returns the configuration used when no file is present.
func Defaults() *Config {
	return &Config{
		ModuleRoot:    "./modules",
		ModulePathEnv: "STELLARD_MODULE_PATH",
		ScriptDir:     "./scripts",
		Workers:       10,
		EventQueueCap: 1000,
		BusCap:        1000,
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads and decodes an HCL config file, filling unset fields from
// Defaults. A missing path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, diags)
	}

	if diags := gohcl.DecodeBody(file.Body, evalContext(), cfg); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config %s: %w", path, diags)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// evalContext exposes the process environment as an env object so config
// expressions can reference it.
func evalContext() *hcl.EvalContext {
	envVals := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		envVals[key] = cty.StringVal(value)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": cty.ObjectVal(envVals),
		},
	}
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: must be text or json", c.LogFormat)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	return nil
}
