// Package cli parses command-line arguments into the application config.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/stellard/internal/config"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments over the file configuration. It
// returns the effective config, a boolean indicating a clean early exit, or
// an ExitError.
func Parse(args []string, output io.Writer) (*config.Config, bool, error) {
	flagSet := flag.NewFlagSet("stellard", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
stellard - astronomy device-control server: component manager and task runner.

Usage:
  stellard [options] [SCRIPT_DIR]

Arguments:
  SCRIPT_DIR
    Directory containing task scripts (.json). Overrides script_dir.

Options:
`)
		flagSet.PrintDefaults()
	}

	configFlag := flagSet.String("config", "stellard.hcl", "Path to the HCL configuration file.")
	modulesFlag := flagSet.String("modules-path", "", "Path to the addon module root.")
	scriptsFlag := flagSet.String("scripts-path", "", "Path to the task script directory.")
	workersFlag := flagSet.Int("workers", 0, "Number of workers in the shared pool. 0 keeps the configured value.")
	logFormatFlag := flagSet.String("log-format", "", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	if *modulesFlag != "" {
		cfg.ModuleRoot = *modulesFlag
	}
	if *scriptsFlag != "" {
		cfg.ScriptDir = *scriptsFlag
	}
	if flagSet.NArg() > 0 {
		cfg.ScriptDir = flagSet.Arg(0)
	}
	if *workersFlag > 0 {
		cfg.Workers = *workersFlag
	}

	if *logFormatFlag != "" {
		logFormat := strings.ToLower(*logFormatFlag)
		if logFormat != "text" && logFormat != "json" {
			return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
		}
		cfg.LogFormat = logFormat
	}
	if *logLevelFlag != "" {
		logLevel := strings.ToLower(*logLevelFlag)
		switch logLevel {
		case "debug", "info", "warn", "error":
		default:
			return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
		}
		cfg.LogLevel = logLevel
	}

	return cfg, false, nil
}
