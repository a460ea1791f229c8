package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"

	"xinuvm/kernel/kmain"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	configPath string
	logLevel   string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the machine and run the configured threads until they exit"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [-config <file>] [-log-level <level>] - boot the machine, spawn the
configured threads and print the frame accounting once they have exited.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "", "path to a TOML machine configuration; the built-in demo is used if empty")
	f.StringVar(&r.logLevel, "log-level", "", "override the configured kernel log level")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg, err := loadConfig(r.configPath, r.logLevel)
	if err != nil {
		return fatalf("%v", err)
	}

	report, err := kmain.Run(cfg, os.Stdout)
	if report != nil {
		report.Print(os.Stdout)
	}
	if err != nil {
		return fatalf("run failed: %v", err)
	}
	if report.Leaked() != 0 {
		return fatalf("%d frames were not returned to the pool", report.Leaked())
	}
	return subcommands.ExitSuccess
}

// loadConfig reads the config file at path, or the default config if path is
// empty, and applies the log level override.
func loadConfig(path, logLevel string) (*kmain.Config, error) {
	cfg := kmain.Default()
	if path != "" {
		var err error
		if cfg, err = kmain.Load(path); err != nil {
			return nil, err
		}
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, cfg.Validate()
}
