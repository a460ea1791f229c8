package kmain

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"xinuvm/kernel/mem"
	"xinuvm/kernel/sched"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "xinuvm.toml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
physical_memory = 8388608
max_threads = 8
log_level = "debug"

[[thread]]
name = "worker"
proc = "arith"
priority = 3
args = [1, 2]

[[thread]]
name = "spinner"
proc = "yielder"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	exp := &Config{
		PhysicalMemory: uint64(8 * mem.Mb),
		MaxThreads:     8,
		NullStackSize:  uint64(sched.InitStack),
		LogLevel:       "debug",
		Threads: []ThreadConfig{
			{Name: "worker", Proc: "arith", Priority: 3, Args: []uint32{1, 2}},
			{Name: "spinner", Proc: "yielder"},
		},
	}

	if diff := cmp.Diff(exp, cfg); diff != "" {
		t.Fatalf("unexpected config (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	specs := []struct {
		descr    string
		contents string
		expErr   string
	}{
		{"malformed toml", `max_threads = `, "decode config file"},
		{"unknown key", "max_threads = 4\nswap = true\n", "unknown keys: swap"},
		{"invalid value", `max_threads = 1`, "max_threads must be at least 2"},
		{"unknown proc", "[[thread]]\nname = \"x\"\nproc = \"nope\"\n", `unknown proc "nope"`},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			_, err := Load(writeConfig(t, spec.contents))
			if err == nil || !strings.Contains(err.Error(), spec.expErr) {
				t.Fatalf("expected error containing %q; got %v", spec.expErr, err)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestValidate(t *testing.T) {
	specs := []struct {
		descr  string
		mutate func(*Config)
		expErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero memory", func(c *Config) { c.PhysicalMemory = 0 }, "physical_memory"},
		{"unaligned memory", func(c *Config) { c.PhysicalMemory = uint64(mem.PageSize) }, "physical_memory"},
		{"too much memory", func(c *Config) { c.PhysicalMemory = 1 << 32 }, "physical address space"},
		{"too few slots", func(c *Config) { c.MaxThreads = 1 }, "max_threads"},
		{"too many threads", func(c *Config) {
			c.MaxThreads = 2
			c.Threads = append(c.Threads, ThreadConfig{Name: "extra", Proc: "arith"})
		}, "slots are available"},
		{"zero null stack", func(c *Config) { c.NullStackSize = 0 }, "null_stack_size"},
		{"bad log level", func(c *Config) { c.LogLevel = "chatty" }, "log_level"},
		{"unnamed thread", func(c *Config) { c.Threads[0].Name = "" }, "missing name"},
		{"negative priority", func(c *Config) { c.Threads[0].Priority = -1 }, "priority"},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cfg := Default()
			spec.mutate(cfg)

			err := cfg.Validate()
			switch {
			case spec.expErr == "" && err != nil:
				t.Fatalf("unexpected error: %v", err)
			case spec.expErr != "" && (err == nil || !strings.Contains(err.Error(), spec.expErr)):
				t.Fatalf("expected error containing %q; got %v", spec.expErr, err)
			}
		})
	}
}
