package kmain

import (
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"xinuvm/kernel/mem"
	"xinuvm/kernel/sched"
)

const (
	// physicalMemoryAlign is the granularity of the physical memory size:
	// the frame bitmap tracks frames in groups of 32.
	physicalMemoryAlign = 32 * uint64(mem.PageSize)

	// maxPhysicalMemory keeps the frame pool inside the 32-bit physical
	// address space.
	maxPhysicalMemory = uint64(1)<<32 - uint64(mem.UserSpaceBase)
)

// ThreadConfig describes a thread spawned by the run command.
type ThreadConfig struct {
	// Name is the thread name used in console output.
	Name string `toml:"name"`

	// Proc selects one of the built-in thread procedures.
	Proc string `toml:"proc"`

	// Priority is the scheduling priority; larger values run first.
	Priority int `toml:"priority"`

	// StackSize is the stack size in bytes. Values below the minimum
	// thread stack are raised to it.
	StackSize uint64 `toml:"stack_size"`

	// Args are passed to the thread procedure on its stack.
	Args []uint32 `toml:"args"`
}

// Config is the machine configuration.
type Config struct {
	// PhysicalMemory is the size in bytes of the frame pool that starts
	// right after the kernel identity region.
	PhysicalMemory uint64 `toml:"physical_memory"`

	// MaxThreads is the number of thread table slots, including the
	// null thread.
	MaxThreads int `toml:"max_threads"`

	// NullStackSize is the stack size of the null thread.
	NullStackSize uint64 `toml:"null_stack_size"`

	// LogLevel is the verbosity of the kernel module loggers.
	LogLevel string `toml:"log_level"`

	// Threads are created and readied after boot, in order.
	Threads []ThreadConfig `toml:"thread"`
}

// Default returns the configuration used when no config file is supplied.
func Default() *Config {
	return &Config{
		PhysicalMemory: uint64(16 * mem.Mb),
		MaxThreads:     100,
		NullStackSize:  uint64(sched.InitStack),
		LogLevel:       "warning",
		Threads: []ThreadConfig{
			{Name: "NOTHINGTHREAD1", Proc: "spawner", Priority: 20, StackSize: uint64(sched.InitStack)},
		},
	}
}

// Load reads a TOML config file. Keys missing from the file keep their
// default values except for the thread list, which is only populated from
// the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	cfg.Threads = nil

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "decode config file %q", path)
	}

	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		sort.Strings(keys)
		return nil, errors.Errorf("config file %q: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "config file %q", path)
	}
	return cfg, nil
}

// Validate checks that the configuration describes a machine that can boot.
func (c *Config) Validate() error {
	switch {
	case c.PhysicalMemory == 0 || c.PhysicalMemory%physicalMemoryAlign != 0:
		return errors.Errorf("physical_memory must be a non-zero multiple of %s", mem.Size(physicalMemoryAlign))
	case c.PhysicalMemory > maxPhysicalMemory:
		return errors.Errorf("physical_memory exceeds the %s physical address space", mem.Size(maxPhysicalMemory))
	case c.MaxThreads < 2:
		return errors.New("max_threads must be at least 2")
	case len(c.Threads) > c.MaxThreads-1:
		return errors.Errorf("%d threads configured but only %d slots are available", len(c.Threads), c.MaxThreads-1)
	case c.NullStackSize == 0:
		return errors.New("null_stack_size must be non-zero")
	}

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}

	for i, tc := range c.Threads {
		if tc.Name == "" {
			return errors.Errorf("thread %d: missing name", i)
		}
		if _, ok := procs[tc.Proc]; !ok {
			return errors.Errorf("thread %q: unknown proc %q", tc.Name, tc.Proc)
		}
		if tc.Priority < 0 {
			return errors.Errorf("thread %q: priority must not be negative", tc.Name)
		}
	}
	return nil
}
