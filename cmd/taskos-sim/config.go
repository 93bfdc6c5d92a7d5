package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"taskos/kernel/kmain"
	"taskos/kernel/mm"
	"taskos/kernel/platform/sim"
)

// config describes the simulated machine and the tasks to run on it.
type config struct {
	// Cores is the number of simulated cores.
	Cores int `toml:"cores"`

	// Ticks is the number of microseconds to simulate.
	Ticks uint64 `toml:"ticks"`

	// InitialQuantum and Quantum are the scheduler time slices in
	// microseconds.
	InitialQuantum uint64 `toml:"initial_quantum"`
	Quantum        uint64 `toml:"quantum"`

	// StackSize is the size of each task stack in bytes.
	StackSize uint64 `toml:"stack_size"`

	// TraceLimit caps the dispatch records kept by the machine.
	TraceLimit int `toml:"trace_limit"`

	// Regions replaces the default memory map if not empty.
	Regions []regionConfig `toml:"region"`

	Tasks []taskConfig `toml:"task"`
}

type regionConfig struct {
	Base   uint64 `toml:"base"`
	Length uint64 `toml:"length"`
	Kind   string `toml:"kind"`
}

// taskConfig describes Count identical tasks. Kernel tasks run a single
// program; user tasks run an image built from Programs.
type taskConfig struct {
	Kind     string   `toml:"kind"`
	Programs []string `toml:"programs"`
	Count    int      `toml:"count"`
}

const (
	taskKindKernel = "kernel"
	taskKindUser   = "user"
)

// defaultConfig returns a single-core machine running two kernel counters
// and one user counter for 100ms.
func defaultConfig() *config {
	sched := kmain.DefaultConfig().Sched
	return &config{
		Cores:          1,
		Ticks:          100000,
		InitialQuantum: sched.InitialQuantum,
		Quantum:        sched.Quantum,
		StackSize:      uint64(sched.StackSize),
		TraceLimit:     sim.DefaultConfig().TraceLimit,
		Tasks: []taskConfig{
			{Kind: taskKindKernel, Programs: []string{sim.ProgramCounter}, Count: 2},
			{Kind: taskKindUser, Programs: []string{sim.ProgramStackCounter}, Count: 1},
		},
	}
}

// loadConfig decodes the file at path on top of the defaults. An empty path
// yields the defaults.
func loadConfig(path string) (*config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}

	// Array tables are decoded element by element on top of any existing
	// entries, so the default task list only survives if the file has none.
	defaults := c.Tasks
	c.Tasks = nil

	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, err
	}

	if !md.IsDefined("task") {
		c.Tasks = defaults
	}

	if err = c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %v", path, err)
	}
	return c, nil
}

func (c *config) validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("cores must be positive; got %d", c.Cores)
	}

	if c.Quantum == 0 || c.InitialQuantum == 0 {
		return fmt.Errorf("quanta must be positive")
	}

	if c.StackSize == 0 || c.StackSize%uint64(mm.PageSize) != 0 {
		return fmt.Errorf("stack size must be a non-zero multiple of %d; got %d", mm.PageSize, c.StackSize)
	}

	for index, region := range c.Regions {
		if _, err := parseRegionKind(region.Kind); err != nil {
			return fmt.Errorf("region %d: %v", index, err)
		}
	}

	for index, task := range c.Tasks {
		switch task.Kind {
		case taskKindKernel:
			if len(task.Programs) != 1 {
				return fmt.Errorf("task %d: kernel tasks run exactly one program", index)
			}
		case taskKindUser:
			if len(task.Programs) == 0 {
				return fmt.Errorf("task %d: user tasks need at least one program", index)
			}
		default:
			return fmt.Errorf("task %d: unknown kind %q", index, task.Kind)
		}

		if task.Count < 0 {
			return fmt.Errorf("task %d: negative count", index)
		}
	}

	return nil
}

// parseRegionKind matches name against the region kind names reported by
// the boot loader, ignoring case.
func parseRegionKind(name string) (mm.RegionKind, error) {
	for kind := mm.RegionUsable; kind <= mm.RegionFramebuffer; kind++ {
		if strings.EqualFold(kind.String(), name) {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown region kind %q", name)
}

// machineConfig returns the configuration of the simulated machine.
func (c *config) machineConfig() sim.Config {
	mc := sim.DefaultConfig()
	mc.Cores = c.Cores
	mc.TraceLimit = c.TraceLimit

	if len(c.Regions) != 0 {
		mc.MemoryMap = mc.MemoryMap[:0:0]
		for _, region := range c.Regions {
			kind, _ := parseRegionKind(region.Kind)
			mc.MemoryMap = append(mc.MemoryMap, mm.Region{
				Base:   uintptr(region.Base),
				Length: uintptr(region.Length),
				Kind:   kind,
			})
		}
	}
	return mc
}

// kernelConfig returns the kernel tunables.
func (c *config) kernelConfig() kmain.Config {
	kc := kmain.DefaultConfig()
	kc.Sched.InitialQuantum = c.InitialQuantum
	kc.Sched.Quantum = c.Quantum
	kc.Sched.StackSize = uintptr(c.StackSize)
	return kc
}
