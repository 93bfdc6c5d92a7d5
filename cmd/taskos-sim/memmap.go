package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"

	"taskos/kernel/kfmt"
	"taskos/kernel/platform/sim"
)

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct{}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "boot the kernel and print the memory map and address space layout"
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap - boot the kernel on the simulated machine and print the memory layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Memmap) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Memmap) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*config)
	kfmt.SetOutputSink(os.Stdout)

	m, err := sim.NewMachine(cfg.machineConfig())
	if err != nil {
		logrus.WithError(err).Error("failed to create machine")
		return subcommands.ExitFailure
	}
	defer func() { _ = m.Close() }()

	k, err := m.Boot(cfg.kernelConfig())
	if err != nil {
		logrus.WithError(err).Error("boot failed")
		return subcommands.ExitFailure
	}

	layout := k.VM.Layout()
	logrus.WithFields(logrus.Fields{
		"frames":      k.Frames.TotalFrames(),
		"free_frames": k.Frames.FreeCount(),
		"direct_map":  layout.DirectMapBase,
		"heap":        layout.HeapBase,
	}).Info("memory layout")
	return subcommands.ExitSuccess
}
