package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"

	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"taskos/kernel/kfmt"
	"taskos/kernel/kmain"
	"taskos/kernel/platform/sim"
	"taskos/kernel/sched"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	ticks uint64
	cores int
	trace bool
	quiet bool
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot the kernel and run the configured tasks"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] - boot the kernel on the simulated machine and run the configured tasks.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&r.ticks, "ticks", 0, "number of microseconds to simulate; overrides the config file.")
	f.IntVar(&r.cores, "cores", 0, "number of cores; overrides the config file.")
	f.BoolVar(&r.trace, "trace", false, "log every interrupt handled by the kernel.")
	f.BoolVar(&r.quiet, "quiet", false, "discard the kernel console.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	cfg := *args[0].(*config)
	if r.ticks != 0 {
		cfg.Ticks = r.ticks
	}
	if r.cores != 0 {
		cfg.Cores = r.cores
	}
	if err := cfg.validate(); err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return subcommands.ExitUsageError
	}

	var console io.Writer = os.Stdout
	if r.quiet {
		console = io.Discard
	}
	kfmt.SetOutputSink(console)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()

	rep, err := runMachine(ctx, &cfg, r.trace)
	if rep != nil {
		rep.log()
	}

	switch {
	case err == sim.ErrKernelPanic:
		logrus.Error("kernel panic; machine halted")
		return subcommands.ExitFailure
	case err == context.Canceled:
		logrus.Warn("simulation interrupted")
		return subcommands.ExitSuccess
	case err != nil:
		logrus.WithError(err).Error("simulation failed")
		return subcommands.ExitFailure
	}

	return subcommands.ExitSuccess
}

// taskReport summarizes a task at the end of a run.
type taskReport struct {
	ID         sched.TaskID
	User       bool
	Programs   []string
	State      sched.State
	Reaped     bool
	Dispatches int
}

// report summarizes a run.
type report struct {
	Ticks      uint64
	Tasks      []taskReport
	Interrupts map[uint8]int
	FreeFrames uintptr
	Frames     uintptr
}

func (rep *report) log() {
	logrus.WithFields(logrus.Fields{
		"ticks":       rep.Ticks,
		"free_frames": rep.FreeFrames,
		"frames":      rep.Frames,
	}).Info("simulation finished")

	vectors := make([]int, 0, len(rep.Interrupts))
	for vector := range rep.Interrupts {
		vectors = append(vectors, int(vector))
	}
	sort.Ints(vectors)
	for _, vector := range vectors {
		logrus.WithFields(logrus.Fields{
			"vector": vector,
			"count":  rep.Interrupts[uint8(vector)],
		}).Info("interrupts")
	}

	for _, task := range rep.Tasks {
		logrus.WithFields(logrus.Fields{
			"tid":        task.ID,
			"user":       task.User,
			"programs":   task.Programs,
			"state":      task.State.String(),
			"reaped":     task.Reaped,
			"dispatches": task.Dispatches,
		}).Info("task")
	}
}

// runMachine boots a machine described by cfg, creates the configured
// tasks and runs it for cfg.Ticks. The machine loop and the consumer of
// dispatch records run in separate goroutines; cancelling ctx stops both.
func runMachine(ctx context.Context, cfg *config, trace bool) (*report, error) {
	m, kerr := sim.NewMachine(cfg.machineConfig())
	if kerr != nil {
		return nil, kerr
	}
	defer func() { _ = m.Close() }()

	k, kerr := m.Boot(cfg.kernelConfig())
	if kerr != nil {
		return nil, kerr
	}

	programs := make(map[sched.TaskID][]string)
	for _, tc := range cfg.Tasks {
		for i := 0; i < tc.Count; i++ {
			var task *sched.Task
			if tc.Kind == taskKindKernel {
				task, kerr = m.NewKernelTask(k, tc.Programs[0])
			} else {
				task, kerr = m.NewUserTask(k, tc.Programs...)
			}
			if kerr != nil {
				return nil, fmt.Errorf("creating %s task running %v: %v", tc.Kind, tc.Programs, kerr)
			}
			programs[task.ID] = tc.Programs
		}
	}

	var (
		records    = make(chan sim.DispatchRecord, 1024)
		dispatches = make(map[sched.TaskID]int)
		interrupts = make(map[uint8]int)
	)

	m.OnDispatch = func(rec sim.DispatchRecord) {
		records <- rec
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(records)
		return m.Run(gctx, cfg.Ticks)
	})
	g.Go(func() error {
		for rec := range records {
			interrupts[rec.Vector]++
			if rec.Vector == m.TimerVector() {
				dispatches[sched.TaskID(rec.Task)]++
			}

			if trace {
				logrus.WithFields(logrus.Fields{
					"tick":   rec.Tick,
					"core":   rec.Core,
					"vector": rec.Vector,
					"tid":    rec.Task,
					"user":   rec.User,
				}).Debug("dispatch")
			}
		}
		return nil
	})

	err := g.Wait()
	return newReport(m, k, programs, dispatches, interrupts), err
}

func newReport(m *sim.Machine, k *kmain.Kernel, programs map[sched.TaskID][]string, dispatches map[sched.TaskID]int, interrupts map[uint8]int) *report {
	rep := &report{
		Ticks:      m.Now(),
		Interrupts: interrupts,
		FreeFrames: k.Frames.FreeCount(),
		Frames:     k.Frames.TotalFrames(),
	}

	idle := map[*sched.Task]bool{k.Idle: true}
	for coreID := 0; coreID < m.Cores(); coreID++ {
		idle[k.Sched.IdleTask(uint32(coreID))] = true
	}

	for id := sched.TaskID(1); int(id) <= k.Sched.TaskCount(); id++ {
		task := k.Sched.Task(id)
		names := programs[id]
		if idle[task] {
			names = []string{sim.ProgramIdle}
		}

		rep.Tasks = append(rep.Tasks, taskReport{
			ID:         id,
			User:       task.IsUser(),
			Programs:   names,
			State:      task.State,
			Reaped:     task.Reaped(),
			Dispatches: dispatches[id],
		})
	}
	return rep
}
