package kfmt

import (
	"bytes"
	"errors"
	"runtime"
	"strings"
	"testing"

	"taskos/kernel"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = nil
		callersFn = runtime.Callers
		outputSink = nil
	}()

	var cpuHaltCalled bool
	SetHaltFn(func() {
		cpuHaltCalled = true
	})

	// Stack traces depend on the test binary layout
	callersFn = func(int, []uintptr) int { return 0 }

	var buf bytes.Buffer
	SetOutputSink(&buf)

	specs := []struct {
		descr string
		err   interface{}
		exp   string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "test", Message: "panic test"},
			"\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			cpuHaltCalled = false
			buf.Reset()

			Panic(spec.err)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected the halt function to be called by Panic")
			}
		})
	}
}

func TestPanicStackTrace(t *testing.T) {
	defer func() {
		outputSink = nil
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Panic(&kernel.Error{Module: "test", Message: "with trace"})

	got := buf.String()
	if !strings.Contains(got, "stack trace:\n") {
		t.Fatalf("expected output to contain a stack trace; got:\n%s", got)
	}

	if !strings.Contains(got, "kfmt.TestPanicStackTrace") {
		t.Fatalf("expected stack trace to include the calling test; got:\n%s", got)
	}
}
