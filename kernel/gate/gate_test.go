package gate

import (
	"bytes"
	"testing"

	"taskos/kernel/kfmt"
)

func TestRegistersDump(t *testing.T) {
	regs := Registers{
		RAX:    1,
		RBX:    2,
		RCX:    3,
		RDX:    4,
		RSI:    5,
		RDI:    6,
		RBP:    7,
		R8:     8,
		R9:     9,
		R10:    10,
		R11:    11,
		R12:    12,
		R13:    13,
		R14:    14,
		R15:    15,
		Vector: 14,
		Info:   2,
		RIP:    16,
		CS:     17,
		RFlags: 18,
		RSP:    19,
		SS:     20,
	}

	exp := "RAX = 0000000000000001 RBX = 0000000000000002\nRCX = 0000000000000003 RDX = 0000000000000004\nRSI = 0000000000000005 RDI = 0000000000000006\nRBP = 0000000000000007\nR8  = 0000000000000008 R9  = 0000000000000009\nR10 = 000000000000000a R11 = 000000000000000b\nR12 = 000000000000000c R13 = 000000000000000d\nR14 = 000000000000000e R15 = 000000000000000f\n\nRIP = 0000000000000010 CS  = 0000000000000011\nRSP = 0000000000000013 SS  = 0000000000000014\nRFL = 0000000000000012\nVEC = 000000000000000e ERR = 0000000000000002\n"

	var buf bytes.Buffer
	regs.DumpTo(&buf)

	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}

func TestIsUserMode(t *testing.T) {
	specs := []struct {
		cs  uint64
		exp bool
	}{
		{0x08, false},
		{0x10, false},
		{0x1b, true},
		{0x23, true},
	}

	for specIndex, spec := range specs {
		regs := Registers{CS: spec.cs}
		if got := regs.IsUserMode(); got != spec.exp {
			t.Errorf("[spec %d] expected IsUserMode for CS 0x%x to be %t", specIndex, spec.cs, spec.exp)
		}
	}
}

func TestExceptionName(t *testing.T) {
	specs := []struct {
		intNumber InterruptNumber
		exp       string
	}{
		{DivideByZero, "Division by 0"},
		{Breakpoint, "Breakpoint"},
		{GPFException, "General protection fault"},
		{PageFaultException, "Page fault"},
		{InterruptNumber(9), "Reserved"},
		{InterruptNumber(15), "Reserved"},
		{SecurityException, "Security"},
		{InterruptNumber(31), "Reserved"},
		{FirstDynamicVector, "Interrupt"},
		{InterruptNumber(255), "Interrupt"},
	}

	for specIndex, spec := range specs {
		if got := ExceptionName(spec.intNumber); got != spec.exp {
			t.Errorf("[spec %d] expected name for vector %d to be %q; got %q", specIndex, spec.intNumber, spec.exp, got)
		}
	}
}

func TestVectorAllocation(t *testing.T) {
	table := NewTable()

	for vec := InterruptNumber(0); vec < FirstDynamicVector; vec++ {
		if !table.IsAllocated(vec) {
			t.Fatalf("expected exception vector %d to be reserved", vec)
		}
	}

	if err := table.Reserve(0x40); err != nil {
		t.Fatal(err)
	}

	if err := table.Reserve(0x40); err != errVectorInUse {
		t.Fatalf("expected errVectorInUse; got %v", err)
	}

	var allocated []InterruptNumber
	for {
		vec, err := table.AllocateVector()
		if err == errNoFreeVector {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		allocated = append(allocated, vec)
	}

	if exp, got := 256-int(FirstDynamicVector)-1, len(allocated); got != exp {
		t.Fatalf("expected to allocate %d vectors; got %d", exp, got)
	}

	if allocated[0] != FirstDynamicVector {
		t.Fatalf("expected first allocated vector to be %d; got %d", FirstDynamicVector, allocated[0])
	}

	for _, vec := range allocated {
		if vec == 0x40 {
			t.Fatal("expected reserved vector 0x40 not to be handed out")
		}
	}

	if err := table.FreeVector(0x80); err != nil {
		t.Fatal(err)
	}

	if err := table.FreeVector(0x80); err != errVectorNotAllocated {
		t.Fatalf("expected errVectorNotAllocated; got %v", err)
	}

	if err := table.FreeVector(PageFaultException); err != errExceptionVectorFreed {
		t.Fatalf("expected errExceptionVectorFreed; got %v", err)
	}

	if vec, err := table.AllocateVector(); err != nil || vec != 0x80 {
		t.Fatalf("expected released vector 0x80 to be reused; got %d, %v", vec, err)
	}
}

func TestDispatch(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	table := NewTable()

	var seen []uint64
	table.HandleInterrupt(PageFaultException, func(regs *Registers) {
		seen = append(seen, regs.Vector)
		regs.RIP = 0xbadf00d
	})

	regs := Registers{Vector: uint64(PageFaultException)}
	table.Dispatch(&regs)

	if len(seen) != 1 || seen[0] != uint64(PageFaultException) {
		t.Fatalf("expected page fault handler to be invoked once; got %v", seen)
	}

	if regs.RIP != 0xbadf00d {
		t.Fatal("expected handler changes to the register snapshot to be visible to the caller")
	}

	table.Dispatch(&Registers{Vector: 0x33})
	if exp, got := "[gate] unhandled interrupt 51 (Interrupt)\n", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}

	vec, err := table.AllocateVector()
	if err != nil {
		t.Fatal(err)
	}
	table.HandleInterrupt(vec, func(*Registers) { t.Fatal("unexpected call to released handler") })
	if err = table.FreeVector(vec); err != nil {
		t.Fatal(err)
	}

	buf.Reset()
	table.Dispatch(&Registers{Vector: uint64(vec)})
	if buf.Len() == 0 {
		t.Fatal("expected released vector to be reported as unhandled")
	}
}
