package vmm

import (
	"testing"
	"unsafe"

	"taskos/kernel/mm"
)

func TestHandleFault(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()

	t.Run("heap", func(t *testing.T) {
		faultAddr := DefaultHeapBase + 0x5008
		freeBefore := env.frames.FreeCount()

		if !env.vm.HandleFault(faultAddr, 0, false) {
			t.Fatal("expected heap fault to be handled")
		}

		if exp, got := freeBefore-1, env.frames.FreeCount(); got > exp {
			t.Fatalf("expected at least one frame to be allocated; free count went from %d to %d", freeBefore, got)
		}

		frame, flags, err := env.vm.Lookup(ks, faultAddr)
		if err != nil {
			t.Fatal(err)
		}

		if exp := FlagPresent | FlagRW | FlagNoExecute; flags != exp {
			t.Fatalf("expected heap page flags to be 0x%x; got 0x%x", exp, flags)
		}

		page := unsafe.Slice((*byte)(unsafe.Pointer(env.hw.Access(frame.Address()))), mm.PageSize)
		for index, b := range page {
			if b != 0 {
				t.Fatalf("expected demand-paged frame to be zeroed; byte %d is 0x%x", index, b)
			}
		}

		// A second core that raced on the same not-present page retries
		// without a new frame being allocated.
		freeBefore = env.frames.FreeCount()
		if !env.vm.HandleFault(faultAddr, faultWrite, false) {
			t.Fatal("expected not-present fault on an already mapped page to be handled")
		}
		if got := env.frames.FreeCount(); got != freeBefore {
			t.Fatalf("expected no frames to be allocated for a resolved fault; free count went from %d to %d", freeBefore, got)
		}
		if got, _, _ := env.vm.Lookup(ks, faultAddr); got != frame {
			t.Fatalf("expected mapping to be left at frame %d; got %d", frame, got)
		}

		// Protection faults on a present page are not ours to handle.
		if env.vm.HandleFault(faultAddr, faultPresent|faultWrite, false) {
			t.Fatal("expected protection fault on a present page not to be handled")
		}
	})

	t.Run("direct map", func(t *testing.T) {
		// ACPI memory is not eagerly mapped.
		faultAddr := DefaultDirectMapBase + 0x210abc

		if !env.vm.HandleFault(faultAddr, 0, false) {
			t.Fatal("expected direct map fault to be handled")
		}

		phys, err := env.vm.Translate(ks, faultAddr)
		if err != nil {
			t.Fatal(err)
		}

		if phys != 0x210abc {
			t.Fatalf("expected faulting address to map to phys 0x210abc; got 0x%x", phys)
		}
	})

	t.Run("not handled", func(t *testing.T) {
		specs := []struct {
			faultAddr uintptr
			fromUser  bool
		}{
			{DefaultHeapBase + 0x10000, true},
			{DefaultDirectMapBase + 0x210000, true},
			{0x400000, false},
			{DefaultDirectMapBase + 0x400000, false},
			{testKernelVirtBase + 0x200000, false},
			{DefaultHeapBase - 1, false},
		}

		for specIndex, spec := range specs {
			if env.vm.HandleFault(spec.faultAddr, 0, spec.fromUser) {
				t.Errorf("[spec %d] expected fault at 0x%x (user: %t) not to be handled", specIndex, spec.faultAddr, spec.fromUser)
			}
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		env.vm.frames = &failingAllocator{}
		defer func() {
			if err := recover(); err != errTestOutOfMemory {
				t.Fatalf("expected to panic with errTestOutOfMemory; got %v", err)
			}
		}()

		env.vm.HandleFault(DefaultHeapBase+0x20000, 0, false)
		t.Fatal("expected HandleFault to panic")
	})
}

func TestFaultReason(t *testing.T) {
	specs := []struct {
		errorCode uint64
		exp       string
	}{
		{0, "read from non-present page"},
		{faultWrite, "write to non-present page"},
		{faultFetch, "instruction fetch from non-present page"},
		{faultPresent | faultFetch, "instruction fetch from non-executable page"},
		{faultPresent | faultWrite, "write to read-only page"},
		{faultPresent | faultWrite | faultUser, "user write to protected page"},
		{faultPresent | faultUser, "user read from supervisor page"},
		{faultPresent, "protection violation"},
		{faultPresent | faultReservedBit, "reserved bit set in page table entry"},
	}

	for specIndex, spec := range specs {
		if got := FaultReason(spec.errorCode); got != spec.exp {
			t.Errorf("[spec %d] expected reason %q; got %q", specIndex, spec.exp, got)
		}
	}
}
