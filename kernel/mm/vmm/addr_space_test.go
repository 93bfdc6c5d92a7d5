package vmm

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"taskos/kernel/mm"
)

func TestNewAddressSpaceSharesKernelHalf(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()

	as, err := env.vm.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	if as.Root() == ks.Root() {
		t.Fatal("expected new address space to get its own root table")
	}

	for index := uintptr(0); index < entriesPerTable; index++ {
		got, kernelEntry := *env.vm.entry(as.Root(), index), *env.vm.entry(ks.Root(), index)
		switch {
		case index < rootKernelIndex && got != 0:
			t.Errorf("expected lower half root entry %d to be empty; got 0x%x", index, got)
		case index >= rootKernelIndex && got != kernelEntry:
			t.Errorf("expected upper half root entry %d to be 0x%x; got 0x%x", index, kernelEntry, got)
		}
	}

	// Mappings installed later in the kernel windows are visible through
	// both address spaces.
	if err := env.vm.MapPage(ks, 0x300000, DefaultHeapBase, FlagPresent|FlagRW); err != nil {
		t.Fatal(err)
	}

	if phys, err := env.vm.Translate(as, DefaultHeapBase+8); err != nil || phys != 0x300008 {
		t.Fatalf("expected heap address to translate to 0x300008 in the new space; got 0x%x, %v", phys, err)
	}

	// User mappings stay private.
	if err := env.vm.MapPage(as, 0x300000, 0x400000, FlagPresent|FlagUserAccessible); err != nil {
		t.Fatal(err)
	}

	if _, err := env.vm.Translate(ks, 0x400000); err != ErrInvalidMapping {
		t.Fatalf("expected user mapping to be invisible in the kernel space; got %v", err)
	}
}

func TestActivate(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()

	as, err := env.vm.NewAddressSpace()
	if err != nil {
		t.Fatal(err)
	}

	env.hw.PDTSwitches = nil

	env.vm.Activate(ks)
	env.vm.Activate(as)
	env.vm.Activate(as)
	env.vm.Activate(ks)

	exp := []uintptr{as.Root().Address(), ks.Root().Address()}
	if diff := cmp.Diff(exp, env.hw.PDTSwitches); diff != "" {
		t.Fatalf("unexpected address space switches (-want +got):\n%s", diff)
	}

	if !env.vm.IsActive(ks) || env.vm.IsActive(as) {
		t.Fatal("expected the kernel space to be the active one")
	}
}

func TestDestroy(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()

	t.Run("kernel space", func(t *testing.T) {
		if err := env.vm.Destroy(ks); err != errDestroyKernelSpace {
			t.Fatalf("expected errDestroyKernelSpace; got %v", err)
		}
	})

	t.Run("active space", func(t *testing.T) {
		as, err := env.vm.NewAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		env.vm.Activate(as)
		defer env.vm.Activate(ks)

		if err := env.vm.Destroy(as); err != errDestroyActiveSpace {
			t.Fatalf("expected errDestroyActiveSpace; got %v", err)
		}
	})

	t.Run("releases owned frames", func(t *testing.T) {
		baseline := env.frames.FreeCount()

		as, err := env.vm.NewAddressSpace()
		if err != nil {
			t.Fatal(err)
		}

		// Owned user pages spread over two separate page table trees.
		for _, virtAddr := range []uintptr{0x400000, 0x401000, 0x7ffffffff000} {
			frame, err := env.frames.AllocFrame()
			if err != nil {
				t.Fatal(err)
			}

			if err := env.vm.MapPage(as, frame.Address(), virtAddr, FlagPresent|FlagRW|FlagUserAccessible); err != nil {
				t.Fatal(err)
			}
		}

		// A supervisor mapping in the lower half does not own its frame.
		if err := env.vm.MapPage(as, 0x200000, 0x10000000, FlagPresent); err != nil {
			t.Fatal(err)
		}

		if env.frames.FreeCount() >= baseline {
			t.Fatal("expected frames to be consumed by the new address space")
		}

		if err := env.vm.Destroy(as); err != nil {
			t.Fatal(err)
		}

		if exp, got := baseline, env.frames.FreeCount(); got != exp {
			t.Fatalf("expected free frame count to return to %d; got %d", exp, got)
		}

		if as.Root() != mm.InvalidFrame {
			t.Fatal("expected destroyed address space root to be invalidated")
		}

		// Kernel windows are unaffected.
		if _, err := env.vm.Translate(ks, DefaultDirectMapBase+0x1000); err != nil {
			t.Fatalf("expected direct map to survive address space destruction; got %v", err)
		}
	})
}
