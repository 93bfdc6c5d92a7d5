package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"taskos/kernel"
	"taskos/kernel/cpu"
	"taskos/kernel/hal"
	"taskos/kernel/hal/haltest"
	"taskos/kernel/kfmt"
	"taskos/kernel/mm"
	"taskos/kernel/mm/pmm"
)

const testKernelVirtBase = uintptr(0xffffffff80000000)

var testMemoryMap = []mm.Region{
	{Base: 0x0, Length: 0x1000, Kind: mm.RegionReserved},
	{Base: 0x1000, Length: 0x9e000, Kind: mm.RegionUsable},
	{Base: 0x9f000, Length: 0x61000, Kind: mm.RegionReserved},
	{Base: 0x100000, Length: 0x100000, Kind: mm.RegionKernelAndModules},
	{Base: 0x200000, Length: 0x10000, Kind: mm.RegionBootloaderReclaimable},
	{Base: 0x210000, Length: 0x10000, Kind: mm.RegionACPIReclaimable},
	{Base: 0x220000, Length: 0x1d0000, Kind: mm.RegionUsable},
	{Base: 0x3f0000, Length: 0x10000, Kind: mm.RegionFramebuffer},
}

type testEnv struct {
	hw     *haltest.Machine
	frames *pmm.BitmapAllocator
	vm     *Manager
	boot   *hal.BootInfo
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	t.Cleanup(func() { kfmt.SetOutputSink(nil) })

	env := &testEnv{
		hw:     haltest.NewMachine(t, 0x400000),
		frames: new(pmm.BitmapAllocator),
		boot: &hal.BootInfo{
			MemoryMap:      testMemoryMap,
			KernelPhysBase: 0x100000,
			KernelVirtBase: testKernelVirtBase,
			DirectMapBase:  DefaultDirectMapBase,
		},
	}

	if err := env.frames.Init(env.hw, testMemoryMap); err != nil {
		t.Fatalf("unexpected error initializing frame allocator: %v", err)
	}

	env.vm = NewManager(env.hw, env.hw, env.frames, DefaultLayout())
	if err := env.vm.Init(env.boot); err != nil {
		t.Fatalf("unexpected error initializing vmm: %v", err)
	}

	return env
}

func TestInit(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()

	if exp, got := ks.Root().Address(), env.hw.PDT; got != exp {
		t.Errorf("expected active PDT to be 0x%x; got 0x%x", exp, got)
	}

	if exp, got := patValue, env.hw.MSR[cpu.MSRPAT]; got != exp {
		t.Errorf("expected PAT MSR to be 0x%x; got 0x%x", exp, got)
	}

	if exp, got := uintptr(0x400000), env.vm.Layout().DirectMapSize; got != exp {
		t.Errorf("expected direct map size to be 0x%x; got 0x%x", exp, got)
	}

	specs := []struct {
		virtAddr  uintptr
		expPhys   uintptr
		expFlags  PageTableEntryFlag
		expMapped bool
	}{
		// usable memory through the direct map
		{DefaultDirectMapBase + 0x1234, 0x1234, FlagPresent | FlagRW | FlagNoExecute, true},
		{DefaultDirectMapBase + 0x3ef000, 0x3ef000, FlagPresent | FlagRW | FlagNoExecute, true},
		// bootloader reclaimable memory is also identity mapped and executable
		{DefaultDirectMapBase + 0x200000, 0x200000, FlagPresent | FlagRW, true},
		{0x20f000, 0x20f000, FlagPresent | FlagRW, true},
		// framebuffer uses write-combining
		{DefaultDirectMapBase + 0x3f0000, 0x3f0000, FlagPresent | FlagRW | FlagNoExecute | FlagWriteCombining, true},
		{0x3f0010, 0x3f0010, FlagPresent | FlagRW | FlagNoExecute | FlagWriteCombining, true},
		// kernel image
		{testKernelVirtBase + 0x42, 0x100042, FlagPresent | FlagRW, true},
		{testKernelVirtBase + 0xff000, 0x1ff000, FlagPresent | FlagRW, true},
		// not eagerly mapped
		{DefaultDirectMapBase + 0x210000, 0, 0, false},
		{DefaultDirectMapBase, 0, 0, false},
		{testKernelVirtBase + 0x100000, 0, 0, false},
		{DefaultHeapBase, 0, 0, false},
		{0x1000, 0, 0, false},
	}

	for specIndex, spec := range specs {
		phys, err := env.vm.Translate(ks, spec.virtAddr)
		if !spec.expMapped {
			if err != ErrInvalidMapping {
				t.Errorf("[spec %d] expected ErrInvalidMapping for 0x%x; got %v", specIndex, spec.virtAddr, err)
			}
			continue
		}

		if err != nil {
			t.Errorf("[spec %d] unexpected error translating 0x%x: %v", specIndex, spec.virtAddr, err)
			continue
		}

		if phys != spec.expPhys {
			t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.virtAddr, spec.expPhys, phys)
		}

		_, flags, _ := env.vm.Lookup(ks, spec.virtAddr)
		if flags != spec.expFlags {
			t.Errorf("[spec %d] expected flags for 0x%x to be 0x%x; got 0x%x", specIndex, spec.virtAddr, spec.expFlags, flags)
		}
	}
}

func TestInitPopulatesKernelRootEntries(t *testing.T) {
	env := newTestEnv(t)
	root := env.vm.KernelSpace().Root()

	for _, virtAddr := range []uintptr{DefaultDirectMapBase, testKernelVirtBase, DefaultHeapBase, DefaultHeapBase + DefaultHeapSize - 1} {
		index := (virtAddr >> pageLevelShifts[0]) & (entriesPerTable - 1)
		if pte := env.vm.entry(root, index); !pte.HasFlags(FlagPresent | FlagRW) {
			t.Errorf("expected root entry %d covering 0x%x to be present", index, virtAddr)
		}
	}
}

func TestInitErrors(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	hw := haltest.NewMachine(t, 0x400000)
	vm := NewManager(hw, hw, &failingAllocator{failAfter: 3}, DefaultLayout())
	err := vm.Init(&hal.BootInfo{
		MemoryMap:      testMemoryMap,
		KernelPhysBase: 0x100000,
		KernelVirtBase: testKernelVirtBase,
		DirectMapBase:  DefaultDirectMapBase,
	})

	if err != errTestOutOfMemory {
		t.Fatalf("expected errTestOutOfMemory; got %v", err)
	}

	if len(hw.PDTSwitches) != 0 {
		t.Fatal("expected no address space switch after a failed init")
	}
}

func TestMapUnmap(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()

	frame, err := env.frames.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	virtAddr := uintptr(0x400000)
	flags := FlagPresent | FlagRW | FlagUserAccessible

	t.Run("map", func(t *testing.T) {
		if err := env.vm.MapPage(ks, frame.Address(), virtAddr+0x123, flags); err != nil {
			t.Fatal(err)
		}

		gotFrame, gotFlags, err := env.vm.Lookup(ks, virtAddr)
		if err != nil {
			t.Fatal(err)
		}
		if gotFrame != frame || gotFlags != flags {
			t.Fatalf("expected lookup to return frame %d with flags 0x%x; got frame %d with flags 0x%x", frame, flags, gotFrame, gotFlags)
		}

		if len(env.hw.FlushedEntries) != 0 {
			t.Fatalf("expected no TLB flushes when mapping a fresh page; got %v", env.hw.FlushedEntries)
		}

		// intermediate tables covering user addresses must allow user access
		env.vm.walk(ks.Root(), virtAddr, func(level uint8, pte *pageTableEntry) bool {
			if level < pageLevels-1 && !pte.HasFlags(FlagPresent|FlagRW|FlagUserAccessible) {
				t.Errorf("expected level %d entry to be present, writable and user accessible; got 0x%x", level, pte.Flags())
			}
			return true
		})
	})

	t.Run("replace", func(t *testing.T) {
		if err := env.vm.MapPage(ks, frame.Address(), virtAddr, FlagPresent); err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]uintptr{virtAddr}, env.hw.FlushedEntries); diff != "" {
			t.Fatalf("unexpected TLB flushes (-want +got):\n%s", diff)
		}

		if _, gotFlags, _ := env.vm.Lookup(ks, virtAddr); gotFlags != FlagPresent {
			t.Fatalf("expected replaced entry flags to be 0x%x; got 0x%x", FlagPresent, gotFlags)
		}
	})

	t.Run("unmap", func(t *testing.T) {
		if err := env.vm.Unmap(ks, virtAddr+0xfff); err != nil {
			t.Fatal(err)
		}

		if diff := cmp.Diff([]uintptr{virtAddr, virtAddr}, env.hw.FlushedEntries); diff != "" {
			t.Fatalf("unexpected TLB flushes (-want +got):\n%s", diff)
		}

		if _, err := env.vm.Translate(ks, virtAddr); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping after unmap; got %v", err)
		}

		if err := env.vm.Unmap(ks, virtAddr); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping when unmapping twice; got %v", err)
		}

		if err := env.vm.Unmap(ks, 0x7f0000000000); err != ErrInvalidMapping {
			t.Fatalf("expected ErrInvalidMapping when unmapping an address without tables; got %v", err)
		}
	})
}

func TestMapPagesRoundsUp(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()

	if err := env.vm.MapPages(ks, 0x300000, 0x600000, mm.PageSize+1, FlagPresent|FlagRW); err != nil {
		t.Fatal(err)
	}

	for pageIndex, expMapped := range []bool{true, true, false} {
		virtAddr := 0x600000 + uintptr(pageIndex)*mm.PageSize
		phys, err := env.vm.Translate(ks, virtAddr)
		switch {
		case expMapped && err != nil:
			t.Errorf("[page %d] unexpected error: %v", pageIndex, err)
		case expMapped && phys != 0x300000+uintptr(pageIndex)*mm.PageSize:
			t.Errorf("[page %d] expected phys 0x%x; got 0x%x", pageIndex, 0x300000+uintptr(pageIndex)*mm.PageSize, phys)
		case !expMapped && err != ErrInvalidMapping:
			t.Errorf("[page %d] expected ErrInvalidMapping; got %v", pageIndex, err)
		}
	}
}

func TestMapPageErrors(t *testing.T) {
	t.Run("huge page in path", func(t *testing.T) {
		env := newTestEnv(t)
		ks := env.vm.KernelSpace()

		if err := env.vm.MapPage(ks, 0x300000, 0x800000, FlagPresent); err != nil {
			t.Fatal(err)
		}

		// Mark the level-2 entry as a huge page mapping.
		env.vm.walk(ks.Root(), 0x800000, func(level uint8, pte *pageTableEntry) bool {
			if level == 2 {
				pte.SetFlags(FlagHugePage)
				return false
			}
			return true
		})

		if err := env.vm.MapPage(ks, 0x300000, 0x801000, FlagPresent); err != errNoHugePageSupport {
			t.Fatalf("expected errNoHugePageSupport; got %v", err)
		}

		if err := env.vm.Unmap(ks, 0x801000); err != errNoHugePageSupport {
			t.Fatalf("expected errNoHugePageSupport; got %v", err)
		}
	})

	t.Run("table allocation failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.vm.frames = &failingAllocator{}

		if err := env.vm.MapPage(env.vm.KernelSpace(), 0x300000, 0x10000000, FlagPresent); err != errTestOutOfMemory {
			t.Fatalf("expected errTestOutOfMemory; got %v", err)
		}
	})
}

func TestPageOffset(t *testing.T) {
	specs := []struct {
		virtAddr uintptr
		exp      uintptr
	}{
		{0x0, 0x0},
		{0x1234, 0x234},
		{0xffff800000000fff, 0xfff},
	}

	for specIndex, spec := range specs {
		if got := PageOffset(spec.virtAddr); got != spec.exp {
			t.Errorf("[spec %d] expected offset 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}

func TestLayout(t *testing.T) {
	l := Layout{DirectMapBase: 0x1000, DirectMapSize: 0x2000, HeapBase: 0x10000, HeapSize: 0x1000}

	specs := []struct {
		addr      uintptr
		inHeap    bool
		inDirMap  bool
		directMap uintptr
	}{
		{0x0fff, false, false, 0x1fff},
		{0x1000, false, true, 0x2000},
		{0x2fff, false, true, 0x3fff},
		{0x3000, false, false, 0x4000},
		{0x10000, true, false, 0x11000},
		{0x10fff, true, false, 0x11fff},
		{0x11000, false, false, 0x12000},
	}

	for specIndex, spec := range specs {
		if got := l.InHeap(spec.addr); got != spec.inHeap {
			t.Errorf("[spec %d] expected InHeap(0x%x) to be %t", specIndex, spec.addr, spec.inHeap)
		}
		if got := l.InDirectMap(spec.addr); got != spec.inDirMap {
			t.Errorf("[spec %d] expected InDirectMap(0x%x) to be %t", specIndex, spec.addr, spec.inDirMap)
		}
		if got := l.DirectMap(spec.addr); got != spec.directMap {
			t.Errorf("[spec %d] expected DirectMap(0x%x) to be 0x%x; got 0x%x", specIndex, spec.addr, spec.directMap, got)
		}
	}
}

func TestInitPrintsLayout(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	hw := haltest.NewMachine(t, 0x400000)
	var frames pmm.BitmapAllocator
	if err := frames.Init(hw, testMemoryMap); err != nil {
		t.Fatal(err)
	}
	buf.Reset()

	vm := NewManager(hw, hw, &frames, DefaultLayout())
	if err := vm.Init(&hal.BootInfo{MemoryMap: testMemoryMap, KernelPhysBase: 0x100000, KernelVirtBase: testKernelVirtBase, DirectMapBase: DefaultDirectMapBase}); err != nil {
		t.Fatal(err)
	}

	for _, exp := range []string{
		"[vmm] kernel image: phys 0x100000 virt 0xffffffff80000000 size 1024Kb\n",
		"[vmm] direct map at 0xffff800000000000 (4096Kb), kernel heap at 0xffffffffbffff000 (1048576Kb)\n",
	} {
		if !strings.Contains(buf.String(), exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, buf.String())
		}
	}
}

var errTestOutOfMemory = &kernel.Error{Module: "test", Message: "out of memory"}

// failingAllocator hands out frames from the top of a 4M machine and fails
// after failAfter successful allocations.
type failingAllocator struct {
	failAfter int
	allocated int
	freed     []mm.Frame
}

func (a *failingAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return a.AllocFrames(1)
}

func (a *failingAllocator) AllocFrames(count uintptr) (mm.Frame, *kernel.Error) {
	if a.allocated >= a.failAfter {
		return mm.InvalidFrame, errTestOutOfMemory
	}
	a.allocated++
	return mm.Frame(0x3ef - a.allocated), nil
}

func (a *failingAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	a.freed = append(a.freed, frame)
	return nil
}

func (a *failingAllocator) FreeFrames(first mm.Frame, count uintptr) *kernel.Error {
	for ; count > 0; count, first = count-1, first+1 {
		a.freed = append(a.freed, first)
	}
	return nil
}

func TestMapPageIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ks := env.vm.KernelSpace()
	flags := FlagPresent | FlagRW | FlagNoExecute

	if err := env.vm.MapPage(ks, 0x300000, 0x7f0000000000, flags); err != nil {
		t.Fatal(err)
	}
	freeAfterFirst := env.frames.FreeCount()

	if err := env.vm.MapPage(ks, 0x300000, 0x7f0000000000, flags); err != nil {
		t.Fatal(err)
	}

	if exp, got := freeAfterFirst, env.frames.FreeCount(); got != exp {
		t.Fatalf("expected second map call not to allocate tables; free count went from %d to %d", exp, got)
	}

	frame, gotFlags, err := env.vm.Lookup(ks, 0x7f0000000000)
	if err != nil {
		t.Fatal(err)
	}
	if frame != mm.FrameFromAddress(0x300000) || gotFlags != flags {
		t.Fatalf("expected mapping to be unchanged; got frame %d flags 0x%x", frame, gotFlags)
	}
}
