// Package vmm implements the address-space manager: construction and
// mutation of 4-level page tables and demand paging of the kernel windows.
package vmm

import (
	"taskos/kernel"
	"taskos/kernel/cpu"
	"taskos/kernel/hal"
	"taskos/kernel/kfmt"
	"taskos/kernel/mm"
	"taskos/kernel/sync"
)

const (
	// DefaultDirectMapBase is the virtual address where physical address 0
	// appears in the direct map.
	DefaultDirectMapBase = uintptr(0xffff800000000000)

	// DefaultHeapSize is the size of the demand-paged kernel heap window.
	DefaultHeapSize = uintptr(1 << 30)

	// DefaultHeapBase places the heap window right below the last page of
	// the address space.
	DefaultHeapBase = uintptr(0xfffffffffffff000) - DefaultHeapSize
)

var (
	errDestroyKernelSpace = &kernel.Error{Module: "vmm", Message: "the kernel address space cannot be destroyed"}
	errDestroyActiveSpace = &kernel.Error{Module: "vmm", Message: "cannot destroy the active address space"}
)

// Layout describes the kernel windows of the virtual address space.
type Layout struct {
	// DirectMapBase is the start of the direct map window and
	// DirectMapSize the amount of physical memory visible through it.
	DirectMapBase uintptr
	DirectMapSize uintptr

	// HeapBase is the start of the demand-paged kernel heap window and
	// HeapSize its length.
	HeapBase uintptr
	HeapSize uintptr
}

// DefaultLayout returns the standard kernel windows. The direct map size
// is filled in by Manager.Init from the boot memory map.
func DefaultLayout() Layout {
	return Layout{
		DirectMapBase: DefaultDirectMapBase,
		HeapBase:      DefaultHeapBase,
		HeapSize:      DefaultHeapSize,
	}
}

// InHeap returns true if virtAddr lies within the kernel heap window.
func (l Layout) InHeap(virtAddr uintptr) bool {
	return virtAddr >= l.HeapBase && virtAddr-l.HeapBase < l.HeapSize
}

// InDirectMap returns true if virtAddr lies within the direct map window.
func (l Layout) InDirectMap(virtAddr uintptr) bool {
	return virtAddr >= l.DirectMapBase && virtAddr-l.DirectMapBase < l.DirectMapSize
}

// DirectMap returns the direct map address of physAddr.
func (l Layout) DirectMap(physAddr uintptr) uintptr {
	return l.DirectMapBase + physAddr
}

// Manager owns the kernel address space and serializes all page table
// mutations, across every address space, behind a single lock.
type Manager struct {
	lock sync.Spinlock

	hw     cpu.Hardware
	mem    mm.PhysicalMemory
	frames mm.FrameAllocator
	layout Layout

	kernelSpace AddressSpace
}

// NewManager returns a Manager that allocates page tables from frames and
// accesses them through mem.
func NewManager(hw cpu.Hardware, mem mm.PhysicalMemory, frames mm.FrameAllocator, layout Layout) *Manager {
	return &Manager{
		hw:     hw,
		mem:    mem,
		frames: frames,
		layout: layout,
	}
}

// Layout returns the kernel windows managed by m.
func (m *Manager) Layout() Layout {
	return m.layout
}

// Frames returns the allocator that backs page tables and demand-paged
// memory.
func (m *Manager) Frames() mm.FrameAllocator {
	return m.frames
}

// PhysicalMemory returns the accessor used to reach physical frames.
func (m *Manager) PhysicalMemory() mm.PhysicalMemory {
	return m.mem
}

// KernelSpace returns the address space shared by all kernel tasks.
func (m *Manager) KernelSpace() *AddressSpace {
	return &m.kernelSpace
}

// Init builds the kernel address space and activates it. Usable,
// bootloader-reclaimable and framebuffer regions are mapped into the
// direct map (the latter two also identity mapped) and the kernel image is
// mapped at its virtual base. The root entries that cover the kernel windows
// are populated up-front so that every address space created later shares
// the kernel's lower-level tables.
func (m *Manager) Init(boot *hal.BootInfo) *kernel.Error {
	m.layout.DirectMapBase = boot.DirectMapBase
	m.layout.DirectMapSize = mm.PageAlign(boot.PhysicalLimit())

	root, err := m.allocTable()
	if err != nil {
		return err
	}
	m.kernelSpace.root = root

	kernelSize := boot.KernelImageSize()
	windows := [...]struct{ start, size uintptr }{
		{m.layout.DirectMapBase, m.layout.DirectMapSize},
		{boot.KernelVirtBase, kernelSize},
		{m.layout.HeapBase, m.layout.HeapSize},
	}
	for _, window := range windows {
		if err = m.populateRootEntries(window.start, window.size); err != nil {
			return err
		}
	}

	for _, region := range boot.MemoryMap {
		flags := FlagPresent | FlagRW | FlagNoExecute

		switch region.Kind {
		case mm.RegionUsable:
		case mm.RegionBootloaderReclaimable:
			flags &^= FlagNoExecute
		case mm.RegionFramebuffer:
			flags |= FlagWriteCombining
		default:
			continue
		}

		if err = m.MapPages(&m.kernelSpace, region.Base, m.layout.DirectMap(region.Base), region.Length, flags); err != nil {
			return err
		}

		if region.Kind != mm.RegionUsable {
			if err = m.MapPages(&m.kernelSpace, region.Base, region.Base, region.Length, flags); err != nil {
				return err
			}
		}
	}

	kfmt.Printf("[vmm] kernel image: phys 0x%x virt 0x%16x size %dKb\n", boot.KernelPhysBase, boot.KernelVirtBase, kernelSize/uintptr(mm.Kb))
	if err = m.MapPages(&m.kernelSpace, boot.KernelPhysBase, boot.KernelVirtBase, kernelSize, FlagPresent|FlagRW); err != nil {
		return err
	}

	m.hw.WriteMSR(cpu.MSRPAT, patValue)
	m.Activate(&m.kernelSpace)

	kfmt.Printf("[vmm] direct map at 0x%16x (%dKb), kernel heap at 0x%16x (%dKb)\n",
		m.layout.DirectMapBase, m.layout.DirectMapSize/uintptr(mm.Kb),
		m.layout.HeapBase, m.layout.HeapSize/uintptr(mm.Kb),
	)
	return nil
}

// populateRootEntries installs empty next-level tables for every kernel
// root entry covering [start, start+size).
func (m *Manager) populateRootEntries(start, size uintptr) *kernel.Error {
	if size == 0 {
		return nil
	}

	shift := pageLevelShifts[0]
	first := (start >> shift) & (entriesPerTable - 1)
	last := ((start + size - 1) >> shift) & (entriesPerTable - 1)

	for index := first; index <= last; index++ {
		pte := m.entry(m.kernelSpace.root, index)
		if pte.HasFlags(FlagPresent) {
			continue
		}

		table, err := m.allocTable()
		if err != nil {
			return err
		}

		*pte = 0
		pte.SetFrame(table)
		pte.SetFlags(FlagPresent | FlagRW)
	}

	return nil
}

// allocTable allocates and clears a frame for a page table.
func (m *Manager) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	kernel.Memset(m.mem.Access(frame.Address()), 0, mm.PageSize)
	return frame, nil
}
