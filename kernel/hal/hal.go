// Package hal describes the platform services the kernel consumes from boot
// hand-off and interrupt controller discovery.
package hal

import "taskos/kernel/mm"

// BootInfo captures the information handed over by the boot loader.
type BootInfo struct {
	// MemoryMap lists the physical memory regions of the machine.
	MemoryMap []mm.Region

	// KernelPhysBase and KernelVirtBase are the physical and virtual
	// load addresses of the kernel image.
	KernelPhysBase uintptr
	KernelVirtBase uintptr

	// KernelSize is the size of the kernel image. If zero, the size of
	// the RegionKernelAndModules entry of the memory map is used.
	KernelSize uintptr

	// DirectMapBase is the virtual offset at which all physical memory
	// is linearly visible.
	DirectMapBase uintptr
}

// KernelImageSize returns the size of the loaded kernel image.
func (b *BootInfo) KernelImageSize() uintptr {
	if b.KernelSize != 0 {
		return b.KernelSize
	}

	for _, region := range b.MemoryMap {
		if region.Kind == mm.RegionKernelAndModules {
			return region.Length
		}
	}
	return 0
}

// PhysicalLimit returns the first address past the highest region of the
// memory map.
func (b *BootInfo) PhysicalLimit() uintptr {
	var limit uintptr
	for _, region := range b.MemoryMap {
		if end := region.End(); end > limit {
			limit = end
		}
	}
	return limit
}

// Platform exposes the timer and interrupt controller operations used by the
// scheduler. Timer operations apply to the executing core.
type Platform interface {
	// ConfigureTimer selects the vector raised when the one-shot timer
	// expires.
	ConfigureTimer(vector uint8)

	// ArmTimer arms the one-shot timer to fire after the given number of
	// microseconds.
	ArmTimer(microseconds uint64)

	// StopTimer disarms the timer and acknowledges a pending expiry.
	StopTimer()

	// EOI signals end-of-interrupt for vector to the interrupt
	// controller.
	EOI(vector uint8)
}
