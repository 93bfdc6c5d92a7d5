package mm

import (
	"math"

	"taskos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Unaligned addresses are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address.
// Unaligned addresses are rounded down.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator hands out and reclaims physical frames. Allocation
// failures are reported as errors; the caller decides whether they are
// fatal.
type FrameAllocator interface {
	// AllocFrame reserves a single frame.
	AllocFrame() (Frame, *kernel.Error)

	// AllocFrames reserves count physically contiguous frames and
	// returns the first one.
	AllocFrames(count uintptr) (Frame, *kernel.Error)

	// FreeFrame releases a frame previously returned by the allocator.
	FreeFrame(Frame) *kernel.Error

	// FreeFrames releases count contiguous frames starting at first.
	FreeFrames(first Frame, count uintptr) *kernel.Error
}
