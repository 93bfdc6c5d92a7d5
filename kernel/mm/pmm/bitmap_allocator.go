// Package pmm implements the physical frame allocator.
package pmm

import (
	"unsafe"

	"taskos/kernel"
	"taskos/kernel/kfmt"
	"taskos/kernel/mm"
	"taskos/kernel/sync"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame is already free"}
	errBitmapAllocNoUsableMemory  = &kernel.Error{Module: "pmm", Message: "no usable region can hold the allocator bitmap"}
)

// BitmapAllocator tracks the state of every physical frame below the end of
// the highest usable region with one bit per frame; a set bit marks a used
// frame. The bitmap itself lives in the first usable region large enough to
// hold it and its frames are permanently reserved.
type BitmapAllocator struct {
	lock sync.Spinlock

	// bitmap overlays the reserved bitmap frames.
	bitmap []uint64

	// frameCount is the number of frames covered by the bitmap.
	frameCount uintptr

	// cursor is the frame index where the next allocation scan starts.
	cursor uintptr

	// bitmapStart and bitmapFrames describe the frames reserved for
	// the bitmap.
	bitmapStart  mm.Frame
	bitmapFrames uintptr

	// totalFrames counts the usable frames handed to the allocator and
	// usedFrames those currently reserved, bitmap storage included.
	totalFrames uintptr
	usedFrames  uintptr
}

// Init sets up the allocator from the boot memory map. Frames outside
// usable regions are permanently marked as used.
func (alloc *BitmapAllocator) Init(mem mm.PhysicalMemory, regions []mm.Region) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var highestFrame mm.Frame
	for _, region := range regions {
		if region.Kind != mm.RegionUsable {
			continue
		}
		if _, end := region.Frames(); end > highestFrame {
			highestFrame = end
		}
	}

	alloc.frameCount = uintptr(highestFrame)
	bitmapWords := (alloc.frameCount + 63) >> 6
	bitmapBytes := bitmapWords << 3
	alloc.bitmapFrames = mm.Size(bitmapBytes).Pages()

	alloc.bitmapStart = mm.InvalidFrame
	for _, region := range regions {
		if region.Kind != mm.RegionUsable {
			continue
		}
		first, end := region.Frames()
		if uintptr(end-first) >= alloc.bitmapFrames && !overlapsReserved(regions, first, first+mm.Frame(alloc.bitmapFrames)) {
			alloc.bitmapStart = first
			break
		}
	}
	if !alloc.bitmapStart.Valid() || alloc.frameCount == 0 {
		return errBitmapAllocNoUsableMemory
	}

	alloc.bitmap = unsafe.Slice((*uint64)(unsafe.Pointer(mem.Access(alloc.bitmapStart.Address()))), bitmapWords)
	for i := range alloc.bitmap {
		alloc.bitmap[i] = ^uint64(0)
	}

	alloc.totalFrames, alloc.usedFrames, alloc.cursor = 0, 0, 0
	for _, region := range regions {
		if region.Kind != mm.RegionUsable {
			continue
		}

		first, end := region.Frames()
		for frame := first; frame < end; frame++ {
			if !alloc.isUsed(uintptr(frame)) {
				// overlapping usable regions
				continue
			}
			alloc.clear(uintptr(frame))
			alloc.totalFrames++
		}
	}

	// Firmware maps may list a reserved range inside a usable one.
	for _, region := range regions {
		if region.Kind == mm.RegionUsable {
			continue
		}

		first, end := coveredFrames(region)
		for frame := first; frame < end && uintptr(frame) < alloc.frameCount; frame++ {
			if alloc.isUsed(uintptr(frame)) {
				continue
			}
			alloc.set(uintptr(frame))
			alloc.totalFrames--
		}
	}

	for i := uintptr(0); i < alloc.bitmapFrames; i++ {
		alloc.set(uintptr(alloc.bitmapStart) + i)
		alloc.usedFrames++
	}

	alloc.printStats()
	return nil
}

// overlapsReserved reports whether any frame in [first, end) belongs to a
// non-usable region.
func overlapsReserved(regions []mm.Region, first, end mm.Frame) bool {
	for _, region := range regions {
		if region.Kind == mm.RegionUsable {
			continue
		}
		if rFirst, rEnd := coveredFrames(region); rFirst < end && first < rEnd {
			return true
		}
	}
	return false
}

// coveredFrames returns every frame that a non-usable region touches, including
// partially covered frames at either end.
func coveredFrames(region mm.Region) (first, end mm.Frame) {
	return mm.FrameFromAddress(region.Base), mm.FrameFromAddress(mm.PageAlign(region.End()))
}

// AllocFrame reserves a single frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrames(1)
}

// AllocFrames reserves count physically contiguous frames using a first-fit
// scan that starts at the last allocation and wraps around once.
func (alloc *BitmapAllocator) AllocFrames(count uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	first, found := alloc.findFree(alloc.cursor, alloc.frameCount, count)
	if !found {
		first, found = alloc.findFree(0, alloc.cursor, count)
	}
	if !found {
		return mm.InvalidFrame, errBitmapAllocOutOfMemory
	}

	for index := first; index < first+count; index++ {
		alloc.set(index)
	}
	alloc.usedFrames += count
	alloc.cursor = first + count

	return mm.Frame(first), nil
}

// findFree returns the first run of count free frames that starts in
// [from, to). The run itself may extend past to.
func (alloc *BitmapAllocator) findFree(from, to, count uintptr) (uintptr, bool) {
	var runLen uintptr

	for index := from; index < alloc.frameCount; index++ {
		if runLen == 0 {
			if index >= to {
				break
			}

			// skip fully used words
			if index&63 == 0 && alloc.bitmap[index>>6] == ^uint64(0) {
				index += 63
				continue
			}
		}

		if alloc.isUsed(index) {
			runLen = 0
			continue
		}

		if runLen++; runLen == count {
			return index + 1 - count, true
		}
	}

	return 0, false
}

// FreeFrame releases a frame. Freeing a frame below the scan cursor moves
// the cursor back so that low frames are reused first.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.FreeFrames(frame, 1)
}

// FreeFrames releases count contiguous frames starting at first. The call
// fails without modifying any state if a frame is not managed by the
// allocator or is already free.
func (alloc *BitmapAllocator) FreeFrames(first mm.Frame, count uintptr) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	start := uintptr(first)
	if !first.Valid() || start+count > alloc.frameCount || start+count < start {
		return errBitmapAllocFrameNotManaged
	}

	for index := start; index < start+count; index++ {
		if !alloc.isUsed(index) {
			return errBitmapAllocDoubleFree
		}
		if index >= uintptr(alloc.bitmapStart) && index < uintptr(alloc.bitmapStart)+alloc.bitmapFrames {
			return errBitmapAllocFrameNotManaged
		}
	}

	for index := start; index < start+count; index++ {
		alloc.clear(index)
	}
	alloc.usedFrames -= count

	if start < alloc.cursor {
		alloc.cursor = start
	}

	return nil
}

// TotalFrames returns the number of usable frames managed by the allocator.
func (alloc *BitmapAllocator) TotalFrames() uintptr {
	return alloc.totalFrames
}

// FreeCount returns the number of frames currently available.
func (alloc *BitmapAllocator) FreeCount() uintptr {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalFrames - alloc.usedFrames
}

func (alloc *BitmapAllocator) isUsed(index uintptr) bool {
	return alloc.bitmap[index>>6]&(1<<(index&63)) != 0
}

func (alloc *BitmapAllocator) set(index uintptr) {
	alloc.bitmap[index>>6] |= 1 << (index & 63)
}

func (alloc *BitmapAllocator) clear(index uintptr) {
	alloc.bitmap[index>>6] &^= 1 << (index & 63)
}

func (alloc *BitmapAllocator) printStats() {
	kfmt.Printf(
		"[pmm] bitmap: %d frames at 0x%x, tracking %d frames\n",
		alloc.bitmapFrames, alloc.bitmapStart.Address(), alloc.frameCount,
	)
	kfmt.Printf(
		"[pmm] available memory: %dKb (%d free frames)\n",
		(alloc.totalFrames-alloc.usedFrames)*mm.PageSize/uintptr(mm.Kb),
		alloc.totalFrames-alloc.usedFrames,
	)
}

// PrintMemoryMap prints the boot memory map to the console.
func PrintMemoryMap(regions []mm.Region) {
	var total uint64

	kfmt.Printf("[pmm] system memory map:\n")
	w := kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[pmm]     ")}
	for _, region := range regions {
		kfmt.Fprintf(&w, "[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Base, region.End(), region.Length, region.Kind.String())
		if region.Kind == mm.RegionUsable {
			total += uint64(region.Length)
		}
	}
	kfmt.Printf("[pmm] usable memory: %dKb\n", total/uint64(mm.Kb))
}
