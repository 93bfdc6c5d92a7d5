package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages needed to hold a block of this size.
func (s Size) Pages() uintptr {
	return (uintptr(s) + PageSize - 1) >> PageShift
}

// PageAlign rounds addr up to the next page boundary.
func PageAlign(addr uintptr) uintptr {
	return (addr + PageSize - 1) &^ (PageSize - 1)
}
