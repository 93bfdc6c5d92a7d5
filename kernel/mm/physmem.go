package mm

// PhysicalMemory gives kernel code access to the contents of physical
// frames. On hardware this is the direct map set up by the boot loader;
// hosted platforms back it with their own storage.
type PhysicalMemory interface {
	// Access returns an address through which the kernel can read and
	// write the byte at physAddr.
	Access(physAddr uintptr) uintptr
}

// LinearMapping is a PhysicalMemory that exposes all physical memory at a
// fixed virtual offset.
type LinearMapping uintptr

// Access implements PhysicalMemory.
func (m LinearMapping) Access(physAddr uintptr) uintptr {
	return uintptr(m) + physAddr
}
