package mm

// RegionKind classifies an entry of the boot memory map.
type RegionKind uint8

// The region kinds reported by the boot loader.
const (
	RegionUsable RegionKind = iota
	RegionReserved
	RegionACPIReclaimable
	RegionACPINVS
	RegionBadMemory
	RegionBootloaderReclaimable
	RegionKernelAndModules
	RegionFramebuffer
)

var regionKindNames = [...]string{
	RegionUsable:                "Usable",
	RegionReserved:              "Reserved",
	RegionACPIReclaimable:       "ACPI Reclaimable",
	RegionACPINVS:               "ACPI NVS",
	RegionBadMemory:             "Bad Memory",
	RegionBootloaderReclaimable: "Bootloader Reclaimable",
	RegionKernelAndModules:      "Kernel and Modules",
	RegionFramebuffer:           "Framebuffer",
}

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	if int(k) < len(regionKindNames) {
		return regionKindNames[k]
	}
	return "Unknown"
}

// Region is a single entry of the physical memory map.
type Region struct {
	Base   uintptr
	Length uintptr
	Kind   RegionKind
}

// End returns the first address past the region.
func (r Region) End() uintptr {
	return r.Base + r.Length
}

// Frames returns the range [first, end) of whole frames inside the region.
// Partial pages at either end are excluded.
func (r Region) Frames() (first, end Frame) {
	first = FrameFromAddress(PageAlign(r.Base))
	end = FrameFromAddress(r.End())
	if end < first {
		end = first
	}
	return first, end
}
