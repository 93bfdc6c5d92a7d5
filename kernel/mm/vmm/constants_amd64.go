package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// entriesPerTable is the number of entries in each page table.
	entriesPerTable = 1 << 9

	// userSpaceEnd is the first address past the lower canonical half.
	// Root table entries below rootKernelIndex are private to each
	// address space while the ones above are shared with the kernel.
	userSpaceEnd    = uintptr(1) << 47
	rootKernelIndex = entriesPerTable / 2

	// patValue programs the page attribute table so that index 6
	// (PAT=1, PCD=1, PWT=0) selects write-combining:
	// 0: WB  1: WT  2: UC-  3: UC  4: WB  5: WT  6: WC  7: WP
	patValue = uint64(6) | uint64(4)<<8 | uint64(7)<<16 | uint64(0)<<24 |
		uint64(6)<<32 | uint64(4)<<40 | uint64(1)<<48 | uint64(5)<<56
)

var (
	// pageLevelBits defines the number of virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which amounts to
	// 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table component
	// of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set in intermediate entries that map 2M or 1G pages
	// directly. Huge pages are not supported.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)

const (
	// FlagPAT shares its bit with FlagHugePage; in leaf entries it selects
	// the upper half of the page attribute table.
	FlagPAT = FlagHugePage

	// FlagWriteCombining selects PAT index 6 which patValue programs as
	// write-combining.
	FlagWriteCombining = FlagPAT | FlagDoNotCache
)
