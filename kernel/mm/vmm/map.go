package vmm

import (
	"taskos/kernel"
	"taskos/kernel/mm"
)

// MapPage establishes a mapping between a virtual page and a physical frame
// in the supplied address space. Missing intermediate tables are allocated
// and cleared along the way. If the leaf entry was already in use, the
// previous translation is flushed from the TLB of the executing core.
func (m *Manager) MapPage(as *AddressSpace, physAddr, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	return m.mapLocked(as.root, mm.FrameFromAddress(physAddr), mm.PageFromAddress(virtAddr), flags)
}

// MapPages maps the physically contiguous region [physAddr, physAddr+size)
// at virtAddr using the same flags for every page. The size argument is
// rounded up to a whole number of pages.
func (m *Manager) MapPages(as *AddressSpace, physAddr, virtAddr, size uintptr, flags PageTableEntryFlag) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	var (
		frame     = mm.FrameFromAddress(physAddr)
		page      = mm.PageFromAddress(virtAddr)
		pageCount = mm.Size(size).Pages()
	)

	for ; pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := m.mapLocked(as.root, frame, page, flags); err != nil {
			return err
		}
	}

	return nil
}

// mapLocked installs a leaf entry for page. Callers must hold m.lock.
func (m *Manager) mapLocked(root mm.Frame, frame mm.Frame, page mm.Page, flags PageTableEntryFlag) *kernel.Error {
	var (
		err       *kernel.Error
		pageAddr  = page.Address()
		nextFlags = FlagPresent | FlagRW
	)

	// Tables covering the lower half must let user-mode accesses through;
	// the leaf entry decides whether the page itself is user accessible.
	if pageAddr < userSpaceEnd {
		nextFlags |= FlagUserAccessible
	}

	m.walk(root, pageAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			replaced := *pte != 0
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			if replaced {
				m.hw.FlushTLBEntry(pageAddr)
			}
			return true
		}

		if pte.HasFlags(FlagPresent) {
			if pte.HasFlags(FlagHugePage) {
				err = errNoHugePageSupport
				return false
			}
			return true
		}

		var table mm.Frame
		if table, err = m.allocTable(); err != nil {
			return false
		}

		*pte = 0
		pte.SetFrame(table)
		pte.SetFlags(nextFlags)
		return true
	})

	return err
}

// Unmap removes the mapping for the page containing virtAddr and flushes it
// from the TLB of the executing core. The frame backing the page is not
// released.
func (m *Manager) Unmap(as *AddressSpace, virtAddr uintptr) *kernel.Error {
	m.lock.Acquire()
	defer m.lock.Release()

	var (
		err      = ErrInvalidMapping
		pageAddr = mm.PageFromAddress(virtAddr).Address()
	)

	m.walk(as.root, pageAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			*pte = 0
			m.hw.FlushTLBEntry(pageAddr)
			err = nil
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Lookup returns the frame and flags installed in the leaf entry for
// virtAddr or ErrInvalidMapping if the page is not mapped.
func (m *Manager) Lookup(as *AddressSpace, virtAddr uintptr) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	leaf, err := m.leafEntry(as.root, virtAddr)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	return leaf.Frame(), leaf.Flags(), nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Manager) Translate(as *AddressSpace, virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, _, err := m.Lookup(as, virtAddr)
	if err != nil {
		return 0, err
	}

	return frame.Address() + PageOffset(virtAddr), nil
}

// leafEntry returns a copy of the present leaf entry for virtAddr. Callers
// must hold m.lock.
func (m *Manager) leafEntry(root mm.Frame, virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		leaf pageTableEntry
		err  = ErrInvalidMapping
	)

	m.walk(root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 {
			leaf, err = *pte, nil
		}
		return true
	})

	return leaf, err
}
