package vmm

import (
	"taskos/kernel"
	"taskos/kernel/mm"
)

// AddressSpace is a set of page tables identified by the physical frame of
// its root table.
type AddressSpace struct {
	root mm.Frame
}

// Root returns the frame that holds the root table of the address space.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// NewAddressSpace allocates an address space whose upper half is shared with
// the kernel address space. The lower half starts out empty.
func (m *Manager) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	m.lock.Acquire()
	defer m.lock.Release()

	root, err := m.allocTable()
	if err != nil {
		return nil, err
	}

	kernel.Memcopy(
		m.mem.Access(m.kernelSpace.root.Address()+(rootKernelIndex<<mm.PointerShift)),
		m.mem.Access(root.Address()+(rootKernelIndex<<mm.PointerShift)),
		(entriesPerTable-rootKernelIndex)<<mm.PointerShift,
	)

	return &AddressSpace{root: root}, nil
}

// Activate makes as the active address space of the executing core. Loading
// the same root again is skipped so that the TLB survives.
func (m *Manager) Activate(as *AddressSpace) {
	if m.hw.ActivePDT() == as.root.Address() {
		return
	}

	m.hw.SwitchPDT(as.root.Address())
}

// IsActive returns true if as is loaded on the executing core.
func (m *Manager) IsActive(as *AddressSpace) bool {
	return m.hw.ActivePDT() == as.root.Address()
}

// Destroy releases every frame owned by as: user accessible leaf pages,
// the tables of the lower half and the root table itself. The shared upper
// half is left untouched.
func (m *Manager) Destroy(as *AddressSpace) *kernel.Error {
	if as.root == m.kernelSpace.root {
		return errDestroyKernelSpace
	}

	if m.IsActive(as) {
		return errDestroyActiveSpace
	}

	m.lock.Acquire()
	defer m.lock.Release()

	if err := m.releaseTable(as.root, 0, rootKernelIndex); err != nil {
		return err
	}

	if err := m.frames.FreeFrame(as.root); err != nil {
		return err
	}

	as.root = mm.InvalidFrame
	return nil
}

// releaseTable frees the first count entries of table at the given level
// together with everything they point to. Callers must hold m.lock.
func (m *Manager) releaseTable(table mm.Frame, level uint8, count uintptr) *kernel.Error {
	for index := uintptr(0); index < count; index++ {
		pte := m.entry(table, index)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 {
			if pte.HasFlags(FlagUserAccessible) {
				if err := m.frames.FreeFrame(pte.Frame()); err != nil {
					return err
				}
			}
			*pte = 0
			continue
		}

		next := pte.Frame()
		if err := m.releaseTable(next, level+1, entriesPerTable); err != nil {
			return err
		}
		if err := m.frames.FreeFrame(next); err != nil {
			return err
		}
		*pte = 0
	}

	return nil
}
