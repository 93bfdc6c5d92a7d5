package sim

import (
	"unsafe"

	"taskos/kernel"
	"taskos/kernel/mm"
	"taskos/kernel/mm/vmm"
)

// DefaultImageBase is the address flat user images are loaded at.
const DefaultImageBase = uintptr(0x400000)

var errEmptyImage = &kernel.Error{Module: "sim", Message: "executable image is empty"}

// FlatLoader loads raw executable images at a fixed user address. The
// image is copied into freshly allocated frames that are mapped read-only
// and executable; the entry point is the first byte of the image.
type FlatLoader struct {
	Base uintptr
}

// Load implements sched.ImageLoader.
func (l FlatLoader) Load(vm *vmm.Manager, space *vmm.AddressSpace, image []byte) (uintptr, *kernel.Error) {
	if len(image) == 0 {
		return 0, errEmptyImage
	}

	var (
		frames = vm.Frames()
		mem    = vm.PhysicalMemory()
		size   = uintptr(len(image))
	)

	for offset := uintptr(0); offset < size; offset += mm.PageSize {
		frame, err := frames.AllocFrame()
		if err != nil {
			return 0, err
		}

		dst := mem.Access(frame.Address())
		kernel.Memset(dst, 0, mm.PageSize)

		chunk := image[offset:]
		if uintptr(len(chunk)) > mm.PageSize {
			chunk = chunk[:mm.PageSize]
		}
		kernel.Memcopy(uintptr(unsafe.Pointer(&chunk[0])), dst, uintptr(len(chunk)))

		if err = vm.MapPage(space, frame.Address(), l.Base+offset, vmm.FlagPresent|vmm.FlagUserAccessible); err != nil {
			_ = frames.FreeFrame(frame)
			return 0, err
		}
	}

	return l.Base, nil
}
