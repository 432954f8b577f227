// Package bootinfo implements the TLV-style binary container that the UEFI
// loader uses to hand the physical memory map, framebuffer descriptor,
// firmware table pointer and command line to the kernel.
//
// The layout follows §3/§4.B of the design: an 8-byte-aligned buffer whose
// first 8 bytes are the root header {kind=Container, payload_len}, followed
// by items packed back-to-back and padded to 8-byte boundaries. It is
// grounded on the teacher's multiboot tag reader
// (kernel/hal/multiboot/multiboot.go: findTagByType/VisitMemRegions) for the
// scan-forward-by-header-size idiom, generalized to the richer TLV format
// described by original_source/kernel/bootinfo.
package bootinfo

import (
	"reflect"
	"unsafe"

	"ridgeos/kernel"
)

// Kind identifies the payload carried by a bootinfo item.
type Kind uint32

// nolint
const (
	KindContainer     Kind = 0xb007b081
	KindMemoryMap     Kind = 1
	KindEFISystemTable Kind = 2
	KindFramebuffer   Kind = 3
	KindCommandLine   Kind = 4
)

// itemAlign is the alignment boundary for the root header and every item
// within the container.
const itemAlign = 8

// itemHeaderSize is sizeof(ItemHeader) = {kind:u32, payload_len:u32}.
const itemHeaderSize = 8

// itemHeader is the 8-byte header that precedes every item (and the root
// container itself).
type itemHeader struct {
	kind       Kind
	payloadLen uint32
}

// MemoryKind classifies a physical memory range reported in the memory map.
type MemoryKind uint32

// nolint
const (
	MemReserved        MemoryKind = 0
	MemUsable          MemoryKind = 1
	MemFirmwareBoot    MemoryKind = 2
	MemFirmwareRuntime MemoryKind = 3
	// MemFirmwareRunime is kept for wire compatibility with loaders built
	// against the source's documented misspelling (see §9 of the design).
	MemFirmwareRunime MemoryKind = 3
	MemACPITables      MemoryKind = 4
	MemUnusable        MemoryKind = 5
)

// MemoryRange describes one entry of the MEMORY_MAP item payload. Its layout
// is fixed at 24 bytes: two 8-byte fields plus a 4-byte kind, padded to 8.
type MemoryRange struct {
	StartPFN  uintptr
	PageCount uintptr
	Kind      MemoryKind
	_         uint32 // padding to keep the struct a multiple of 8 bytes
}

// PixelFormat identifies the channel order of a framebuffer.
type PixelFormat uint32

// nolint
const (
	PixelFormatRGB PixelFormat = 0
	PixelFormatBGR PixelFormat = 1
)

// Framebuffer describes the loader-initialized linear framebuffer, if any.
type Framebuffer struct {
	PAddr        uint64
	ByteSize     uint64
	PixelWidth   uint32
	PixelHeight  uint32
	PixelStride  uint32
	PixelFormat  PixelFormat
}

var (
	errBadAlign = &kernel.Error{Module: "bootinfo", Code: kernel.ErrBadAlign, Message: "buffer or payload is not 8-byte aligned"}
	errBadSize  = &kernel.Error{Module: "bootinfo", Code: kernel.ErrBadSize, Message: "buffer too small or payload size overflowed"}
)

func addrOf(buf []byte) uintptr {
	return uintptr(unsafe.Pointer(&buf[0]))
}

func sliceBytes(addr uintptr, size int) []byte {
	var out []byte
	hdr := (*reflect.SliceHeader)(unsafe.Pointer(&out))
	hdr.Data = addr
	hdr.Len = size
	hdr.Cap = size
	return out
}
