package bootinfo

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/bitutil"
)

// Builder assembles a bootinfo container in place inside a caller-provided
// buffer. It never allocates: every reserved payload is a window directly
// into the buffer, mirroring the Rust original's Out<'a, [u8]> builder.
type Builder struct {
	buf []byte
	off uintptr
}

// NewBuilder wraps buf for writing. buf must be at least itemHeaderSize
// bytes long and start at an 8-byte-aligned address.
func NewBuilder(buf []byte) (*Builder, *kernel.Error) {
	if len(buf) == 0 || addrOf(buf)%itemAlign != 0 {
		return nil, errBadAlign
	}
	if len(buf) < itemHeaderSize {
		return nil, errBadSize
	}

	return &Builder{buf: buf, off: itemHeaderSize}, nil
}

// reserve carves out space for count contiguous values of size elemSize and
// alignment elemAlign, writes the item header in place, and returns the
// payload as a raw byte window the caller must initialize before the next
// reserve/append call.
func (b *Builder) reserve(kind Kind, elemSize, elemAlign uintptr, count int) ([]byte, *kernel.Error) {
	if elemAlign > itemAlign {
		return nil, errBadAlign
	}

	size, overflow := mulOverflows(elemSize, uintptr(count))
	if overflow {
		return nil, errBadSize
	}

	off := bitutil.AlignUp(b.off, itemAlign)
	total, overflow := addOverflows(off, itemHeaderSize)
	if overflow {
		return nil, errBadSize
	}
	total, overflow = addOverflows(total, size)
	if overflow {
		return nil, errBadSize
	}
	if total > uintptr(len(b.buf)) {
		return nil, errBadSize
	}

	hdr := (*itemHeader)(unsafe.Pointer(&b.buf[off]))
	hdr.kind = kind
	hdr.payloadLen = uint32(size)

	b.off = total
	payloadOff := off + itemHeaderSize
	return b.buf[payloadOff : payloadOff+size], nil
}

// Append writes a single value of kind into the container.
func Append[T any](b *Builder, kind Kind, val T) *kernel.Error {
	payload, err := b.reserve(kind, unsafe.Sizeof(val), unsafe.Alignof(val), 1)
	if err != nil {
		return err
	}
	*(*T)(unsafe.Pointer(&payload[0])) = val
	return nil
}

// AppendSlice writes a contiguous array of values of kind into the container.
func AppendSlice[T any](b *Builder, kind Kind, vals []T) *kernel.Error {
	if len(vals) == 0 {
		_, err := b.reserve(kind, 0, 1, 0)
		return err
	}

	var zero T
	payload, err := b.reserve(kind, unsafe.Sizeof(zero), unsafe.Alignof(zero), len(vals))
	if err != nil {
		return err
	}

	dst := sliceValues[T](&payload[0], len(vals))
	copy(dst, vals)
	return nil
}

// Finish backfills the root container header and returns the fully written
// prefix of the buffer (len == final write offset).
func (b *Builder) Finish() []byte {
	root := (*itemHeader)(unsafe.Pointer(&b.buf[0]))
	root.kind = KindContainer
	root.payloadLen = uint32(b.off)
	return b.buf[:b.off]
}

func mulOverflows(a, b uintptr) (uintptr, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	r := a * b
	return r, r/a != b
}

func addOverflows(a, b uintptr) (uintptr, bool) {
	r := a + b
	return r, r < a
}

func sliceValues[T any](first *byte, n int) []T {
	return unsafe.Slice((*T)(unsafe.Pointer(first)), n)
}
