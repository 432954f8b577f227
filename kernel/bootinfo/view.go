package bootinfo

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/bitutil"
)

// View is a read-only wrapper over a packed bootinfo buffer produced by a
// Builder (directly, or handed down from the loader across the boot
// handoff described in §6).
type View struct {
	buf []byte
}

// NewView validates alignment and wraps buf for reading.
func NewView(buf []byte) (View, *kernel.Error) {
	if len(buf) == 0 || addrOf(buf)%itemAlign != 0 {
		return View{}, errBadAlign
	}
	return View{buf: buf}, nil
}

// Item is a single decoded {kind, payload} pair.
type Item struct {
	Kind    Kind
	Payload []byte
}

// Items returns every item in the container in on-disk order. Malformed
// bootinfo (an item header claiming a payload that runs past the end of the
// buffer) is a fatal condition per §7: the loader is a trusted collaborator,
// so a malformed container means the handoff itself is broken and the
// iterator panics rather than returning a recoverable error.
func (v View) Items() []Item {
	var items []Item

	// The first header is the root container's; items start right after it.
	off := uintptr(itemHeaderSize)
	end := uintptr(len(v.buf))
	for off < end {
		if off+itemHeaderSize > end {
			panic("bootinfo: malformed item header runs past end of buffer")
		}

		hdr := (*itemHeader)(unsafe.Pointer(&v.buf[off]))
		payloadOff := off + itemHeaderSize
		payloadEnd := payloadOff + uintptr(hdr.payloadLen)
		if payloadEnd > end {
			panic("bootinfo: malformed item payload runs past end of buffer")
		}

		items = append(items, Item{Kind: hdr.kind, Payload: v.buf[payloadOff:payloadEnd]})
		off = bitutil.AlignUp(payloadEnd, itemAlign)
	}

	return items
}

// Get interprets it.Payload as a single value of type T, checking size and
// alignment. Accessors are trust-based: T must be a C-layout POD, same as
// the loader-side writer.
func Get[T any](it Item) (*T, *kernel.Error) {
	var zero T
	size := unsafe.Sizeof(zero)
	align := unsafe.Alignof(zero)

	if uintptr(len(it.Payload)) != size {
		return nil, errBadSize
	}
	if len(it.Payload) == 0 {
		return nil, errBadSize
	}
	if addrOf(it.Payload)%align != 0 {
		return nil, errBadAlign
	}

	return (*T)(unsafe.Pointer(&it.Payload[0])), nil
}

// Read behaves like Get but returns a copy of the value.
func Read[T any](it Item) (T, *kernel.Error) {
	var zero T
	ptr, err := Get[T](it)
	if err != nil {
		return zero, err
	}
	return *ptr, nil
}

// GetSlice interprets it.Payload as a packed array of T, checking that the
// payload length is an exact multiple of sizeof(T) and that the start is
// suitably aligned.
func GetSlice[T any](it Item) ([]T, *kernel.Error) {
	var zero T
	size := unsafe.Sizeof(zero)

	if size == 0 || uintptr(len(it.Payload))%size != 0 {
		return nil, errBadSize
	}
	if len(it.Payload) == 0 {
		return nil, nil
	}
	if addrOf(it.Payload)%unsafe.Alignof(zero) != 0 {
		return nil, errBadAlign
	}

	return unsafe.Slice((*T)(unsafe.Pointer(&it.Payload[0])), len(it.Payload)/int(size)), nil
}
