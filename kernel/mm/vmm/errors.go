package vmm

import "ridgeos/kernel"

// Errors shared by the address-space tree and VM objects (§4.G/§4.H).
// errEntryExists, errHugePage and errOutOfMemory live in pt.go next to the
// walker that raises them.
var (
	errBadAddress      = &kernel.Error{Module: "vmm", Code: kernel.ErrBadAddress, Message: "address outside mapping bounds"}
	errInvalidState    = &kernel.Error{Module: "vmm", Code: kernel.ErrInvalidState, Message: "node is detached"}
	errInvalidArgument = &kernel.Error{Module: "vmm", Code: kernel.ErrInvalidArgument, Message: "invalid range for address space"}
	errNoPerms         = &kernel.Error{Module: "vmm", Code: kernel.ErrNoPerms, Message: "access type not granted by mapping protection"}
	errResourceOverlap = &kernel.Error{Module: "vmm", Code: kernel.ErrResourceOverlap, Message: "requested range overlaps an existing child"}
	errOutOfResources  = &kernel.Error{Module: "vmm", Code: kernel.ErrOutOfResources, Message: "no gap large enough for the requested range"}
)
