package mapper

// Windows PAGE_* protection constants, duplicated here (rather than
// importing golang.org/x/sys/windows from this platform-independent
// package) since mapper must stay buildable on any host; remoteproc's
// Windows backend passes these same numeric values straight through to
// VirtualProtectEx.
const (
	pageNoAccess         = 0x01
	pageReadOnly         = 0x02
	pageReadWrite        = 0x04
	pageExecute          = 0x10
	pageExecuteRead      = 0x20
	pageExecuteReadWrite = 0x40
)

// protectForIndex maps the 4-bit (write, read, execute, shared) index
// produced by pe.ProtectionForCharacteristics to a concrete page
// protection, deciding each entry of the 16-entry characteristics-to-
// protection table from the index's bits (the low "shared" bit does
// not affect the protection choice, only whether the OS may share physical
// pages across mappings, which this engine does not model).
func protectForIndex(idx int) uint32 {
	write := idx&0x8 != 0
	read := idx&0x4 != 0
	exec := idx&0x2 != 0

	switch {
	case exec && write:
		return pageExecuteReadWrite
	case exec && read:
		return pageExecuteRead
	case exec:
		return pageExecute
	case write:
		return pageReadWrite
	case read:
		return pageReadOnly
	default:
		return pageNoAccess
	}
}
