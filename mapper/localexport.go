package mapper

// LocalExportResolver resolves the RVA of a named export within a DLL file
// without running any of its code: load it locally without resolving its
// own dependencies, look up the export's address, and subtract the local
// load address to recover an RVA the Mapper can add to the image's remote
// base. This is how the optional "call an arbitrary export after mapping"
// feature works without needing to walk the just-mapped image's own
// export directory a second time in the target process.
//
// Its accuracy has a known limit: an export whose real address can only
// be computed once the DLL's imports are resolved (rare, but possible for
// a forwarder or a thunk generated at load time) will not match what this
// resolver reports, since the local load skips dependency resolution.
type LocalExportResolver interface {
	ResolveExportRVA(path, export string) (uint32, error)
}
