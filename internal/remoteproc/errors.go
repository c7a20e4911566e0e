// Package remoteproc implements the cross-process memory manager and
// module enumerator collaborators the Mapper depends on. WindowsProcess is
// the real, build-tagged implementation backed by golang.org/x/sys/windows;
// FakeProcess is a []byte-backed test double used by the mapper package's
// tests so the core engine's scenarios run on any host OS.
package remoteproc
