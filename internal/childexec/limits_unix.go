//go:build unix

package childexec

import "syscall"

// applyAddressSpaceLimit caps the child's virtual address space so a
// memory blowup kills this process, never the scheduler.
func applyAddressSpaceLimit(maxMemoryMB int) error {
	limit := uint64(maxMemoryMB) << 20
	return syscall.Setrlimit(syscall.RLIMIT_AS, &syscall.Rlimit{Cur: limit, Max: limit})
}
