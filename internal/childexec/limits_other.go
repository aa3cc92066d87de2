//go:build !unix

package childexec

// applyAddressSpaceLimit is a no-op on platforms without rlimits; the Go
// soft memory limit still applies.
func applyAddressSpaceLimit(maxMemoryMB int) error {
	return nil
}
