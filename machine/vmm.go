package machine

import (
	"fmt"
	"os"

	"github.com/vlah02/miniHypervisor/kvm"
)

// DefaultKVMPath is where Linux exposes the KVM control device.
const DefaultKVMPath = "/dev/kvm"

// VMM is the process-wide handle on the host virtualization facility.
// It is opened once at startup, shared read-only by every guest, and
// caches the size of the per-vCPU shared region.
type VMM struct {
	dev      *os.File
	mmapSize int
}

// OpenVMM opens the KVM control device, verifies the API version, and
// caches the per-vCPU shared-region size.
func OpenVMM(path string) (*VMM, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrHostUnavailable, path, err)
	}

	version, err := kvm.GetAPIVersion(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("%w: KVM_GET_API_VERSION: %v", ErrHostProtocol, err)
	}

	if version != kvm.APIVersion {
		dev.Close()

		return nil, fmt.Errorf("%w: got %d, want %d", kvm.ErrAPIVersion, version, kvm.APIVersion)
	}

	mmapSize, err := kvm.GetVCPUMMapSize(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, fmt.Errorf("%w: KVM_GET_VCPU_MMAP_SIZE: %v", ErrHostProtocol, err)
	}

	return &VMM{dev: dev, mmapSize: int(mmapSize)}, nil
}

// Fd returns the control fd on the KVM device.
func (v *VMM) Fd() uintptr {
	return v.dev.Fd()
}

// VCPUMMapSize returns the cached size of the per-vCPU shared region.
func (v *VMM) VCPUMMapSize() int {
	return v.mmapSize
}

// Close releases the control handle. Guests created from this VMM
// keep their own fds and are unaffected.
func (v *VMM) Close() error {
	return v.dev.Close()
}
