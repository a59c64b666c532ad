package kvm

// CreateIRQChip creates the in-kernel interrupt controllers. The snapshot's
// apic_base only makes sense with an in-kernel local APIC.
func CreateIRQChip(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmCreateIRQChip), 0)

	return err
}
