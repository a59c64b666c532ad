// Package kvm is a thin binding of the x86-64 KVM ioctl ABI.
package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetMSRIndexList     = 0x02
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60

	kvmRun        = 0x80
	kvmGetRegs    = 0x81
	kvmSetRegs    = 0x82
	kvmGetSregs   = 0x83
	kvmSetSregs   = 0x84
	kvmTranslate  = 0x85
	kvmGetMSRS    = 0x88
	kvmSetMSRS    = 0x89
	kvmGetFPU     = 0x8c
	kvmSetFPU     = 0x8d
	kvmSetCPUID2  = 0x90
	kvmGuestDebug = 0x9b

	kvmGetDebugRegs = 0xA1
	kvmSetDebugRegs = 0xA2
	kvmGetXCRS      = 0xA6
	kvmSetXCRS      = 0xA7

	numInterrupts = 0x100

	// TSSAddr and IdentityMapAddr sit in the MMIO hole, out of guest RAM.
	TSSAddr         = 0xfffbd000
	IdentityMapAddr = 0xfffbc000
)

// RunData is the head of the mmap'ed kvm_run structure.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	_                          [2]uint8
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// Debug decodes a KVM_EXIT_DEBUG exit: the exception vector and the guest
// pc it was raised at.
func (r *RunData) Debug() (uint32, uint64) {
	return uint32(r.Data[0]), r.Data[1]
}

// InternalError returns the suberror of a KVM_EXIT_INTERNAL_ERROR exit.
func (r *RunData) InternalError() uint32 {
	return uint32(r.Data[0])
}

// FailEntry returns the hardware reason of a KVM_EXIT_FAIL_ENTRY exit.
func (r *RunData) FailEntry() uint64 {
	return r.Data[0]
}

func GetAPIVersion(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)
}

func CreateVM(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmCreateVM), 0)
}

func CreateVCPU(vmFd uintptr, vcpuID int) (uintptr, error) {
	return Ioctl(vmFd, IIO(kvmCreateVCPU), uintptr(vcpuID))
}

// Run enters the guest once. Unlike Ioctl it does not retry on EINTR: a
// signal is how another goroutine kicks the vcpu out of the guest.
func Run(vcpuFd uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpuFd, IIO(kvmRun), 0)
	if errno != 0 {
		return errno
	}

	return nil
}

func GetVCPUMMmapSize(kvmFd uintptr) (uintptr, error) {
	return Ioctl(kvmFd, IIO(kvmGetVCPUMMapSize), 0)
}

// CheckExtension returns the value KVM reports for a capability, 0 when
// unsupported.
func CheckExtension(kvmFd uintptr, c Capability) (int, error) {
	ret, err := Ioctl(kvmFd, IIO(kvmCheckExtension), uintptr(c))

	return int(ret), err
}

func SetTSSAddr(vmFd uintptr) error {
	_, err := Ioctl(vmFd, IIO(kvmSetTSSAddr), TSSAddr)

	return err
}

func SetIdentityMapAddr(vmFd uintptr) error {
	var mapAddr uint64 = IdentityMapAddr

	_, err := Ioctl(vmFd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&mapAddr)))

	return err
}
