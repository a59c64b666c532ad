package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	nrbits   = 8
	typebits = 8
	sizebits = 14
	dirbits  = 2

	nrmask   = (1 << nrbits) - 1
	sizemask = (1 << sizebits) - 1
	dirmask  = (1 << dirbits) - 1

	none      = 0
	write     = 1
	read      = 2
	readwrite = 3

	nrshift   = 0
	typeshift = nrshift + nrbits
	sizeshift = typeshift + typebits
	dirshift  = sizeshift + sizebits
)

// KVMIO is the ioctl type of every KVM request.
const KVMIO = 0xAE

func IIOWR(nr, size uintptr) uintptr {
	return IIOC(readwrite, nr, size)
}

func IIOR(nr, size uintptr) uintptr {
	return IIOC(read, nr, size)
}

func IIOW(nr, size uintptr) uintptr {
	return IIOC(write, nr, size)
}

func IIO(nr uintptr) uintptr {
	return IIOC(none, nr, 0)
}

// IIOC encodes an ioctl request number the way _IOC does.
func IIOC(dir, nr, size uintptr) uintptr {
	return ((dir & dirmask) << dirshift) | (KVMIO << typeshift) |
		((nr & nrmask) << nrshift) | ((size & sizemask) << sizeshift)
}

// Ioctl issues the request, retrying when a signal interrupts it.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if !errors.Is(errno, unix.EINTR) {
			return res, errno
		}
	}
}
