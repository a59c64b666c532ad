// Package machine is the KVM backend: a single vCPU resuming a register
// snapshot on top of a flat guest physical memory image.
package machine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/snapfuzz/backend"
	"github.com/bobuhiro11/snapfuzz/kvm"
	"github.com/bobuhiro11/snapfuzz/log"
	"github.com/bobuhiro11/snapfuzz/memory"
	"github.com/bobuhiro11/snapfuzz/symbols"
	"golang.org/x/sys/unix"
)

var (
	// ErrMissingCapability is a KVM without a capability the backend needs.
	ErrMissingCapability = errors.New("kvm capability missing")

	errNoVCPUState = errors.New("vcpu state not loaded")
)

type swBreakpoint struct {
	gpa  backend.Gpa
	orig byte
}

type Machine struct {
	kvmFile             *os.File
	kvmFd, vmFd, vcpuFd uintptr
	run                 *kvm.RunData
	runMap              []byte
	mem                 *memory.Memory
	syms                symbols.Resolver
	cpuid               *kvm.CPUID
	msrList             *kvm.MSRList

	bps     *backend.Breakpoints
	sw      map[backend.Gva]swBreakpoint
	step    *backend.Gva
	control uint32

	regs  *kvm.Regs
	sregs *kvm.Sregs

	stop    backend.StopReason
	crashes []backend.CrashReport
	covered []backend.Gva
	kicked  atomic.Bool
}

var _ backend.Backend = (*Machine)(nil)

// New opens dev, creates a VM with memSize bytes of RAM and one vCPU.
// syms resolves the symbols SetBreakpoint is given.
func New(dev string, memSize int, syms symbols.Resolver) (*Machine, error) {
	m := &Machine{
		syms: syms,
		bps:  backend.NewBreakpoints(),
		sw:   make(map[backend.Gva]swBreakpoint),
	}

	devKVM, err := os.OpenFile(dev, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dev, err)
	}

	m.kvmFile = devKVM
	m.kvmFd = devKVM.Fd()

	if err := m.init(memSize); err != nil {
		m.Close()

		return nil, err
	}

	return m, nil
}

func (m *Machine) init(memSize int) error {
	if err := m.checkCapabilities(); err != nil {
		return err
	}

	var err error

	if m.vmFd, err = kvm.CreateVM(m.kvmFd); err != nil {
		return fmt.Errorf("CreateVM: %w", err)
	}

	if err := kvm.SetTSSAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetTSSAddr: %w", err)
	}

	if err := kvm.SetIdentityMapAddr(m.vmFd); err != nil {
		return fmt.Errorf("SetIdentityMapAddr: %w", err)
	}

	if err := kvm.CreateIRQChip(m.vmFd); err != nil {
		return fmt.Errorf("CreateIRQChip: %w", err)
	}

	if err := m.initMemory(memSize); err != nil {
		return err
	}

	if m.vcpuFd, err = kvm.CreateVCPU(m.vmFd, 0); err != nil {
		return fmt.Errorf("CreateVCPU: %w", err)
	}

	if err := m.initCPUID(); err != nil {
		return err
	}

	m.msrList = &kvm.MSRList{}
	if err := kvm.GetMSRIndexList(m.kvmFd, m.msrList); err != nil {
		return fmt.Errorf("GetMSRIndexList: %w", err)
	}

	mmapSize, err := kvm.GetVCPUMMmapSize(m.kvmFd)
	if err != nil {
		return fmt.Errorf("GetVCPUMMmapSize: %w", err)
	}

	// init kvm_run structure
	r, err := unix.Mmap(int(m.vcpuFd), 0, int(mmapSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap kvm_run: %w", err)
	}

	m.runMap = r
	m.run = (*kvm.RunData)(unsafe.Pointer(&r[0]))

	return nil
}

func (m *Machine) checkCapabilities() error {
	for _, c := range kvm.Required {
		n, err := kvm.CheckExtension(m.kvmFd, c)
		if err != nil {
			return fmt.Errorf("CheckExtension(%s): %w", c, err)
		}

		if n == 0 {
			return fmt.Errorf("%s: %w", c, ErrMissingCapability)
		}
	}

	return nil
}

func (m *Machine) initMemory(memSize int) error {
	slots, err := kvm.CheckExtension(m.kvmFd, kvm.CapNRMemSlots)
	if err != nil {
		return fmt.Errorf("CheckExtension(%s): %w", kvm.CapNRMemSlots, err)
	}

	if m.mem, err = memory.New(memSize, uint32(slots)); err != nil {
		return err
	}

	for _, s := range m.mem.Slots {
		err := kvm.SetUserMemoryRegion(m.vmFd, &kvm.UserspaceMemoryRegion{
			Slot: s.Slot, Flags: s.Flags, GuestPhysAddr: s.Addr,
			MemorySize: uint64(s.Size), UserspaceAddr: s.HostAddr,
		})
		if err != nil {
			return fmt.Errorf("SetUserMemoryRegion slot %d: %w", s.Slot, err)
		}
	}

	return nil
}

func (m *Machine) initCPUID() error {
	cpuid := kvm.CPUID{}
	cpuid.Nent = uint32(len(cpuid.Entries))

	if err := kvm.GetSupportedCPUID(m.kvmFd, &cpuid); err != nil {
		return fmt.Errorf("GetSupportedCPUID: %w", err)
	}

	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
	for i := 0; i < int(cpuid.Nent); i++ {
		if cpuid.Entries[i].Function == kvm.CPUIDFuncPerMon {
			cpuid.Entries[i].Eax = 0 // disable
		} else if cpuid.Entries[i].Function == kvm.CPUIDSignature {
			cpuid.Entries[i].Eax = kvm.CPUIDFeatures
			cpuid.Entries[i].Ebx = 0x4b4d564b // KVMK
			cpuid.Entries[i].Ecx = 0x564b4d56 // VMKV
			cpuid.Entries[i].Edx = 0x4d       // M
		}
	}

	if err := kvm.SetCPUID2(m.vcpuFd, &cpuid); err != nil {
		return fmt.Errorf("SetCPUID2: %w", err)
	}

	m.cpuid = &cpuid

	return nil
}

// Memory is the guest physical memory, for loading the snapshot image.
func (m *Machine) Memory() *memory.Memory {
	return m.mem
}

// CPUID is the table the vCPU was configured with.
func (m *Machine) CPUID() *kvm.CPUID {
	return m.cpuid
}

// Crashes returns every crash saved since the machine was created.
func (m *Machine) Crashes() []backend.CrashReport {
	return m.crashes
}

// Close releases the vCPU, the VM and guest memory.
func (m *Machine) Close() error {
	var errs []error

	if m.runMap != nil {
		errs = append(errs, unix.Munmap(m.runMap))
	}

	if m.mem != nil {
		errs = append(errs, m.mem.Close())
	}

	for _, fd := range []uintptr{m.vcpuFd, m.vmFd} {
		if fd != 0 {
			errs = append(errs, unix.Close(int(fd)))
		}
	}

	if m.kvmFile != nil {
		errs = append(errs, m.kvmFile.Close())
	}

	return errors.Join(errs...)
}

// Run resumes the guest until a hook stops the test case or ctx is done.
func (m *Machine) Run(ctx context.Context) (backend.StopReason, error) {
	// https://www.kernel.org/doc/Documentation/virtual/kvm/api.txt
	// - vcpu ioctls: These query and set attributes that control the operation
	//   of a single virtual cpu.
	//
	//   vcpu ioctls should be issued from the same thread that was used to create
	//   the vcpu, except for asynchronous vcpu ioctl that are marked as such in
	//   the documentation.  Otherwise, the first ioctl after switching threads
	//   could see a performance impact.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if m.regs == nil {
		return nil, errNoVCPUState
	}

	m.stop = nil
	m.kicked.Store(false)
	m.run.ImmediateExit = 0

	pid, tid := unix.Getpid(), unix.Gettid()
	release := context.AfterFunc(ctx, func() {
		m.kicked.Store(true)
		m.run.ImmediateExit = 1
		// Any signal makes KVM_RUN return EINTR. SIGURG is the one the Go
		// runtime already handles and ignores.
		_ = unix.Tgkill(pid, tid, unix.SIGURG)
	})
	defer release()

	for m.stop == nil {
		if err := m.RunOnce(); err != nil {
			return nil, err
		}
	}

	return m.stop, nil
}

// RunOnce enters the guest once and handles the exit.
func (m *Machine) RunOnce() error {
	if err := m.syncGuestDebug(); err != nil {
		return err
	}

	err := kvm.Run(m.vcpuFd)
	if errors.Is(err, unix.EINTR) || (err == nil && kvm.ExitType(m.run.ExitReason) == kvm.EXITINTR) {
		// When a signal is sent to the thread hosting the VM it will result in EINTR
		// refs https://gist.github.com/mcastelino/df7e65ade874f6890f618dc51778d83a
		m.run.ImmediateExit = 0

		if m.kicked.Load() {
			m.Stop(backend.Timeout{})
		}

		return nil
	}

	if err != nil {
		return fmt.Errorf("KVM_RUN: %w", err)
	}

	exit := kvm.ExitType(m.run.ExitReason)

	switch exit {
	case kvm.EXITDEBUG:
		return m.handleDebug()
	case kvm.EXITHLT:
		if err := m.refresh(); err != nil {
			return err
		}

		log.Debug(log.KVM, "guest halted", "rip", fmt.Sprintf("%#x", m.Rip()))
		m.Stop(backend.Ok{})

		return nil
	case kvm.EXITUNKNOWN:
		return nil
	case kvm.EXITINTERNALERROR:
		return fmt.Errorf("%w: %s suberror %d", kvm.ErrUnexpectedExitReason, exit, m.run.InternalError())
	case kvm.EXITFAILENTRY:
		return fmt.Errorf("%w: %s reason %#x", kvm.ErrUnexpectedExitReason, exit, m.run.FailEntry())
	default:
		return fmt.Errorf("%w: %s", kvm.ErrUnexpectedExitReason, exit)
	}
}

// refresh reloads the register cache after a guest exit.
func (m *Machine) refresh() error {
	regs, err := kvm.GetRegs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetRegs: %w", err)
	}

	sregs, err := kvm.GetSregs(m.vcpuFd)
	if err != nil {
		return fmt.Errorf("GetSregs: %w", err)
	}

	m.regs, m.sregs = regs, sregs

	return nil
}

// Stop ends the current test case. The first reason given wins.
func (m *Machine) Stop(reason backend.StopReason) {
	if m.stop != nil {
		return
	}

	log.Debug(log.KVM, "stopping test case", "reason", reason.String())
	m.stop = reason
}

func (m *Machine) SaveCrash(gva backend.Gva, code uint32) bool {
	r := backend.CrashReport{Address: gva, Code: code}
	m.crashes = append(m.crashes, r)

	name := backend.CrashName(r)
	log.Info(log.KVM, "crash", "name", name, "rip", fmt.Sprintf("%#x", m.Rip()), "inst", m.instString())
	m.Stop(backend.Crash{Name: name})

	return true
}
