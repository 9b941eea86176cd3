// Package hvcore wires the six subsystems (bit/lock primitives, TSC
// time base, CPU capability registry, page-table engine, IRQ/vector
// core, SMP call & MSR interception) into the single aggregate a
// bootstrap processor brings up once per boot. Grounded on
// internal/hv/common.go's top-level interface aggregation style
// (Hypervisor/VirtualMachine composing narrower collaborator
// interfaces) and internal/hv/snapshot.go's magic/version constant
// convention for the snapshot format.
package hvcore

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/cpuid"

	"github.com/partitionhv/hvcore/internal/hvcore/capability"
	"github.com/partitionhv/hvcore/internal/hvcore/irqcore"
	"github.com/partitionhv/hvcore/internal/hvcore/pagetable"
	"github.com/partitionhv/hvcore/internal/hvcore/smpcall"
	"github.com/partitionhv/hvcore/internal/hvcore/timebase"
)

// Sentinel errors, following internal/hv/common.go's
// ErrInterrupted/ErrVMHalted convention.
var (
	ErrInvalidArg   = errors.New("hvcore: invalid argument")
	ErrNoResource   = errors.New("hvcore: no resource available")
	ErrBusy         = errors.New("hvcore: resource busy")
	ErrAccessDenied = errors.New("hvcore: access denied")
	ErrFatal        = errors.New("hvcore: fatal core error")
)

// APICvMode selects the level of advanced APIC virtualization the core
// assumes is available; it gates which MSR-bitmap passthrough entries
// SPEC_FULL.md's domain policy installs.
type APICvMode int

const (
	APICvDisabled APICvMode = iota
	APICvBasic
	APICvAdvanced
)

// maxPostedIntrSlots is the number of posted-interrupt notification
// vectors irqcore reserves (VectorPostedIntrBase..0xFF); CoreConfig's
// MaxVMSlots can never exceed it since each VM slot needs its own
// notification vector, per spec.md section 9's Open Question #2.
const maxPostedIntrSlots = 0xFF - irqcore.VectorPostedIntrBase + 1

// CoreConfig parameterizes NewCore, mirroring how the teacher
// parameterizes NewVirtualMachine via hv.VMConfig/hv.SimpleVMConfig
// struct literals rather than a config file.
type CoreConfig struct {
	// MaxVMSlots bounds the number of posted-interrupt notification
	// slots reserved at boot, one per concurrently resident VM.
	MaxVMSlots int

	// PMUPassthrough, when true, installs passthrough MSR-bitmap
	// entries for the performance-counter MSRs named in Dependencies.
	PMUPassthrough bool

	// APICv selects which procbased2/pinbased VMX controls NewCore
	// expects DetectHardwareSupport to have validated.
	APICv APICvMode
}

// Dependencies supplies the raw platform-access points this core needs
// but cannot itself implement portably (CPUID, RDMSR, RDTSC, physical
// memory reservation, inter-processor notification).
type Dependencies struct {
	TimeReader timebase.Reader
	HPET       timebase.HPETReader // optional
	PIT        timebase.PITDelay   // optional

	CPUID capability.RawCPUIDReader
	MSR   capability.MSRReader

	HostPageAllocator pagetable.Allocator

	Notifier smpcall.Notifier
	NumCPUs  int
}

// Core is the fully initialized hypervisor core: one instance per boot,
// shared by every vCPU and VM the host subsequently creates.
type Core struct {
	cfg CoreConfig

	Time         *timebase.Timebase
	Capabilities *capability.Registry
	HostMMU      *pagetable.Engine
	HostRoot     uint64
	IRQs         *irqcore.Table
	SMP          *smpcall.Dispatcher
	PostedIntr   *smpcall.PostedInterruptTable
	MSRBitmap    *smpcall.MSRBitmap

	// PostedIntrIRQs maps each PostedIntr slot to the IRQ number IRQs
	// reserved for it: PostedIntrIRQs[slot] is the IRQ whose vector is
	// irqcore.VectorPostedIntrBase+slot. IRQs owns the IRQ/vector
	// descriptor itself; PostedIntr only tracks which pCPU a slot's
	// notifications currently route to.
	PostedIntrIRQs []int
}

// NewCore brings up the core in the order spec.md section 2 requires:
// time base, then capability registry (since IRQ vector policy and MSR
// interception both depend on what the hardware actually supports),
// then the host MMU, then IRQ/vector state, then SMP call and MSR
// interception — the init_bsp() equivalent.
func NewCore(cfg CoreConfig, deps Dependencies) (*Core, error) {
	if cfg.MaxVMSlots <= 0 || cfg.MaxVMSlots > maxPostedIntrSlots {
		return nil, fmt.Errorf("%w: MaxVMSlots %d out of range (0,%d]", ErrInvalidArg, cfg.MaxVMSlots, maxPostedIntrSlots)
	}
	if deps.NumCPUs <= 0 || deps.NumCPUs > smpcall.MaxCPUs {
		return nil, fmt.Errorf("%w: NumCPUs %d out of range (0,%d]", ErrInvalidArg, deps.NumCPUs, smpcall.MaxCPUs)
	}

	tb := timebase.New(deps.TimeReader)
	if err := tb.Calibrate(deps.HPET, deps.PIT); err != nil {
		return nil, fmt.Errorf("hvcore: calibrating time base: %w", err)
	}

	caps, err := capability.Init(deps.CPUID, deps.MSR)
	if err != nil {
		return nil, fmt.Errorf("hvcore: initializing capability registry: %w", err)
	}
	if err := caps.DetectHardwareSupport(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}

	hostEngine := pagetable.New(pagetable.HostMMU{}, deps.HostPageAllocator)
	sanitizedPA, err := deps.HostPageAllocator.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("hvcore: allocating sanitized page: %w", err)
	}
	hostEngine.InitSanitizedPage(sanitizedPA)

	hostRoot, err := hostEngine.CreateRoot()
	if err != nil {
		return nil, fmt.Errorf("hvcore: creating host MMU root: %w", err)
	}

	irqs := irqcore.New()
	postedIntrIRQs, err := irqs.ReservePostedIntrIRQs(cfg.MaxVMSlots)
	if err != nil {
		return nil, fmt.Errorf("hvcore: reserving posted-interrupt IRQs: %w", err)
	}

	dispatcher, err := smpcall.NewDispatcher(deps.NumCPUs, deps.Notifier)
	if err != nil {
		return nil, fmt.Errorf("hvcore: initializing SMP call dispatcher: %w", err)
	}

	// PostedIntr's slot indices line up 1:1 with postedIntrIRQs: slot i
	// routes notifications for the IRQ/vector pair irqs just reserved
	// at postedIntrIRQs[i].
	postedIntr := smpcall.NewPostedInterruptTable(cfg.MaxVMSlots)

	bitmap := smpcall.NewMSRBitmap()
	x2APICPassthrough := cfg.APICv != APICvDisabled && caps.HasFeature(cpuid.X86FeatureX2APIC)
	policy := smpcall.DefaultPolicy(cfg.PMUPassthrough, x2APICPassthrough)
	if err := bitmap.EnableMSRInterception(policy); err != nil {
		return nil, fmt.Errorf("hvcore: applying MSR interception policy: %w", err)
	}

	return &Core{
		cfg:            cfg,
		Time:           tb,
		Capabilities:   caps,
		HostMMU:        hostEngine,
		HostRoot:       hostRoot,
		IRQs:           irqs,
		SMP:            dispatcher,
		PostedIntr:     postedIntr,
		MSRBitmap:      bitmap,
		PostedIntrIRQs: postedIntrIRQs,
	}, nil
}
