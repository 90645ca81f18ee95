package smmuv3

// FaultType classifies a recorded fault the way the architecture's
// event records do, including the per-level translation fault variants.
type FaultType uint8

const (
	FaultTranslation FaultType = iota
	FaultPermission
	FaultAddressSize
	FaultAccess
	FaultSecurity
	FaultAccessFlag
	FaultDirtyBit
	FaultExternalAbort
	FaultSyncExternalAbort
	FaultAsyncExternalAbort
	FaultTLBConflict
	FaultContextDescriptorFormat
	FaultTranslationTableFormat
	FaultStreamTableFormat
	FaultTranslationL0
	FaultTranslationL1
	FaultTranslationL2
	FaultTranslationL3
	FaultStage2Translation
	FaultStage2Permission
)

func (f FaultType) String() string {
	switch f {
	case FaultTranslation:
		return "TranslationFault"
	case FaultPermission:
		return "PermissionFault"
	case FaultAddressSize:
		return "AddressSizeFault"
	case FaultAccess:
		return "AccessFault"
	case FaultSecurity:
		return "SecurityFault"
	case FaultAccessFlag:
		return "AccessFlagFault"
	case FaultDirtyBit:
		return "DirtyBitFault"
	case FaultExternalAbort:
		return "ExternalAbort"
	case FaultSyncExternalAbort:
		return "SynchronousExternalAbort"
	case FaultAsyncExternalAbort:
		return "AsynchronousExternalAbort"
	case FaultTLBConflict:
		return "TLBConflictFault"
	case FaultContextDescriptorFormat:
		return "ContextDescriptorFormatFault"
	case FaultTranslationTableFormat:
		return "TranslationTableFormatFault"
	case FaultStreamTableFormat:
		return "StreamTableFormatFault"
	case FaultTranslationL0:
		return "Level0TranslationFault"
	case FaultTranslationL1:
		return "Level1TranslationFault"
	case FaultTranslationL2:
		return "Level2TranslationFault"
	case FaultTranslationL3:
		return "Level3TranslationFault"
	case FaultStage2Translation:
		return "Stage2TranslationFault"
	case FaultStage2Permission:
		return "Stage2PermissionFault"
	}
	return "UnknownFault"
}

// isTranslationKind reports whether the fault counts as a translation
// fault for statistics, covering the per-level variants.
func (f FaultType) isTranslationKind() bool {
	switch f {
	case FaultTranslation, FaultTranslationL0, FaultTranslationL1,
		FaultTranslationL2, FaultTranslationL3, FaultStage2Translation:
		return true
	}
	return false
}

// isPermissionKind reports whether the fault counts as a permission
// fault for statistics.
func (f FaultType) isPermissionKind() bool {
	return f == FaultPermission || f == FaultStage2Permission
}

// FaultStage identifies which translation stage produced a fault.
type FaultStage uint8

const (
	StageUnknown FaultStage = iota
	Stage1Only
	Stage2Only
	BothStages
)

func (s FaultStage) String() string {
	switch s {
	case Stage1Only:
		return "Stage1"
	case Stage2Only:
		return "Stage2"
	case BothStages:
		return "BothStages"
	}
	return "Unknown"
}

// PrivilegeLevel is the exception level a faulting access is attributed
// to in the syndrome.
type PrivilegeLevel uint8

const (
	EL0 PrivilegeLevel = iota
	EL1
	EL2
	EL3
)

// AccessClassification distinguishes instruction fetches from data
// accesses in the syndrome.
type AccessClassification uint8

const (
	AccessClassUnknown AccessClassification = iota
	AccessClassInstructionFetch
	AccessClassDataAccess
)

// Fault syndrome register layout: FSC in bits[5:0], WnR in bit 6,
// Stage-2 in bit 7, instruction fetch in bit 8, implementation
// signature in bits[23:16].
const (
	syndromeWnRBit      = 1 << 6
	syndromeStage2Bit   = 1 << 7
	syndromeInstBit     = 1 << 8
	syndromeImplSig     = 0x42
	syndromeImplShift   = 16
	syndromeFSCMask     = 0x3F
)

// FaultSyndrome is the structured encoding of a fault's cause, level,
// and access classification, mirroring the event record syndrome.
type FaultSyndrome struct {
	Register       uint32
	Stage          FaultStage
	Level          uint8
	Privilege      PrivilegeLevel
	Classification AccessClassification
	WriteNotRead   bool
	ContextDescIdx uint16
}

// FaultRecord is one entry in the fault handler's ordered store.
// Timestamp is microseconds on the model's monotonic clock.
type FaultRecord struct {
	StreamID      StreamID
	PASID         PASID
	Address       IOVA
	FaultType     FaultType
	AccessType    AccessType
	SecurityState SecurityState
	Syndrome      FaultSyndrome
	Timestamp     uint64
}

// encodeSyndromeRegister builds the 32-bit syndrome status word for a
// fault. The FSC values follow the architecture's encoding per fault
// class.
func encodeSyndromeRegister(faultType FaultType, stage FaultStage, level uint8, write, instFetch bool) uint32 {
	var fsc uint32
	switch faultType {
	case FaultTranslation, FaultTranslationL0, FaultTranslationL1,
		FaultTranslationL2, FaultTranslationL3, FaultStage2Translation:
		fsc = 0x04 | uint32(level&0x03)
	case FaultPermission, FaultStage2Permission:
		fsc = 0x0C | uint32(level&0x03)
	case FaultAddressSize:
		fsc = 0x00
	case FaultAccessFlag:
		fsc = 0x08 | uint32(level&0x03)
	case FaultDirtyBit, FaultTLBConflict:
		fsc = 0x30
	case FaultExternalAbort, FaultSyncExternalAbort:
		fsc = 0x10
	case FaultAsyncExternalAbort:
		fsc = 0x11
	case FaultContextDescriptorFormat, FaultTranslationTableFormat, FaultStreamTableFormat:
		fsc = 0x0A
	case FaultSecurity:
		fsc = 0x20
	default:
		fsc = 0x02
	}

	syndrome := fsc & syndromeFSCMask
	if write {
		syndrome |= syndromeWnRBit
	}
	if stage == Stage2Only || stage == BothStages {
		syndrome |= syndromeStage2Bit
	}
	if instFetch {
		syndrome |= syndromeInstBit
	}
	syndrome |= syndromeImplSig << syndromeImplShift
	return syndrome
}

// generateFaultSyndrome assembles the full syndrome for a fault.
func generateFaultSyndrome(faultType FaultType, stage FaultStage, access AccessType,
	level uint8, priv PrivilegeLevel, cdIndex uint16) FaultSyndrome {
	write := access == AccessWrite
	instFetch := access == AccessExecute
	return FaultSyndrome{
		Register:       encodeSyndromeRegister(faultType, stage, level, write, instFetch),
		Stage:          stage,
		Level:          level,
		Privilege:      priv,
		Classification: classifyAccess(access),
		WriteNotRead:   write,
		ContextDescIdx: cdIndex,
	}
}

// determinePrivilegeLevel attributes an exception level to the access.
// Secure transactions are attributed to the monitor, Realm to the realm
// manager; NonSecure instruction fetches to EL0 and data to EL1.
func determinePrivilegeLevel(access AccessType, sec SecurityState) PrivilegeLevel {
	switch sec {
	case Secure:
		return EL3
	case Realm:
		return EL2
	}
	if access == AccessExecute {
		return EL0
	}
	return EL1
}

func classifyAccess(access AccessType) AccessClassification {
	switch access {
	case AccessExecute:
		return AccessClassInstructionFetch
	case AccessRead, AccessWrite:
		return AccessClassDataAccess
	}
	return AccessClassUnknown
}

// determineFaultStage maps a fault back to the stage configuration that
// produced it when the fault itself does not carry a stage.
func determineFaultStage(cfg StreamConfig, faultType FaultType) FaultStage {
	switch {
	case cfg.Stage1Enabled && cfg.Stage2Enabled:
		switch faultType {
		case FaultContextDescriptorFormat,
			FaultTranslationL0, FaultTranslationL1, FaultTranslationL2, FaultTranslationL3:
			return Stage1Only
		}
		return BothStages
	case cfg.Stage1Enabled:
		return Stage1Only
	case cfg.Stage2Enabled:
		return Stage2Only
	}
	return StageUnknown
}

// classifyTranslationLevelFault refines a translation fault by table
// walk level, falling back to an address-size check when the level is
// out of range.
func classifyTranslationLevelFault(iova IOVA, tableLevel uint8, formatError bool) FaultType {
	if formatError {
		return FaultTranslationTableFormat
	}
	switch tableLevel {
	case 0:
		return FaultTranslationL0
	case 1:
		return FaultTranslationL1
	case 2:
		return FaultTranslationL2
	case 3:
		return FaultTranslationL3
	}
	if iova > maxReasonableIOVA {
		return FaultAddressSize
	}
	return FaultTranslation
}

// maxReasonableIOVA bounds the address space the classifier treats as
// plausible: 48-bit addressing.
const maxReasonableIOVA = IOVA(1) << 48
