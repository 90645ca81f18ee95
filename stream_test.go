package smmuv3

import (
	"errors"
	"testing"
)

func newTestStream() *StreamContext {
	clk := &fakeClock{}
	return NewStreamContext(PASID(1<<20-1), false, clk.Now)
}

func TestStreamPASIDLifecycle(t *testing.T) {
	sc := newTestStream()

	if err := sc.CreatePASID(1); err != nil {
		t.Fatalf("create pasid: %v", err)
	}
	if err := sc.CreatePASID(1); !errors.Is(err, ErrPASIDAlreadyExists) {
		t.Fatalf("duplicate create: got %v", err)
	}
	if !sc.HasPASID(1) {
		t.Fatalf("pasid 1 missing after create")
	}
	if sc.PASIDCount() != 1 {
		t.Fatalf("pasid count: got %d want 1", sc.PASIDCount())
	}

	if err := sc.RemovePASID(1); err != nil {
		t.Fatalf("remove pasid: %v", err)
	}
	if err := sc.RemovePASID(1); !errors.Is(err, ErrPASIDNotFound) {
		t.Fatalf("double remove: got %v", err)
	}
}

func TestStreamPASIDZeroIsValidByDefault(t *testing.T) {
	sc := newTestStream()

	if err := sc.CreatePASID(0); err != nil {
		t.Fatalf("pasid 0 should be a valid kernel context: %v", err)
	}
}

func TestStreamPASIDZeroReserved(t *testing.T) {
	clk := &fakeClock{}
	sc := NewStreamContext(PASID(1<<20-1), true, clk.Now)

	if err := sc.CreatePASID(0); !errors.Is(err, ErrInvalidPASID) {
		t.Fatalf("reserved pasid 0: got %v", err)
	}
}

func TestStreamPASIDBounds(t *testing.T) {
	clk := &fakeClock{}
	sc := NewStreamContext(255, false, clk.Now)

	if err := sc.CreatePASID(256); !errors.Is(err, ErrInvalidPASID) {
		t.Fatalf("out-of-range pasid: got %v", err)
	}
	if err := sc.CreatePASID(255); err != nil {
		t.Fatalf("pasid at bound: %v", err)
	}
}

func TestStreamSharedAddressSpace(t *testing.T) {
	sc := newTestStream()
	shared := NewAddressSpace()

	if err := shared.Map(0x1000, 0x40000000, PermRW, NonSecure); err != nil {
		t.Fatalf("map shared space: %v", err)
	}
	if err := sc.AddPASID(1, shared); err != nil {
		t.Fatalf("add pasid: %v", err)
	}
	if err := sc.AddPASID(2, shared); err != nil {
		t.Fatalf("add second pasid: %v", err)
	}

	for _, pasid := range []PASID{1, 2} {
		data, err := sc.Translate(pasid, 0x1000, AccessRead, NonSecure)
		if err != nil {
			t.Fatalf("translate pasid %d: %v", pasid, err)
		}
		if data.PhysicalAddress != 0x40000000 {
			t.Fatalf("pasid %d pa: got 0x%x", pasid, data.PhysicalAddress)
		}
	}

	if err := sc.AddPASID(3, nil); !errors.Is(err, ErrInternal) {
		t.Fatalf("nil address space: got %v", err)
	}
}

func TestStreamStage1Translation(t *testing.T) {
	sc := newTestStream()

	if err := sc.CreatePASID(1); err != nil {
		t.Fatalf("create pasid: %v", err)
	}
	if err := sc.MapPage(1, 0x1000, 0x40000000, PermRW, NonSecure); err != nil {
		t.Fatalf("map page: %v", err)
	}

	data, err := sc.Translate(1, 0x1234, AccessRead, NonSecure)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if data.PhysicalAddress != 0x40000234 {
		t.Fatalf("pa: got 0x%x want 0x40000234", data.PhysicalAddress)
	}
}

func TestStreamTranslateMissingPASID(t *testing.T) {
	sc := newTestStream()

	_, err := sc.Translate(1, 0x1000, AccessRead, NonSecure)
	if !errors.Is(err, ErrPageNotMapped) {
		t.Fatalf("missing pasid in stage1-only walk: got %v", err)
	}

	var fe *FaultError
	if !errors.As(err, &fe) {
		t.Fatalf("error does not carry fault classification: %v", err)
	}
	if fe.Stage != Stage1Only {
		t.Fatalf("fault stage: got %v want Stage1Only", fe.Stage)
	}
}

func TestStreamDisabledBlocksConfiguredTranslation(t *testing.T) {
	sc := newTestStream()

	cfg := sc.Configuration()
	cfg.TranslationEnabled = true
	cfg.Stage1Enabled = true
	if err := sc.UpdateConfiguration(cfg); err != nil {
		t.Fatalf("update configuration: %v", err)
	}
	if err := sc.CreatePASID(1); err != nil {
		t.Fatalf("create pasid: %v", err)
	}
	if err := sc.MapPage(1, 0x1000, 0x40000000, PermRW, NonSecure); err != nil {
		t.Fatalf("map page: %v", err)
	}

	if _, err := sc.Translate(1, 0x1000, AccessRead, NonSecure); !errors.Is(err, ErrStreamDisabled) {
		t.Fatalf("disabled stream: got %v", err)
	}

	if err := sc.Enable(); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if _, err := sc.Translate(1, 0x1000, AccessRead, NonSecure); err != nil {
		t.Fatalf("enabled stream: %v", err)
	}

	if err := sc.Disable(); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := sc.Translate(1, 0x1000, AccessRead, NonSecure); !errors.Is(err, ErrStreamDisabled) {
		t.Fatalf("re-disabled stream: got %v", err)
	}
}

func TestStreamTwoStagePermissionIntersection(t *testing.T) {
	sc := newTestStream()
	sc.SetStage1Enabled(true)
	sc.SetStage2Enabled(true)

	if err := sc.CreatePASID(1); err != nil {
		t.Fatalf("create pasid: %v", err)
	}
	// Stage-1: IOVA 0x1000 -> IPA 0x2000, RW.
	if err := sc.MapPage(1, 0x1000, 0x2000, PermRW, NonSecure); err != nil {
		t.Fatalf("map stage1: %v", err)
	}
	// Stage-2: IPA 0x2000 -> PA 0x40000000, read only.
	stage2 := NewAddressSpace()
	if err := stage2.Map(0x2000, 0x40000000, PermR, NonSecure); err != nil {
		t.Fatalf("map stage2: %v", err)
	}
	sc.SetStage2AddressSpace(stage2)

	data, err := sc.Translate(1, 0x1000, AccessRead, NonSecure)
	if err != nil {
		t.Fatalf("read through both stages: %v", err)
	}
	if data.PhysicalAddress != 0x40000000 {
		t.Fatalf("pa: got 0x%x want 0x40000000", data.PhysicalAddress)
	}
	if data.Permissions.Write {
		t.Fatalf("write permission survived intersection")
	}

	_, err = sc.Translate(1, 0x1000, AccessWrite, NonSecure)
	if !errors.Is(err, ErrPagePermissionViolation) {
		t.Fatalf("write through read-only stage2: got %v", err)
	}
	var fe *FaultError
	if !errors.As(err, &fe) || fe.Stage != BothStages {
		t.Fatalf("intersection rejection should carry BothStages: %+v", fe)
	}
	if fe.Type != FaultPermission {
		t.Fatalf("intersection fault type: got %v want PermissionFault", fe.Type)
	}
}

func TestStreamTwoStageIntersectionDropsUserBit(t *testing.T) {
	sc := newTestStream()
	sc.SetStage1Enabled(true)
	sc.SetStage2Enabled(true)

	if err := sc.CreatePASID(1); err != nil {
		t.Fatalf("create pasid: %v", err)
	}
	// Both stages grant read+write and only Stage-1 carries the User
	// bit, so the write succeeds and the intersected result has no
	// User bit.
	if err := sc.MapPage(1, 0x1000, 0x2000, PagePermissions{Read: true, Write: true, User: true}, NonSecure); err != nil {
		t.Fatalf("map stage1: %v", err)
	}
	stage2 := NewAddressSpace()
	if err := stage2.Map(0x2000, 0x40000000, PagePermissions{Read: true, Write: true}, NonSecure); err != nil {
		t.Fatalf("map stage2: %v", err)
	}
	sc.SetStage2AddressSpace(stage2)

	data, err := sc.Translate(1, 0x1000, AccessWrite, NonSecure)
	if err != nil {
		t.Fatalf("write through both stages: %v", err)
	}
	if data.Permissions.User {
		t.Fatalf("user bit survived intersection with non-user stage2")
	}
}

func TestStreamStage2MissingAddressSpace(t *testing.T) {
	sc := newTestStream()
	sc.SetStage1Enabled(false)
	sc.SetStage2Enabled(true)

	if _, err := sc.Translate(1, 0x1000, AccessRead, NonSecure); !errors.Is(err, ErrPageNotMapped) {
		t.Fatalf("stage2 without address space: got %v", err)
	}

	// With both stages the missing second stage is a distinct
	// resource condition.
	sc2 := newTestStream()
	sc2.SetStage1Enabled(true)
	sc2.SetStage2Enabled(true)
	if err := sc2.CreatePASID(1); err != nil {
		t.Fatalf("create pasid: %v", err)
	}
	if err := sc2.MapPage(1, 0x1000, 0x2000, PermRW, NonSecure); err != nil {
		t.Fatalf("map stage1: %v", err)
	}
	if _, err := sc2.Translate(1, 0x1000, AccessRead, NonSecure); !errors.Is(err, ErrAddressSpaceExhausted) {
		t.Fatalf("both stages without stage2 space: got %v", err)
	}
}

func TestStreamStage2OnlyTreatsInputAsIPA(t *testing.T) {
	sc := newTestStream()
	sc.SetStage1Enabled(false)
	sc.SetStage2Enabled(true)

	stage2 := NewAddressSpace()
	if err := stage2.Map(0x3000, 0x50000000, PermRW, NonSecure); err != nil {
		t.Fatalf("map stage2: %v", err)
	}
	sc.SetStage2AddressSpace(stage2)

	data, err := sc.Translate(1, 0x3000, AccessRead, NonSecure)
	if err != nil {
		t.Fatalf("stage2-only translate: %v", err)
	}
	if data.PhysicalAddress != 0x50000000 {
		t.Fatalf("pa: got 0x%x want 0x50000000", data.PhysicalAddress)
	}
}

func TestStreamNoStagePassthrough(t *testing.T) {
	sc := newTestStream()
	sc.SetStage1Enabled(false)
	sc.SetStage2Enabled(false)

	data, err := sc.Translate(1, 0xabc123, AccessRead, NonSecure)
	if err != nil {
		t.Fatalf("passthrough translate: %v", err)
	}
	if data.PhysicalAddress != 0xabc123 {
		t.Fatalf("passthrough pa: got 0x%x", data.PhysicalAddress)
	}
}

func TestStreamConfigurationUpdate(t *testing.T) {
	sc := newTestStream()

	if sc.HasConfigurationChanged() {
		t.Fatalf("fresh context reports changed configuration")
	}

	cfg := sc.Configuration()
	cfg.TranslationEnabled = true
	cfg.Stage1Enabled = true
	cfg.FaultMode = FaultModeStall
	if err := sc.UpdateConfiguration(cfg); err != nil {
		t.Fatalf("update configuration: %v", err)
	}
	if !sc.HasConfigurationChanged() {
		t.Fatalf("configuration change not flagged")
	}
	if got := sc.Configuration(); got.FaultMode != FaultModeStall {
		t.Fatalf("fault mode not applied: %+v", got)
	}

	bad := cfg
	bad.FaultMode = FaultMode(9)
	if err := sc.UpdateConfiguration(bad); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("invalid fault mode accepted: %v", err)
	}
}

func TestStreamApplyConfigurationChanges(t *testing.T) {
	sc := newTestStream()

	cfg := sc.Configuration()
	if err := sc.ApplyConfigurationChanges(cfg); err != nil {
		t.Fatalf("apply identical configuration: %v", err)
	}
	if sc.HasConfigurationChanged() {
		t.Fatalf("identical configuration flagged as change")
	}

	cfg.Stage2Enabled = true
	if err := sc.ApplyConfigurationChanges(cfg); err != nil {
		t.Fatalf("apply changed configuration: %v", err)
	}
	if !sc.HasConfigurationChanged() {
		t.Fatalf("real change not flagged")
	}
}

func TestStreamConfigurationValidation(t *testing.T) {
	sc := newTestStream()

	cfg := StreamConfig{
		TranslationEnabled: true,
		Stage1Enabled:      true,
		Stage1TCR:          TranslationControl{AddressSpaceBits: 48, Granule: Granule4K},
	}
	cfg.Stage1TTBR[0] = 0x40000000
	if err := sc.IsConfigurationValid(cfg); err != nil {
		t.Fatalf("valid configuration rejected: %v", err)
	}

	misaligned := cfg
	misaligned.Stage1TTBR[0] = 0x40000123
	if err := sc.IsConfigurationValid(misaligned); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("misaligned ttbr accepted: %v", err)
	}

	badGranule := cfg
	badGranule.Stage1TCR.Granule = TranslationGranule(1234)
	if err := sc.IsConfigurationValid(badGranule); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("invalid granule accepted: %v", err)
	}

	badBits := cfg
	badBits.Stage1TCR.AddressSpaceBits = 64
	if err := sc.IsConfigurationValid(badBits); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("invalid address size accepted: %v", err)
	}
}

func TestStreamValidateTranslationTableBase(t *testing.T) {
	sc := newTestStream()

	if err := sc.ValidateTranslationTableBase(0x40000000, Granule4K, 48); err != nil {
		t.Fatalf("aligned ttbr rejected: %v", err)
	}
	if err := sc.ValidateTranslationTableBase(0x40001234, Granule4K, 48); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("unaligned ttbr accepted: %v", err)
	}
	if err := sc.ValidateTranslationTableBase(0x44000, Granule16K, 48); err != nil {
		t.Fatalf("16k-aligned ttbr rejected: %v", err)
	}
	if err := sc.ValidateTranslationTableBase(uint64(1)<<50, Granule4K, 40); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("ttbr past the address width accepted: %v", err)
	}
}

func TestStreamValidateContextDescriptor(t *testing.T) {
	sc := newTestStream()

	cd := ContextDescriptor{
		ASID:  5,
		TTBR0: 0x40000000,
		TCR:   TranslationControl{AddressSpaceBits: 48, Granule: Granule4K},
		Valid: true,
	}
	if err := sc.ValidateContextDescriptor(cd, 1, 100); err != nil {
		t.Fatalf("valid cd rejected: %v", err)
	}

	// The same ASID on another PASID conflicts.
	if err := sc.ValidateASIDConfiguration(5, 2, NonSecure); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("asid conflict not detected: %v", err)
	}
	// Revalidating the owner is fine.
	if err := sc.ValidateASIDConfiguration(5, 1, NonSecure); err != nil {
		t.Fatalf("asid owner rejected: %v", err)
	}

	invalid := cd
	invalid.Valid = false
	if err := sc.ValidateContextDescriptor(invalid, 1, 100); !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("invalid cd accepted: %v", err)
	}
}

func TestStreamValidateStreamTableEntry(t *testing.T) {
	sc := newTestStream()

	ste := StreamTableEntry{
		Valid:              true,
		TranslationEnabled: true,
		Stage1Enabled:      true,
		S1ContextPtr:       0x40000040,
	}
	if err := sc.ValidateStreamTableEntry(ste); err != nil {
		t.Fatalf("valid ste rejected: %v", err)
	}

	if err := sc.ValidateStreamTableEntry(StreamTableEntry{}); !errors.Is(err, ErrConfigurationError) {
		t.Fatalf("invalid ste accepted: %v", err)
	}

	noStages := ste
	noStages.Stage1Enabled = false
	if err := sc.ValidateStreamTableEntry(noStages); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("translation without stages accepted: %v", err)
	}

	misaligned := ste
	misaligned.S1ContextPtr = 0x40000041
	if err := sc.ValidateStreamTableEntry(misaligned); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("misaligned context pointer accepted: %v", err)
	}

	stage2 := StreamTableEntry{
		Valid:              true,
		TranslationEnabled: true,
		Stage2Enabled:      true,
		S2TTB:              0x80000000,
	}
	if err := sc.ValidateStreamTableEntry(stage2); err != nil {
		t.Fatalf("valid stage2 ste rejected: %v", err)
	}
}

func TestStreamStatistics(t *testing.T) {
	sc := newTestStream()

	if err := sc.CreatePASID(1); err != nil {
		t.Fatalf("create pasid: %v", err)
	}
	if err := sc.MapPage(1, 0x1000, 0x40000000, PermR, NonSecure); err != nil {
		t.Fatalf("map page: %v", err)
	}

	sc.Translate(1, 0x1000, AccessRead, NonSecure)
	sc.Translate(1, 0x1000, AccessWrite, NonSecure) // permission fault
	sc.Translate(1, 0x9000, AccessRead, NonSecure)  // not mapped

	stats := sc.Statistics()
	if stats.TranslationCount != 3 {
		t.Fatalf("translation count: got %d want 3", stats.TranslationCount)
	}
	if stats.FaultCount != 2 {
		t.Fatalf("fault count: got %d want 2", stats.FaultCount)
	}
	if stats.PASIDCount != 1 {
		t.Fatalf("pasid count: got %d want 1", stats.PASIDCount)
	}
}

func TestStreamFaultHandlerHook(t *testing.T) {
	sc := newTestStream()
	clk := &fakeClock{}

	if sc.HasFaultHandler() {
		t.Fatalf("fresh context has a fault handler")
	}
	if err := sc.RecordFault(FaultRecord{}); !errors.Is(err, ErrFaultHandling) {
		t.Fatalf("record without handler: got %v", err)
	}
	if err := sc.SetFaultHandler(nil); !errors.Is(err, ErrFaultHandling) {
		t.Fatalf("nil handler accepted: %v", err)
	}

	h := NewFaultHandler(clk.Now)
	if err := sc.SetFaultHandler(h); err != nil {
		t.Fatalf("set handler: %v", err)
	}
	if err := sc.RecordFault(testFault(7, 1, FaultTranslation, 1)); err != nil {
		t.Fatalf("record fault: %v", err)
	}
	if h.FaultCount() != 1 {
		t.Fatalf("fault not forwarded to handler")
	}

	sc.ClearStreamFaults(7)
	if h.FaultCount() != 0 {
		t.Fatalf("stream faults not cleared")
	}
}

func TestStreamClearAllPASIDs(t *testing.T) {
	sc := newTestStream()

	for p := PASID(1); p <= 4; p++ {
		if err := sc.CreatePASID(p); err != nil {
			t.Fatalf("create pasid %d: %v", p, err)
		}
	}
	if err := sc.ClearAllPASIDs(); err != nil {
		t.Fatalf("clear all pasids: %v", err)
	}
	if sc.PASIDCount() != 0 {
		t.Fatalf("pasids survived clear: %d", sc.PASIDCount())
	}
	if sc.Statistics().PASIDCount != 0 {
		t.Fatalf("pasid statistics not updated")
	}
}

func TestStreamIsTranslationActive(t *testing.T) {
	sc := newTestStream()

	if sc.IsTranslationActive() {
		t.Fatalf("fresh context active")
	}

	cfg := sc.Configuration()
	cfg.TranslationEnabled = true
	cfg.Stage1Enabled = true
	if err := sc.UpdateConfiguration(cfg); err != nil {
		t.Fatalf("update configuration: %v", err)
	}
	if sc.IsTranslationActive() {
		t.Fatalf("disabled stream reported active")
	}

	sc.Enable()
	if !sc.IsTranslationActive() {
		t.Fatalf("enabled configured stream not active")
	}
}
