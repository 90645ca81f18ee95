package smmuv3

import "sync"

// asidBinding keys the ASID registry by security state so the same
// ASID value may coexist across security domains.
type asidBinding struct {
	asid uint16
	sec  SecurityState
}

// StreamContext holds the per-stream state: the PASID address spaces,
// the optional shared Stage-2 space, the stream configuration, usage
// statistics, and the fault handler hook. All methods are serialized
// by one internal mutex.
type StreamContext struct {
	mu sync.Mutex

	pasids map[PASID]*AddressSpace
	stage2 *AddressSpace

	cfg           StreamConfig
	enabled       bool
	configChanged bool

	stats StreamStatistics

	faultHandler *FaultHandler

	// asids records ASID bindings accepted by context descriptor
	// validation, used for conflict detection.
	asids map[asidBinding]PASID

	maxPASID       PASID
	pasid0Reserved bool

	now func() uint64
}

// NewStreamContext creates an unconfigured stream context. maxPASID
// bounds the PASID space; pasid0Reserved marks PASID 0 invalid. The
// clock yields microseconds on a monotonic timeline.
func NewStreamContext(maxPASID PASID, pasid0Reserved bool, clock func() uint64) *StreamContext {
	sc := &StreamContext{
		pasids: make(map[PASID]*AddressSpace),
		asids:  make(map[asidBinding]PASID),
		cfg: StreamConfig{
			// Stage-1 is the typical default; Stage-2 stays off until
			// a shared space is configured. Translation itself is off
			// until the stream is configured.
			Stage1Enabled: true,
			FaultMode:     FaultModeTerminate,
		},
		maxPASID:       maxPASID,
		pasid0Reserved: pasid0Reserved,
		now:            clock,
	}
	sc.stats.CreationTimestamp = sc.timestamp()
	sc.stats.LastAccessTimestamp = sc.stats.CreationTimestamp
	return sc
}

func (sc *StreamContext) timestamp() uint64 {
	if sc.now == nil {
		return 0
	}
	return sc.now()
}

// validPASID reports whether the PASID is inside the configured space.
func (sc *StreamContext) validPASID(pasid PASID) bool {
	if sc.pasid0Reserved && pasid == 0 {
		return false
	}
	return pasid <= sc.maxPASID
}

// CreatePASID creates a fresh address space for the PASID.
func (sc *StreamContext) CreatePASID(pasid PASID) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.validPASID(pasid) {
		return ErrInvalidPASID
	}
	if _, exists := sc.pasids[pasid]; exists {
		return ErrPASIDAlreadyExists
	}

	sc.pasids[pasid] = NewAddressSpace()
	sc.stats.PASIDCount = uint64(len(sc.pasids))
	return nil
}

// RemovePASID drops the PASID and its address space. TLB invalidation
// is coordinated by the controller, which knows the StreamID.
func (sc *StreamContext) RemovePASID(pasid PASID) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.validPASID(pasid) {
		return ErrInvalidPASID
	}
	if _, exists := sc.pasids[pasid]; !exists {
		return ErrPASIDNotFound
	}

	delete(sc.pasids, pasid)
	sc.stats.PASIDCount = uint64(len(sc.pasids))
	return nil
}

// AddPASID installs an existing address space for the PASID, replacing
// any previous binding. This supports address spaces shared across
// PASIDs or streams.
func (sc *StreamContext) AddPASID(pasid PASID, space *AddressSpace) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if !sc.validPASID(pasid) {
		return ErrInvalidPASID
	}
	if space == nil {
		return ErrInternal
	}

	sc.pasids[pasid] = space
	sc.stats.PASIDCount = uint64(len(sc.pasids))
	return nil
}

// MapPage installs a mapping in the PASID's address space.
func (sc *StreamContext) MapPage(pasid PASID, iova IOVA, pa PA, perms PagePermissions, sec SecurityState) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	space, err := sc.pasidSpaceLocked(pasid)
	if err != nil {
		return err
	}
	return space.Map(iova, pa, perms, sec)
}

// UnmapPage removes a mapping from the PASID's address space. TLB
// invalidation is coordinated by the controller.
func (sc *StreamContext) UnmapPage(pasid PASID, iova IOVA) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	space, err := sc.pasidSpaceLocked(pasid)
	if err != nil {
		return err
	}
	return space.Unmap(iova)
}

func (sc *StreamContext) pasidSpaceLocked(pasid PASID) (*AddressSpace, error) {
	if !sc.validPASID(pasid) {
		return nil, ErrInvalidPASID
	}
	space, exists := sc.pasids[pasid]
	if !exists {
		return nil, ErrPASIDNotFound
	}
	if space == nil {
		return nil, ErrInternal
	}
	return space, nil
}

// Translate runs the stage composition for this stream: Stage-1 maps
// IOVA to IPA through the PASID's space, Stage-2 maps IPA to PA
// through the shared space, and the result carries the intersection of
// both stages' permissions. Errors are stage-tagged FaultErrors. The
// context mutex is held for the whole walk.
func (sc *StreamContext) Translate(pasid PASID, iova IOVA, access AccessType, sec SecurityState) (TranslationData, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.stats.TranslationCount++
	sc.stats.LastAccessTimestamp = sc.timestamp()

	stage1 := sc.cfg.Stage1Enabled
	stage2 := sc.cfg.Stage2Enabled

	if !stage1 && !stage2 {
		// No stage configured: identity pass-through.
		return TranslationData{
			PhysicalAddress: PA(iova),
			SecurityState:   sec,
		}, nil
	}

	if sc.cfg.TranslationEnabled && !sc.enabled {
		sc.stats.FaultCount++
		return TranslationData{}, faultErr(FaultTranslation, determineFaultStage(sc.cfg, FaultTranslation), 0, ErrStreamDisabled)
	}

	if !sc.validPASID(pasid) {
		sc.stats.FaultCount++
		return TranslationData{}, faultErr(FaultTranslation, StageUnknown, 0, ErrInvalidPASID)
	}

	var (
		stage1Data TranslationData
		ipa        = IPA(iova)
	)

	if stage1 {
		space, exists := sc.pasids[pasid]
		if !exists || space == nil {
			sc.stats.FaultCount++
			// With a second stage configured the missing PASID is a
			// Stage-1 context problem; alone it reads as an unmapped
			// page.
			if stage2 {
				return TranslationData{}, faultErr(FaultTranslation, Stage1Only, 0, ErrPASIDNotFound)
			}
			return TranslationData{}, faultErr(FaultTranslation, Stage1Only, 0, ErrPageNotMapped)
		}

		var (
			data TranslationData
			err  error
		)
		if stage2 {
			// Access is judged on the intersected permissions after
			// the second stage.
			data, err = space.Lookup(iova, sec)
		} else {
			data, err = space.Translate(iova, access, sec)
		}
		if err != nil {
			sc.stats.FaultCount++
			level := uint8(0)
			if stage2 {
				level = 1
			}
			return TranslationData{}, faultErr(stage1FaultType(err), Stage1Only, level, err)
		}
		stage1Data = data
		ipa = IPA(data.PhysicalAddress)

		if stage2 && ipa == 0 && iova != 0 {
			sc.stats.FaultCount++
			return TranslationData{}, faultErr(FaultTranslation, Stage1Only, 1, ErrTranslationTableError)
		}
	}

	if !stage2 {
		return stage1Data, nil
	}

	if sc.stage2 == nil {
		sc.stats.FaultCount++
		if stage1 {
			return TranslationData{}, faultErr(FaultTranslation, Stage2Only, 0, ErrAddressSpaceExhausted)
		}
		return TranslationData{}, faultErr(FaultTranslation, Stage2Only, 0, ErrPageNotMapped)
	}

	var (
		stage2Data TranslationData
		err        error
	)
	if stage1 {
		stage2Data, err = sc.stage2.Lookup(IOVA(ipa), sec)
	} else {
		stage2Data, err = sc.stage2.Translate(IOVA(ipa), access, sec)
	}
	if err != nil {
		sc.stats.FaultCount++
		level := uint8(0)
		if stage1 {
			level = 2
		}
		return TranslationData{}, faultErr(stage2FaultType(err, stage1), Stage2Only, level, err)
	}

	if !stage1 {
		return stage2Data, nil
	}

	// Both stages ran: the result grants only what both stages grant,
	// and the stages must agree on the security state.
	final := TranslationData{
		PhysicalAddress: stage2Data.PhysicalAddress,
		Permissions:     stage1Data.Permissions.Intersect(stage2Data.Permissions),
		SecurityState:   stage2Data.SecurityState,
	}

	if stage1Data.SecurityState != stage2Data.SecurityState {
		sc.stats.FaultCount++
		return TranslationData{}, faultErr(FaultSecurity, BothStages, 0, ErrInvalidSecurityState)
	}
	if !securityStateCompatible(sec, stage2Data.SecurityState) {
		sc.stats.FaultCount++
		return TranslationData{}, faultErr(FaultSecurity, BothStages, 0, ErrInvalidSecurityState)
	}
	if !final.Permissions.Allows(access) {
		sc.stats.FaultCount++
		return TranslationData{}, faultErr(FaultPermission, BothStages, 2, ErrPagePermissionViolation)
	}

	return final, nil
}

// stage1FaultType maps a Stage-1 address space error to the fault type
// recorded for it.
func stage1FaultType(err error) FaultType {
	switch err {
	case ErrPageNotMapped:
		return FaultTranslation
	case ErrPagePermissionViolation:
		return FaultPermission
	case ErrInvalidSecurityState:
		return FaultSecurity
	}
	return FaultAccess
}

// stage2FaultType maps a Stage-2 address space error to the fault type
// recorded for it; in a two-stage walk the Stage-2 variants are used.
func stage2FaultType(err error, bothStages bool) FaultType {
	if bothStages {
		switch err {
		case ErrPageNotMapped:
			return FaultStage2Translation
		case ErrInvalidSecurityState:
			return FaultSecurity
		}
		return FaultStage2Permission
	}
	return stage1FaultType(err)
}

// SetStage1Enabled toggles Stage-1 translation.
func (sc *StreamContext) SetStage1Enabled(enabled bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg.Stage1Enabled = enabled
}

// SetStage2Enabled toggles Stage-2 translation. Stage-2 needs a
// configured address space to resolve anything.
func (sc *StreamContext) SetStage2Enabled(enabled bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg.Stage2Enabled = enabled
}

// SetStage2AddressSpace installs the shared Stage-2 space. The space
// may be shared by several streams.
func (sc *StreamContext) SetStage2AddressSpace(space *AddressSpace) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stage2 = space
}

// SetFaultMode selects the fault response for this stream.
func (sc *StreamContext) SetFaultMode(mode FaultMode) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg.FaultMode = mode
}

// HasPASID reports whether the PASID exists in this stream.
func (sc *StreamContext) HasPASID(pasid PASID) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.validPASID(pasid) {
		return false
	}
	_, exists := sc.pasids[pasid]
	return exists
}

// Stage1Enabled reports whether Stage-1 translation is on.
func (sc *StreamContext) Stage1Enabled() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cfg.Stage1Enabled
}

// Stage2Enabled reports whether Stage-2 translation is on.
func (sc *StreamContext) Stage2Enabled() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cfg.Stage2Enabled
}

// PASIDCount returns the number of PASIDs in this stream.
func (sc *StreamContext) PASIDCount() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.pasids)
}

// PASIDAddressSpace returns the address space bound to the PASID, or
// nil. The pointer must not be retained across configuration changes.
func (sc *StreamContext) PASIDAddressSpace(pasid PASID) *AddressSpace {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.validPASID(pasid) {
		return nil
	}
	return sc.pasids[pasid]
}

// Stage2AddressSpace returns the shared Stage-2 space, or nil.
func (sc *StreamContext) Stage2AddressSpace() *AddressSpace {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stage2
}

// MappedPageCount returns the number of pages mapped across every
// PASID space plus the shared Stage-2 space.
func (sc *StreamContext) MappedPageCount() int {
	sc.mu.Lock()
	spaces := make([]*AddressSpace, 0, len(sc.pasids)+1)
	seen := make(map[*AddressSpace]bool)
	for _, space := range sc.pasids {
		if space != nil && !seen[space] {
			seen[space] = true
			spaces = append(spaces, space)
		}
	}
	if sc.stage2 != nil && !seen[sc.stage2] {
		spaces = append(spaces, sc.stage2)
	}
	sc.mu.Unlock()

	total := 0
	for _, space := range spaces {
		total += space.PageCount()
	}
	return total
}

// ClearAllPASIDs drops every PASID and its address space.
func (sc *StreamContext) ClearAllPASIDs() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.pasids = make(map[PASID]*AddressSpace)
	sc.stats.PASIDCount = 0
	return nil
}

// UpdateConfiguration validates and atomically replaces the stream
// configuration. The enable state is orthogonal and preserved.
func (sc *StreamContext) UpdateConfiguration(cfg StreamConfig) error {
	if err := sc.IsConfigurationValid(cfg); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	sc.configChanged = true
	return nil
}

// ApplyConfigurationChanges validates the new configuration and
// applies it, marking the context changed only when something actually
// differs.
func (sc *StreamContext) ApplyConfigurationChanges(cfg StreamConfig) error {
	if err := sc.IsConfigurationValid(cfg); err != nil {
		return err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.cfg == cfg {
		return nil
	}
	sc.cfg = cfg
	sc.configChanged = true
	return nil
}

// IsConfigurationValid checks a stream configuration: stage control
// fields, table base alignment for the stated granule, and security
// consistency. A configuration with translation enabled but no stages
// is accepted here; it faults at translation time instead.
func (sc *StreamContext) IsConfigurationValid(cfg StreamConfig) error {
	if cfg.FaultMode > FaultModeStall {
		return ErrInvalidConfiguration
	}
	if cfg.SecurityState > Realm {
		return ErrInvalidConfiguration
	}

	if cfg.Stage1Enabled && cfg.Stage1TTBR[0] != 0 {
		if err := sc.ValidateTranslationTableBase(cfg.Stage1TTBR[0], cfg.Stage1TCR.Granule, cfg.Stage1TCR.AddressSpaceBits); err != nil {
			return err
		}
	}
	if cfg.Stage1Enabled && cfg.Stage1TTBR[1] != 0 {
		if err := sc.ValidateTranslationTableBase(cfg.Stage1TTBR[1], cfg.Stage1TCR.Granule, cfg.Stage1TCR.AddressSpaceBits); err != nil {
			return err
		}
	}
	if cfg.Stage2Enabled && cfg.Stage2TTBR != 0 {
		if err := sc.ValidateTranslationTableBase(cfg.Stage2TTBR, cfg.Stage2TCR.Granule, cfg.Stage2TCR.AddressSpaceBits); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTranslationTableBase checks that a table base is aligned to
// the granule and inside the stated address width.
func (sc *StreamContext) ValidateTranslationTableBase(ttbr uint64, granule TranslationGranule, addressBits uint8) error {
	if !granule.Valid() {
		return ErrInvalidConfiguration
	}
	if addressBits < 32 || addressBits > 52 {
		return ErrInvalidConfiguration
	}
	if ttbr%uint64(granule) != 0 {
		return ErrInvalidAddress
	}
	if addressBits < 64 && ttbr >= uint64(1)<<addressBits {
		return ErrInvalidAddress
	}
	return nil
}

// ValidateContextDescriptor checks a Stage-1 context descriptor for
// the PASID. A descriptor that passes registers its ASID binding for
// later conflict detection.
func (sc *StreamContext) ValidateContextDescriptor(cd ContextDescriptor, pasid PASID, sid StreamID) error {
	if !cd.Valid {
		return ErrConfigurationError
	}
	if !sc.validPASID(pasid) {
		return ErrInvalidPASID
	}
	if cd.TTBR0 != 0 {
		if err := sc.ValidateTranslationTableBase(cd.TTBR0, cd.TCR.Granule, cd.TCR.AddressSpaceBits); err != nil {
			return err
		}
	}
	if cd.TTBR1 != 0 {
		if err := sc.ValidateTranslationTableBase(cd.TTBR1, cd.TCR.Granule, cd.TCR.AddressSpaceBits); err != nil {
			return err
		}
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	binding := asidBinding{asid: cd.ASID, sec: sc.cfg.SecurityState}
	if owner, exists := sc.asids[binding]; exists && owner != pasid {
		return ErrInvalidConfiguration
	}
	sc.asids[binding] = pasid
	return nil
}

// ValidateASIDConfiguration checks an ASID value against the bindings
// registered by earlier context descriptor validation: the same ASID
// may not serve two PASIDs within one security state.
func (sc *StreamContext) ValidateASIDConfiguration(asid uint16, pasid PASID, sec SecurityState) error {
	if !sc.validPASID(pasid) {
		return ErrInvalidPASID
	}
	if sec > Realm {
		return ErrInvalidSecurityState
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if owner, exists := sc.asids[asidBinding{asid: asid, sec: sec}]; exists && owner != pasid {
		return ErrInvalidConfiguration
	}
	return nil
}

// ValidateStreamTableEntry checks a stream table entry: the valid bit,
// stage pointers consistent with the enabled stages, and pointer
// alignment.
func (sc *StreamContext) ValidateStreamTableEntry(ste StreamTableEntry) error {
	if !ste.Valid {
		return ErrConfigurationError
	}
	if ste.SecurityState > Realm {
		return ErrInvalidSecurityState
	}
	if ste.TranslationEnabled && !ste.Stage1Enabled && !ste.Stage2Enabled {
		return ErrInvalidConfiguration
	}
	if ste.Stage1Enabled {
		// Context descriptor tables are 64-byte aligned.
		if ste.S1ContextPtr == 0 || ste.S1ContextPtr%64 != 0 {
			return ErrInvalidAddress
		}
	}
	if ste.Stage2Enabled {
		if ste.S2TTB == 0 || ste.S2TTB%uint64(Granule4K) != 0 {
			return ErrInvalidAddress
		}
	}
	return nil
}

// Enable marks the stream operational. Configuration and enabling are
// separate operations.
func (sc *StreamContext) Enable() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.enabled = true
	return nil
}

// Disable halts the stream; configuration is preserved.
func (sc *StreamContext) Disable() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.enabled = false
	return nil
}

// Enabled reports whether the stream is operational.
func (sc *StreamContext) Enabled() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.enabled
}

// Configuration returns the current stream configuration.
func (sc *StreamContext) Configuration() StreamConfig {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.cfg
}

// Statistics returns a snapshot of the stream's usage counters.
func (sc *StreamContext) Statistics() StreamStatistics {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.stats
}

// HasConfigurationChanged reports whether the configuration was
// modified since creation.
func (sc *StreamContext) HasConfigurationChanged() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.configChanged
}

// IsTranslationActive reports whether the stream would currently
// translate: enabled, translation configured, and at least one stage
// on.
func (sc *StreamContext) IsTranslationActive() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.enabled && sc.cfg.TranslationEnabled && (sc.cfg.Stage1Enabled || sc.cfg.Stage2Enabled)
}

// SetFaultHandler installs the fault handler hook. The context holds a
// non-owning reference; the controller owns the handler.
func (sc *StreamContext) SetFaultHandler(handler *FaultHandler) error {
	if handler == nil {
		return ErrFaultHandling
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.faultHandler = handler
	return nil
}

// FaultHandler returns the installed fault handler, or nil.
func (sc *StreamContext) FaultHandler() *FaultHandler {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.faultHandler
}

// HasFaultHandler reports whether a fault handler is installed.
func (sc *StreamContext) HasFaultHandler() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.faultHandler != nil
}

// RecordFault forwards a fault record to the installed handler.
func (sc *StreamContext) RecordFault(fault FaultRecord) error {
	sc.mu.Lock()
	handler := sc.faultHandler
	sc.mu.Unlock()

	if handler == nil {
		return ErrFaultHandling
	}
	handler.Record(fault)
	return nil
}

// ClearStreamFaults drops this stream's records from the installed
// fault handler.
func (sc *StreamContext) ClearStreamFaults(sid StreamID) {
	sc.mu.Lock()
	handler := sc.faultHandler
	sc.mu.Unlock()

	if handler == nil {
		return
	}
	handler.DropByStream(sid)
}

// noteFault bumps the stream's fault counter; used by the controller
// when it classifies a fault on the stream's behalf.
func (sc *StreamContext) noteFault() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.stats.FaultCount++
}
