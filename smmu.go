package smmuv3

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyrange/smmuv3/config"
)

// maxCacheAgeMicros is the controller-side freshness bound applied on
// the TLB fast path, independent of the cache's own aging.
const maxCacheAgeMicros = 1_000_000

// SMMU is the top-level controller: it owns the stream table, the TLB
// cache, the fault handler, and the three ordered queues, and it runs
// the translation engine.
//
// One coarse mutex protects the stream table and the queues. Stream
// contexts, the TLB, and the fault handler carry their own inner
// mutexes; lock order is controller, then stream context, then the
// leaves. The translation counter is atomic and updated outside any
// lock.
type SMMU struct {
	mu sync.Mutex

	streams map[StreamID]*StreamContext

	faultHandler *FaultHandler
	tlb          *TLBCache

	cfg config.Config

	globalFaultMode FaultMode
	caching         atomic.Bool

	translations atomic.Uint64

	eventQueue   []EventEntry
	commandQueue []CommandEntry
	priQueue     []PRIEntry

	maxEventQueueSize   int
	maxCommandQueueSize int
	maxPRIQueueSize     int

	// eventsProcessed counts drained events by type.
	eventsProcessed map[EventType]uint64

	start time.Time
	clock func() uint64

	logger *slog.Logger
}

// New creates a controller with the given configuration.
func New(cfg config.Config) (*SMMU, error) {
	if !cfg.Valid() {
		return nil, ErrInvalidConfiguration
	}

	s := &SMMU{
		streams:             make(map[StreamID]*StreamContext),
		cfg:                 cfg.Clone(),
		globalFaultMode:     FaultModeTerminate,
		maxEventQueueSize:   int(cfg.Queue.EventQueueSize),
		maxCommandQueueSize: int(cfg.Queue.CommandQueueSize),
		maxPRIQueueSize:     int(cfg.Queue.PRIQueueSize),
		eventsProcessed:     make(map[EventType]uint64),
		start:               time.Now(),
		logger:              slog.Default(),
	}
	s.clock = func() uint64 { return uint64(time.Since(s.start).Microseconds()) }
	s.faultHandler = NewFaultHandler(s.clock)
	s.tlb = NewTLBCache(int(cfg.Cache.TLBCacheSize), uint64(cfg.Cache.CacheMaxAge)*1000, s.clock)
	s.caching.Store(cfg.Cache.EnableCaching)
	return s, nil
}

// NewDefault creates a controller with the default configuration.
func NewDefault() *SMMU {
	s, err := New(config.Default())
	if err != nil {
		// The default configuration always validates.
		panic(err)
	}
	return s
}

// maxStreamID returns the largest valid StreamID under the current
// address configuration.
func (s *SMMU) maxStreamID() StreamID {
	return StreamID(s.cfg.Address.MaxStreamCount - 1)
}

// maxPASID returns the largest valid PASID under the current address
// configuration.
func (s *SMMU) maxPASID() PASID {
	return PASID(s.cfg.Address.MaxPASIDCount - 1)
}

// Translate resolves a device transaction: TLB fast path, then the
// stream's stage composition, with fault classification and recording
// on every failure path.
func (s *SMMU) Translate(sid StreamID, pasid PASID, iova IOVA, access AccessType, sec SecurityState) (TranslationData, error) {
	s.translations.Add(1)

	if sid > s.maxStreamID() {
		s.recordComprehensiveFault(sid, pasid, iova, FaultTranslation, access, sec, StageUnknown, 0)
		return TranslationData{}, faultErr(FaultTranslation, StageUnknown, 0, ErrInvalidStreamID)
	}

	if s.caching.Load() {
		page := iova &^ PageMask
		if entry, ok := s.tlb.Lookup(sid, pasid, page, sec); ok {
			switch {
			case entry.SecurityState != sec:
				// Wrong security domain: drop the entry and walk.
				s.tlb.InvalidateState(sid, pasid, page, sec)
			case s.clock()-entry.Timestamp > maxCacheAgeMicros:
				// Entry outlived the fast-path freshness bound.
				s.tlb.InvalidateState(sid, pasid, page, sec)
			case !entry.Permissions.Allows(access):
				s.recordComprehensiveFault(sid, pasid, iova, FaultPermission, access, sec, StageUnknown, 0)
				return TranslationData{}, faultErr(FaultPermission, StageUnknown, 0, ErrPagePermissionViolation)
			default:
				return TranslationData{
					PhysicalAddress: entry.PhysicalAddress + PA(iova&PageMask),
					Permissions:     entry.Permissions,
					SecurityState:   entry.SecurityState,
				}, nil
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.streams[sid]
	if !ok {
		s.recordComprehensiveFault(sid, pasid, iova, FaultTranslation, access, sec, StageUnknown, 0)
		return TranslationData{}, faultErr(FaultTranslation, StageUnknown, 0, ErrStreamNotConfigured)
	}

	data, err := s.performTwoStageTranslation(pasid, iova, access, sec, sc)
	if err != nil {
		s.handleTranslationFailure(sid, pasid, iova, access, sec, sc, err)
		return TranslationData{}, err
	}

	if s.caching.Load() && translationCacheable(data, iova) {
		s.tlb.Insert(TLBEntry{
			StreamID:        sid,
			PASID:           pasid,
			IOVA:            iova &^ PageMask,
			PhysicalAddress: data.PhysicalAddress &^ PageMask,
			Permissions:     data.Permissions,
			SecurityState:   data.SecurityState,
			Valid:           true,
			Timestamp:       s.clock(),
		})
	}

	return data, nil
}

// translationCacheable reports whether a successful translation may be
// cached: a nonzero physical page, or the zero page itself.
func translationCacheable(data TranslationData, iova IOVA) bool {
	return data.PhysicalAddress != 0 || iova == 0
}

// performTwoStageTranslation applies the stream's stage configuration:
// bypass when translation is off, a configuration fault when it is on
// with no stages, and the stream context's composition otherwise.
func (s *SMMU) performTwoStageTranslation(pasid PASID, iova IOVA, access AccessType, sec SecurityState, sc *StreamContext) (TranslationData, error) {
	cfg := sc.Configuration()

	if !cfg.TranslationEnabled {
		return TranslationData{
			PhysicalAddress: PA(iova),
			Permissions:     PermRWX,
			SecurityState:   sec,
		}, nil
	}

	if !cfg.Stage1Enabled && !cfg.Stage2Enabled {
		sc.noteFault()
		return TranslationData{}, faultErr(FaultTranslation, StageUnknown, 0, ErrConfigurationError)
	}

	data, err := sc.Translate(pasid, iova, access, sec)
	if err != nil {
		return TranslationData{}, err
	}

	if data.PhysicalAddress == 0 && iova != 0 {
		sc.noteFault()
		stage := determineFaultStage(cfg, FaultTranslation)
		return TranslationData{}, faultErr(FaultTranslation, stage, 0, ErrTranslationTableError)
	}

	return data, nil
}

// handleTranslationFailure classifies a failed translation, records
// exactly one fault for it, and runs the local recovery that keeps the
// TLB coherent with the failure.
func (s *SMMU) handleTranslationFailure(sid StreamID, pasid PASID, iova IOVA, access AccessType, sec SecurityState, sc *StreamContext, err error) {
	faultType, stage, level := s.classifyFailure(sc, iova, err)
	s.recordComprehensiveFault(sid, pasid, iova, faultType, access, sec, stage, level)

	// Drop any stale entry covering the key so a corrected mapping is
	// picked up on the next walk.
	switch {
	case faultType.isTranslationKind(), faultType.isPermissionKind(), faultType == FaultAccess:
		s.tlb.Invalidate(sid, pasid, iova&^PageMask)
	}
}

// classifyFailure refines an error from the translation path into a
// fault type, stage, and table level.
func (s *SMMU) classifyFailure(sc *StreamContext, iova IOVA, err error) (FaultType, FaultStage, uint8) {
	stage := StageUnknown
	level := uint8(0)

	var fe *FaultError
	if errors.As(err, &fe) {
		stage = fe.Stage
		level = fe.Level
	}

	switch {
	case errors.Is(err, ErrPageNotMapped):
		if fe != nil && fe.Type.isTranslationKind() {
			return fe.Type, stage, level
		}
		if level >= 1 && level <= 3 {
			return classifyTranslationLevelFault(iova, level, false), stage, level
		}
		return FaultTranslation, stage, level
	case errors.Is(err, ErrPagePermissionViolation):
		if fe != nil && fe.Type == FaultStage2Permission {
			return FaultStage2Permission, stage, level
		}
		return FaultPermission, stage, level
	case errors.Is(err, ErrInvalidAddress):
		if iova > maxReasonableIOVA {
			return FaultAddressSize, stage, level
		}
		if iova == 0 {
			return FaultAccess, stage, level
		}
		return FaultAddressSize, stage, level
	case errors.Is(err, ErrInvalidSecurityState):
		return FaultSecurity, stage, level
	}

	if fe != nil {
		return fe.Type, stage, level
	}
	if sc != nil {
		return FaultTranslation, determineFaultStage(sc.Configuration(), FaultTranslation), level
	}
	return FaultTranslation, stage, level
}

// recordComprehensiveFault builds the syndrome for a fault and records
// it through the fault handler.
func (s *SMMU) recordComprehensiveFault(sid StreamID, pasid PASID, iova IOVA, faultType FaultType, access AccessType, sec SecurityState, stage FaultStage, level uint8) {
	priv := determinePrivilegeLevel(access, sec)
	syndrome := generateFaultSyndrome(faultType, stage, access, level, priv, 0)

	s.faultHandler.Record(FaultRecord{
		StreamID:      sid,
		PASID:         pasid,
		Address:       iova,
		FaultType:     faultType,
		AccessType:    access,
		SecurityState: sec,
		Syndrome:      syndrome,
		Timestamp:     s.clock(),
	})

	s.logger.Debug("fault recorded",
		"stream", sid, "pasid", pasid, "addr", iova,
		"fault", faultType.String(), "stage", stage.String())
}

// ConfigureStream creates or reconfigures a stream. Enable state is
// orthogonal to configuration and preserved across reconfiguration;
// reconfiguring flushes the stream's cached translations.
func (s *SMMU) ConfigureStream(sid StreamID, cfg StreamConfig) error {
	if sid > s.maxStreamID() {
		return ErrInvalidStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sc, exists := s.streams[sid]; exists {
		if err := sc.UpdateConfiguration(cfg); err != nil {
			return err
		}
		s.tlb.InvalidateStream(sid)
		return nil
	}

	sc := NewStreamContext(s.maxPASID(), s.cfg.Address.PASID0Reserved, s.clock)
	if err := sc.UpdateConfiguration(cfg); err != nil {
		return err
	}
	if err := sc.SetFaultHandler(s.faultHandler); err != nil {
		return err
	}
	s.streams[sid] = sc

	s.logger.Info("stream configured", "stream", sid,
		"stage1", cfg.Stage1Enabled, "stage2", cfg.Stage2Enabled)
	return nil
}

// RemoveStream disables and deletes a stream, dropping its PASIDs and
// its cached translations.
func (s *SMMU) RemoveStream(sid StreamID) error {
	if sid > s.maxStreamID() {
		return ErrInvalidStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sc, exists := s.streams[sid]
	if !exists {
		return ErrStreamNotFound
	}

	_ = sc.Disable()
	_ = sc.ClearAllPASIDs()
	delete(s.streams, sid)
	s.tlb.InvalidateStream(sid)
	return nil
}

// IsStreamConfigured reports whether a stream exists.
func (s *SMMU) IsStreamConfigured(sid StreamID) (bool, error) {
	if sid > s.maxStreamID() {
		return false, ErrInvalidStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.streams[sid]
	return exists, nil
}

// EnableStream marks a stream operational.
func (s *SMMU) EnableStream(sid StreamID) error {
	sc, err := s.lookupStream(sid)
	if err != nil {
		return err
	}
	return sc.Enable()
}

// DisableStream halts a stream, keeping its configuration.
func (s *SMMU) DisableStream(sid StreamID) error {
	sc, err := s.lookupStream(sid)
	if err != nil {
		return err
	}
	return sc.Disable()
}

// IsStreamEnabled reports whether a stream is operational.
func (s *SMMU) IsStreamEnabled(sid StreamID) (bool, error) {
	if sid > s.maxStreamID() {
		return false, ErrInvalidStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sc, exists := s.streams[sid]
	if !exists {
		return false, ErrStreamNotConfigured
	}
	return sc.Enabled(), nil
}

func (s *SMMU) lookupStream(sid StreamID) (*StreamContext, error) {
	if sid > s.maxStreamID() {
		return nil, ErrInvalidStreamID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sc, exists := s.streams[sid]
	if !exists {
		return nil, ErrStreamNotFound
	}
	return sc, nil
}

// CreateStreamPASID creates a PASID with a fresh address space inside
// a stream.
func (s *SMMU) CreateStreamPASID(sid StreamID, pasid PASID) error {
	if pasid > s.maxPASID() {
		return ErrInvalidPASID
	}
	sc, err := s.lookupStream(sid)
	if err != nil {
		return err
	}
	if sc.PASIDCount() >= int(s.cfg.Address.MaxPASIDCount) {
		return ErrPASIDLimitExceeded
	}
	return sc.CreatePASID(pasid)
}

// RemoveStreamPASID removes a PASID and flushes its cached
// translations.
func (s *SMMU) RemoveStreamPASID(sid StreamID, pasid PASID) error {
	sc, err := s.lookupStream(sid)
	if err != nil {
		return err
	}
	if err := sc.RemovePASID(pasid); err != nil {
		return err
	}
	s.tlb.InvalidatePASID(sid, pasid)
	return nil
}

// MapPage installs a mapping in a stream's PASID address space.
func (s *SMMU) MapPage(sid StreamID, pasid PASID, iova IOVA, pa PA, perms PagePermissions, sec SecurityState) error {
	sc, err := s.lookupStream(sid)
	if err != nil {
		return err
	}
	if s.cfg.Resource.EnableResourceTracking && s.MemoryUsage() >= s.cfg.Resource.MaxMemoryUsage {
		return ErrOutOfMemory
	}
	return sc.MapPage(pasid, iova, pa, perms, sec)
}

// UnmapPage removes a mapping. The covering TLB entry is invalidated
// before the call returns so later translations cannot hit stale
// state.
func (s *SMMU) UnmapPage(sid StreamID, pasid PASID, iova IOVA) error {
	sc, err := s.lookupStream(sid)
	if err != nil {
		return err
	}
	if err := sc.UnmapPage(pasid, iova); err != nil {
		return err
	}
	s.tlb.Invalidate(sid, pasid, iova&^PageMask)
	return nil
}

// UnmapRange removes every mapping in [start, end] for a PASID and
// invalidates the covering TLB entries. It returns how many pages were
// dropped.
func (s *SMMU) UnmapRange(sid StreamID, pasid PASID, start, end IOVA) (int, error) {
	sc, err := s.lookupStream(sid)
	if err != nil {
		return 0, err
	}

	space := sc.PASIDAddressSpace(pasid)
	if space == nil {
		return 0, ErrPASIDNotFound
	}

	count := space.UnmapRange(start, end)
	if count > 0 {
		s.tlb.InvalidatePASID(sid, pasid)
	}
	return count, nil
}

// Events returns a snapshot of all recorded fault records.
func (s *SMMU) Events() ([]FaultRecord, error) {
	if s.faultHandler == nil {
		return nil, ErrFaultHandling
	}
	return s.faultHandler.Faults(), nil
}

// ClearEvents drops all recorded fault records.
func (s *SMMU) ClearEvents() error {
	if s.faultHandler == nil {
		return ErrFaultHandling
	}
	s.faultHandler.ClearFaults()
	return nil
}

// SetGlobalFaultMode sets the fault mode on the controller and every
// configured stream.
func (s *SMMU) SetGlobalFaultMode(mode FaultMode) error {
	if mode > FaultModeStall {
		return ErrInvalidConfiguration
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.globalFaultMode = mode
	for _, sc := range s.streams {
		cfg := sc.Configuration()
		cfg.FaultMode = mode
		if err := sc.UpdateConfiguration(cfg); err != nil {
			return err
		}
	}
	return nil
}

// GlobalFaultMode returns the controller-wide fault mode.
func (s *SMMU) GlobalFaultMode() FaultMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globalFaultMode
}

// EnableCaching toggles the TLB. Disabling flushes the cache so a
// re-enable starts coherent; while disabled the TLB is neither
// consulted nor filled.
func (s *SMMU) EnableCaching(enable bool) error {
	s.caching.Store(enable)
	if !enable {
		if s.tlb == nil {
			return ErrCacheOperationFailed
		}
		s.tlb.InvalidateAll()
	}
	return nil
}

// CachingEnabled reports whether the TLB is in use.
func (s *SMMU) CachingEnabled() bool {
	return s.caching.Load()
}

// Configuration returns a deep copy of the current configuration.
func (s *SMMU) Configuration() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Clone()
}

// UpdateConfiguration validates and applies a full configuration,
// resizing the queues and the TLB to match.
func (s *SMMU) UpdateConfiguration(cfg config.Config) error {
	if !cfg.Valid() {
		return ErrInvalidConfiguration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg.Clone()
	s.applyConfigurationLocked()
	return nil
}

// UpdateQueueConfiguration replaces the queue bounds, trimming queues
// that exceed the new limits.
func (s *SMMU) UpdateQueueConfiguration(q config.Queue) error {
	if !q.Valid() {
		return ErrInvalidConfiguration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Queue = q
	s.applyConfigurationLocked()
	return nil
}

// UpdateCacheConfiguration replaces the cache settings, resizing the
// TLB as needed.
func (s *SMMU) UpdateCacheConfiguration(c config.Cache) error {
	if !c.Valid() {
		return ErrInvalidConfiguration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Cache = c
	s.applyConfigurationLocked()
	return nil
}

// UpdateAddressConfiguration replaces the address limits.
func (s *SMMU) UpdateAddressConfiguration(a config.Address) error {
	if !a.Valid() {
		return ErrInvalidConfiguration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Address = a
	return nil
}

// UpdateResourceLimits replaces the resource limits.
func (s *SMMU) UpdateResourceLimits(r config.Resource) error {
	if !r.Valid() {
		return ErrInvalidConfiguration
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Resource = r
	return nil
}

// applyConfigurationLocked propagates configuration changes to the
// queues and the cache.
func (s *SMMU) applyConfigurationLocked() {
	s.maxEventQueueSize = int(s.cfg.Queue.EventQueueSize)
	s.maxCommandQueueSize = int(s.cfg.Queue.CommandQueueSize)
	s.maxPRIQueueSize = int(s.cfg.Queue.PRIQueueSize)

	if len(s.eventQueue) > s.maxEventQueueSize {
		s.eventQueue = s.eventQueue[len(s.eventQueue)-s.maxEventQueueSize:]
	}
	if len(s.commandQueue) > s.maxCommandQueueSize {
		s.commandQueue = s.commandQueue[len(s.commandQueue)-s.maxCommandQueueSize:]
	}
	if len(s.priQueue) > s.maxPRIQueueSize {
		s.priQueue = s.priQueue[len(s.priQueue)-s.maxPRIQueueSize:]
	}

	s.caching.Store(s.cfg.Cache.EnableCaching)
	if s.tlb.Capacity() != int(s.cfg.Cache.TLBCacheSize) {
		s.tlb.Resize(int(s.cfg.Cache.TLBCacheSize))
	}
	s.tlb.SetMaxAge(uint64(s.cfg.Cache.CacheMaxAge) * 1000)
}

// InvalidateTranslationCache flushes every cached translation.
func (s *SMMU) InvalidateTranslationCache() {
	s.tlb.InvalidateAll()
}

// InvalidateStreamCache flushes every cached translation of a stream.
func (s *SMMU) InvalidateStreamCache(sid StreamID) {
	if sid > s.maxStreamID() {
		return
	}
	s.tlb.InvalidateStream(sid)
}

// InvalidatePASIDCache flushes every cached translation of one PASID.
func (s *SMMU) InvalidatePASIDCache(sid StreamID, pasid PASID) {
	if sid > s.maxStreamID() || pasid > s.maxPASID() {
		return
	}
	s.tlb.InvalidatePASID(sid, pasid)
}

// StreamCount returns the number of configured streams.
func (s *SMMU) StreamCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// TranslationCount returns the number of Translate calls since the
// last statistics reset.
func (s *SMMU) TranslationCount() uint64 {
	return s.translations.Load()
}

// TotalTranslations is an alias for TranslationCount.
func (s *SMMU) TotalTranslations() uint64 {
	return s.translations.Load()
}

// TotalFaults returns the number of faults recorded since the last
// statistics reset.
func (s *SMMU) TotalFaults() uint64 {
	return s.faultHandler.TotalFaultCount()
}

// CacheHitCount returns the TLB hit counter.
func (s *SMMU) CacheHitCount() uint64 {
	return s.tlb.Statistics().Hits
}

// CacheMissCount returns the TLB miss counter.
func (s *SMMU) CacheMissCount() uint64 {
	return s.tlb.Statistics().Misses
}

// CacheStatistics returns a snapshot of the TLB counters.
func (s *SMMU) CacheStatistics() CacheStatistics {
	return s.tlb.Statistics()
}

// FaultHandler exposes the controller's fault handler for filtering
// and rate queries.
func (s *SMMU) FaultHandler() *FaultHandler {
	return s.faultHandler
}

// Rough per-object sizes for the resource estimate.
const (
	streamContextFootprint = 512
	pageEntryFootprint     = 64
	tlbEntryFootprint      = 96
	queueEntryFootprint    = 64
)

// MemoryUsage estimates the model's memory footprint in bytes:
// stream contexts, mapped pages, cached translations, and queued
// entries.
func (s *SMMU) MemoryUsage() uint64 {
	s.mu.Lock()
	streams := len(s.streams)
	pages := 0
	for _, sc := range s.streams {
		pages += sc.MappedPageCount()
	}
	queued := len(s.eventQueue) + len(s.commandQueue) + len(s.priQueue)
	s.mu.Unlock()

	return uint64(streams)*streamContextFootprint +
		uint64(pages)*pageEntryFootprint +
		uint64(s.tlb.Size())*tlbEntryFootprint +
		uint64(queued)*queueEntryFootprint
}

// ResetStatistics zeroes the translation counter, the fault counters,
// and the TLB counters.
func (s *SMMU) ResetStatistics() {
	s.translations.Store(0)
	s.faultHandler.ResetStatistics()
	s.tlb.ResetStatistics()
}

// Reset restores the controller to its initial state: no streams, an
// empty cache, empty queues, terminate fault mode, caching on.
func (s *SMMU) Reset() {
	s.mu.Lock()
	s.streams = make(map[StreamID]*StreamContext)
	s.eventQueue = nil
	s.commandQueue = nil
	s.priQueue = nil
	s.globalFaultMode = FaultModeTerminate
	s.eventsProcessed = make(map[EventType]uint64)
	s.mu.Unlock()

	s.ResetStatistics()
	s.faultHandler.Reset()
	s.tlb.Reset()
	s.caching.Store(true)
}
