package smmuv3

import "sync"

// defaultMaxFaultRecords bounds the fault store until configured
// otherwise.
const defaultMaxFaultRecords = 1000

// FaultHandler is an ordered, bounded store of fault records with
// filtering, aging, and rate queries. Records are kept in insertion
// order; when the bound is exceeded the oldest records are dropped.
type FaultHandler struct {
	mu sync.Mutex

	records []FaultRecord
	maxSize int

	totalFaults       uint64
	translationFaults uint64
	permissionFaults  uint64

	now func() uint64
}

// NewFaultHandler creates a fault handler with the default record
// bound. The clock yields microseconds on a monotonic timeline.
func NewFaultHandler(clock func() uint64) *FaultHandler {
	return &FaultHandler{
		maxSize: defaultMaxFaultRecords,
		now:     clock,
	}
}

// Record appends a fault and enforces the record bound.
func (h *FaultHandler) Record(fault FaultRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.records = append(h.records, fault)
	h.totalFaults++
	switch {
	case fault.FaultType.isTranslationKind():
		h.translationFaults++
	case fault.FaultType.isPermissionKind():
		h.permissionFaults++
	}
	h.enforceLimitLocked()
}

// RecordTranslationFault records a translation fault for the given
// transaction, stamping the current time.
func (h *FaultHandler) RecordTranslationFault(sid StreamID, pasid PASID, iova IOVA, access AccessType) {
	h.Record(FaultRecord{
		StreamID:   sid,
		PASID:      pasid,
		Address:    iova,
		FaultType:  FaultTranslation,
		AccessType: access,
		Timestamp:  h.timestamp(),
	})
}

// RecordPermissionFault records a permission fault for the given
// transaction, stamping the current time.
func (h *FaultHandler) RecordPermissionFault(sid StreamID, pasid PASID, iova IOVA, access AccessType) {
	h.Record(FaultRecord{
		StreamID:   sid,
		PASID:      pasid,
		Address:    iova,
		FaultType:  FaultPermission,
		AccessType: access,
		Timestamp:  h.timestamp(),
	})
}

// Faults returns a snapshot copy of every stored record in insertion
// order.
func (h *FaultHandler) Faults() []FaultRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]FaultRecord, len(h.records))
	copy(out, h.records)
	return out
}

// ClearFaults drops every stored record. Statistics are untouched.
func (h *FaultHandler) ClearFaults() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
}

// HasFaults reports whether any record is stored.
func (h *FaultHandler) HasFaults() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records) > 0
}

// FaultCount returns the number of stored records.
func (h *FaultHandler) FaultCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// FaultsByStream returns the stored records for one stream.
func (h *FaultHandler) FaultsByStream(sid StreamID) []FaultRecord {
	return h.filtered(func(f FaultRecord) bool { return f.StreamID == sid })
}

// FaultsByPASID returns the stored records for one PASID.
func (h *FaultHandler) FaultsByPASID(pasid PASID) []FaultRecord {
	return h.filtered(func(f FaultRecord) bool { return f.PASID == pasid })
}

// RecentFaults returns the records with timestamps in
// (now-window, now]. Both arguments are microseconds.
func (h *FaultHandler) RecentFaults(now, window uint64) []FaultRecord {
	var earliest uint64
	if now > window {
		earliest = now - window
	}
	return h.filtered(func(f FaultRecord) bool {
		return f.Timestamp > earliest && f.Timestamp <= now
	})
}

// FaultRate returns the number of faults recorded inside the window.
func (h *FaultHandler) FaultRate(now, window uint64) uint64 {
	return uint64(len(h.RecentFaults(now, window)))
}

// SetMaxFaults changes the record bound, trimming the oldest records
// if needed.
func (h *FaultHandler) SetMaxFaults(max int) {
	if max < 0 {
		max = 0
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.maxSize = max
	h.enforceLimitLocked()
}

// MaxFaults returns the record bound.
func (h *FaultHandler) MaxFaults() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxSize
}

// TotalFaultCount returns the number of faults recorded since the last
// statistics reset.
func (h *FaultHandler) TotalFaultCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalFaults
}

// TranslationFaultCount returns the number of translation-class faults
// recorded since the last statistics reset.
func (h *FaultHandler) TranslationFaultCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.translationFaults
}

// PermissionFaultCount returns the number of permission-class faults
// recorded since the last statistics reset.
func (h *FaultHandler) PermissionFaultCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permissionFaults
}

// CountByType returns how many stored records have the given type.
func (h *FaultHandler) CountByType(t FaultType) int {
	return len(h.filtered(func(f FaultRecord) bool { return f.FaultType == t }))
}

// CountByAccessType returns how many stored records have the given
// access type.
func (h *FaultHandler) CountByAccessType(a AccessType) int {
	return len(h.filtered(func(f FaultRecord) bool { return f.AccessType == a }))
}

// DropByStream removes every stored record belonging to one stream.
// Statistics are untouched.
func (h *FaultHandler) DropByStream(sid StreamID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	kept := h.records[:0]
	for _, f := range h.records {
		if f.StreamID != sid {
			kept = append(kept, f)
		}
	}
	h.records = kept
}

// ResetStatistics zeroes the counters without touching stored records.
func (h *FaultHandler) ResetStatistics() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalFaults = 0
	h.translationFaults = 0
	h.permissionFaults = 0
}

// Reset drops every record and zeroes the counters.
func (h *FaultHandler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = nil
	h.totalFaults = 0
	h.translationFaults = 0
	h.permissionFaults = 0
}

func (h *FaultHandler) filtered(match func(FaultRecord) bool) []FaultRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []FaultRecord
	for _, f := range h.records {
		if match(f) {
			out = append(out, f)
		}
	}
	return out
}

func (h *FaultHandler) timestamp() uint64 {
	if h.now == nil {
		return 0
	}
	return h.now()
}

// enforceLimitLocked trims the oldest records down to the bound.
func (h *FaultHandler) enforceLimitLocked() {
	if len(h.records) > h.maxSize {
		drop := len(h.records) - h.maxSize
		h.records = append(h.records[:0:0], h.records[drop:]...)
	}
}
