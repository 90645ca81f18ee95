package smmuv3

// EventType identifies an event queue entry.
type EventType uint8

const (
	EventTranslationFault EventType = iota
	EventPermissionFault
	EventCommandSyncCompletion
	EventPRIPageRequest
	EventATCInvalidateCompletion
	EventConfigurationError
	EventInternalError
)

func (t EventType) String() string {
	switch t {
	case EventTranslationFault:
		return "TRANSLATION_FAULT"
	case EventPermissionFault:
		return "PERMISSION_FAULT"
	case EventCommandSyncCompletion:
		return "COMMAND_SYNC_COMPLETION"
	case EventPRIPageRequest:
		return "PRI_PAGE_REQUEST"
	case EventATCInvalidateCompletion:
		return "ATC_INVALIDATE_COMPLETION"
	case EventConfigurationError:
		return "CONFIGURATION_ERROR"
	case EventInternalError:
		return "INTERNAL_ERROR"
	}
	return "UNKNOWN"
}

// errorCode returns the error code stamped on events of this type.
func (t EventType) errorCode() uint32 {
	switch t {
	case EventTranslationFault:
		return 0x01
	case EventPermissionFault:
		return 0x02
	case EventConfigurationError:
		return 0x10
	case EventInternalError:
		return 0xFF
	}
	return 0x00
}

// EventEntry is one entry of the event queue.
type EventEntry struct {
	Type          EventType
	StreamID      StreamID
	PASID         PASID
	Address       IOVA
	SecurityState SecurityState
	ErrorCode     uint32
	Timestamp     uint64
}

// CommandType identifies a command queue entry.
type CommandType uint8

const (
	CmdPrefetchConfig CommandType = iota
	CmdPrefetchAddr
	CmdCFGISTE
	CmdCFGIAll
	CmdTLBINHAll
	CmdTLBIEL2All
	CmdTLBIS12VMAll
	CmdATCInv
	CmdPRIResp
	CmdResume
	CmdSync
)

func (t CommandType) String() string {
	switch t {
	case CmdPrefetchConfig:
		return "PREFETCH_CONFIG"
	case CmdPrefetchAddr:
		return "PREFETCH_ADDR"
	case CmdCFGISTE:
		return "CFGI_STE"
	case CmdCFGIAll:
		return "CFGI_ALL"
	case CmdTLBINHAll:
		return "TLBI_NH_ALL"
	case CmdTLBIEL2All:
		return "TLBI_EL2_ALL"
	case CmdTLBIS12VMAll:
		return "TLBI_S12_VMALL"
	case CmdATCInv:
		return "ATC_INV"
	case CmdPRIResp:
		return "PRI_RESP"
	case CmdResume:
		return "RESUME"
	case CmdSync:
		return "SYNC"
	}
	return "UNKNOWN"
}

// CommandEntry is one entry of the command queue.
type CommandEntry struct {
	Type         CommandType
	StreamID     StreamID
	PASID        PASID
	StartAddress IOVA
	EndAddress   IOVA
	Timestamp    uint64
}

// PRIEntry is one entry of the page request interface queue.
type PRIEntry struct {
	StreamID         StreamID
	PASID            PASID
	RequestedAddress IOVA
	AccessType       AccessType
	LastRequest      bool
	Timestamp        uint64
}

// ProcessEventQueue drains the event queue in FIFO order. At this
// abstraction level event handling is bookkeeping: drained events are
// tallied by type.
func (s *SMMU) ProcessEventQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, event := range s.eventQueue {
		s.eventsProcessed[event.Type]++
	}
	s.eventQueue = nil
}

// HasEvents reports whether the event queue holds entries.
func (s *SMMU) HasEvents() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.eventQueue) > 0, nil
}

// EventQueue returns a snapshot of the event queue in FIFO order.
func (s *SMMU) EventQueue() []EventEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]EventEntry, len(s.eventQueue))
	copy(out, s.eventQueue)
	return out
}

// ClearEventQueue drops every pending event.
func (s *SMMU) ClearEventQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventQueue = nil
}

// EventQueueSize returns the number of pending events.
func (s *SMMU) EventQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.eventQueue)
}

// EventsProcessed returns how many events of the given type have been
// drained by ProcessEventQueue.
func (s *SMMU) EventsProcessed(t EventType) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eventsProcessed[t]
}

// SubmitCommand enqueues a command. A full queue rejects the command
// with ErrCommandQueueFull and raises an INTERNAL_ERROR event.
func (s *SMMU) SubmitCommand(cmd CommandEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submitCommandLocked(cmd)
}

func (s *SMMU) submitCommandLocked(cmd CommandEntry) error {
	if len(s.commandQueue) >= s.maxCommandQueueSize {
		s.generateEventLocked(EventInternalError, cmd.StreamID, cmd.PASID, cmd.StartAddress, NonSecure)
		return ErrCommandQueueFull
	}

	cmd.Timestamp = s.clock()
	s.commandQueue = append(s.commandQueue, cmd)
	return nil
}

// ProcessCommandQueue drains the command queue in FIFO order. A SYNC
// command is a barrier: it completes, raises COMMAND_SYNC_COMPLETION,
// and stops this processing pass so commands submitted after it stay
// pending.
func (s *SMMU) ProcessCommandQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.commandQueue) > 0 {
		cmd := s.commandQueue[0]
		s.commandQueue = s.commandQueue[1:]

		s.processCommandLocked(cmd)

		if cmd.Type == CmdSync {
			s.generateEventLocked(EventCommandSyncCompletion, cmd.StreamID, cmd.PASID, cmd.StartAddress, NonSecure)
			break
		}
	}
}

// IsCommandQueueFull reports whether the command queue is at capacity.
func (s *SMMU) IsCommandQueueFull() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commandQueue) >= s.maxCommandQueueSize, nil
}

// CommandQueueSize returns the number of pending commands.
func (s *SMMU) CommandQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.commandQueue)
}

// ClearCommandQueue drops every pending command.
func (s *SMMU) ClearCommandQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commandQueue = nil
}

// SubmitPageRequest enqueues a page request, dropping the oldest
// request when the queue is full, and raises a PRI_PAGE_REQUEST event.
func (s *SMMU) SubmitPageRequest(req PRIEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.priQueue) >= s.maxPRIQueueSize {
		s.priQueue = s.priQueue[1:]
	}

	req.Timestamp = s.clock()
	s.priQueue = append(s.priQueue, req)

	s.generateEventLocked(EventPRIPageRequest, req.StreamID, req.PASID, req.RequestedAddress, NonSecure)
}

// ProcessPRIQueue synthesizes a PRI_RESP command for each pending page
// request in FIFO order. When the command queue fills up, the current
// request stays at the head for a later retry.
func (s *SMMU) ProcessPRIQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.priQueue) > 0 {
		req := s.priQueue[0]

		response := CommandEntry{
			Type:         CmdPRIResp,
			StreamID:     req.StreamID,
			PASID:        req.PASID,
			StartAddress: req.RequestedAddress,
			EndAddress:   req.RequestedAddress,
		}
		if err := s.submitCommandLocked(response); err != nil {
			break
		}
		s.priQueue = s.priQueue[1:]
	}
}

// PRIQueue returns a snapshot of the pending page requests.
func (s *SMMU) PRIQueue() []PRIEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PRIEntry, len(s.priQueue))
	copy(out, s.priQueue)
	return out
}

// ClearPRIQueue drops every pending page request.
func (s *SMMU) ClearPRIQueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priQueue = nil
}

// PRIQueueSize returns the number of pending page requests.
func (s *SMMU) PRIQueueSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.priQueue)
}

// processCommandLocked routes one command by type.
func (s *SMMU) processCommandLocked(cmd CommandEntry) {
	switch cmd.Type {
	case CmdPrefetchConfig, CmdPrefetchAddr:
		// Prefetch hints carry no observable state here.
	case CmdCFGISTE, CmdCFGIAll, CmdTLBINHAll, CmdTLBIEL2All, CmdTLBIS12VMAll, CmdATCInv:
		s.executeInvalidationCommandLocked(cmd)
	case CmdPRIResp:
		// Completion of a page request response; the PRI queue
		// mechanism already accounted for it.
	case CmdResume:
		// Resuming stalled transactions is state-only at this level.
	case CmdSync:
		// Barrier handling lives in ProcessCommandQueue.
	default:
		s.generateEventLocked(EventConfigurationError, cmd.StreamID, cmd.PASID, cmd.StartAddress, NonSecure)
	}
}

// ExecuteInvalidationCommand runs a cache invalidation command and
// raises its completion event.
func (s *SMMU) ExecuteInvalidationCommand(cmd CommandEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeInvalidationCommandLocked(cmd)
}

func (s *SMMU) executeInvalidationCommandLocked(cmd CommandEntry) {
	switch cmd.Type {
	case CmdCFGISTE:
		s.InvalidateStreamCache(cmd.StreamID)
	case CmdCFGIAll:
		s.tlb.InvalidateAll()
	case CmdTLBINHAll, CmdTLBIEL2All, CmdTLBIS12VMAll:
		s.executeTLBInvalidationLocked(cmd.Type, cmd.StreamID, cmd.PASID)
	case CmdATCInv:
		s.executeATCInvalidationLocked(cmd.StreamID, cmd.PASID, cmd.StartAddress, cmd.EndAddress)
	default:
		s.generateEventLocked(EventConfigurationError, cmd.StreamID, cmd.PASID, cmd.StartAddress, NonSecure)
		return
	}

	s.logger.Debug("invalidation command executed", "command", cmd.Type.String(), "stream", cmd.StreamID)
	s.generateEventLocked(EventATCInvalidateCompletion, cmd.StreamID, cmd.PASID, cmd.StartAddress, NonSecure)
}

// ExecuteTLBInvalidationCommand runs one of the TLBI commands.
func (s *SMMU) ExecuteTLBInvalidationCommand(t CommandType, sid StreamID, pasid PASID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeTLBInvalidationLocked(t, sid, pasid)
}

func (s *SMMU) executeTLBInvalidationLocked(t CommandType, sid StreamID, pasid PASID) {
	switch t {
	case CmdTLBINHAll, CmdTLBIEL2All:
		s.tlb.InvalidateAll()
	case CmdTLBIS12VMAll:
		// Stream 0 means every VM's mappings.
		if sid != 0 {
			s.InvalidateStreamCache(sid)
		} else {
			s.tlb.InvalidateAll()
		}
	default:
		s.generateEventLocked(EventConfigurationError, sid, pasid, 0, NonSecure)
	}
}

// ExecuteATCInvalidationCommand invalidates device-side translations:
// the whole PASID or stream scope when the range is empty, otherwise
// each page of the range.
func (s *SMMU) ExecuteATCInvalidationCommand(sid StreamID, pasid PASID, start, end IOVA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executeATCInvalidationLocked(sid, pasid, start, end)
}

func (s *SMMU) executeATCInvalidationLocked(sid StreamID, pasid PASID, start, end IOVA) {
	if start == 0 && end == 0 {
		if pasid != 0 {
			s.InvalidatePASIDCache(sid, pasid)
		} else {
			s.InvalidateStreamCache(sid)
		}
		return
	}

	alignedEnd := (end + PageSize - 1) &^ IOVA(PageMask)
	if alignedEnd < end {
		// end + PageSize - 1 wrapped around; clamp to the last page.
		alignedEnd = ^IOVA(0) &^ IOVA(PageMask)
	}

	for addr := start &^ IOVA(PageMask); addr <= alignedEnd; addr += PageSize {
		s.tlb.Invalidate(sid, pasid, addr)
		if addr+PageSize < addr {
			break
		}
	}
}

// generateEventLocked appends an event, dropping the oldest event when
// the queue is full (ring-buffer semantics).
func (s *SMMU) generateEventLocked(t EventType, sid StreamID, pasid PASID, addr IOVA, sec SecurityState) {
	if len(s.eventQueue) >= s.maxEventQueueSize {
		s.eventQueue = s.eventQueue[1:]
	}

	s.eventQueue = append(s.eventQueue, EventEntry{
		Type:          t,
		StreamID:      sid,
		PASID:         pasid,
		Address:       addr,
		SecurityState: sec,
		ErrorCode:     t.errorCode(),
		Timestamp:     s.clock(),
	})
}
