package smmuv3

import (
	"sync"

	"github.com/google/btree"
)

// pageEntry is one page-granule mapping in an address space. The IOVA
// key and the PA are page-aligned.
type pageEntry struct {
	iova  IOVA
	pa    PA
	perms PagePermissions
	sec   SecurityState
}

// PageMapping is the exported snapshot form of a mapping.
type PageMapping struct {
	IOVA          IOVA
	PA            PA
	Permissions   PagePermissions
	SecurityState SecurityState
}

const pageTableDegree = 32

// AddressSpace is a single translation domain: a sparse, ordered map
// from page-aligned IOVA to physical page, permissions, and security
// state. A Stage-1 space translates IOVA to IPA; the same type serves
// as a Stage-2 space translating IPA to PA.
type AddressSpace struct {
	mu sync.Mutex

	pages *btree.BTreeG[pageEntry]

	// iovaLimit and paLimit are the exclusive upper bounds of the
	// supported input and output address ranges.
	iovaLimit IOVA
	paLimit   PA
}

// NewAddressSpace creates an address space with the default 48-bit
// input and 52-bit output ranges.
func NewAddressSpace() *AddressSpace {
	return NewAddressSpaceLimits(48, 52)
}

// NewAddressSpaceLimits creates an address space bounded to the given
// input and output address widths in bits.
func NewAddressSpaceLimits(iovaBits, paBits uint8) *AddressSpace {
	return &AddressSpace{
		pages: btree.NewG(pageTableDegree, func(a, b pageEntry) bool {
			return a.iova < b.iova
		}),
		iovaLimit: IOVA(1) << iovaBits,
		paLimit:   PA(1) << paBits,
	}
}

// Map installs a page mapping. Addresses are aligned down to the page
// granule; addresses outside the supported ranges are rejected. An
// existing mapping for the page is replaced.
func (a *AddressSpace) Map(iova IOVA, pa PA, perms PagePermissions, sec SecurityState) error {
	if iova >= a.iovaLimit || pa >= a.paLimit {
		return ErrInvalidAddress
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pages.ReplaceOrInsert(pageEntry{
		iova:  iova &^ PageMask,
		pa:    pa &^ PageMask,
		perms: perms,
		sec:   sec,
	})
	return nil
}

// Unmap removes the mapping covering iova. Removing an absent page
// reports ErrPageNotMapped and changes nothing.
func (a *AddressSpace) Unmap(iova IOVA) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.pages.Delete(pageEntry{iova: iova &^ PageMask}); !ok {
		return ErrPageNotMapped
	}
	return nil
}

// UnmapRange removes every mapping in [start, end] and returns how
// many pages were dropped. The bounds are aligned down to pages.
func (a *AddressSpace) UnmapRange(start, end IOVA) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	first := start &^ PageMask
	last := end &^ PageMask

	var victims []pageEntry
	collect := func(e pageEntry) bool {
		victims = append(victims, e)
		return true
	}
	if last+PageSize < last {
		// Range reaches the top of the address space.
		a.pages.AscendGreaterOrEqual(pageEntry{iova: first}, collect)
	} else {
		a.pages.AscendRange(pageEntry{iova: first}, pageEntry{iova: last + PageSize}, collect)
	}
	for _, e := range victims {
		a.pages.Delete(e)
	}
	return len(victims)
}

// Lookup resolves iova to a physical address, preserving the page
// offset and checking the security state, without judging the access.
// Two-stage walks use it so permissions can be intersected across
// stages before the access check.
func (a *AddressSpace) Lookup(iova IOVA, sec SecurityState) (TranslationData, error) {
	a.mu.Lock()
	entry, ok := a.pages.Get(pageEntry{iova: iova &^ PageMask})
	a.mu.Unlock()

	if !ok {
		return TranslationData{}, ErrPageNotMapped
	}
	if !securityStateCompatible(sec, entry.sec) {
		return TranslationData{}, ErrInvalidSecurityState
	}

	return TranslationData{
		PhysicalAddress: entry.pa | PA(iova&PageMask),
		Permissions:     entry.perms,
		SecurityState:   entry.sec,
	}, nil
}

// Translate is Lookup plus the access check against the mapping's
// permissions.
func (a *AddressSpace) Translate(iova IOVA, access AccessType, sec SecurityState) (TranslationData, error) {
	data, err := a.Lookup(iova, sec)
	if err != nil {
		return TranslationData{}, err
	}
	if !data.Permissions.Allows(access) {
		return TranslationData{}, ErrPagePermissionViolation
	}
	return data, nil
}

// IsMapped reports whether a mapping covers iova.
func (a *AddressSpace) IsMapped(iova IOVA) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pages.Get(pageEntry{iova: iova &^ PageMask})
	return ok
}

// PageCount returns the number of mapped pages.
func (a *AddressSpace) PageCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages.Len()
}

// MappedPages returns a snapshot of all mappings in ascending IOVA
// order.
func (a *AddressSpace) MappedPages() []PageMapping {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]PageMapping, 0, a.pages.Len())
	a.pages.Ascend(func(e pageEntry) bool {
		result = append(result, PageMapping{
			IOVA:          e.iova,
			PA:            e.pa,
			Permissions:   e.perms,
			SecurityState: e.sec,
		})
		return true
	})
	return result
}

// Clear drops every mapping.
func (a *AddressSpace) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages.Clear(false)
}

// securityStateCompatible reports whether a transaction in the
// requested state may reach a target in the context state. NonSecure
// reaches only NonSecure; Secure reaches Secure and NonSecure; Realm
// is isolated.
func securityStateCompatible(requested, context SecurityState) bool {
	switch requested {
	case NonSecure:
		return context == NonSecure
	case Secure:
		return context == Secure || context == NonSecure
	case Realm:
		return context == Realm
	}
	return false
}
