// Package paging builds the identity-mapped long-mode page tables the
// bootstrap vCPU needs in place before its first instruction executes,
// and the CRx/EFER/segment-cache register values that go with them.
// It writes no GDT into guest RAM; flat segments go straight into the
// vCPU's segment caches.
package paging

import "github.com/pedrortxdev/AxVM/kvm"

// Base is the guest-physical offset, carved out of the "page tables,
// GDT" region above the kernel load address, where the PML4 starts.
const Base = 0x0100_0000

// Layout, relative to Base: one page of PML4 (only entry 0 used),
// followed by one page of PDPT. One PDPT entry per GiB mapped.
const (
	pml4Offset = 0x0000
	pdptOffset = 0x1000

	// TableBytes is the span of guest RAM this package owns and zeroes
	// before writing; callers must not place anything else there.
	TableBytes = 0x2000
)

// CR0 bits.
const (
	cr0PE = 1 << 0
	cr0MP = 1 << 1
	cr0ET = 1 << 4
	cr0NE = 1 << 5
	cr0WP = 1 << 16
	cr0AM = 1 << 18
	cr0PG = 1 << 31
)

// CR4 bits.
const (
	cr4PAE        = 1 << 5
	cr4OSFXSR     = 1 << 9
	cr4OSXMMEXCPT = 1 << 10
)

// EFER bits.
const (
	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// Page table entry bits (present/read-write/page-size).
const (
	pdeXxPRESENT = 1 << 0
	pdeXxRW      = 1 << 1
	pdeXxPS      = 1 << 7 // 1 GiB page when set at the PDPT level
)

// pdptEntries is how many 1 GiB PDPT entries to install: enough to
// identity-map every GiB of guest RAM the VM was configured with, up
// to the 512 GiB a single PDPT page can address.
func pdptEntries(ramSize uint64) int {
	const gib = 1 << 30

	n := int((ramSize + gib - 1) / gib)
	if n < 1 {
		n = 1
	}

	if n > 512 {
		n = 512
	}

	return n
}

// Write zeroes TableBytes at Base and installs a PML4 with one entry
// pointing at a PDPT that identity-maps the first pdptEntries(ramSize)
// GiB using 1 GiB pages (PS=1), per the boot protocol's expectation
// that the 64-bit entry point runs with flat identity paging already
// in place.
func Write(mem []byte, ramSize uint64) {
	region := mem[Base : Base+TableBytes]
	for i := range region {
		region[i] = 0
	}

	pml4 := mem[Base+pml4Offset:]
	putPTE(pml4, 0, uint64(Base+pdptOffset), pdeXxPRESENT|pdeXxRW)

	pdpt := mem[Base+pdptOffset:]

	const gib = 1 << 30
	for i := 0; i < pdptEntries(ramSize); i++ {
		putPTE(pdpt, i, uint64(i)*gib, pdeXxPRESENT|pdeXxRW|pdeXxPS)
	}
}

func putPTE(table []byte, index int, base uint64, flags uint64) {
	entry := base | flags
	off := index * 8

	for i := 0; i < 8; i++ {
		table[off+i] = byte(entry >> (8 * i))
	}
}

// flatCodeSegment and flatDataSegment are the two non-null GDT
// descriptors: 64-bit code (L=1) and data, both base 0 limit max,
// matching the "flat 64-bit GDT" the boot protocol expects. AxVM does
// not construct an in-memory GDT table at all — it writes these
// directly into the vCPU's segment caches, which is sufficient because
// the guest kernel reloads its own GDTR before touching segments again.
var (
	flatCodeSegment = kvm.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: 1 << 3,
		Typ: 11, Present: 1, DPL: 0, S: 1, L: 1, G: 1,
	}
	flatDataSegment = kvm.Segment{
		Base: 0, Limit: 0xFFFFFFFF, Selector: 2 << 3,
		Typ: 3, Present: 1, DPL: 0, S: 1, L: 0, G: 1,
	}
)

// ApplySregs sets CR0/CR3/CR4/EFER and the segment caches of sregs so
// that, once written back with kvm.SetSregs, the vCPU is already in
// 64-bit long mode with flat identity paging rooted at Base.
func ApplySregs(sregs *kvm.Sregs) {
	sregs.CR3 = uint64(Base)
	sregs.CR4 = cr4PAE | cr4OSFXSR | cr4OSXMMEXCPT
	sregs.CR0 = cr0PE | cr0MP | cr0ET | cr0NE | cr0WP | cr0AM | cr0PG
	sregs.EFER = eferLME | eferLMA

	sregs.CS = flatCodeSegment
	sregs.DS = flatDataSegment
	sregs.ES = flatDataSegment
	sregs.FS = flatDataSegment
	sregs.GS = flatDataSegment
	sregs.SS = flatDataSegment
}
