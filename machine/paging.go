package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/vlah02/miniHypervisor/kvm"
)

// PageSize selects the leaf granularity of the guest's long-mode
// paging: 2 MiB leaves directly in the page directory, or 4 KiB
// leaves behind one page table per directory entry.
type PageSize int

const (
	Page2M PageSize = iota
	Page4K
)

func (p PageSize) String() string {
	if p == Page4K {
		return "4KiB"
	}

	return "2MiB"
}

// Guest memory layout. The four paging levels sit at the bottom of
// guest physical memory; page tables (4 KiB mode) and the guest image
// follow from 0x3000.
//
//	0x0000  PML4
//	0x1000  PDPT
//	0x2000  PD
//	0x3000  PTs and/or image
const (
	pml4Addr = 0x0000
	pdptAddr = 0x1000
	pdAddr   = 0x2000
	ptBase   = 0x3000

	pde64Present = 1 << 0
	pde64RW      = 1 << 1
	pde64User    = 1 << 2
	pde64PS      = 1 << 7

	pageSize4K = 1 << 12
	pageSize2M = 1 << 21

	cr0PE = 1 << 0
	cr0PG = 1 << 31

	cr4PAE = 1 << 5

	eferLME = 1 << 8
	eferLMA = 1 << 10
)

// SetupLongMode writes 4-level page tables into the bottom of guest
// memory and returns the guest physical address at which the guest
// image must be loaded. The window is laid out so that guest virtual
// address 0 resolves to that address: guests are link-edited to run
// at 0.
//
// In 2 MiB mode the directory's leaves start at the first 2 MiB
// boundary and the loop populates mem_size/2MiB - 1 entries. In 4 KiB
// mode one page table is carved per directory entry from 0x3000 up
// and the rolling data page continues where the allocator stopped;
// the inner loop gives up once it passes mem_size. Both bounds
// reproduce the layout the guest images were built against,
// under-populated tail included.
func SetupLongMode(mem []byte, kind PageSize) (uint64, error) {
	memSize := uint64(len(mem))
	if memSize == 0 || memSize%pageSize2M != 0 {
		return 0, fmt.Errorf("%w: memory size %#x is not a multiple of 2 MiB", ErrConfigInvalid, memSize)
	}

	flags := uint64(pde64Present | pde64RW | pde64User)

	binary.LittleEndian.PutUint64(mem[pml4Addr:], pdptAddr|flags)
	binary.LittleEndian.PutUint64(mem[pdptAddr:], pdAddr|flags)

	if kind == Page2M {
		page := uint64(pageSize2M)
		start := page

		for i := uint64(0); i < memSize/pageSize2M-1; i++ {
			binary.LittleEndian.PutUint64(mem[pdAddr+8*i:], page|flags|pde64PS)
			page += pageSize2M
		}

		return start, nil
	}

	// One page table per directory entry, carved from a page
	// allocator that starts at 0x3000.
	ptAddr := uint64(ptBase)
	nTables := memSize / pageSize2M

	for i := uint64(0); i < nTables; i++ {
		binary.LittleEndian.PutUint64(mem[pdAddr+8*i:], ptAddr|flags)
		ptAddr += pageSize4K
	}

	// The allocator's next page is the load address and the first
	// mapped page, so virtual 0 lands on the image.
	start := ptAddr
	page := start

	for i := uint64(0); i < nTables; i++ {
		pt := mem[ptBase+i*pageSize4K:]

		for j := uint64(0); j < 512; j++ {
			if page > memSize {
				return start, nil
			}

			binary.LittleEndian.PutUint64(pt[8*j:], page|flags)
			page += pageSize4K
		}
	}

	return start, nil
}

// ApplyLongMode programs the control registers and flat 64-bit
// segments for long mode with paging on.
func ApplyLongMode(sregs *kvm.Sregs) {
	sregs.CR3 = pml4Addr
	sregs.CR4 |= cr4PAE
	sregs.CR0 |= cr0PE | cr0PG
	sregs.EFER |= eferLME | eferLMA

	seg := kvm.Segment{
		Base:     0,
		Limit:    0xFFFFFFFF,
		Selector: 1 << 3,
		Typ:      11, // Code: execute, read, accessed
		Present:  1,
		DPL:      0,
		DB:       0,
		S:        1, // Code/data
		L:        1,
		G:        1,
		AVL:      0,
	}

	sregs.CS = seg

	seg.Typ = 3 // Data: read/write, accessed
	seg.Selector = 2 << 3
	sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS = seg, seg, seg, seg, seg
}
