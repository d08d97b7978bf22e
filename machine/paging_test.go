package machine_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/vlah02/miniHypervisor/kvm"
	"github.com/vlah02/miniHypervisor/machine"
)

func pte(mem []byte, off uint64) uint64 {
	return binary.LittleEndian.Uint64(mem[off : off+8])
}

func TestSetupLongMode2M(t *testing.T) {
	mem := make([]byte, 4<<20)

	start, err := machine.SetupLongMode(mem, machine.Page2M)
	if err != nil {
		t.Fatalf("SetupLongMode: got %v, want nil", err)
	}

	if start != 0x200000 {
		t.Errorf("start: got %#x, want 0x200000", start)
	}

	if got := pte(mem, 0x0000); got != 0x1007 {
		t.Errorf("PML4[0]: got %#x, want 0x1007", got)
	}

	if got := pte(mem, 0x1000); got != 0x2007 {
		t.Errorf("PDPT[0]: got %#x, want 0x2007", got)
	}

	// 4 MiB leaves exactly one 2 MiB leaf.
	if got := pte(mem, 0x2000); got != 0x200087 {
		t.Errorf("PD[0]: got %#x, want 0x200087", got)
	}

	if got := pte(mem, 0x2008); got != 0 {
		t.Errorf("PD[1]: got %#x, want 0", got)
	}
}

func TestSetupLongMode2MLarger(t *testing.T) {
	mem := make([]byte, 8<<20)

	if _, err := machine.SetupLongMode(mem, machine.Page2M); err != nil {
		t.Fatalf("SetupLongMode: got %v, want nil", err)
	}

	want := []uint64{0x200087, 0x400087, 0x600087, 0}
	for i, w := range want {
		if got := pte(mem, 0x2000+8*uint64(i)); got != w {
			t.Errorf("PD[%d]: got %#x, want %#x", i, got, w)
		}
	}
}

func TestSetupLongMode4KSingleTable(t *testing.T) {
	mem := make([]byte, 2<<20)

	start, err := machine.SetupLongMode(mem, machine.Page4K)
	if err != nil {
		t.Fatalf("SetupLongMode: got %v, want nil", err)
	}

	// One table for 2 MiB of memory; the load address is the page
	// right after it.
	if start != 0x4000 {
		t.Errorf("start: got %#x, want 0x4000", start)
	}

	if got := pte(mem, 0x2000); got != 0x3007 {
		t.Errorf("PD[0]: got %#x, want 0x3007", got)
	}

	if got := pte(mem, 0x2008); got != 0 {
		t.Errorf("PD[1]: got %#x, want 0", got)
	}

	// The rolling page starts at the load address so virtual 0
	// resolves there.
	if got := pte(mem, 0x3000); got != 0x4007 {
		t.Errorf("PT[0]: got %#x, want 0x4007", got)
	}

	// The tail stops once the rolling address passes the memory
	// size: the last written entry sits at the boundary.
	if got := pte(mem, 0x3000+8*508); got != 0x200007 {
		t.Errorf("PT[508]: got %#x, want 0x200007", got)
	}

	if got := pte(mem, 0x3000+8*509); got != 0 {
		t.Errorf("PT[509]: got %#x, want 0", got)
	}
}

func TestSetupLongMode4KTwoTables(t *testing.T) {
	mem := make([]byte, 4<<20)

	if _, err := machine.SetupLongMode(mem, machine.Page4K); err != nil {
		t.Fatalf("SetupLongMode: got %v, want nil", err)
	}

	if got := pte(mem, 0x2000); got != 0x3007 {
		t.Errorf("PD[0]: got %#x, want 0x3007", got)
	}

	if got := pte(mem, 0x2008); got != 0x4007 {
		t.Errorf("PD[1]: got %#x, want 0x4007", got)
	}

	// Two tables, so the rolling window starts at 0x5000; the first
	// table is full.
	if got := pte(mem, 0x3000); got != 0x5007 {
		t.Errorf("PT0[0]: got %#x, want 0x5007", got)
	}

	if got := pte(mem, 0x3000+8*511); got != (0x5000+511*0x1000)|7 {
		t.Errorf("PT0[511]: got %#x, want %#x", got, (0x5000+511*0x1000)|7)
	}

	// Second table picks up where the first stopped and runs out at
	// the memory boundary.
	if got := pte(mem, 0x4000); got != (0x5000+512*0x1000)|7 {
		t.Errorf("PT1[0]: got %#x, want %#x", got, (0x5000+512*0x1000)|7)
	}

	if got := pte(mem, 0x4000+8*507); got != 0x400007 {
		t.Errorf("PT1[507]: got %#x, want 0x400007", got)
	}

	if got := pte(mem, 0x4000+8*508); got != 0 {
		t.Errorf("PT1[508]: got %#x, want 0", got)
	}
}

func TestSetupLongModeRejectsUnaligned(t *testing.T) {
	mem := make([]byte, 3<<20)

	if _, err := machine.SetupLongMode(mem, machine.Page2M); !errors.Is(err, machine.ErrConfigInvalid) {
		t.Fatalf("SetupLongMode(3 MiB): got %v, want %v", err, machine.ErrConfigInvalid)
	}
}

func TestApplyLongMode(t *testing.T) {
	var sregs kvm.Sregs

	machine.ApplyLongMode(&sregs)

	if sregs.CR3 != 0 {
		t.Errorf("CR3: got %#x, want 0", sregs.CR3)
	}

	if sregs.CR4&(1<<5) == 0 {
		t.Errorf("CR4: PAE not set in %#x", sregs.CR4)
	}

	if sregs.CR0&1 == 0 || sregs.CR0&(1<<31) == 0 {
		t.Errorf("CR0: PE|PG not set in %#x", sregs.CR0)
	}

	if sregs.EFER&(1<<8) == 0 || sregs.EFER&(1<<10) == 0 {
		t.Errorf("EFER: LME|LMA not set in %#x", sregs.EFER)
	}

	cs := sregs.CS
	if cs.Base != 0 || cs.Limit != 0xFFFFFFFF || cs.L != 1 || cs.G != 1 ||
		cs.S != 1 || cs.DPL != 0 || cs.Typ != 11 || cs.Present != 1 {
		t.Errorf("CS: got %+v", cs)
	}

	for _, seg := range []kvm.Segment{sregs.DS, sregs.ES, sregs.FS, sregs.GS, sregs.SS} {
		if seg.Typ != 3 || seg.L != 1 || seg.G != 1 || seg.S != 1 {
			t.Errorf("data segment: got %+v", seg)
		}
	}
}
