package cpu

import (
	"testing"
)

func TestRegsStackAlias(t *testing.T) {
	var m M68KRegs
	m.Set(RegSet{USP: 0x1000, SSP: 0x2000, SR: SR_SUPERVISOR})
	if m.A[7] != 0x2000 {
		t.Fatalf("supervisor A7 = %#x, want ssp", m.A[7])
	}
	m.A[7] = 0x1ffc
	r := m.Get()
	if r.SSP != 0x1ffc || r.USP != 0x1000 {
		t.Fatalf("Get() = usp %#x ssp %#x", r.USP, r.SSP)
	}

	// the new SR decides which stack pointer lands in A7
	r.SR = 0
	m.Set(r)
	if m.A[7] != 0x1000 {
		t.Fatalf("user A7 = %#x, want usp", m.A[7])
	}
	if got := m.Get(); got.SSP != 0x1ffc {
		t.Fatalf("ssp lost across Set: %#x", got.SSP)
	}
}

func TestRegsSetSR(t *testing.T) {
	var m M68KRegs
	m.Set(RegSet{USP: 0x100, SSP: 0x200})
	m.SetSR(SR_SUPERVISOR)
	if m.A[7] != 0x200 {
		t.Fatalf("A7 after entering supervisor = %#x", m.A[7])
	}
	m.A[7] = 0x1f0
	m.SetSR(0)
	if m.A[7] != 0x100 {
		t.Fatalf("A7 after leaving supervisor = %#x", m.A[7])
	}
	if r := m.Get(); r.SSP != 0x1f0 {
		t.Fatalf("ssp not parked: %#x", r.SSP)
	}
}

func TestRegsTrace(t *testing.T) {
	var m M68KRegs
	if m.TraceArmed() {
		t.Fatal("trace armed at reset")
	}
	m.SetSR(SR_TRACE1 | SR_SUPERVISOR)
	if !m.TraceArmed() {
		t.Fatal("T1 not reported")
	}
}

func TestRegSetAssign(t *testing.T) {
	var r RegSet
	names := r.Names()
	for i, name := range names {
		if !r.Assign(name, uint32(i+1)) {
			t.Fatalf("Assign(%q) failed", name)
		}
	}
	for i, v := range r.Values() {
		if v != uint32(i+1) {
			t.Fatalf("%s = %d, want %d", names[i], v, i+1)
		}
	}
	for _, bad := range []string{"a7", "d8", "d10", "xx"} {
		if r.Assign(bad, 0) {
			t.Errorf("Assign(%q) accepted", bad)
		}
	}
	if r.SP() != r.USP {
		t.Fatal("SP() ignores the S bit")
	}
}
