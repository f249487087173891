package paintmask

import "testing"

func TestSetupRejectsUnordered(t *testing.T) {
	if _, err := Setup([]int{7, 4}, false, false); err != ErrUnordered {
		t.Fatalf("Setup([7,4]): got err=%v, want ErrUnordered", err)
	}
	if _, err := Setup([]int{4, 4}, false, false); err != ErrUnordered {
		t.Fatalf("Setup([4,4]) (duplicate): got err=%v, want ErrUnordered", err)
	}
}

func TestSetupColorantBitPlacement(t *testing.T) {
	// Colorants 4 and 7 span two mask bytes: byte0 covers 0-6, byte1
	// covers 7-13. Colorant 4 -> i=4 -> bit (6-4)=2 in byte0. Colorant 7
	// -> k=1,i=0 -> bit 6 in byte1 (the last byte, so its chain bit is
	// clear).
	pm, err := Setup([]int{4, 7}, false, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if len(pm) != 3 { // 2 mask bytes + sections byte
		t.Fatalf("len(pm) = %d, want 3", len(pm))
	}
	if pm[0] != 0x80|0x04 {
		t.Errorf("pm[0] = %#02x, want %#02x (chain set, bit2 for colorant 4)", pm[0], 0x84)
	}
	if pm[1] != 0x40 {
		t.Errorf("pm[1] = %#02x, want %#02x (no chain, bit6 for colorant 7)", pm[1], 0x40)
	}
	if pm[2] != 0x00 {
		t.Errorf("pm[2] (sections) = %#02x, want 0x00 (no ALLSEP/OPACITY/MAXBLT)", pm[2])
	}
}

// A color carrying colorants 4 and 7, no ALLSEP, opacity == ONE (so no
// OPACITY section is needed) encodes to a self-consistent byte0/byte1
// pair per this package's own grammar (see DESIGN.md).
func TestTwoColorantNoOpacityEncoding(t *testing.T) {
	pm, err := Setup([]int{4, 7}, false, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	want := []byte{0x84, 0x40, 0x00}
	if len(pm) != len(want) {
		t.Fatalf("len(pm) = %d, want %d", len(pm), len(want))
	}
	for i := range want {
		if pm[i] != want[i] {
			t.Errorf("pm[%d] = %#02x, want %#02x", i, pm[i], want[i])
		}
	}

	n := TotalColorants(pm)
	if n != 2 {
		t.Fatalf("TotalColorants = %d, want 2", n)
	}
	off4, ok := ColorantOffset(pm, 4)
	if !ok || off4 != 0 {
		t.Errorf("ColorantOffset(pm, 4) = (%d, %v), want (0, true)", off4, ok)
	}
	off7, ok := ColorantOffset(pm, 7)
	if !ok || off7 != 1 {
		t.Errorf("ColorantOffset(pm, 7) = (%d, %v), want (1, true)", off7, ok)
	}
	if _, ok := ColorantOffset(pm, 5); ok {
		t.Errorf("ColorantOffset(pm, 5) should be absent")
	}
}

func TestFindSizeSpecialForms(t *testing.T) {
	for _, pm := range [][]byte{All0, All1, NoneMask} {
		n, err := FindSize(pm)
		if err != nil || n != 2 {
			t.Errorf("FindSize(%v) = (%d, %v), want (2, nil)", pm, n, err)
		}
		if TotalColorants(pm) != 0 {
			t.Errorf("TotalColorants(%v) = %d, want 0", pm, TotalColorants(pm))
		}
	}
}

func TestAllsepAndOpacitySlots(t *testing.T) {
	pm, err := Setup([]int{2}, true, true)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if got := TotalColorants(pm); got != 3 {
		t.Fatalf("TotalColorants = %d, want 3 (1 colorant + ALLSEP + OPACITY)", got)
	}
	if off, ok := ColorantOffset(pm, 2); !ok || off != 0 {
		t.Errorf("ColorantOffset(pm, 2) = (%d, %v), want (0, true)", off, ok)
	}
	if off, ok := ColorantOffset(pm, All); !ok || off != 1 {
		t.Errorf("ColorantOffset(pm, All) = (%d, %v), want (1, true)", off, ok)
	}
	if off, ok := ColorantOffset(pm, Alpha); !ok || off != 2 {
		t.Errorf("ColorantOffset(pm, Alpha) = (%d, %v), want (2, true)", off, ok)
	}
	// An absent ordinary colorant still resolves through ALLSEP.
	if off, ok := ColorantOffset(pm, 9); !ok || off != 1 {
		t.Errorf("ColorantOffset(pm, 9) via ALLSEP = (%d, %v), want (1, true)", off, ok)
	}
}

func TestRemoveColorant(t *testing.T) {
	pm, err := Setup([]int{4, 7}, false, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	pm2, err := RemoveColorant(pm, 4)
	if err != nil {
		t.Fatalf("RemoveColorant: %v", err)
	}
	if _, ok := ColorantOffset(pm2, 4); ok {
		t.Errorf("colorant 4 still present after removal")
	}
	if off, ok := ColorantOffset(pm2, 7); !ok || off != 0 {
		t.Errorf("ColorantOffset(pm2, 7) = (%d, %v), want (0, true)", off, ok)
	}
	// pm itself must be untouched (Copy semantics).
	if _, ok := ColorantOffset(pm, 4); !ok {
		t.Errorf("original pm mutated by RemoveColorant")
	}
}

func TestLocateAndCombineOverprints(t *testing.T) {
	pm, err := Setup([]int{1, 4, 7}, false, false)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if off := LocateOverprints(pm); off != -1 {
		t.Fatalf("LocateOverprints before combine = %d, want -1", off)
	}
	pm2, err := CombineOverprints(pm, []int{4})
	if err != nil {
		t.Fatalf("CombineOverprints: %v", err)
	}
	off := LocateOverprints(pm2)
	if off < 0 {
		t.Fatalf("LocateOverprints after combine = %d, want >= 0", off)
	}
	n, err := FindSize(pm2)
	if err != nil {
		t.Fatalf("FindSize: %v", err)
	}
	if n != len(pm2) {
		t.Errorf("FindSize(pm2) = %d, want %d (len)", n, len(pm2))
	}
	// The base mask (colorant presence, 0-based ranks) is untouched.
	if off4, ok := ColorantOffset(pm2, 4); !ok || off4 != 1 {
		t.Errorf("ColorantOffset(pm2, 4) = (%d, %v), want (1, true)", off4, ok)
	}
}

func TestEqualAndCopy(t *testing.T) {
	pm1, _ := Setup([]int{2, 5}, true, false)
	pm2 := Copy(pm1)
	if !Equal(pm1, pm2) {
		t.Fatalf("Copy of pm1 not Equal to pm1")
	}
	pm3, _ := Setup([]int{2, 6}, true, false)
	if Equal(pm1, pm3) {
		t.Fatalf("distinct masks compared Equal")
	}
}

func TestColorvalueRoundTrip(t *testing.T) {
	cases := []float64{0, 0.25, 0.5, 0.75, 1}
	for _, v := range cases {
		cv := FromFloat(v)
		got := cv.Float()
		if diff := got - v; diff > 1.0/65536 || diff < -1.0/65536 {
			t.Errorf("FromFloat(%v).Float() = %v, want ~%v", v, got, v)
		}
	}
	if FromFloat(0.25) != 0x4000 {
		t.Errorf("FromFloat(0.25) = %#04x, want 0x4000", FromFloat(0.25))
	}
	if FromFloat(0.75) != 0xC000 {
		t.Errorf("FromFloat(0.75) = %#04x, want 0xC000", FromFloat(0.75))
	}
}
