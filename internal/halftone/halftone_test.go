package halftone

import "testing"

func stubModule(name string) *Module {
	return &Module{
		Name:        name,
		DisplayName: name,
		Version:     ABIVersion,
		Init:        func() error { return nil },
		HalftoneSelect: func(instance *Instance, sel SelectInfo) (*Instance, ResultCode) {
			return &Instance{Data: name}, Success
		},
		HalftoneRelease:  func(instance *Instance) {},
		DoHalftone:       func(instance *Instance, req *Request) bool { return true },
		AbortHalftone:    func(instance *Instance, req *Request) {},
		RenderInitiation: func(impl *Instance, info *RenderInfo) ResultCode { return Success },
		RenderCompletion: func(impl *Instance, info *RenderInfo, aborting bool) {},
		SrcBitDepth:      8,
		BandOrdering:     BandOrderingAscending,
		Latency:          2,
	}
}

func TestRegisterRejectsIncomplete(t *testing.T) {
	r, err := NewRegistry(16)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	m := stubModule("incomplete")
	m.DoHalftone = nil
	if err := r.Register(m); err == nil {
		t.Fatal("expected error registering incomplete module")
	}
}

func TestRegisterRejectsVersionMismatch(t *testing.T) {
	r, _ := NewRegistry(16)
	m := stubModule("badversion")
	m.Version = ABIVersion + 1
	if err := r.Register(m); err == nil {
		t.Fatal("expected error registering version-mismatched module")
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r, _ := NewRegistry(16)
	if err := r.Register(stubModule("dup")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stubModule("dup")); err == nil {
		t.Fatal("expected error registering duplicate module name")
	}
}

func TestRegisterRejectsBadBitDepth(t *testing.T) {
	r, _ := NewRegistry(16)
	m := stubModule("badbits")
	m.SrcBitDepth = 12
	if err := r.Register(m); err == nil {
		t.Fatal("expected error registering module with unsupported src_bit_depth")
	}
}

func TestSelectInstanceCachesPerPage(t *testing.T) {
	r, _ := NewRegistry(16)
	if err := r.Register(stubModule("m1")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	a, err := r.SelectInstance("m1", "Cyan", SelectInfo{})
	if err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}
	b, err := r.SelectInstance("m1", "Cyan", SelectInfo{})
	if err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}
	if a != b {
		t.Fatalf("expected cached instance to be reused")
	}
	if a.Refcount() != 2 {
		t.Fatalf("Refcount = %d, want 2", a.Refcount())
	}
}

func TestReleaseInstanceCallsHalftoneRelease(t *testing.T) {
	r, _ := NewRegistry(16)
	released := false
	m := stubModule("m2")
	m.HalftoneRelease = func(instance *Instance) { released = true }
	if err := r.Register(m); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ref, err := r.SelectInstance("m2", "Black", SelectInfo{})
	if err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}
	r.ReleaseInstance(ref)
	if !released {
		t.Fatal("HalftoneRelease not called when refcount reached zero")
	}
}

func TestReserveBandsLatencyCapped(t *testing.T) {
	m := stubModule("m3")
	m.Latency = 10
	res := ReserveBands(m, 2400, 4)
	if res.PipelineDepth != 4 {
		t.Errorf("PipelineDepth = %d, want 4 (capped at bandCount)", res.PipelineDepth)
	}
	if res.ContoneBandBytes != 2400 {
		t.Errorf("ContoneBandBytes = %d, want 2400 for 8-bit depth", res.ContoneBandBytes)
	}
}

func TestOrderedInstancesInterrelatedFirst(t *testing.T) {
	r, _ := NewRegistry(16)
	plain := stubModule("plain")
	interrelated := stubModule("interrelated")
	interrelated.InterrelatedChannels = true
	if err := r.Register(plain); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(interrelated); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.SelectInstance("plain", "C", SelectInfo{}); err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}
	if _, err := r.SelectInstance("interrelated", "M", SelectInfo{}); err != nil {
		t.Fatalf("SelectInstance: %v", err)
	}
	ordered := r.OrderedInstances()
	if len(ordered) != 2 || !ordered[0].Module.InterrelatedChannels {
		t.Fatalf("expected interrelated-channel module first, got %v", ordered)
	}
}

func TestTranslateResult(t *testing.T) {
	if err := TranslateResult(Success); err != nil {
		t.Errorf("TranslateResult(Success) = %v, want nil", err)
	}
	if err := TranslateResult(Memory); err == nil || err.Error() != "VMERROR" {
		t.Errorf("TranslateResult(Memory) = %v, want VMERROR", err)
	}
	if err := TranslateResult(ResultCode(999)); err == nil || err.Error() != "UNREGISTERED" {
		t.Errorf("TranslateResult(unknown) = %v, want UNREGISTERED", err)
	}
}
