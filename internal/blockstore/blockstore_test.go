package blockstore

import "testing"

func smallStore() *Store {
	return NewStore(2, Bbox{0, 0, 256, 256}, 128, 128, 512, 32)
}

func TestNewStoreGeometry(t *testing.T) {
	s := smallStore()
	if len(s.Planes) != 2 {
		t.Fatalf("len(Planes) = %d, want 2", len(s.Planes))
	}
	p := s.Planes[0]
	if p.XBlocks != 2 || p.YBlocks != 2 {
		t.Fatalf("plane grid = %dx%d, want 2x2", p.XBlocks, p.YBlocks)
	}
	if s.Action() != OpenForWriting {
		t.Fatalf("initial action = %v, want OpenForWriting", s.Action())
	}
}

func TestWriteBlockAndMarkUniform(t *testing.T) {
	s := smallStore()
	samples := make([]float32, 128*128)
	if err := s.WriteBlock(0, 0, 0, samples); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	if b := s.Block(0, 0, 0); b.State != Memory {
		t.Fatalf("state = %v, want Memory", b.State)
	}
	s.MarkUniform(0, 0, 0, 0.5, false)
	b := s.Block(0, 0, 0)
	if b.State != Uniform || b.Uniform != 0.5 || b.Samples != nil {
		t.Fatalf("MarkUniform did not take effect: %+v", b)
	}
}

func TestWriteBlockOutOfRange(t *testing.T) {
	s := smallStore()
	if err := s.WriteBlock(5, 0, 0, nil); err == nil {
		t.Fatal("expected error for out-of-range plane")
	}
	if err := s.WriteBlock(0, 99, 0, nil); err == nil {
		t.Fatal("expected error for out-of-range block")
	}
}

func TestCloseTransitionsAction(t *testing.T) {
	s := smallStore()
	s.Close(true, false)
	if s.Action() != Compression {
		t.Fatalf("Close(compress=true) action = %v, want Compression", s.Action())
	}

	s2 := smallStore()
	s2.BytesPerBlock = 100 // below MinCompressionSize and MinWriteToDiskSize
	s2.Close(true, true)
	if s2.Action() != NothingMore {
		t.Fatalf("Close on tiny blocks = %v, want NothingMore", s2.Action())
	}

	s3 := NewStore(2, Bbox{0, 0, 256, 256}, 128, 128, 2048, 32)
	s3.Close(false, true)
	if s3.Action() != WriteToDisk {
		t.Fatalf("Close(writeToDisk=true) action = %v, want WriteToDisk", s3.Action())
	}
	s3.Close(false, true) // already closed; second call must be a no-op
	if s3.Action() != WriteToDisk {
		t.Fatalf("second Close changed action to %v", s3.Action())
	}
}

func TestReopenForWritingResets(t *testing.T) {
	s := smallStore()
	s.Close(true, false)
	s.ReopenForWriting()
	if s.Action() != OpenForWriting {
		t.Fatalf("ReopenForWriting left action %v", s.Action())
	}
}

func TestDecodeFromCompressedAndOnDisk(t *testing.T) {
	s := smallStore()
	b := s.Block(0, 0, 0)
	b.State = Compressed
	b.Compressed = []byte{1, 2, 3}
	err := s.Decode(0, 0, 0, func(c []byte) ([]float32, error) {
		return []float32{1, 2, 3}, nil
	}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if b.State != Memory || len(b.Samples) != 3 {
		t.Fatalf("Decode did not restore block: %+v", b)
	}

	b2 := s.Block(1, 1, 1)
	b2.State = OnDisk
	b2.DiskOffset = 42
	err = s.Decode(1, 1, 1, nil, func(off int64) ([]float32, error) {
		if off != 42 {
			t.Fatalf("readAt offset = %d, want 42", off)
		}
		return []float32{9}, nil
	})
	if err != nil {
		t.Fatalf("Decode (disk): %v", err)
	}
	if b2.State != Memory {
		t.Fatalf("state = %v, want Memory", b2.State)
	}
}

func TestRowRepeatTrackingAndDecimation(t *testing.T) {
	s := NewStore(1, Bbox{0, 0, 128, 10}, 128, 128, 512, 8)
	for y := 1; y < 10; y++ {
		s.MarkRowRepeat(y)
	}
	s.DecimateRowRepeats(2)
	count := 0
	for y := 0; y < 10; y++ {
		if s.IsRowRepeat(y) {
			count++
		}
	}
	if count != 6 {
		t.Fatalf("repeat count after decimation = %d, want 6 (every third repeat of the 9-row run cleared)", count)
	}
}

func TestTrimTightensTBbox(t *testing.T) {
	s := smallStore()
	s.Trim(Bbox{10, 10, 200, 200})
	if s.TBbox != (Bbox{10, 10, 200, 200}) {
		t.Fatalf("TBbox = %+v, want {10,10,200,200}", s.TBbox)
	}
	s.Trim(Bbox{0, 0, 50, 50})
	if s.TBbox != (Bbox{10, 10, 50, 50}) {
		t.Fatalf("TBbox after second trim = %+v, want {10,10,50,50}", s.TBbox)
	}
}

func TestPreallocateFirstRow(t *testing.T) {
	s := smallStore()
	if err := s.Preallocate(-1, 128*128); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}
	for _, p := range s.Planes {
		for bx := 0; bx < p.XBlocks; bx++ {
			if p.at(bx, 0).State != Memory {
				t.Fatalf("row 0 block (%d,0) not preallocated", bx)
			}
		}
		if p.at(0, 1).State != Absent {
			t.Fatal("preallocate touched a row beyond the first")
		}
	}
}

func TestPrerenderReserves(t *testing.T) {
	s := smallStore()
	s.ReserveForPrerender(4, 16, 512)
	if s.Reserved() != 4*(16+512) {
		t.Fatalf("Reserved() = %d, want %d", s.Reserved(), 4*(16+512))
	}
	s.ReleaseReserves()
	if s.Reserved() != 0 {
		t.Fatal("ReleaseReserves did not clear the reserve")
	}
}

func TestRecombineReordersPlanes(t *testing.T) {
	s := smallStore()
	samples := make([]float32, 128*128)
	s.WriteBlock(1, 0, 0, samples)
	if err := s.Recombine([]int{1, -1}); err != nil {
		t.Fatalf("Recombine: %v", err)
	}
	if len(s.Planes) != 2 {
		t.Fatalf("len(Planes) after recombine = %d, want 2", len(s.Planes))
	}
	if s.Planes[0].at(0, 0).State != Memory {
		t.Fatal("recombine lost the written plane's data")
	}
	if s.Planes[1].at(0, 0).State != Absent {
		t.Fatal("fresh recombined slot should start Absent")
	}
}

func TestMergeDisjointPlanes(t *testing.T) {
	a := NewStore(2, Bbox{0, 0, 256, 256}, 128, 128, 512, 32)
	b := NewStore(2, Bbox{0, 0, 256, 256}, 128, 128, 512, 32)
	samples := make([]float32, 128*128)
	a.WriteBlock(0, 0, 0, samples)
	b.WriteBlock(1, 0, 0, samples)
	b.Close(true, false)

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if a.Planes[1].at(0, 0).State != Memory {
		t.Fatal("merge did not transfer other's plane")
	}
	if a.Action() != Compression {
		t.Fatalf("merged action = %v, want Compression (max of the two)", a.Action())
	}
}

func TestMergeConflictRejected(t *testing.T) {
	a := NewStore(1, Bbox{0, 0, 256, 256}, 128, 128, 512, 32)
	b := NewStore(1, Bbox{0, 0, 256, 256}, 128, 128, 512, 32)
	samples := make([]float32, 128*128)
	a.WriteBlock(0, 0, 0, samples)
	b.WriteBlock(0, 0, 0, samples)
	if err := a.Merge(b); err == nil {
		t.Fatal("expected conflict error merging occupied planes")
	}
}

func TestMergeRejectsGeometryMismatch(t *testing.T) {
	a := smallStore()
	b := NewStore(2, Bbox{0, 0, 256, 256}, 64, 64, 512, 32)
	if err := a.Merge(b); err == nil {
		t.Fatal("expected geometry-mismatch error")
	}
}

func TestSharedStoreBlistPoolRoundTrip(t *testing.T) {
	ss, err := NewSharedStore(8)
	if err != nil {
		t.Fatalf("NewSharedStore: %v", err)
	}
	handles := []*Block{newBlock(), newBlock(), newBlock()}
	ss.ReleaseBlist(512, handles)
	got := ss.AcquireBlist(512, 2)
	if len(got) != 2 {
		t.Fatalf("AcquireBlist returned %d handles, want 2", len(got))
	}
	remaining := ss.AcquireBlist(512, 5)
	if len(remaining) != 1 {
		t.Fatalf("AcquireBlist (remainder) returned %d, want 1", len(remaining))
	}
	if more := ss.AcquireBlist(512, 1); len(more) != 0 {
		t.Fatal("pool should be drained")
	}
}

func TestSharedStoreRegisterAndSolicit(t *testing.T) {
	ss, _ := NewSharedStore(8)
	s := smallStore()
	samples := make([]float32, 128*128)
	s.WriteBlock(0, 0, 0, samples)
	ss.Register(s)

	if got := s.Solicit(TierRAM); got != 512/2 {
		t.Fatalf("Solicit(TierRAM) = %d, want %d", got, 512/2)
	}
	if got := s.Solicit(TierDisk); got != 512 {
		t.Fatalf("Solicit(TierDisk) = %d, want %d", got, 512)
	}
}

func TestCompressRowAdvancesCursor(t *testing.T) {
	s := smallStore()
	samples := make([]float32, 128*128)
	s.WriteBlock(0, 0, 0, samples)
	s.WriteBlock(0, 1, 0, samples)

	ok, err := s.CompressRow(0, func(row []*Block) ([]byte, error) { return []byte{0xAB}, nil })
	if err != nil || !ok {
		t.Fatalf("CompressRow: ok=%v err=%v", ok, err)
	}
	for bx := 0; bx < 2; bx++ {
		if s.Planes[0].at(bx, 0).State != Compressed {
			t.Fatalf("block (%d,0) state = %v, want Compressed", bx, s.Planes[0].at(bx, 0).State)
		}
	}
	if s.Planes[0].YCompressed != 1 {
		t.Fatalf("YCompressed = %d, want 1", s.Planes[0].YCompressed)
	}
}

func TestPageRowToDiskAdvancesCursor(t *testing.T) {
	s := NewStore(1, Bbox{0, 0, 256, 256}, 128, 128, 2048, 32)
	samples := make([]float32, 128*128)
	s.WriteBlock(0, 0, 0, samples)

	ok, err := s.PageRowToDisk(0, func(row []*Block) (int64, error) { return 1024, nil })
	if err != nil || !ok {
		t.Fatalf("PageRowToDisk: ok=%v err=%v", ok, err)
	}
	if b := s.Planes[0].at(0, 0); b.State != OnDisk || b.DiskOffset != 1024 {
		t.Fatalf("block not paged to disk: %+v", b)
	}
}

func TestCompressRowBelowMinimumIsNoop(t *testing.T) {
	s := NewStore(1, Bbox{0, 0, 256, 256}, 128, 128, 64, 8)
	ok, err := s.CompressRow(0, func(row []*Block) ([]byte, error) { return nil, nil })
	if err != nil {
		t.Fatalf("CompressRow: %v", err)
	}
	if ok {
		t.Fatal("CompressRow should refuse blocks below MinCompressionSize")
	}
}

func TestReleaseAdvancesActionWhenDone(t *testing.T) {
	ss, _ := NewSharedStore(8)
	s := smallStore()
	s.Close(true, false)
	ss.Register(s)

	_, err := ss.Release(TierRAM, func(row []*Block) ([]byte, error) { return []byte{1}, nil }, nil)
	if err != nil {
		t.Fatalf("Release: %v", err)
	}
	if s.Action() == Compression {
		t.Fatalf("Release should have advanced a fully-compressed store past Compression, got %v", s.Action())
	}
}
