package pgb

import (
	"errors"
	"testing"
)

type fakeDevice struct {
	data     []byte
	pos      int64
	lastErr  Result
	params   map[string]any
	failOpen bool
	openCnt  int

	// onWrite, if set, is called with each buffer passed to Write after
	// it has been copied into data, so tests can observe the params
	// (e.g. RunLineComplete) in effect at the time of that write.
	onWrite func(buf []byte)
}

func newFakeDevice(size int) *fakeDevice {
	return &fakeDevice{data: make([]byte, size), params: map[string]any{}}
}

func (f *fakeDevice) Open(name string, flags int) (int, error) {
	f.openCnt++
	if f.failOpen {
		f.lastErr = ResultIOError
		return 0, errors.New("open failed")
	}
	return 1, nil
}
func (f *fakeDevice) Close(fd int) error { return nil }
func (f *fakeDevice) Abort(fd int) error { return nil }
func (f *fakeDevice) Seek(fd int, pos int64, whence int) (int64, error) {
	f.pos = pos
	return pos, nil
}
func (f *fakeDevice) Read(fd int, buf []byte) (int, error) {
	n := copy(buf, f.data[f.pos:])
	return n, nil
}
func (f *fakeDevice) Write(fd int, buf []byte) (int, error) {
	n := copy(f.data[f.pos:], buf)
	if f.onWrite != nil {
		f.onWrite(buf)
	}
	return n, nil
}
func (f *fakeDevice) SetParam(name string, value any) error { f.params[name] = value; return nil }
func (f *fakeDevice) GetParam(name string) (any, error)     { return f.params[name], nil }
func (f *fakeDevice) LastError() Result                     { return f.lastErr }

func TestOpenSheetMarshalsParams(t *testing.T) {
	dev := newFakeDevice(1024)
	b := NewBoundary(dev, nil)
	_, err := b.OpenSheet(FilePainting, SheetParams{NumBands: 12, PageNumber: 3})
	if err != nil {
		t.Fatalf("OpenSheet: %v", err)
	}
	if dev.params["NumBands"] != 12 || dev.params["PageNumber"] != 3 {
		t.Fatalf("params not marshalled: %v", dev.params)
	}
}

func TestWriteAndReadBandRoundTrip(t *testing.T) {
	dev := newFakeDevice(4096)
	b := NewBoundary(dev, nil)
	fd, _ := b.OpenSheet(FilePainting, SheetParams{})

	line := make([]byte, 100)
	for i := range line {
		line[i] = byte(i)
	}
	if err := b.WriteBand(fd, 2, 100, line); err != nil {
		t.Fatalf("WriteBand: %v", err)
	}
	got, err := b.ReadBand(fd, 0, 0, 200, 1, 100, 1)
	if err != nil {
		t.Fatalf("ReadBand: %v", err)
	}
	for i := range line {
		if got[i] != line[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], line[i])
		}
	}
}

func TestWriteBandRLEEmitsBlockChainAndRunLineComplete(t *testing.T) {
	dev := newFakeDevice(4096)
	b := NewBoundary(dev, nil)
	fd, _ := b.OpenSheet(FilePainting, SheetParams{})

	var wroteLines [][]byte
	var completeFlags []bool
	line := func(lineNum int) []RLEBlock {
		return []RLEBlock{
			{Records: []uint32{NewPositionRunRecord(0), NewSimpleRunRecord(0x80, 50)}},
			{Records: []uint32{NewSimpleRunRecord(0xFF, 50), NewEndOfLineRunRecord()}},
		}
	}
	dev.onWrite = func(buf []byte) {
		wroteLines = append(wroteLines, append([]byte(nil), buf...))
		completeFlags = append(completeFlags, dev.params["RunLineComplete"].(bool))
	}

	if err := b.WriteBandRLE(fd, 4, 5, line, false); err != nil {
		t.Fatalf("WriteBandRLE: %v", err)
	}
	if len(wroteLines) != 4 {
		t.Fatalf("wrote %d blocks, want 4 (2 lines x 2 blocks)", len(wroteLines))
	}
	// Each line's first block is mid-chain (not complete), second is the
	// chain's last block (complete, since the band is not incomplete).
	want := []bool{false, true, false, true}
	for i, got := range completeFlags {
		if got != want[i] {
			t.Errorf("block %d RunLineComplete = %v, want %v", i, got, want[i])
		}
	}
	if RLERecordType(NewPositionRunRecord(0)) != RunPosition {
		t.Errorf("NewPositionRunRecord record type = %d, want RunPosition", RLERecordType(NewPositionRunRecord(0)))
	}
	if RLERecordType(NewEndOfLineRunRecord()) != RunEndOfLine {
		t.Errorf("NewEndOfLineRunRecord record type = %d, want RunEndOfLine", RLERecordType(NewEndOfLineRunRecord()))
	}
}

func TestWriteBandRLEIncompleteBandNeverCompletes(t *testing.T) {
	dev := newFakeDevice(4096)
	b := NewBoundary(dev, nil)
	fd, _ := b.OpenSheet(FilePainting, SheetParams{})

	var sawComplete bool
	dev.onWrite = func(buf []byte) {
		if dev.params["RunLineComplete"].(bool) {
			sawComplete = true
		}
	}
	line := func(lineNum int) []RLEBlock {
		return []RLEBlock{{Records: []uint32{NewEndOfLineRunRecord()}}}
	}
	if err := b.WriteBandRLE(fd, 0, 2, line, true); err != nil {
		t.Fatalf("WriteBandRLE: %v", err)
	}
	if sawComplete {
		t.Fatal("incomplete band set RunLineComplete, want it to stay false throughout")
	}
}

func TestRLEBlockBytesIsBigEndian(t *testing.T) {
	blk := RLEBlock{Records: []uint32{0x01020304}}
	got := blk.Bytes()
	want := []byte{0x01, 0x02, 0x03, 0x04}
	if len(got) != len(want) || got[0] != want[0] || got[3] != want[3] {
		t.Fatalf("Bytes() = %x, want %x", got, want)
	}
}

func TestTranslateAllResults(t *testing.T) {
	cases := map[Result]Action{
		ResultOK:                 ActionNone,
		ResultReOutput:           ActionReplaySheet,
		ResultReOutputPageBuffer: ActionReplayReadbackOnly,
		ResultNotReady:           ActionRetry,
		ResultCancelPage:         ActionDiscardSheet,
		ResultIOError:            ActionAbortIOError,
		ResultInterrupted:        ActionAbortInterrupt,
		ResultVMError:            ActionAbortVMError,
		ResultOther:              ActionAbortUnregistered,
	}
	for r, want := range cases {
		if got := Translate(r); got != want {
			t.Errorf("Translate(%v) = %v, want %v", r, got, want)
		}
	}
	if !ActionRetry.IsRetryable() {
		t.Error("ActionRetry.IsRetryable() = false, want true")
	}
	if ActionNone.IsRetryable() {
		t.Error("ActionNone.IsRetryable() = true, want false")
	}
}

func TestRetryUntilReady(t *testing.T) {
	attempts := 0
	retries := 0
	err := RetryUntilReady(func() error {
		attempts++
		if attempts < 3 {
			return ErrNotReady
		}
		return nil
	}, func() { retries++ })
	if err != nil {
		t.Fatalf("RetryUntilReady: %v", err)
	}
	if attempts != 3 || retries != 2 {
		t.Fatalf("attempts=%d retries=%d, want 3 and 2", attempts, retries)
	}
}

func TestRetryUntilReadyPropagatesOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	err := RetryUntilReady(func() error { return boom }, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom error to propagate, got %v", err)
	}
}
