// Package pgb implements the page-buffer device boundary (C6): parameter
// marshalling, the band read/write contract, and translation of device
// result codes into the RIP's error taxonomy.
package pgb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Result is the page-buffer device's reported outcome for an operation.
type Result int

const (
	ResultOK Result = iota
	ResultReOutput
	ResultReOutputPageBuffer
	ResultNotReady
	ResultCancelPage
	ResultIOError
	ResultInterrupted
	ResultVMError
	ResultOther
)

// String returns the device result's name.
func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultReOutput:
		return "ReOutput"
	case ResultReOutputPageBuffer:
		return "ReOutputPageBuffer"
	case ResultNotReady:
		return "NotReady"
	case ResultCancelPage:
		return "CancelPage"
	case ResultIOError:
		return "IOError"
	case ResultInterrupted:
		return "Interrupted"
	case ResultVMError:
		return "VMError"
	default:
		return "Other"
	}
}

// Action is the translated course of action for a device Result.
type Action int

const (
	ActionNone Action = iota
	ActionReplaySheet
	ActionReplayReadbackOnly
	ActionRetry
	ActionDiscardSheet
	ActionAbortIOError
	ActionAbortInterrupt
	ActionAbortVMError
	ActionAbortUnregistered
)

// Translate maps a device Result to the Action the sheet task graph
// should take.
func Translate(r Result) Action {
	switch r {
	case ResultOK:
		return ActionNone
	case ResultReOutput:
		return ActionReplaySheet
	case ResultReOutputPageBuffer:
		return ActionReplayReadbackOnly
	case ResultNotReady:
		return ActionRetry
	case ResultCancelPage:
		return ActionDiscardSheet
	case ResultIOError:
		return ActionAbortIOError
	case ResultInterrupted:
		return ActionAbortInterrupt
	case ResultVMError:
		return ActionAbortVMError
	default:
		return ActionAbortUnregistered
	}
}

// IsRetryable reports whether Action represents a retry rather than an
// abort/discard/replay decision.
func (a Action) IsRetryable() bool { return a == ActionRetry }

// ColorantParams describes one entry of the per-colorant dictionary
// posted in SheetParams.
type ColorantParams struct {
	Colorant        int
	ColorantName    string
	Channel         int
	SRGB            [3]uint8
	SpecialHandling string
	CMYK            [4]uint8
	NeutralDensity  float64
}

// SheetParams are the parameters posted before opening the device for a
// sheet.
type SheetParams struct {
	CompressBands     bool
	MSBLeft           bool
	PackingUnitBits   int
	NumSeparations    int
	PrintPage         bool
	TrimPage          bool
	TrimStart         int
	TrimEnd           int
	NumBands          int
	JobNumber         int
	PageNumber        int
	Separation        int
	SeparationId      int
	NumColorants      int
	NumChannels       int
	NumGroupColorants int
	ColorName         string
	Colorants         []ColorantParams
}

// Device is the byte-oriented page-buffer device protocol.
type Device interface {
	Open(name string, flags int) (fd int, err error)
	Close(fd int) error
	Abort(fd int) error
	Seek(fd int, pos int64, whence int) (int64, error)
	Read(fd int, buf []byte) (int, error)
	Write(fd int, buf []byte) (int, error)
	SetParam(name string, value any) error
	GetParam(name string) (any, error)
	LastError() Result
}

// Temporary filenames used for the device's scratch files.
const (
	FilePartialPaint = "PartialPaint"
	FileCompositing  = "Compositing"
	FilePainting     = "Painting"
	FileOutputting   = "Outputting"
)

// Boundary drives a Device through the sheet-level open/seek/write/read
// contract and translates its results, logging every non-trivial
// transition.
type Boundary struct {
	dev Device
	log *zap.Logger
}

// NewBoundary creates a Boundary over dev, logging through log (or a
// no-op logger if log is nil).
func NewBoundary(dev Device, log *zap.Logger) *Boundary {
	if log == nil {
		log = zap.NewNop()
	}
	return &Boundary{dev: dev, log: log}
}

// OpenSheet marshals params via SetParam and opens the device for the
// given scratch filename.
func (b *Boundary) OpenSheet(filename string, params SheetParams) (fd int, err error) {
	sets := map[string]any{
		"CompressBands":     params.CompressBands,
		"MSBLeft":           params.MSBLeft,
		"PackingUnitBits":   params.PackingUnitBits,
		"NumSeparations":    params.NumSeparations,
		"PrintPage":         params.PrintPage,
		"TrimPage":          params.TrimPage,
		"TrimStart":         params.TrimStart,
		"TrimEnd":           params.TrimEnd,
		"NumBands":          params.NumBands,
		"JobNumber":         params.JobNumber,
		"PageNumber":        params.PageNumber,
		"Separation":        params.Separation,
		"SeparationId":      params.SeparationId,
		"NumColorants":      params.NumColorants,
		"NumChannels":       params.NumChannels,
		"NumGroupColorants": params.NumGroupColorants,
		"ColorName":         params.ColorName,
		"Colorants":         params.Colorants,
	}
	for name, val := range sets {
		if err := b.dev.SetParam(name, val); err != nil {
			return 0, fmt.Errorf("pgb: set_param %s: %w", name, err)
		}
	}
	fd, err = b.dev.Open(filename, 0)
	if err != nil {
		b.log.Error("pgb open failed", zap.String("file", filename), zap.Error(err))
		return 0, err
	}
	return fd, nil
}

// WriteBand seeks to lineNumber within the sheet and writes exactly
// len(data) bytes.
func (b *Boundary) WriteBand(fd int, lineNumber int, lineBytes int, data []byte) error {
	if _, err := b.dev.Seek(fd, int64(lineNumber)*int64(lineBytes), io.SeekStart); err != nil {
		return b.fail(fd, err)
	}
	n, err := b.dev.Write(fd, data)
	if err != nil {
		return b.fail(fd, err)
	}
	if n != len(data) {
		return fmt.Errorf("pgb: short write: wrote %d of %d bytes", n, len(data))
	}
	return nil
}

// ReadBand seeks to (renderFrameIndex*pageHeight)+bandFirstLine and
// reads exactly bandH*lineBytes*colorantsPerBand bytes back.
func (b *Boundary) ReadBand(fd, renderFrameIndex, pageHeight, bandFirstLine, bandH, lineBytes, colorantsPerBand int) ([]byte, error) {
	pos := int64(renderFrameIndex)*int64(pageHeight) + int64(bandFirstLine)
	if _, err := b.dev.Seek(fd, pos, io.SeekStart); err != nil {
		return nil, b.fail(fd, err)
	}
	want := bandH * lineBytes * colorantsPerBand
	buf := make([]byte, want)
	n, err := b.dev.Read(fd, buf)
	if err != nil {
		return nil, b.fail(fd, err)
	}
	if n != want {
		return nil, fmt.Errorf("pgb: short read: got %d of %d bytes", n, want)
	}
	return buf, nil
}

// RLE record types: the low 6 bits of each packed 32-bit record word,
// per swrle.h's RUN_* opcodes. Named here are the three this boundary
// packs itself (RUN_SIMPLE, RUN_POSITION, RUN_END_OF_LINE) plus
// RUN_REPEAT and RUN_NO_OP; the rest (screen/colorant/transparency records)
// are documented there but produced upstream by the halftone/compositing
// stages, not by the PGB boundary itself.
const (
	RunSimple      = 0
	RunRepeat      = 1
	RunPosition    = 2
	RunEndOfLine   = 5
	RunNoOp        = 6
)

const runRecordTypeMask = 0x3F

// RLERecordType returns the record type (low 6 bits) of a packed RLE
// word.
func RLERecordType(word uint32) int { return int(word & runRecordTypeMask) }

// NewSimpleRunRecord packs a RUN_SIMPLE record: an 8-bit tone value held
// for repeatCount pixels (bits 8-15 tone, 16-31 repeat-count).
func NewSimpleRunRecord(tone8 uint8, repeatCount uint16) uint32 {
	return RunSimple | uint32(tone8)<<8 | uint32(repeatCount)<<16
}

// NewPositionRunRecord packs a RUN_POSITION record: bits 8-31 hold the
// pixel position the following runs resume from.
func NewPositionRunRecord(position uint32) uint32 {
	return RunPosition | (position&0xFFFFFF)<<8
}

// NewEndOfLineRunRecord packs a RUN_END_OF_LINE record.
func NewEndOfLineRunRecord() uint32 { return RunEndOfLine }

// RLEBlock is one link of a scanline's run-length record chain: a run of
// packed 32-bit RUN_* records. The original RIP links blocks with an
// in-heap next-block pointer (swrle.h's RLEBLOCK_GET_NEXT); here the
// chain is simply the order of a []RLEBlock slice, the same
// pointer-chain-to-slice translation spec §9 already applies to the DL
// color graph.
type RLEBlock struct {
	Records []uint32
}

// Bytes packs the block's records big-endian, matching the 16-bit
// big-endian colorvalue convention used elsewhere on the wire (spec
// Scenario B).
func (blk RLEBlock) Bytes() []byte {
	out := make([]byte, 4*len(blk.Records))
	for i, w := range blk.Records {
		binary.BigEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// WriteBandRLE writes an RLE-mode band one scanline at a time: for each
// line in [firstLine, lastLine] it seeks to the line and writes
// blocksForLine's chain of RLEBlocks in order, setting RunLineComplete
// after each block — true for a line's final block, unless the band as
// a whole is a partial (sub-divided) emission, in which case
// RunLineComplete stays false throughout. This mirrors the original
// RIP's output_rle_to_pagebuffer, which seeks once per scanline and
// walks that scanline's block chain setting RunLineComplete to
// `!band->incomplete && block == NULL` (swrle.h's RLEBLOCK_GET_NEXT
// reaching the chain's end).
func (b *Boundary) WriteBandRLE(fd, firstLine, lastLine int, blocksForLine func(line int) []RLEBlock, incomplete bool) error {
	for line := firstLine; line <= lastLine; line++ {
		if _, err := b.dev.Seek(fd, int64(line), io.SeekStart); err != nil {
			return b.fail(fd, err)
		}
		blocks := blocksForLine(line)
		for i, blk := range blocks {
			lastBlockOfLine := i == len(blocks)-1
			complete := !incomplete && lastBlockOfLine
			if err := b.dev.SetParam("RunLineComplete", complete); err != nil {
				return fmt.Errorf("pgb: set_param RunLineComplete: %w", err)
			}
			payload := blk.Bytes()
			n, err := b.dev.Write(fd, payload)
			if err != nil {
				return b.fail(fd, err)
			}
			if n != len(payload) {
				return fmt.Errorf("pgb: short write: wrote %d of %d bytes", n, len(payload))
			}
		}
	}
	return nil
}

func (b *Boundary) fail(fd int, cause error) error {
	res := b.dev.LastError()
	b.log.Warn("pgb operation failed", zap.Int("fd", fd), zap.Stringer("result", res), zap.Error(cause))
	return fmt.Errorf("pgb: %s: %w", res, cause)
}

// CloseSheet closes fd, logging and translating any device error.
func (b *Boundary) CloseSheet(fd int) (Action, error) {
	if err := b.dev.Close(fd); err != nil {
		res := b.dev.LastError()
		action := Translate(res)
		b.log.Error("pgb close failed", zap.Int("fd", fd), zap.Stringer("result", res), zap.Stringer("action", actionStringer(action)))
		return action, err
	}
	return ActionNone, nil
}

// AbortSheet aborts fd (used on CancelPage/interrupt/error unwinding).
func (b *Boundary) AbortSheet(fd int) error {
	return b.dev.Abort(fd)
}

// actionStringer adapts Action to zap.Stringer without exporting a
// method that would collide with a future richer String().
type actionStringer Action

func (a actionStringer) String() string {
	switch Action(a) {
	case ActionNone:
		return "none"
	case ActionReplaySheet:
		return "replay-sheet"
	case ActionReplayReadbackOnly:
		return "replay-readback-only"
	case ActionRetry:
		return "retry"
	case ActionDiscardSheet:
		return "discard-sheet"
	case ActionAbortIOError:
		return "abort-ioerror"
	case ActionAbortInterrupt:
		return "abort-interrupt"
	case ActionAbortVMError:
		return "abort-vmerror"
	default:
		return "abort-unregistered"
	}
}

// ErrNotReady is returned by RetryUntilReady's callback to request
// another attempt after a printer-status event.
var ErrNotReady = errors.New("pgb: device not ready")

// RetryUntilReady calls op until it returns nil or a non-NotReady
// error, retrying forever on a not-ready device. onRetry is invoked
// before each retry so the caller can emit a status event.
func RetryUntilReady(op func() error, onRetry func()) error {
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotReady) {
			return err
		}
		if onRetry != nil {
			onRetry()
		}
	}
}
