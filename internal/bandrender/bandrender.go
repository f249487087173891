// Package bandrender implements the per-band, per-colorant render
// algorithm (C8): blit colormap setup, erase resolution, DL object
// traversal, the modular-halftone contone/mask/DoHalftone cycle, and
// the white-on-white output skip.
//
// The per-band geometry setup below is a sequence of small
// bounds-computing steps that build up one unit of work before the
// heavier per-sample pass runs.
package bandrender

import (
	"errors"
	"fmt"

	"github.com/mrjoshuak/go-rip/internal/halftone"
)

// ErasePolicy is the chosen source for a band's pre-object-traversal
// raster content.
type ErasePolicy int

const (
	EraseReadbackPGB ErasePolicy = iota
	EraseReadbackRetained
	EraseInPlace
	EraseSkip
)

func (p ErasePolicy) String() string {
	switch p {
	case EraseReadbackPGB:
		return "readback-pgb"
	case EraseReadbackRetained:
		return "readback-retained"
	case EraseInPlace:
		return "in-place"
	default:
		return "skip"
	}
}

// Object is one DL drawable; Render paints it into the band buffer
// passed through RenderContext.
type Object interface {
	Render(ctx *RenderContext) error
}

// RenderContext is threaded through a band's object chain, carrying
// clip scope callbacks and the destination raster.
type RenderContext struct {
	Colorant string
	Dest     []byte

	ClipBegin func()
	ClipEnd   func()
}

// Surface is the output blitter interface the band renderer drives:
// assign/prepare pick a blit colormap and validate capability; the
// begin/end pairs bracket sheet, frame, and render scope.
type Surface interface {
	AssignBand(colorant string, rasterStyle int) (colormap []byte, err error)
	PrepareBand(colorant string) error
	RenderBegin() error
	RenderEnd() error
	SheetBegin() error
	SheetEnd() error
	FrameBegin() error
	FrameEnd() error
	BandLocaliser(y int) int
	PackingUnitBits() int
	Screened(colorant string) bool
}

// ErrColormapFailed is returned when a colorant's blit colormap
// cannot be built; the colorant is aborted, not the whole band.
var ErrColormapFailed = errors.New("bandrender: blit colormap creation failed")

// Band is one horizontal strip of a page, the unit of rendering.
type Band struct {
	Colorants []string
	Objects   []Object // DL object chain for this band, after the erase object

	Width, LastLine int

	EraseColor float32

	FirstPassOnSheet bool
	PartialPaint     bool
	AllZeroKnown     bool
	PGBAcceptsOmit   bool

	ReadPGB      func(colorant string) ([]byte, error)
	ReadRetained func(colorant string) ([]byte, bool)
}

// resolveErase picks the erase policy and produces the band's
// pre-traversal raster.
func (b *Band) resolveErase(colorant string) (ErasePolicy, []byte, error) {
	if b.PartialPaint && !b.FirstPassOnSheet && b.ReadPGB != nil {
		buf, err := b.ReadPGB(colorant)
		if err != nil {
			return EraseReadbackPGB, nil, fmt.Errorf("bandrender: readback from PGB: %w", err)
		}
		return EraseReadbackPGB, buf, nil
	}
	if b.ReadRetained != nil {
		if buf, ok := b.ReadRetained(colorant); ok {
			return EraseReadbackRetained, buf, nil
		}
	}
	if b.AllZeroKnown && b.EraseColor == 0 && b.PGBAcceptsOmit {
		return EraseSkip, nil, nil
	}
	buf := make([]byte, b.Width)
	fillErase(buf, b.EraseColor)
	return EraseInPlace, buf, nil
}

func fillErase(buf []byte, color float32) {
	v := byte(color * 255)
	for i := range buf {
		buf[i] = v
	}
}

// BlitColormap is the per-colorant rasterization table built from the
// raster style and surface capability.
type BlitColormap struct {
	Colorant    string
	RasterStyle int
	Table       []byte
}

func buildBlitColormap(surface Surface, colorant string, rasterStyle int) (*BlitColormap, error) {
	table, err := surface.AssignBand(colorant, rasterStyle)
	if err != nil {
		return nil, fmt.Errorf("%w: colorant %s: %v", ErrColormapFailed, colorant, err)
	}
	if err := surface.PrepareBand(colorant); err != nil {
		return nil, fmt.Errorf("%w: colorant %s: %v", ErrColormapFailed, colorant, err)
	}
	return &BlitColormap{Colorant: colorant, RasterStyle: rasterStyle, Table: table}, nil
}

// ColorantResult is the outcome of rendering one colorant of one band.
type ColorantResult struct {
	Erase      ErasePolicy
	Buffer     []byte
	DontOutput bool // white-on-white: no pixel changed after erase
}

// MHTBinding pairs a band renderer with the halftone instance a
// colorant resolves to, if any.
type MHTBinding struct {
	Ref     *halftone.ModHtoneRef
	MaskGen func(contone []byte) []byte // produces the mask raster for DoHalftone
}

// Renderer drives RenderColorant across a Surface, optionally
// screening through one or more MHT bindings per colorant.
type Renderer struct {
	Surface  Surface
	Halftone *halftone.Registry

	// MHTFor resolves the ordered list of MHT bindings a colorant uses;
	// nil or empty means the colorant is not screened (contone path).
	MHTFor func(colorant string) []MHTBinding

	RasterStyle int
}

// RenderColorant runs the five-step per-band, per-colorant algorithm:
// colormap, erase, object traversal, MHT screening, and the
// white-on-white output skip.
func (r *Renderer) RenderColorant(band *Band, colorant string) (*ColorantResult, error) {
	if _, err := buildBlitColormap(r.Surface, colorant, r.RasterStyle); err != nil {
		return nil, err
	}

	policy, buf, err := band.resolveErase(colorant)
	if err != nil {
		return nil, err
	}
	if policy == EraseSkip {
		return &ColorantResult{Erase: policy, DontOutput: true}, nil
	}
	before := make([]byte, len(buf))
	copy(before, buf)

	ctx := &RenderContext{Colorant: colorant, Dest: buf}
	for _, obj := range band.Objects {
		if ctx.ClipBegin != nil {
			ctx.ClipBegin()
		}
		err := obj.Render(ctx)
		if ctx.ClipEnd != nil {
			ctx.ClipEnd()
		}
		if err != nil {
			return nil, fmt.Errorf("bandrender: object render failed for colorant %s: %w", colorant, err)
		}
	}

	if r.Surface.Screened(colorant) && r.MHTFor != nil {
		for _, binding := range r.MHTFor(colorant) {
			mask := binding.MaskGen(buf)
			req := &halftone.Request{Instance: binding.Ref.Instance(), Contone: buf, Mask: mask}
			done := make(chan halftone.ResultCode, 1)
			req.Done = func(req *halftone.Request, result halftone.ResultCode) { done <- result }
			sync := binding.Ref.Module.DoHalftone(binding.Ref.Instance(), req)
			var code halftone.ResultCode
			if sync {
				code = halftone.Success
			} else {
				code = <-done
			}
			if code != halftone.Success {
				binding.Ref.Module.AbortHalftone(binding.Ref.Instance(), req)
				return nil, fmt.Errorf("bandrender: MHT halftone failed for colorant %s: %w", colorant, halftone.TranslateResult(code))
			}
		}
	}

	dontOutput := bytesEqual(before, buf)
	return &ColorantResult{Erase: policy, Buffer: buf, DontOutput: dontOutput}, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ResourcePool is the per-band output memory pool keyed by
// last-line-of-band.
type ResourcePool struct {
	free map[int][][]byte
}

// NewResourcePool creates an empty pool.
func NewResourcePool() *ResourcePool {
	return &ResourcePool{free: make(map[int][][]byte)}
}

// Fix reserves (or reuses) a buffer of the given size for lastLine,
// marking it in use for the band's lifetime.
func (p *ResourcePool) Fix(lastLine, size int) []byte {
	bucket := p.free[lastLine]
	for i, buf := range bucket {
		if cap(buf) >= size {
			p.free[lastLine] = append(bucket[:i], bucket[i+1:]...)
			return buf[:size]
		}
	}
	return make([]byte, size)
}

// Unfix returns buf to the pool for reuse by a future band ending on
// the same lastLine.
func (p *ResourcePool) Unfix(lastLine int, buf []byte) {
	p.free[lastLine] = append(p.free[lastLine], buf)
}

// Detach removes buf from pool bookkeeping without returning it,
// for asynchronous PGB retention beyond the band's lifetime.
func (p *ResourcePool) Detach(lastLine int, buf []byte) {
	if len(buf) == 0 {
		return
	}
	bucket := p.free[lastLine]
	for i, b := range bucket {
		if len(b) > 0 && &b[0] == &buf[0] {
			p.free[lastLine] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}
