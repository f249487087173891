package rip

import (
	"context"
	"fmt"

	"github.com/mrjoshuak/go-rip/internal/bandrender"
	"github.com/mrjoshuak/go-rip/internal/pgb"
	"github.com/mrjoshuak/go-rip/internal/renderpass"
	"github.com/mrjoshuak/go-rip/internal/taskgraph"
)

// BandSpec is one band's worth of render+output work within a sheet:
// the band geometry/objects to render, the colorant it renders, the
// PGB line addressing to write it at, and an optional per-band
// compressor.
type BandSpec struct {
	Colorant   string
	Band       *bandrender.Band
	LineNumber int
	LineBytes  int

	// Compress, if non-nil, gates this band's compress task into the
	// graph (gated by capability: only wired in when the surface and
	// store both support per-band compression).
	Compress func(buf []byte) ([]byte, error)

	// RLEBlocksForLine, if non-nil, switches this band's output to RLE
	// mode (spec §4.6): the band is written one scanline at a time from
	// LineNumber to Band.LastLine via pgb.Boundary.WriteBandRLE instead
	// of a single straight write, and Compress/LineBytes are unused.
	RLEBlocksForLine func(line int) []pgb.RLEBlock

	// Incomplete marks this band as a partial (Y/X-split) emission, so
	// RunLineComplete is never set for its RLE output (spec §4.7's
	// sub-divided bands mark themselves incomplete for this reason).
	Incomplete bool

	result *bandrender.ColorantResult
}

// FrameSpec is one render-interleaving frame's bands.
type FrameSpec struct {
	Bands []*BandSpec
}

// SheetSpec is everything BuildSheetTasks needs to assemble one
// sheet's task graph against a PGB filename and parameters.
type SheetSpec struct {
	Filename string
	Params   pgb.SheetParams
	Frames   []FrameSpec
}

// BuildSheetTasks wires a SheetSpec into a renderpass.Sheet: band
// render tasks call renderer.RenderColorant, band output tasks write
// the result through page.PGB, and a closing task runs once both
// render and output have finished.
func BuildSheetTasks(page *Page, renderer *bandrender.Renderer, spec SheetSpec, canCompress bool, mht *taskgraph.MHTGate) renderpass.Sheet {
	var fd int

	sheetStart := func(ctx context.Context) error {
		f, err := page.PGB.OpenSheet(spec.Filename, spec.Params)
		if err != nil {
			return fmt.Errorf("rip: open sheet %s: %w", spec.Filename, err)
		}
		fd = f
		return nil
	}

	frames := make([][]taskgraph.BandFns, len(spec.Frames))
	for fi, fr := range spec.Frames {
		bands := make([]taskgraph.BandFns, len(fr.Bands))
		for bi, bs := range fr.Bands {
			bs := bs
			fns := taskgraph.BandFns{
				FrameStart: func(ctx context.Context) error { return nil },
				FrameEnd:   func(ctx context.Context) error { return nil },
				Render: func(ctx context.Context) error {
					res, err := renderer.RenderColorant(bs.Band, bs.Colorant)
					if err != nil {
						return fmt.Errorf("rip: render band colorant %s: %w", bs.Colorant, err)
					}
					bs.result = res
					return nil
				},
				Output: func(ctx context.Context) error {
					if bs.result == nil || bs.result.DontOutput {
						return nil
					}
					if bs.RLEBlocksForLine != nil {
						return page.PGB.WriteBandRLE(fd, bs.LineNumber, bs.Band.LastLine, bs.RLEBlocksForLine, bs.Incomplete)
					}
					return page.PGB.WriteBand(fd, bs.LineNumber, bs.LineBytes, bs.result.Buffer)
				},
			}
			if bs.Compress != nil {
				fns.Compress = func(ctx context.Context) error {
					out, err := bs.Compress(bs.result.Buffer)
					if err != nil {
						return fmt.Errorf("rip: compress band: %w", err)
					}
					bs.result.Buffer = out
					return nil
				}
			}
			bands[bi] = fns
		}
		frames[fi] = bands
	}

	return renderpass.Sheet{
		Name: spec.Filename,
		Build: func(g *taskgraph.Graph) *taskgraph.SheetGraph {
			sg := taskgraph.BuildSheet(g, sheetStart, frames, canCompress, mht)
			g.Add(taskgraph.NewTask("sheet-close", func(ctx context.Context) error {
				action, err := page.PGB.CloseSheet(fd)
				if err != nil {
					return fmt.Errorf("rip: close sheet %s (%s): %w", spec.Filename, action, err)
				}
				return nil
			}, sg.RenderDone, sg.OutputDone))
			return sg
		},
	}
}
