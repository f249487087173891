// Package renderpass implements the render pass orchestrator (C9):
// pass selection between composite, final and partial passes (no
// preconvert pass is planned), separation omission, the numcopies loop, and MHT RenderInitiation/
// RenderCompletion lifecycle bracketing.
package renderpass

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrjoshuak/go-rip/internal/halftone"
	"github.com/mrjoshuak/go-rip/internal/taskgraph"
)

// Strategy selects how transparency is resolved for a DL.
type Strategy int

const (
	// StrategySinglePass renders direct and backdrop regions in one
	// pass.
	StrategySinglePass Strategy = iota
	// StrategyTwoPass runs a composite pass (flattening transparency)
	// followed by a final pass.
	StrategyTwoPass
)

// Kind distinguishes the pass being run.
type Kind int

const (
	KindFinal Kind = iota
	KindComposite
	KindPartial
)

func (k Kind) String() string {
	switch k {
	case KindComposite:
		return "composite"
	case KindPartial:
		return "partial"
	default:
		return "final"
	}
}

// RegionMap describes whether a DL contains any backdrop (transparent)
// regions, driving pass selection.
type RegionMap struct {
	HasBackdrop bool
}

// PlanPasses decides the sequence of passes to run for a DL under the
// given strategy and partial-paint state.
func PlanPasses(regions RegionMap, strategy Strategy, partialPaint bool) []Kind {
	if partialPaint {
		return []Kind{KindPartial}
	}
	if regions.HasBackdrop && strategy == StrategyTwoPass {
		return []Kind{KindComposite, KindFinal}
	}
	return []Kind{KindFinal}
}

// Sheet is one media sheet's worth of work for a pass: the task graph
// to run plus its build function, so a ReOutput can rebuild from
// scratch without re-running RenderInitiation.
type Sheet struct {
	Name  string
	Build func(g *taskgraph.Graph) *taskgraph.SheetGraph
}

// SeparationOmitter decides whether a separation is blank and may be
// dropped before PGB parameter marshalling.
type SeparationOmitter func(separation string) (blank bool)

// OmitBlankSeparations filters separations, dropping those the
// omitter reports blank. Order is preserved.
func OmitBlankSeparations(separations []string, omit SeparationOmitter) []string {
	if omit == nil {
		return separations
	}
	kept := separations[:0:0]
	for _, s := range separations {
		if !omit(s) {
			kept = append(kept, s)
		}
	}
	return kept
}

// Orchestrator runs passes over a page's sheets, fanning out across
// sheets with errgroup when the surface does not require serialization
//.
type Orchestrator struct {
	Halftone     *halftone.Registry
	Log          *zap.Logger
	Serialize    bool // true: sheets within a pass must run one at a time
	NumCopies    int
	ModulesInUse []*halftone.Module
}

// NewOrchestrator creates an Orchestrator; log may be nil.
func NewOrchestrator(reg *halftone.Registry, log *zap.Logger, serialize bool) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{Halftone: reg, Log: log, Serialize: serialize, NumCopies: 1}
}

// renderInited tracks, per module, whether RenderInitiation already
// ran within one RunPass call, so that complete brackets only the
// modules that were initiated.
type renderInited struct {
	done map[*halftone.Module]bool
}

func newRenderInited() *renderInited { return &renderInited{done: make(map[*halftone.Module]bool)} }

// RunPass executes one Kind of pass over sheets, looping NumCopies
// times for a KindFinal pass, bracketed
// by RenderInitiation/RenderCompletion on every module in ModulesInUse.
func (o *Orchestrator) RunPass(ctx context.Context, kind Kind, sheets []Sheet, info *halftone.RenderInfo) error {
	inited := newRenderInited()
	if err := o.initiate(inited, info); err != nil {
		return err
	}

	copies := 1
	if kind == KindFinal && o.NumCopies > 0 {
		copies = o.NumCopies
	}

	var runErr error
	for c := 0; c < copies; c++ {
		if err := o.runSheets(ctx, sheets); err != nil {
			runErr = err
			break
		}
	}

	o.complete(inited, info, runErr != nil)
	return runErr
}

func (o *Orchestrator) initiate(inited *renderInited, info *halftone.RenderInfo) error {
	for _, m := range o.ModulesInUse {
		if inited.done[m] {
			continue
		}
		if code := m.RenderInitiation(nil, info); code != halftone.Success {
			return fmt.Errorf("renderpass: RenderInitiation failed for module %q: %w", m.Name, halftone.TranslateResult(code))
		}
		inited.done[m] = true
		o.Log.Debug("mht render initiation", zap.String("module", m.Name))
	}
	return nil
}

func (o *Orchestrator) complete(inited *renderInited, info *halftone.RenderInfo, aborting bool) {
	for _, m := range o.ModulesInUse {
		if !inited.done[m] {
			continue
		}
		m.RenderCompletion(nil, info, aborting)
		o.Log.Debug("mht render completion", zap.String("module", m.Name), zap.Bool("aborting", aborting))
	}
}

func (o *Orchestrator) runSheets(ctx context.Context, sheets []Sheet) error {
	if o.Serialize {
		for _, sh := range sheets {
			g := taskgraph.NewGraph(0)
			sh.Build(g)
			if err := g.Run(ctx); err != nil {
				return fmt.Errorf("renderpass: sheet %q: %w", sh.Name, err)
			}
		}
		return nil
	}

	eg, egctx := errgroup.WithContext(ctx)
	for _, sh := range sheets {
		sh := sh
		eg.Go(func() error {
			g := taskgraph.NewGraph(0)
			sh.Build(g)
			if err := g.Run(egctx); err != nil {
				return fmt.Errorf("renderpass: sheet %q: %w", sh.Name, err)
			}
			return nil
		})
	}
	return eg.Wait()
}

// ReOutputEvent describes a sheet that must be rebuilt and replayed
//.
type ReOutputEvent struct {
	Sheet        Sheet
	ReadbackOnly bool // true: ReOutputPageBuffer; Replay does not read it, Sheet.Build decides which tasks run
}

// Replay re-runs a sheet after a ReOutput signal by rebuilding its
// graph with ev.Sheet.Build; it does not call RenderInitiation or
// RenderCompletion.
func (o *Orchestrator) Replay(ctx context.Context, ev ReOutputEvent) error {
	g := taskgraph.NewGraph(0)
	ev.Sheet.Build(g)
	if err := g.Run(ctx); err != nil {
		return fmt.Errorf("renderpass: reoutput replay of sheet %q: %w", ev.Sheet.Name, err)
	}
	return nil
}
