// Package taskgraph builds and executes the page/pass/sheet/frame/band
// render DAG (C7): a bounded-worker-pool scheduler over explicit task
// dependencies, built with golang.org/x/sync/errgroup and semaphore.
package taskgraph

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Task is one node in the render graph.
type Task struct {
	Name string
	Run  func(ctx context.Context) error

	deps    []*Task
	depends int64 // remaining unresolved dependency count

	mu       sync.Mutex
	done     bool
	err      error
	waiters  []chan struct{}
	incomplete bool // set by Y/X-split: a partial-line emission, not a failure
}

// NewTask creates a task with the given run function, depending on the
// given precursor tasks.
func NewTask(name string, run func(ctx context.Context) error, deps ...*Task) *Task {
	return &Task{Name: name, Run: run, deps: deps, depends: int64(len(deps))}
}

// MarkIncomplete flags the task as a partial-line emission from a band
// split, so the output sink treats it as such rather than an error.
func (t *Task) MarkIncomplete() {
	t.mu.Lock()
	t.incomplete = true
	t.mu.Unlock()
}

// Incomplete reports whether MarkIncomplete was called.
func (t *Task) Incomplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.incomplete
}

// ReplaceDeps discards t's current precursors and makes deps its
// precursors instead. Only t's own incoming edges change: tasks that
// already depend on t keep that dependency, and no other task's
// outgoing edges are moved onto t.
func (t *Task) ReplaceDeps(deps ...*Task) {
	t.deps = deps
	t.depends = int64(len(deps))
}

// Graph is a runnable set of Tasks with a bounded worker pool.
type Graph struct {
	tasks     []*Task
	workers   int64
	sem       *semaphore.Weighted
}

// NewGraph creates a graph whose tasks run across at most workers
// concurrent goroutines (workers <= 0 means unbounded).
func NewGraph(workers int) *Graph {
	g := &Graph{}
	if workers > 0 {
		g.workers = int64(workers)
		g.sem = semaphore.NewWeighted(g.workers)
	}
	return g
}

// Add registers t (and transitively nothing — deps must already be
// Add'ed or about to be) with the graph.
func (g *Graph) Add(t *Task) *Task {
	g.tasks = append(g.tasks, t)
	return t
}

// Run executes all tasks respecting dependency order, returning the
// first error encountered. A task becomes runnable only once every
// declared precursor has completed successfully; if a precursor fails,
// dependents are skipped with that same error (group cancellation).
func (g *Graph) Run(ctx context.Context) error {
	eg, egctx := errgroup.WithContext(ctx)
	ready := make(map[*Task]chan struct{}, len(g.tasks))
	for _, t := range g.tasks {
		ready[t] = make(chan struct{})
	}

	for _, t := range g.tasks {
		t := t
		eg.Go(func() error {
			for _, d := range t.deps {
				select {
				case <-ready[d]:
				case <-egctx.Done():
					return egctx.Err()
				}
				d.mu.Lock()
				derr := d.err
				d.mu.Unlock()
				if derr != nil {
					t.mu.Lock()
					t.err = fmt.Errorf("taskgraph: precursor %q failed: %w", d.Name, derr)
					t.mu.Unlock()
					close(ready[t])
					return t.err
				}
			}
			if g.sem != nil {
				if err := g.sem.Acquire(egctx, 1); err != nil {
					return err
				}
				defer g.sem.Release(1)
			}
			err := t.Run(egctx)
			t.mu.Lock()
			t.done = true
			t.err = err
			t.mu.Unlock()
			close(ready[t])
			return err
		})
	}
	return eg.Wait()
}

// SplitAction is returned by a band render task when the output
// surface requests the band be subdivided mid-render.
type SplitAction int

const (
	SplitNone SplitAction = iota
	SplitY
	SplitX
)

// BandSplit carries a split request's cookie forward to the new
// band-graph subtree the renderer issues.
type BandSplit struct {
	Action SplitAction
	Cookie any
}

// MHTGate chains a vector of L "gate" tasks across bands for a module
// with latency L: each band's render task must precede the L-th
// subsequent band's compress task. slots[bandIndex%L] holds the render
// task of the band L bands prior; a new render task is installed
// each band, rotating through L slots.
type MHTGate struct {
	latency int
	slots   []*Task
}

// NewMHTGate creates a gate vector for a module with the given latency.
func NewMHTGate(latency int) *MHTGate {
	return &MHTGate{latency: latency, slots: make([]*Task, latency)}
}

// Advance installs renderTask into the rotating gate vector and returns
// the gate task (if any) that is now L bands old and must precede
// compressTask.
func (g *MHTGate) Advance(bandIndex int, renderTask *Task) (gate *Task) {
	if g.latency == 0 {
		return renderTask
	}
	slot := bandIndex % g.latency
	gate = g.slots[slot]
	g.slots[slot] = renderTask
	return gate
}

// SheetGraph builds the standard per-sheet subtree: sheet-start gates
// every frame-start; every frame's bands render, compress (optional)
// and output; frame-end joins its bands; sheet-render-done joins all
// frame-ends; sheet-output-done joins all band-output tasks.
type SheetGraph struct {
	Graph        *Graph
	SheetStart   *Task
	RenderDone   *Task
	OutputDone   *Task
	Frames       []*FrameGraph
}

// FrameGraph is one render-interleaving frame's subtree.
type FrameGraph struct {
	FrameStart *Task
	FrameEnd   *Task
	Bands      []*BandTasks
}

// BandTasks groups one band's render/compress/output tasks.
type BandTasks struct {
	Render   *Task
	Compress *Task // nil if compression is not gated in for this band
	Output   *Task
}

// BuildSheet assembles a SheetGraph's dependency edges from
// caller-constructed task functions:
//   sheet-start -> frame-start -> band-render -> frame-end -> sheet-render-done
//   band-render -> band-compress -> band-output -> sheet-output-done
// A final sheet-done join over RenderDone and OutputDone is left to the
// caller.
func BuildSheet(g *Graph, sheetStartFn func(ctx context.Context) error, frames [][]BandFns, canCompress bool, mht *MHTGate) *SheetGraph {
	sg := &SheetGraph{Graph: g}
	sg.SheetStart = g.Add(NewTask("sheet-start", sheetStartFn))

	var allFrameEnds []*Task
	var allOutputs []*Task
	bandIndex := 0
	var prevOutput *Task // enforces ascending band-order PGB emission (spec §5)
	for fi, bands := range frames {
		frameStart := g.Add(NewTask(fmt.Sprintf("frame-%d-start", fi), bands[0].FrameStart, sg.SheetStart))
		fg := &FrameGraph{FrameStart: frameStart}

		var renderTasks []*Task
		for _, b := range bands {
			render := g.Add(NewTask(fmt.Sprintf("band-%d-render", bandIndex), b.Render, frameStart))
			renderTasks = append(renderTasks, render)

			var compressDep *Task = render
			var compress *Task
			if canCompress && b.Compress != nil {
				compressDeps := []*Task{render}
				if mht != nil {
					if g2 := mht.Advance(bandIndex, render); g2 != nil && g2 != render {
						compressDeps = append(compressDeps, g2)
					}
				}
				compress = g.Add(NewTask(fmt.Sprintf("band-%d-compress", bandIndex), b.Compress, compressDeps...))
				compressDep = compress
			}
			outputDeps := []*Task{compressDep}
			if prevOutput != nil {
				outputDeps = append(outputDeps, prevOutput)
			}
			output := g.Add(NewTask(fmt.Sprintf("band-%d-output", bandIndex), b.Output, outputDeps...))
			allOutputs = append(allOutputs, output)
			prevOutput = output

			fg.Bands = append(fg.Bands, &BandTasks{Render: render, Compress: compress, Output: output})
			bandIndex++
		}
		frameEnd := g.Add(NewTask(fmt.Sprintf("frame-%d-end", fi), bands[0].FrameEnd, renderTasks...))
		fg.FrameEnd = frameEnd
		allFrameEnds = append(allFrameEnds, frameEnd)
		sg.Frames = append(sg.Frames, fg)
	}

	sg.RenderDone = g.Add(NewTask("sheet-render-done", noop, allFrameEnds...))
	sg.OutputDone = g.Add(NewTask("sheet-output-done", noop, allOutputs...))
	return sg
}

// BandFns groups the caller-supplied run functions for one band across
// a frame, used as BuildSheet's per-band input.
type BandFns struct {
	FrameStart, FrameEnd func(ctx context.Context) error
	Render, Output       func(ctx context.Context) error
	Compress             func(ctx context.Context) error // nil: never compressed
}

func noop(ctx context.Context) error { return nil }

// BuildReoutputOnly builds the minimal graph the PGB boundary requests
// when only raster readback is needed: sheet-start -> readback tasks ->
// band-output tasks -> sheet-output-done, skipping render and compress
// entirely.
func BuildReoutputOnly(g *Graph, sheetStartFn func(ctx context.Context) error, readbacks []func(ctx context.Context) error, outputs []func(ctx context.Context) error) *Task {
	start := g.Add(NewTask("sheet-start", sheetStartFn))
	var outputTasks []*Task
	var prevOutput *Task
	for i := range readbacks {
		rb := g.Add(NewTask(fmt.Sprintf("band-%d-readback", i), readbacks[i], start))
		deps := []*Task{rb}
		if prevOutput != nil {
			deps = append(deps, prevOutput)
		}
		out := g.Add(NewTask(fmt.Sprintf("band-%d-output", i), outputs[i], deps...))
		outputTasks = append(outputTasks, out)
		prevOutput = out
	}
	return g.Add(NewTask("sheet-output-done", noop, outputTasks...))
}
