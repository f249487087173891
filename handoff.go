package rip

import "fmt"

// HandoffKind categorizes how a terminating page operation disposes
// of the current DL.
type HandoffKind int

const (
	// EraseAll readies the next DL slot for the next page; the
	// current DL's contents are discarded after render.
	EraseAll HandoffKind = iota
	// Preserve retains the DL for continued interpretation (a nested
	// HDL or vignette analysis).
	Preserve
	// CopyPage retains the DL; the next page continues on it.
	CopyPage
	// Partial retains job/rasterstyle references but frees DL pool
	// memory.
	Partial
)

func (k HandoffKind) String() string {
	switch k {
	case Preserve:
		return "preserve"
	case CopyPage:
		return "copy-page"
	case Partial:
		return "partial"
	default:
		return "erase-all"
	}
}

// Operation names the interpreter operation that triggered handoff.
type Operation int

const (
	OpShowPage Operation = iota
	OpCopyPage
)

// HandoffRequest describes the terminating operation's context.
type HandoffRequest struct {
	Op               Operation
	NestedHDL        bool
	VignetteAnalysis bool
	PartialPaint     bool
}

// Categorize maps a HandoffRequest to its HandoffKind.
func Categorize(req HandoffRequest) HandoffKind {
	if req.PartialPaint {
		return Partial
	}
	switch req.Op {
	case OpCopyPage:
		return CopyPage
	case OpShowPage:
		if req.NestedHDL || req.VignetteAnalysis {
			return Preserve
		}
		return EraseAll
	default:
		return EraseAll
	}
}

// JobRef is an opaque reference to job/rasterstyle state the handoff
// must retain or release.
type JobRef struct {
	Name string
}

// Handoff owns the "next page" slot transition and the job references
// threaded from one page to the next.
type Handoff struct {
	nextSlotOwned bool
	retainedDL    bool
	job           *JobRef
}

// NewHandoff creates an empty Handoff with no page slot owned.
func NewHandoff() *Handoff {
	return &Handoff{}
}

// Perform executes kind's disposition against page, acquiring
// exclusive ownership of the next-page slot, moving the interpreter's
// page pointer (represented here by advance), and retaining or
// releasing job references per kind.
//
// For EraseAll and CopyPage, advance is called once, after the slot is
// acquired, to let the caller move its own page-pointer state; Preserve
// and Partial do not call it. release is called only by EraseAll, for
// the previously retained job reference.
func (h *Handoff) Perform(kind HandoffKind, job *JobRef, advance func() error, release func(*JobRef)) error {
	if h.nextSlotOwned {
		return fmt.Errorf("rip: handoff: next-page slot already owned")
	}
	h.nextSlotOwned = true
	defer func() { h.nextSlotOwned = false }()

	switch kind {
	case EraseAll:
		h.retainedDL = false
		prev := h.job
		h.job = job
		if err := advance(); err != nil {
			return fmt.Errorf("rip: handoff erase-all: %w", err)
		}
		if prev != nil && release != nil {
			release(prev)
		}
	case Preserve:
		h.retainedDL = true
		h.job = job
		// No page-pointer advance: interpretation continues on the
		// same DL.
	case CopyPage:
		h.retainedDL = true
		h.job = job
		if err := advance(); err != nil {
			return fmt.Errorf("rip: handoff copy-page: %w", err)
		}
	case Partial:
		// Job/rasterstyle references are retained; only the DL pool
		// memory is freed, which is the caller's DL-pool-specific
		// cleanup, not modeled by job release here.
		h.retainedDL = false
		h.job = job
	}
	return nil
}

// RetainedDL reports whether the current DL survives this handoff.
func (h *Handoff) RetainedDL() bool { return h.retainedDL }

// Job returns the currently retained job reference, if any.
func (h *Handoff) Job() *JobRef { return h.job }
