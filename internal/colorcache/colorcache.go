// Package colorcache implements the reference-counted, content-addressed
// cache of display-list colors (C4): a prime-sized hash bucket array over
// paintmask+colorvalue pairs, with entries migrating between a free list,
// a referenced MRU list and an unreferenced MRU list as their refcount
// rises and falls.
package colorcache

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	"github.com/mrjoshuak/go-rip/internal/paintmask"
)

// Bucket counts for the three supported store configurations.
const (
	NormalBuckets   = 2039
	LowMemoryBuckets = 131
	DebugBuckets    = 1021
)

// MaxRefcount is the saturation point past which AddReference falls back
// to an independent Intern rather than overflowing the counter.
const MaxRefcount = 1<<16 - 1

var (
	// ErrColorantMismatch is returned by Interpolate when source colorant
	// sets disagree, and by Merge(MergeDisallow) when a colorant is
	// present in both inputs.
	ErrColorantMismatch = errors.New("colorcache: colorant sets do not match")
	// ErrWeights is returned by Interpolate when the weights do not sum
	// to ~1.
	ErrWeights = errors.New("colorcache: interpolation weights must sum to 1")
)

// Entry is an interned color: a paintmask and its companion colorvalue
// array. Entries are reference-counted; callers obtain one from Intern
// or AddReference and give it back via Release.
type Entry struct {
	pm       []byte
	cv       []paintmask.Colorvalue
	refcount int
	special  bool // singleton (black/white/none): refcount ops are no-ops

	bucket   int
	bucketEl *list.Element
	activeEl *list.Element // element in whichever MRU list currently holds this entry
}

// PaintMask returns the entry's paintmask bytes. Callers must not
// mutate the returned slice.
func (e *Entry) PaintMask() []byte { return e.pm }

// Colorvalues returns the entry's companion colorvalue array. Callers
// must not mutate the returned slice.
func (e *Entry) Colorvalues() []paintmask.Colorvalue { return e.cv }

// Refcount returns the entry's current reference count.
func (e *Entry) Refcount() int { return e.refcount }

type freedSlot struct {
	size  int
	entry *Entry
}

// Store is a single DL color cache. It is not safe for concurrent use
// by renderer threads mutating it; it is written only by the
// interpreter thread.
type Store struct {
	mu sync.Mutex

	buckets []*list.List // bucket chain: *Entry values

	free         *list.List // unused, preallocated *Entry values
	referencedMRU *list.List // refcount >= 1, most-recently-used at front
	unreferencedMRU *list.List // refcount == 0, most-recently-used at front

	pool []*Entry // backing allocation, 2*len(buckets) entries

	lastFreed freedSlot

	Black, White, None *Entry
}

// NewStore builds a cache with the given bucket count.
func NewStore(bucketCount int) *Store {
	if bucketCount < 1 {
		bucketCount = NormalBuckets
	}
	s := &Store{
		buckets:         make([]*list.List, bucketCount),
		free:            list.New(),
		referencedMRU:   list.New(),
		unreferencedMRU: list.New(),
	}
	for i := range s.buckets {
		s.buckets[i] = list.New()
	}
	s.pool = make([]*Entry, 2*bucketCount)
	for i := range s.pool {
		e := &Entry{}
		s.pool[i] = e
		e.activeEl = s.free.PushBack(e)
	}
	s.Black = &Entry{pm: paintmask.All0, special: true}
	s.White = &Entry{pm: paintmask.All1, special: true}
	s.None = &Entry{pm: paintmask.NoneMask, special: true}
	return s
}

func hashColor(pm []byte, cv []paintmask.Colorvalue, bucketCount int) int {
	if _, ok := paintmask.SpecialTag(pm); ok {
		return 0
	}
	var h uint32
	for _, v := range cv {
		h = (h << 4) ^ (h >> 28) ^ uint32(v)
	}
	var hp uint32
	for _, b := range pm {
		hp = (hp << 4) ^ (hp >> 28) ^ uint32(b)
	}
	return int((h ^ hp) % uint32(bucketCount))
}

func colorsEqual(pm1 []byte, cv1 []paintmask.Colorvalue, pm2 []byte, cv2 []paintmask.Colorvalue) bool {
	if !paintmask.Equal(pm1, pm2) || len(cv1) != len(cv2) {
		return false
	}
	for i := range cv1 {
		if cv1[i] != cv2[i] {
			return false
		}
	}
	return true
}

// takeSlot removes and returns an *Entry from whichever of free,
// unreferenced-tail, referenced-tail has one available, in that
// preference order. Reaching into the referenced
// tail only happens once the pool (2*bucketCount entries) is fully
// exhausted by live colors; it is the documented last resort, not the
// common path.
func (s *Store) takeSlot() *Entry {
	if el := s.free.Front(); el != nil {
		s.free.Remove(el)
		return el.Value.(*Entry)
	}
	if el := s.unreferencedMRU.Back(); el != nil {
		e := el.Value.(*Entry)
		s.unlinkBucket(e)
		s.unreferencedMRU.Remove(el)
		return e
	}
	el := s.referencedMRU.Back()
	e := el.Value.(*Entry)
	s.unlinkBucket(e)
	s.referencedMRU.Remove(el)
	return e
}

func (s *Store) unlinkBucket(e *Entry) {
	if e.bucketEl != nil {
		s.buckets[e.bucket].Remove(e.bucketEl)
		e.bucketEl = nil
	}
}

// Intern returns a cache handle for a color byte-equal to (pm, cv),
// creating one if no equal color is already cached. The returned
// handle's refcount is at least 1.
func (s *Store) Intern(pm []byte, cv []paintmask.Colorvalue) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := hashColor(pm, cv, len(s.buckets))
	for el := s.buckets[idx].Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		if e.refcount < MaxRefcount && colorsEqual(e.pm, e.cv, pm, cv) {
			s.bumpReference(e)
			return e
		}
	}

	e := s.takeSlot()
	e.pm = append([]byte(nil), pm...)
	e.cv = append([]paintmask.Colorvalue(nil), cv...)
	e.refcount = 1
	e.bucket = idx
	e.bucketEl = s.buckets[idx].PushFront(e)
	e.activeEl = s.referencedMRU.PushFront(e)
	return e
}

// bumpReference increments e's refcount and moves it to the front of
// ReferencedMRU, resurrecting it from UnreferencedMRU first if needed.
// Caller must hold s.mu.
func (s *Store) bumpReference(e *Entry) {
	if e.refcount == 0 {
		s.unreferencedMRU.Remove(e.activeEl)
		e.activeEl = s.referencedMRU.PushFront(e)
	} else {
		s.referencedMRU.MoveToFront(e.activeEl)
	}
	e.refcount++
}

// AddReference increments e's refcount and returns a handle for the
// same color. If e is already at MaxRefcount, the returned handle is
// an independent copy produced by Intern — callers must always treat
// the result as possibly different from e.
func (s *Store) AddReference(e *Entry) *Entry {
	if e.special {
		return e
	}
	s.mu.Lock()
	if e.refcount < MaxRefcount {
		s.bumpReference(e)
		s.mu.Unlock()
		return e
	}
	s.mu.Unlock()
	return s.Intern(e.pm, e.cv)
}

// Release decrements e's refcount, moving it to UnreferencedMRU when it
// reaches zero.
func (s *Store) Release(e *Entry) {
	if e.special {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.refcount == 0 {
		return
	}
	e.refcount--
	if e.refcount == 0 {
		s.referencedMRU.Remove(e.activeEl)
		e.activeEl = s.unreferencedMRU.PushFront(e)
	}
}

// Purge drains UnreferencedMRU into FreeList, releasing backing memory.
// It is called after a partial paint to reduce DL arena fragmentation.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		el := s.unreferencedMRU.Front()
		if el == nil {
			break
		}
		e := el.Value.(*Entry)
		s.unreferencedMRU.Remove(el)
		s.unlinkBucket(e)
		s.lastFreed = freedSlot{size: len(e.cv), entry: e}
		e.pm, e.cv = nil, nil
		e.activeEl = s.free.PushBack(e)
	}
}

// MergeAction selects how Merge resolves a colorant present in both
// inputs.
type MergeAction int

const (
	MergeDisallow MergeAction = iota
	MergeTakeFromFirst
	MergeAverage
	MergeOverprints
)

// Merge returns the union of a's and b's colorants, honoring action for
// colorants present in both. An OPACITY value is merged the same way
// when either input carries one; the inputs' ALLSEP values and MAXBLT
// overprint masks are not carried into the result. The result is
// interned and owned by the caller.
func (s *Store) Merge(a, b *Entry, action MergeAction) (*Entry, error) {
	aCis := paintmask.PresentColorants(a.pm)
	bCis := paintmask.PresentColorants(b.pm)
	union := map[int]bool{}
	inA := map[int]bool{}
	inB := map[int]bool{}
	for _, ci := range aCis {
		union[ci], inA[ci] = true, true
	}
	for _, ci := range bCis {
		union[ci], inB[ci] = true, true
	}
	if action == MergeDisallow {
		for ci := range union {
			if inA[ci] && inB[ci] {
				return nil, ErrColorantMismatch
			}
		}
	}

	cis := sortedKeys(union)
	hasAllsep := false
	hasOpacity := false
	_, aAlpha := paintmask.ColorantOffset(a.pm, paintmask.Alpha)
	_, bAlpha := paintmask.ColorantOffset(b.pm, paintmask.Alpha)
	hasOpacity = aAlpha || bAlpha
	pm, err := paintmask.Setup(cis, hasAllsep, hasOpacity)
	if err != nil {
		return nil, err
	}
	cv := make([]paintmask.Colorvalue, paintmask.TotalColorants(pm))
	for _, ci := range cis {
		off, _ := paintmask.ColorantOffset(pm, ci)
		va, okA := colorantValue(a, ci)
		vb, okB := colorantValue(b, ci)
		switch {
		case okA && okB:
			cv[off] = combine(va, vb, action)
		case okA:
			cv[off] = va
		case okB:
			cv[off] = vb
		}
	}
	if hasOpacity {
		off, _ := paintmask.ColorantOffset(pm, paintmask.Alpha)
		va, okA := colorantValue(a, paintmask.Alpha)
		vb, okB := colorantValue(b, paintmask.Alpha)
		switch {
		case okA && okB:
			cv[off] = combine(va, vb, action)
		case okA:
			cv[off] = va
		case okB:
			cv[off] = vb
		default:
			cv[off] = paintmask.One
		}
	}
	return s.Intern(pm, cv), nil
}

func colorantValue(e *Entry, ci int) (paintmask.Colorvalue, bool) {
	off, ok := paintmask.ColorantOffset(e.pm, ci)
	if !ok || off >= len(e.cv) {
		return 0, false
	}
	return e.cv[off], true
}

func combine(a, b paintmask.Colorvalue, action MergeAction) paintmask.Colorvalue {
	switch action {
	case MergeTakeFromFirst:
		return a
	case MergeAverage:
		return paintmask.Colorvalue((uint32(a) + uint32(b)) / 2)
	case MergeOverprints:
		if a > b {
			return a
		}
		return b
	default:
		return a
	}
}

func sortedKeys(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// Interpolate produces a template-shaped color that is the per-channel
// weighted sum of srcs, whose colorant sets must all match and whose
// weights must sum to ~1.
func (s *Store) Interpolate(weights []float64, srcs []*Entry) (*Entry, error) {
	if len(weights) != len(srcs) || len(srcs) == 0 {
		return nil, fmt.Errorf("colorcache: interpolate needs matching non-empty weights and sources")
	}
	var sum float64
	for _, w := range weights {
		sum += w
	}
	if sum < 0.999 || sum > 1.001 {
		return nil, ErrWeights
	}
	template := srcs[0].pm
	for _, e := range srcs[1:] {
		if !paintmask.Equal(e.pm, template) {
			return nil, ErrColorantMismatch
		}
	}
	n := len(srcs[0].cv)
	out := make([]paintmask.Colorvalue, n)
	for slot := 0; slot < n; slot++ {
		var acc float64
		for i, e := range srcs {
			acc += weights[i] * e.cv[slot].Float()
		}
		out[slot] = paintmask.FromFloat(acc)
	}
	pm := paintmask.Copy(template)
	return s.Intern(pm, out), nil
}

// RemoveOverprinted returns a copy of e with every channel whose value
// equals TRANSPARENT stripped, used after overprint reduction.
func (s *Store) RemoveOverprinted(e *Entry) *Entry {
	var cis []int
	for _, ci := range paintmask.PresentColorants(e.pm) {
		off, ok := paintmask.ColorantOffset(e.pm, ci)
		if ok && off < len(e.cv) && e.cv[off] != paintmask.Transparent {
			cis = append(cis, ci)
		}
	}
	pm, err := paintmask.Setup(cis, false, false)
	if err != nil {
		return e
	}
	cv := make([]paintmask.Colorvalue, len(cis))
	for i, ci := range cis {
		off, _ := paintmask.ColorantOffset(e.pm, ci)
		cv[i] = e.cv[off]
	}
	return s.Intern(pm, cv)
}

// OverprintOp selects how ApplyOverprints combines the new overprint
// set with any maxblt mask already present on e.
type OverprintOp int

const (
	OverprintReplace OverprintOp = iota
	OverprintUnion
	OverprintIntersect
)

// ApplyOverprints installs or updates e's maxblt mask from cis under
// op. A nil cis means "universal set", equivalent to clearing the
// maxblt mask.
func (s *Store) ApplyOverprints(e *Entry, op OverprintOp, cis []int) (*Entry, error) {
	if cis == nil {
		return s.Intern(paintmask.ClearOverprints(e.pm), e.cv), nil
	}
	if op != OverprintReplace {
		existing := map[int]bool{}
		if off := paintmask.LocateOverprints(e.pm); off >= 0 {
			for _, ci := range paintmask.DecodeRun(e.pm[off:]) {
				existing[ci] = true
			}
		}
		merged := map[int]bool{}
		for _, ci := range cis {
			merged[ci] = true
		}
		if op == OverprintUnion {
			for ci := range existing {
				merged[ci] = true
			}
		} else { // OverprintIntersect
			for ci := range merged {
				if !existing[ci] {
					delete(merged, ci)
				}
			}
		}
		cis = sortedKeys(merged)
	}
	pm, err := paintmask.CombineOverprints(e.pm, cis)
	if err != nil {
		return nil, err
	}
	return s.Intern(pm, e.cv), nil
}
