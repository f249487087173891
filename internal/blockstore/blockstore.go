// Package blockstore implements the image block store (C2): a paged,
// compressing, evictable grid of raw image sample blocks addressed by
// (plane, block-x, block-y), serving reads while under memory pressure.
//
// The plane/block grid is a row-major array of fixed-size cells with
// per-cell state, walked by index rather than by pointer-chasing.
package blockstore

import (
	"container/list"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// BlockState is a block's position in the compress/page-out lifecycle.
type BlockState int

const (
	Absent BlockState = iota
	Memory
	Compressed
	OnDisk
	Uniform
)

func (s BlockState) String() string {
	switch s {
	case Absent:
		return "absent"
	case Memory:
		return "memory"
	case Compressed:
		return "compressed"
	case OnDisk:
		return "on-disk"
	case Uniform:
		return "uniform"
	default:
		return "unknown"
	}
}

// Action is the store's next eligible eviction step, monotonically
// progressing except on reopen-for-writing.
type Action int

const (
	OpenForWriting Action = iota
	Compression
	ShareBlists1
	WriteToDisk
	ShareBlists2
	NothingMore
)

func (a Action) String() string {
	switch a {
	case OpenForWriting:
		return "open-for-writing"
	case Compression:
		return "compression"
	case ShareBlists1:
		return "share-blists-1"
	case WriteToDisk:
		return "write-to-disk"
	case ShareBlists2:
		return "share-blists-2"
	default:
		return "nothing-more"
	}
}

// next returns the action following a, or NothingMore if a is terminal.
func (a Action) next() Action {
	if a >= NothingMore {
		return NothingMore
	}
	return a + 1
}

// Minimum block sizes (in bytes) below which a tier is never offered,
// followed by the per-plane block minimum and the cap on blists purged
// in one pass.
const (
	MinCompressionSize = 256
	MinWriteToDiskSize = 1024
	MinBlocksPerPlane  = 4
	MaxBlistsToPurge   = 64
)

// Block is one rectangular cell of sample data for a plane.
type Block struct {
	State BlockState

	Samples    []float32 // valid when State == Memory
	Compressed []byte    // valid when State == Compressed
	DiskOffset int64     // valid when State == OnDisk

	// Uniform holds the single colorvalue backing a Uniform block;
	// Samples may be nil until something forces it resident.
	Uniform float32
}

func newBlock() *Block { return &Block{State: Absent} }

// Plane is a row-major grid of Block slots for one colorant, plus a
// blist ring for locality-of-reference staging.
type Plane struct {
	Index            int
	XBlocks, YBlocks int
	Blocks           []*Block // len == XBlocks*YBlocks

	blist *list.List // ring of handles staged for reuse

	YCompressed int // highest row index fully compressed
	YPurged     int // highest row index fully paged to disk
}

func newPlane(index, xblocks, yblocks int) *Plane {
	p := &Plane{Index: index, XBlocks: xblocks, YBlocks: yblocks, blist: list.New()}
	p.Blocks = make([]*Block, xblocks*yblocks)
	for i := range p.Blocks {
		p.Blocks[i] = newBlock()
	}
	return p
}

func (p *Plane) at(bx, by int) *Block {
	return p.Blocks[by*p.XBlocks+bx]
}

// Bbox is an inclusive-exclusive rectangle in image space.
type Bbox struct{ X0, Y0, X1, Y1 int }

func (b Bbox) empty() bool { return b.X1 <= b.X0 || b.Y1 <= b.Y0 }

// Flags bit-packs the store's xy-swap, row-repeat-tracking, and
// recycled-for-adjustment state.
type Flags uint8

const (
	FlagXYSwapped Flags = 1 << iota
	FlagRowRepeatTracking
	FlagRowRepeatDecimate
	FlagRecycledForAdjustment
)

// ErrVM is returned when block/pool allocation fails.
var ErrVM = errors.New("blockstore: VMERROR")

// ErrIO wraps a scratch-file I/O failure that is not a retryable
// not-ready condition.
var ErrIO = errors.New("blockstore: IOERROR")

// Store is the block grid for one image: a set of per-colorant Planes
// sharing geometry, plus eviction-tier bookkeeping.
type Store struct {
	mu sync.Mutex

	OBbox, TBbox Bbox

	BlockWidth, BlockHeight int
	BytesPerBlock           int
	Bpp                     int
	Flags                   Flags

	Planes []*Plane

	rowRepeat []bool // len == image height in rows; bit y means row y repeats y-1

	swap []float32 // scratch buffer for xy-swapped writes

	action Action

	StdBlocks, ExtBlocks int

	node *StoreNode // owning bucket, for the size-ordered relink on state change

	reserved int // pool units reserved by ReserveForPrerender, released by ReleaseReserves
}

// NewStore creates an empty store for numPlanes colorants over an
// o_bbox-sized image, opened for writing.
func NewStore(numPlanes int, obbox Bbox, blockWidth, blockHeight, bytesPerBlock, bpp int) *Store {
	s := &Store{
		OBbox:         obbox,
		TBbox:         obbox,
		BlockWidth:    blockWidth,
		BlockHeight:   blockHeight,
		BytesPerBlock: bytesPerBlock,
		Bpp:           bpp,
		action:        OpenForWriting,
	}
	xblocks := ceilDiv(obbox.X1-obbox.X0, blockWidth)
	yblocks := ceilDiv(obbox.Y1-obbox.Y0, blockHeight)
	s.Planes = make([]*Plane, numPlanes)
	for i := range s.Planes {
		s.Planes[i] = newPlane(i, xblocks, yblocks)
	}
	if obbox.Y1 > obbox.Y0 {
		s.rowRepeat = make([]bool, obbox.Y1-obbox.Y0)
	}
	return s
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Action returns the store's current eviction-progression state.
func (s *Store) Action() Action {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.action
}

// Close transitions OpenForWriting to the first applicable eviction
// action per canCompress/canWriteToDisk policy.
func (s *Store) Close(canCompress, canWriteToDisk bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.action != OpenForWriting {
		return
	}
	switch {
	case canCompress && s.BytesPerBlock >= MinCompressionSize:
		s.action = Compression
	case canWriteToDisk && s.BytesPerBlock >= MinWriteToDiskSize:
		s.action = WriteToDisk
	default:
		s.action = NothingMore
	}
}

// ReopenForWriting resets the store's action to OpenForWriting,
// overriding any eviction progress already made.
func (s *Store) ReopenForWriting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.action = OpenForWriting
}

// advance moves the store to the next eviction action in sequence.
func (s *Store) advance() {
	s.mu.Lock()
	s.action = s.action.next()
	s.mu.Unlock()
}

// WriteBlock installs a fully-populated Memory block at (plane, bx,
// by), allocating on first touch. It is the only writer path during
// the interpret-and-write loop; it never compresses or evicts.
func (s *Store) WriteBlock(plane, bx, by int, samples []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if plane < 0 || plane >= len(s.Planes) {
		return fmt.Errorf("blockstore: plane %d out of range", plane)
	}
	p := s.Planes[plane]
	if bx < 0 || bx >= p.XBlocks || by < 0 || by >= p.YBlocks {
		return fmt.Errorf("blockstore: block (%d,%d) out of range for plane %d", bx, by, plane)
	}
	b := p.at(bx, by)
	b.State = Memory
	b.Samples = samples
	b.Compressed = nil
	return nil
}

// MarkUniform collapses a Memory block that turned out constant to a
// Uniform block, dropping its sample backing unless reserved.
func (s *Store) MarkUniform(plane, bx, by int, value float32, keepBacking bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.Planes[plane].at(bx, by)
	b.State = Uniform
	b.Uniform = value
	if !keepBacking {
		b.Samples = nil
	}
}

// Block returns the block at (plane, bx, by) for inspection; callers
// must not retain Samples across a Compress/PageToDisk call.
func (s *Store) Block(plane, bx, by int) *Block {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Planes[plane].at(bx, by)
}

// Decode restores a Compressed or OnDisk block to Memory via decode
// (Compressed, e.g. bitcodec.Decompress) or read (OnDisk, via readAt).
// It is a no-op for blocks already Memory/Uniform/Absent.
func (s *Store) Decode(plane, bx, by int, decode func(compressed []byte) ([]float32, error), readAt func(off int64) ([]float32, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.Planes[plane].at(bx, by)
	switch b.State {
	case Compressed:
		samples, err := decode(b.Compressed)
		if err != nil {
			return fmt.Errorf("blockstore: decompress plane %d block (%d,%d): %w", plane, bx, by, err)
		}
		b.Samples = samples
		b.State = Memory
	case OnDisk:
		samples, err := readAt(b.DiskOffset)
		if err != nil {
			return fmt.Errorf("%w: plane %d block (%d,%d): %v", ErrIO, plane, bx, by, err)
		}
		b.Samples = samples
		b.State = Memory
	}
	return nil
}

// --- Row-repeat tracking ---

// MarkRowRepeat records that row y duplicates row y-1.
func (s *Store) MarkRowRepeat(y int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if y >= 0 && y < len(s.rowRepeat) {
		s.rowRepeat[y] = true
	}
}

// IsRowRepeat reports whether row y was marked as a repeat of y-1.
func (s *Store) IsRowRepeat(y int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return y >= 0 && y < len(s.rowRepeat) && s.rowRepeat[y]
}

// DecimateRowRepeats caps consecutive repeat runs at maxRun (typically
// 2 or 4), clearing the repeat bit on rows beyond the cap so the
// nearly-the-same-rows mode bounds error accumulation.
func (s *Store) DecimateRowRepeats(maxRun int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := 0
	for y := range s.rowRepeat {
		if !s.rowRepeat[y] {
			run = 0
			continue
		}
		run++
		if run > maxRun {
			s.rowRepeat[y] = false
			run = 0
		}
	}
}

// --- Trim ---

// Trim tightens t_bbox to the intersection of the current t_bbox and
// ibbox, without freeing any block memory; only whole rows/columns
// strictly outside the new bbox are later eligible for eviction.
func (s *Store) Trim(ibbox Bbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb := s.TBbox
	if ibbox.X0 > nb.X0 {
		nb.X0 = ibbox.X0
	}
	if ibbox.Y0 > nb.Y0 {
		nb.Y0 = ibbox.Y0
	}
	if ibbox.X1 < nb.X1 {
		nb.X1 = ibbox.X1
	}
	if ibbox.Y1 < nb.Y1 {
		nb.Y1 = ibbox.Y1
	}
	if nb.empty() {
		nb.X1, nb.Y1 = nb.X0, nb.Y0
	}
	s.TBbox = nb
}

// --- Preallocation and prerender reserves ---

// Preallocate ensures the first row of blocks for plane (or all
// planes, when plane < 0) is Memory-resident, sized for nSamples per
// block, so the hot interpret loop never allocates.
func (s *Store) Preallocate(plane int, nSamples int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	touch := func(p *Plane) {
		for bx := 0; bx < p.XBlocks; bx++ {
			b := p.at(bx, 0)
			if b.State == Absent {
				b.State = Memory
				b.Samples = make([]float32, nSamples)
			}
		}
	}
	if plane < 0 {
		for _, p := range s.Planes {
			touch(p)
		}
		return nil
	}
	if plane >= len(s.Planes) {
		return fmt.Errorf("blockstore: plane %d out of range", plane)
	}
	touch(s.Planes[plane])
	return nil
}

// ReserveForPrerender reserves blockCount*(handleSize+blockBytes) pool
// units drawn from the same accounting as block data, so a later
// preconvert pass cannot fail mid-render for want of memory.
func (s *Store) ReserveForPrerender(blockCount, handleSize, blockBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved += blockCount * (handleSize + blockBytes)
}

// ReleaseReserves frees whatever ReserveForPrerender set aside.
func (s *Store) ReleaseReserves() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = 0
}

// Reserved reports the currently outstanding reserve, for tests and
// pool accounting.
func (s *Store) Reserved() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reserved
}

// --- Planar reordering and merge ---

// Recombine rebinds the store to a new colorant ordering: newIndex[i]
// gives the old plane index that should occupy new slot i, or -1 for
// an unbound (fresh, empty) slot. Planes not referenced by newIndex
// are dropped.
func (s *Store) Recombine(newIndex []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Plane, len(newIndex))
	for newSlot, oldIdx := range newIndex {
		if oldIdx < 0 {
			xblocks := ceilDiv(s.OBbox.X1-s.OBbox.X0, s.BlockWidth)
			yblocks := ceilDiv(s.OBbox.Y1-s.OBbox.Y0, s.BlockHeight)
			out[newSlot] = newPlane(newSlot, xblocks, yblocks)
			continue
		}
		if oldIdx >= len(s.Planes) {
			return fmt.Errorf("blockstore: recombine references out-of-range plane %d", oldIdx)
		}
		p := s.Planes[oldIdx]
		p.Index = newSlot
		out[newSlot] = p
	}
	s.Planes = out
	return nil
}

// Merge transfers other's planes into s in place, provided the two
// stores share block geometry and no plane index is occupied in both.
// The merged action is the later of the two in the eviction
// progression.
func (s *Store) Merge(other *Store) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	if s.BlockWidth != other.BlockWidth || s.BlockHeight != other.BlockHeight || s.BytesPerBlock != other.BytesPerBlock {
		return errors.New("blockstore: merge requires identical block geometry")
	}
	if len(other.Planes) > len(s.Planes) {
		grown := make([]*Plane, len(other.Planes))
		copy(grown, s.Planes)
		s.Planes = grown
	}
	for i, op := range other.Planes {
		if op == nil || isEmptyPlane(op) {
			continue
		}
		if s.Planes[i] != nil && !isEmptyPlane(s.Planes[i]) {
			return fmt.Errorf("blockstore: merge conflict at plane %d: occupied in both stores", i)
		}
		op.Index = i
		s.Planes[i] = op
	}
	if other.action > s.action {
		s.action = other.action
	}
	return nil
}

func isEmptyPlane(p *Plane) bool {
	for _, b := range p.Blocks {
		if b.State != Absent {
			return false
		}
	}
	return true
}

// --- Global blist reuse pool and SharedStore ---

// StoreNode buckets stores sharing a bytes_per_block, ordered
// descending by current block count for largest-first eviction.
type StoreNode struct {
	BytesPerBlock int
	byAction      [NothingMore + 1]*list.List // each element holds *Store
}

func newStoreNode(bytesPerBlock int) *StoreNode {
	n := &StoreNode{BytesPerBlock: bytesPerBlock}
	for i := range n.byAction {
		n.byAction[i] = list.New()
	}
	return n
}

// insert places s into the bucket for its current action, ordered by
// descending block count among existing entries.
func (n *StoreNode) insert(s *Store, blockCount int) {
	l := n.byAction[s.action]
	for e := l.Front(); e != nil; e = e.Next() {
		if blockCountOf(e.Value.(*Store)) < blockCount {
			s.node = n
			l.InsertBefore(s, e)
			return
		}
	}
	s.node = n
	l.PushBack(s)
}

func blockCountOf(s *Store) int {
	n := 0
	for _, p := range s.Planes {
		for _, b := range p.Blocks {
			if b.State != Absent {
				n++
			}
		}
	}
	return n
}

// blistEntry is the per-bytes_per_block reuse bucket held in the
// global LRU pool: a free-list of block handles amortising allocation
// across planes of the same block size.
type blistEntry struct {
	mu   sync.Mutex
	free []*Block
}

// SharedStore is the process-per-page aggregate of every Store plus
// the global blist reuse pool and per-action counters.
type SharedStore struct {
	mu sync.Mutex

	// releaseMu serialises low-memory Release cycles; Release gives up
	// immediately on contention rather than blocking, per spec §4.2's
	// try_lock discipline, so a low-memory arbiter never stalls behind
	// an in-progress eviction pass.
	releaseMu sync.Mutex

	stores []*Store
	nodes  map[int]*StoreNode // keyed by bytes_per_block

	nStores [NothingMore + 1]int
	nBlocks [NothingMore + 1]int

	// blistPool is the global blist reuse pool, keyed by
	// bytes_per_block. Bounded by golang-lru so an unbounded number of
	// distinct block sizes can't pin memory forever; entries beyond the
	// cap are simply not reused, which only costs an allocation, never
	// correctness.
	blistPool *lru.Cache[int, *blistEntry]
}

// NewSharedStore creates an empty SharedStore with a blist pool
// bounded to track at most maxBlockSizes distinct bytes_per_block
// buckets at once.
func NewSharedStore(maxBlockSizes int) (*SharedStore, error) {
	if maxBlockSizes < 1 {
		maxBlockSizes = 16
	}
	pool, err := lru.New[int, *blistEntry](maxBlockSizes)
	if err != nil {
		return nil, fmt.Errorf("blockstore: %w", err)
	}
	return &SharedStore{nodes: make(map[int]*StoreNode), blistPool: pool}, nil
}

// Register adds s to the shared aggregate, bucketing it by
// bytes_per_block and recording it in the per-action counts.
func (ss *SharedStore) Register(s *Store) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.stores = append(ss.stores, s)
	node, ok := ss.nodes[s.BytesPerBlock]
	if !ok {
		node = newStoreNode(s.BytesPerBlock)
		ss.nodes[s.BytesPerBlock] = node
	}
	bc := blockCountOf(s)
	node.insert(s, bc)
	ss.nStores[s.action]++
	ss.nBlocks[s.action] += bc
}

// ReleaseBlist returns count reusable block handles of the given
// bytes_per_block to the global pool for a future plane of the same
// size to pick up.
func (ss *SharedStore) ReleaseBlist(bytesPerBlock int, handles []*Block) {
	entry, ok := ss.blistPool.Get(bytesPerBlock)
	if !ok {
		entry = &blistEntry{}
		ss.blistPool.Add(bytesPerBlock, entry)
	}
	entry.mu.Lock()
	entry.free = append(entry.free, handles...)
	entry.mu.Unlock()
}

// AcquireBlist takes up to count reusable handles of the given
// bytes_per_block from the global pool, returning fewer (even zero) if
// the pool can't satisfy the request — callers fall back to fresh
// allocation for the remainder.
func (ss *SharedStore) AcquireBlist(bytesPerBlock, count int) []*Block {
	entry, ok := ss.blistPool.Get(bytesPerBlock)
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	n := count
	if n > len(entry.free) {
		n = len(entry.free)
	}
	out := entry.free[len(entry.free)-n:]
	entry.free = entry.free[:len(entry.free)-n]
	return out
}

// PurgeSurplusBlists discards up to MaxBlistsToPurge handles per
// bucket across the whole pool, for a low-memory handler that needs to
// reclaim blist bookkeeping itself rather than block data.
func (ss *SharedStore) PurgeSurplusBlists() int {
	purged := 0
	for _, key := range ss.blistPool.Keys() {
		entry, ok := ss.blistPool.Get(key)
		if !ok {
			continue
		}
		entry.mu.Lock()
		n := len(entry.free)
		if n > MaxBlistsToPurge {
			n = MaxBlistsToPurge
		}
		entry.free = entry.free[:len(entry.free)-n]
		entry.mu.Unlock()
		purged += n
	}
	return purged
}

// --- Memory pressure protocol ---

// Tier distinguishes the RAM (compress) and Disk (page-out) low-memory
// handler tiers.
type Tier int

const (
	TierRAM Tier = iota
	TierDisk
)

// CompressRow compresses plane's next purgeable row (y_compressed) via
// the caller-supplied encode function, advancing y_compressed. It
// returns false if there is no more purgeable row at this tier.
func (s *Store) CompressRow(plane int, encode func(row []*Block) ([]byte, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BytesPerBlock < MinCompressionSize {
		return false, nil
	}
	p := s.Planes[plane]
	if p.YCompressed >= p.YBlocks {
		return false, nil
	}
	y := p.YCompressed
	row := p.Blocks[y*p.XBlocks : (y+1)*p.XBlocks]
	memBlocks := make([]*Block, 0, len(row))
	for _, b := range row {
		if b.State == Memory {
			memBlocks = append(memBlocks, b)
		}
	}
	if len(memBlocks) == 0 {
		p.YCompressed++
		return true, nil
	}
	payload, err := encode(memBlocks)
	if err != nil {
		return false, fmt.Errorf("blockstore: compress plane %d row %d: %w", plane, y, err)
	}
	for _, b := range memBlocks {
		b.State = Compressed
		b.Compressed = payload
		b.Samples = nil
	}
	p.YCompressed++
	return true, nil
}

// PageRowToDisk writes plane's next purgeable row (y_purged) to the
// scratch file via write, advancing y_purged.
func (s *Store) PageRowToDisk(plane int, write func(row []*Block) (int64, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BytesPerBlock < MinWriteToDiskSize {
		return false, nil
	}
	p := s.Planes[plane]
	if p.YPurged >= p.YBlocks {
		return false, nil
	}
	y := p.YPurged
	row := p.Blocks[y*p.XBlocks : (y+1)*p.XBlocks]
	evictable := make([]*Block, 0, len(row))
	for _, b := range row {
		if b.State == Memory || b.State == Compressed {
			evictable = append(evictable, b)
		}
	}
	if len(evictable) == 0 {
		p.YPurged++
		return true, nil
	}
	off, err := write(evictable)
	if err != nil {
		return false, fmt.Errorf("%w: plane %d row %d: %v", ErrIO, plane, y, err)
	}
	for _, b := range evictable {
		b.State = OnDisk
		b.DiskOffset = off
		b.Samples = nil
		b.Compressed = nil
	}
	p.YPurged++
	return true, nil
}

// Solicit reports the tier's eviction estimate in bytes: nonzero only
// if blocks of the tier exist on this store, approximately
// n_blocks_at_tier * block_default_size (halved for the RAM tier).
func (s *Store) Solicit(tier Tier) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.Planes {
		for _, b := range p.Blocks {
			if b.State == Memory {
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	estimate := n * s.BytesPerBlock
	if tier == TierRAM {
		estimate /= 2
	}
	return estimate
}

// Release runs one low-memory release cycle over every node's stores
// at the given tier, largest-block-size first, processing at least one
// row per plane for open stores (so a full blist column can be
// reclaimed) or MinBlocksPerPlane for closed stores. encode backs the
// RAM tier (ignored for TierDisk) and write backs the Disk tier
// (ignored for TierRAM). It returns the number of rows purged this
// cycle, or (0, nil) immediately if another Release is already in
// progress (try_lock; give up if contended, per spec §4.2).
func (ss *SharedStore) Release(tier Tier, encode func(row []*Block) ([]byte, error), write func(row []*Block) (int64, error)) (int, error) {
	if !ss.releaseMu.TryLock() {
		return 0, nil
	}
	defer ss.releaseMu.Unlock()

	ss.mu.Lock()
	nodes := make([]*StoreNode, 0, len(ss.nodes))
	for _, n := range ss.nodes {
		nodes = append(nodes, n)
	}
	ss.mu.Unlock()

	sortNodesDescending(nodes)

	purged := 0
	for _, node := range nodes {
		actionIdx := Compression
		if tier == TierDisk {
			actionIdx = WriteToDisk
		}
		l := node.byAction[actionIdx]
		for e := l.Front(); e != nil; e = e.Next() {
			s := e.Value.(*Store)
			rowsWanted := MinBlocksPerPlane
			if s.Action() == OpenForWriting {
				rowsWanted = 1
			}
			for plane := range s.Planes {
				for i := 0; i < rowsWanted; i++ {
					var ok bool
					var err error
					if tier == TierRAM {
						ok, err = s.CompressRow(plane, encode)
					} else {
						ok, err = s.PageRowToDisk(plane, write)
					}
					if err != nil {
						return purged, err
					}
					if !ok {
						break
					}
					purged++
				}
			}
			if noFurtherProgress(s, tier) {
				s.advance()
			}
		}
	}
	return purged, nil
}

func noFurtherProgress(s *Store, tier Tier) bool {
	for _, p := range s.Planes {
		if tier == TierRAM && p.YCompressed < p.YBlocks {
			return false
		}
		if tier == TierDisk && p.YPurged < p.YBlocks {
			return false
		}
	}
	return true
}

func sortNodesDescending(nodes []*StoreNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && nodes[j].BytesPerBlock > nodes[j-1].BytesPerBlock; j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}
