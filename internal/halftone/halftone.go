// Package halftone implements modular halftone (MHT) module registration
// and instance binding (C5): screening is either handled in-RIP (out of
// scope here) or delegated to an external plugin registered through a
// stable ABI.
package halftone

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ABIVersion is the module ABI version this registry accepts.
const ABIVersion = 1

// BandOrdering constrains how a module consumes bands across a sheet.
type BandOrdering int

const (
	// BandOrderingAscending requires bands to be delivered in strictly
	// increasing order (the common case for modules with state that
	// carries over between bands).
	BandOrderingAscending BandOrdering = iota
	// BandOrderingAny permits bands in any order; combined with
	// Reentrant, the task graph may render bands concurrently.
	BandOrderingAny
)

// ResultCode is the MHT ABI's result code, mapped from module return
// values to the RIP's error taxonomy.
type ResultCode int

const (
	Success ResultCode = iota
	IOError
	LimitCheck
	RangeCheck
	TypeCheck
	Memory
	ConfigurationError
	BadInstance
	UnsupportedSrcBitDepth
	UnsupportedDstBitDepth
	VersionMismatch
	Unregistered
)

// Instance is an opaque per-selection MHT module instance handle.
type Instance struct {
	Module *Module
	Data   any // module-private instance state
}

// SelectInfo describes the raster a halftone instance is being
// selected for.
type SelectInfo struct {
	Colorants   []string
	Resolutions []int
	ColorState  any
}

// Request is one DoHalftone/AbortHalftone invocation's argument.
type Request struct {
	Instance   *Instance
	Contone    []byte
	Mask       []byte
	ObjectMap  []byte
	Done       func(req *Request, result ResultCode)
}

// RenderInfo is passed to RenderInitiation/RenderCompletion.
type RenderInfo struct {
	PageNumber int
	Colorant   string
}

// Module is the descriptor a screening plugin registers.
type Module struct {
	Name        string
	DisplayName string
	Version     int

	InstanceSize int

	Init   func() error
	Finish func()

	HalftoneSelect   func(instance *Instance, sel SelectInfo) (*Instance, ResultCode)
	HalftoneRelease  func(instance *Instance)
	DoHalftone       func(instance *Instance, req *Request) bool
	AbortHalftone    func(instance *Instance, req *Request)
	RenderInitiation func(impl *Instance, info *RenderInfo) ResultCode
	RenderCompletion func(impl *Instance, info *RenderInfo, aborting bool)

	SrcBitDepth          int // 8 or 16
	BandOrdering         BandOrdering
	Reentrant            bool
	InterrelatedChannels bool
	Latency              int
	ProcessEmptyBands    bool
	WantObjectMap        bool
}

func (m *Module) validate() error {
	if m.Name == "" {
		return errors.New("halftone: module name is required")
	}
	if m.Version != ABIVersion {
		return fmt.Errorf("halftone: module %q version %d does not match ABI version %d", m.Name, m.Version, ABIVersion)
	}
	if m.HalftoneSelect == nil || m.HalftoneRelease == nil || m.DoHalftone == nil ||
		m.AbortHalftone == nil || m.RenderInitiation == nil || m.RenderCompletion == nil {
		return fmt.Errorf("halftone: module %q is missing required ABI functions", m.Name)
	}
	if m.SrcBitDepth != 8 && m.SrcBitDepth != 16 {
		return fmt.Errorf("halftone: module %q has unsupported src_bit_depth %d", m.Name, m.SrcBitDepth)
	}
	if m.BandOrdering != BandOrderingAscending && m.BandOrdering != BandOrderingAny {
		return fmt.Errorf("halftone: module %q has an invalid band ordering", m.Name)
	}
	if m.Latency < 0 {
		return fmt.Errorf("halftone: module %q has negative latency", m.Name)
	}
	return nil
}

// ModHtoneRef is the superclass-style handle returned for a selected
// instance: identity-comparable, reference-counted, and orderable in
// the registry's global instance list (interrelated-channel instances
// sort to the head).
type ModHtoneRef struct {
	Module   *Module
	instance *Instance
	refcount int
}

func (r *ModHtoneRef) Instance() *Instance { return r.instance }
func (r *ModHtoneRef) Refcount() int       { return r.refcount }

type selectKey struct {
	module   string
	colorant string
}

// Registry holds registered MHT modules and live instances.
type Registry struct {
	mu      sync.Mutex
	modules map[string]*Module

	instances []*ModHtoneRef // interrelated-channel refs sort first

	// perPage caches a previously-selected instance for a given
	// (module, colorant) pair so repeated selections within a page
	// don't re-enter the module's HalftoneSelect.
	perPage *lru.Cache[selectKey, *ModHtoneRef]

	dlEraseNr map[*ModHtoneRef]int // most recent DL generation that used each instance
}

// NewRegistry creates an empty registry. perPageCacheSize bounds the
// per-page resolved-instance cache.
func NewRegistry(perPageCacheSize int) (*Registry, error) {
	if perPageCacheSize < 1 {
		perPageCacheSize = 64
	}
	c, err := lru.New[selectKey, *ModHtoneRef](perPageCacheSize)
	if err != nil {
		return nil, err
	}
	return &Registry{
		modules:   make(map[string]*Module),
		perPage:   c,
		dlEraseNr: make(map[*ModHtoneRef]int),
	}, nil
}

// Register validates and installs m, calling its Init callback. A
// module that is incomplete, version-mismatched, a duplicate name, or
// has an invalid band ordering is rejected outright; a module whose
// Init fails is disposed (Finish is not called, since it never fully
// booted).
func (r *Registry) Register(m *Module) error {
	if err := m.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.Name]; exists {
		return fmt.Errorf("halftone: module %q already registered", m.Name)
	}
	if m.Init != nil {
		if err := m.Init(); err != nil {
			return fmt.Errorf("halftone: module %q failed init: %w", m.Name, err)
		}
	}
	r.modules[m.Name] = m
	return nil
}

// Lookup returns a registered module by name.
func (r *Registry) Lookup(name string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	return m, ok
}

// SelectInstance resolves (or reuses, via the per-page cache) an MHT
// instance for moduleName/colorantName under the given selection
// context.
func (r *Registry) SelectInstance(moduleName, colorantName string, sel SelectInfo) (*ModHtoneRef, error) {
	r.mu.Lock()
	m, ok := r.modules[moduleName]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("halftone: no module registered as %q", moduleName)
	}

	key := selectKey{module: moduleName, colorant: colorantName}
	if cached, ok := r.perPage.Get(key); ok {
		cached.refcount++
		return cached, nil
	}

	inst, code := m.HalftoneSelect(nil, sel)
	if code != Success {
		return nil, fmt.Errorf("halftone: %q HalftoneSelect failed: %v", moduleName, code)
	}
	ref := &ModHtoneRef{Module: m, instance: inst, refcount: 1}

	r.mu.Lock()
	if m.InterrelatedChannels {
		r.instances = append([]*ModHtoneRef{ref}, r.instances...)
	} else {
		r.instances = append(r.instances, ref)
	}
	r.mu.Unlock()

	r.perPage.Add(key, ref)
	return ref, nil
}

// ReleaseInstance drops a reference obtained from SelectInstance,
// calling the module's HalftoneRelease once the refcount reaches zero.
func (r *Registry) ReleaseInstance(ref *ModHtoneRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ref.refcount--
	if ref.refcount > 0 {
		return
	}
	ref.Module.HalftoneRelease(ref.instance)
	for i, other := range r.instances {
		if other == ref {
			r.instances = append(r.instances[:i], r.instances[i+1:]...)
			break
		}
	}
	delete(r.dlEraseNr, ref)
}

// MarkUsed records that ref was used by DL generation eraseNr, for the
// background sweep in Sweep.
func (r *Registry) MarkUsed(ref *ModHtoneRef, eraseNr int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dlEraseNr[ref] = eraseNr
}

// Sweep releases instances whose recorded erase number has expired
// (is older than currentEraseNr), freeing modules no longer in use by
// any retained DL.
func (r *Registry) Sweep(currentEraseNr int) {
	r.mu.Lock()
	var expired []*ModHtoneRef
	for ref, nr := range r.dlEraseNr {
		if nr < currentEraseNr {
			expired = append(expired, ref)
		}
	}
	r.mu.Unlock()
	for _, ref := range expired {
		r.ReleaseInstance(ref)
	}
}

// BandReservation describes the per-page resource bands an MHT module
// needs reserved.
type BandReservation struct {
	ContoneBandBytes int
	MaskBandBytes    int
	ObjectMapBytes   int // 0 if the module doesn't want an object map
	PipelineDepth    int // L+1 bands' worth of resources, capped at bandCount
}

const lineAlignment = 4

func roundUpToAlignment(n, align int) int {
	return (n + align - 1) / align * align
}

// ReserveBands computes a module's per-page band reservation for a
// page of the given width (in samples) and a sheet with bandCount
// bands total.
func ReserveBands(m *Module, pageWidth, bandCount int) BandReservation {
	contoneBytesPerSample := m.SrcBitDepth / 8
	contone := roundUpToAlignment(contoneBytesPerSample*pageWidth, lineAlignment)
	mask := roundUpToAlignment((pageWidth+7)/8, lineAlignment)
	var objMap int
	if m.WantObjectMap {
		objMap = roundUpToAlignment(pageWidth, lineAlignment)
	}
	depth := m.Latency + 1
	if depth > bandCount {
		depth = bandCount
	}
	return BandReservation{
		ContoneBandBytes: contone,
		MaskBandBytes:    mask,
		ObjectMapBytes:   objMap,
		PipelineDepth:    depth,
	}
}

// OrderedInstances returns the registry's global instance list,
// interrelated-channel instances first, stable otherwise.
func (r *Registry) OrderedInstances() []*ModHtoneRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*ModHtoneRef, len(r.instances))
	copy(out, r.instances)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Module.InterrelatedChannels && !out[j].Module.InterrelatedChannels
	})
	return out
}

// TranslateResult maps an MHT module result code to the RIP error
// taxonomy.
func TranslateResult(code ResultCode) error {
	switch code {
	case Success:
		return nil
	case IOError:
		return errors.New("IOERROR")
	case LimitCheck:
		return errors.New("LIMITCHECK")
	case RangeCheck:
		return errors.New("RANGECHECK")
	case Memory:
		return errors.New("VMERROR")
	case ConfigurationError, UnsupportedSrcBitDepth, UnsupportedDstBitDepth, VersionMismatch:
		return errors.New("CONFIGURATIONERROR")
	case BadInstance, TypeCheck:
		return errors.New("TYPECHECK")
	default:
		return errors.New("UNREGISTERED")
	}
}
