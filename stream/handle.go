package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/moontrade/imstream/config"
	"github.com/moontrade/imstream/stream/symcode"
)

// CPU is the Location of host memory segments.
const CPU = -1

// Options control AttachOrCreate. Start from DefaultOptions: the zero
// value is a private, non-reusing segment on GPU 0.
type Options struct {
	// Location is CPU or a GPU device id. Device memory is not supported.
	Location int
	// Shared segments are files in the namespace directory; others live in
	// this process only.
	Shared          bool
	KeywordCapacity int
	// ReuseExisting attaches to an existing segment of the same geometry.
	ReuseExisting bool
	// DeleteExisting removes any existing segment first. It wins over
	// ReuseExisting.
	DeleteExisting bool
	ZeroInit       bool
	// DeleteOnClose destroys the segment when the creating handle closes.
	DeleteOnClose bool
	// Symcode is recorded in newly created segments.
	Symcode int
}

func DefaultOptions() Options {
	return Options{
		Location:        CPU,
		Shared:          true,
		KeywordCapacity: config.KeywordCapacity,
		ReuseExisting:   true,
		Symcode:         symcode.Default,
	}
}

// ReadOptions control GetData.
type ReadOptions struct {
	// Wait is NoWait for a snapshot, Forever to block until the next post,
	// or a bound after which ErrTimedOut is returned.
	Wait   time.Duration
	Format Format
	// Flush discards pending posts first so the returned frame was written
	// after the call started.
	Flush bool
}

// Handle is a process-local view of one named segment.
type Handle struct {
	m             *Manager
	seg           *Segment
	name          string
	geometry      Geometry
	symcode       int
	owner         bool
	deleteOnClose bool
	slotMu        sync.Mutex
	slot          int
	_             cpu.CacheLinePad
	last          atomic.Uint64
	closed        atomic.Bool
}

// AttachOrCreate returns a handle to name, creating the segment from g
// when it does not exist. g may be nil to only attach.
func (m *Manager) AttachOrCreate(name string, g *Geometry, opts Options) (*Handle, error) {
	name, err := m.Normalize(name)
	if err != nil {
		return nil, err
	}
	if opts.Location >= 0 {
		return nil, fmt.Errorf("%w: device location %d", ErrUnimplemented, opts.Location)
	}
	if g != nil {
		if err = g.Validate(); err != nil {
			return nil, err
		}
	}
	if opts.DeleteExisting {
		if err = m.Remove(name); err != nil {
			return nil, err
		}
	} else if opts.ReuseExisting {
		h, err := m.attachMatching(name, g, opts)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return h, err
		}
	}
	if g == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	seg, err := m.Create(name, *g, opts)
	if err != nil {
		// lost a creation race
		if errors.Is(err, ErrAlreadyExists) && opts.ReuseExisting && !opts.DeleteExisting {
			return m.attachMatching(name, g, opts)
		}
		return nil, err
	}
	h := newHandle(m, seg)
	h.owner = true
	h.deleteOnClose = opts.DeleteOnClose
	return h, nil
}

// Attach opens an existing segment.
func (m *Manager) Attach(name string) (*Handle, error) {
	seg, err := m.Open(name)
	if err != nil {
		return nil, err
	}
	return newHandle(m, seg), nil
}

func (m *Manager) attachMatching(name string, g *Geometry, opts Options) (*Handle, error) {
	h, err := m.Attach(name)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return h, nil
	}
	switch {
	case h.seg.Shared() != opts.Shared:
		err = fmt.Errorf("%w: %s is %s, requested %s", ErrInvalidArgument, name, placement(h.seg.Shared()), placement(opts.Shared))
	case h.geometry.DType != g.DType:
		err = fmt.Errorf("%w: %w: %s is %s, requested %s", ErrShapeMismatch, ErrTypeMismatch, name, h.geometry, g)
	case !sameShape(h.geometry.Shape, g.Shape):
		err = fmt.Errorf("%w: %s is %s, requested %s", ErrShapeMismatch, name, h.geometry, g)
	case h.seg.KeywordCapacity() < opts.KeywordCapacity:
		err = fmt.Errorf("%w: %s has %d keyword slots, requested %d", ErrResourceExhausted, name, h.seg.KeywordCapacity(), opts.KeywordCapacity)
	}
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return h, nil
}

func placement(shared bool) string {
	if shared {
		return "shared"
	}
	return "private"
}

func newHandle(m *Manager, seg *Segment) *Handle {
	h := &Handle{
		m:        m,
		seg:      seg,
		name:     seg.name,
		geometry: seg.Geometry(),
		symcode:  seg.Symcode(),
		slot:     -1,
	}
	h.last.Store(seg.Counter())
	return h
}

func (h *Handle) Name() string      { return h.name }
func (h *Handle) Symcode() int      { return h.symcode }
func (h *Handle) Segment() *Segment { return h.seg }

func (h *Handle) Geometry() Geometry {
	return Geometry{DType: h.geometry.DType, Shape: cloneShape(h.geometry.Shape)}
}

// Owner reports whether this handle created the segment.
func (h *Handle) Owner() bool { return h.owner }

// Counter is the segment write counter.
func (h *Handle) Counter() uint64 { return h.seg.Counter() }

// LastCounter is the counter of the last frame this handle read.
func (h *Handle) LastCounter() uint64 { return h.last.Load() }

func (h *Handle) Metadata() Metadata { return h.seg.Metadata() }

// Slot returns the handle's semaphore index, claiming one on first use.
func (h *Handle) Slot() (int, error) {
	if h.closed.Load() {
		return -1, ErrClosed
	}
	h.slotMu.Lock()
	defer h.slotMu.Unlock()
	if h.slot >= 0 {
		return h.slot, nil
	}
	slot, err := h.seg.AssignSlot()
	if err != nil {
		return -1, err
	}
	h.slot = slot
	return slot, nil
}

// Pending is the number of unconsumed posts on the handle's semaphore.
func (h *Handle) Pending() int {
	h.slotMu.Lock()
	slot := h.slot
	h.slotMu.Unlock()
	if slot < 0 {
		return 0
	}
	return h.seg.Pending(slot)
}

// Wait consumes one post on the handle's semaphore.
func (h *Handle) Wait(ctx context.Context, timeout time.Duration) error {
	slot, err := h.Slot()
	if err != nil {
		return err
	}
	return h.seg.Wait(ctx, slot, timeout)
}

// GetData reads the current frame, optionally waiting for a new one first.
func (h *Handle) GetData(ctx context.Context, opts ReadOptions) (Frame, error) {
	if h.closed.Load() {
		return Frame{}, ErrClosed
	}
	if opts.Wait != NoWait {
		slot, err := h.Slot()
		if err != nil {
			return Frame{}, err
		}
		if opts.Flush {
			h.seg.Flush(slot)
		}
		if err = h.seg.Wait(ctx, slot, opts.Wait); err != nil {
			return Frame{}, err
		}
	}
	f, err := h.seg.ReadFrame()
	if err != nil {
		return Frame{}, err
	}
	h.last.Store(f.Counter)
	if opts.Format == Logical {
		return h.toLogical(f)
	}
	return f, nil
}

// SetData writes a frame and notifies every reader. Logical frames are
// mapped through the segment symcode first.
func (h *Handle) SetData(f Frame) error {
	if h.closed.Load() {
		return ErrClosed
	}
	if f.Format == Logical {
		raw, err := h.fromLogical(f)
		if err != nil {
			return err
		}
		f = raw
	}
	if err := h.seg.WriteFrame(f); err != nil {
		return err
	}
	h.seg.PostAll()
	return nil
}

func (h *Handle) toLogical(f Frame) (Frame, error) {
	f.Format = Logical
	if len(h.geometry.Shape) < 2 {
		return f, nil
	}
	data, _, err := symcode.Decode(f.Data, h.geometry.plane(), h.geometry.DType.Size(), h.symcode)
	if err != nil {
		return Frame{}, err
	}
	f.Data = data
	f.Shape = h.geometry.LogicalShape(h.symcode)
	return f, nil
}

func (h *Handle) fromLogical(f Frame) (Frame, error) {
	if f.DType != h.geometry.DType {
		return Frame{}, fmt.Errorf("%w: frame is %s, segment %s is %s", ErrTypeMismatch, f.DType, h.name, h.geometry.DType)
	}
	want := h.geometry.LogicalShape(h.symcode)
	if !sameShape(f.Shape, want) {
		return Frame{}, fmt.Errorf("%w: logical frame is %v, segment %s expects %v", ErrShapeMismatch, f.Shape, h.name, want)
	}
	raw := Frame{DType: f.DType, Shape: cloneShape(h.geometry.Shape), Format: Raw, Data: f.Data}
	if len(h.geometry.Shape) < 2 {
		return raw, nil
	}
	in := symcode.Output(h.geometry.plane(), h.symcode)
	data, _, err := symcode.Encode(f.Data, in, h.geometry.DType.Size(), h.symcode)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrShapeMismatch, err)
	}
	raw.Data = data
	return raw, nil
}

// Keywords reads the keyword table.
func (h *Handle) Keywords() ([]Keyword, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	return h.seg.Keywords()
}

// UpdateKeyword is not supported yet and always fails with
// ErrUnimplemented.
func (h *Handle) UpdateKeyword(name string, value any, comment string) error {
	return fmt.Errorf("%w: update keyword %q on %s", ErrUnimplemented, name, h.name)
}

// SetKeywords is not supported yet and always fails with ErrUnimplemented.
func (h *Handle) SetKeywords(kws map[string]any) error {
	return fmt.Errorf("%w: set %d keywords on %s", ErrUnimplemented, len(kws), h.name)
}

// Close releases the semaphore and the mapping. The segment itself is
// destroyed only if this handle created it with DeleteOnClose.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	h.slotMu.Lock()
	if h.slot >= 0 {
		h.seg.ReleaseSlot(h.slot)
		h.slot = -1
	}
	h.slotMu.Unlock()
	if h.owner && h.deleteOnClose {
		return h.seg.Destroy()
	}
	return h.seg.Close()
}
