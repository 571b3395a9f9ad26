package stream

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/edsrzf/mmap-go"

	"github.com/moontrade/imstream/pkg/futex"
	"github.com/moontrade/imstream/pkg/timex"
	"github.com/moontrade/imstream/pkg/uid"
	"github.com/moontrade/imstream/stream/symcode"
)

// Segment is one mapping of a named stream. It is safe for concurrent use
// by multiple goroutines; writes from this process are serialized. Every
// operation that touches the mapping holds mapMu shared, and unmap takes it
// exclusively, so Close never pulls memory out from under a reader.
type Segment struct {
	m        *Manager
	name     string
	path     string
	f        *os.File
	info     os.FileInfo
	data     mmap.MMap
	h        *header
	bank     []semSlot
	keywords []keywordRecord
	buf      []byte
	geometry Geometry
	symcode  int
	shared   bool
	instance uint64
	refs     int32
	mapMu    sync.RWMutex
	closed   atomic.Bool
	writeMu  sync.Mutex
	statMu   sync.Mutex
	statAt   int64
	gone     atomic.Bool
}

type createParams struct {
	geometry        Geometry
	keywordCapacity int
	bankSize        int
	semCap          int
	symcode         int
	location        int
	shared          bool
	zeroInit        bool
}

func (p *createParams) validate() error {
	if err := p.geometry.Validate(); err != nil {
		return err
	}
	if p.keywordCapacity < 0 || p.keywordCapacity > math.MaxUint16 {
		return fmt.Errorf("%w: keyword capacity %d", ErrInvalidArgument, p.keywordCapacity)
	}
	if p.bankSize < 1 || p.bankSize > math.MaxUint16 {
		return fmt.Errorf("%w: bank size %d", ErrInvalidArgument, p.bankSize)
	}
	if p.semCap < 1 {
		return fmt.Errorf("%w: semaphore cap %d", ErrInvalidArgument, p.semCap)
	}
	if !symcode.Valid(p.symcode) {
		return fmt.Errorf("%w: symcode %d", ErrInvalidArgument, p.symcode)
	}
	if p.location >= 0 {
		return fmt.Errorf("%w: device location %d", ErrUnimplemented, p.location)
	}
	return nil
}

// initHeader fills a zeroed mapping. State is left to the caller.
func initHeader(b []byte, p *createParams, l layout) {
	h := headerAt(b)
	h.Magic = Magic
	h.Version = Version
	h.HeaderSize = uint32(headerSize)
	h.DType = uint8(p.geometry.DType)
	h.Naxis = uint8(len(p.geometry.Shape))
	h.Symcode = uint8(p.symcode)
	h.Location = int8(p.location)
	if p.shared {
		h.Flags |= flagShared
	}
	for i, n := range p.geometry.Shape {
		h.Size[i] = uint32(n)
	}
	h.KeywordCap = uint32(p.keywordCapacity)
	h.Elements = uint64(p.geometry.Elements())
	h.BankSize = uint32(p.bankSize)
	h.SemCap = uint32(p.semCap)
	h.CreateTime = timex.UnixNano()
	h.OwnerPID = int32(os.Getpid())
	h.Instance = uid.Instance()
	h.DataOffset = uint64(l.dataOffset)
	h.TotalSize = uint64(l.totalSize)
	h.Checksum = h.sum()
}

func (m *Manager) createShared(name string, p *createParams) (s *Segment, err error) {
	l := computeLayout(p.geometry, p.keywordCapacity, p.bankSize)
	path := m.Path(name)
	tmp := filepath.Join(m.dir, fmt.Sprintf(".%s.%d.%x.tmp", name, os.Getpid(), uid.Instance()))

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_RDWR, m.perm)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = os.Remove(tmp)
		if err != nil {
			if s != nil {
				s.unmap()
			} else {
				_ = f.Close()
			}
		}
	}()
	// Permissions are widened past the umask so other users can attach.
	_ = f.Chmod(m.perm)
	if err = f.Truncate(int64(l.totalSize)); err != nil {
		return nil, err
	}
	data, err := mmap.MapRegion(f, l.totalSize, mmap.RDWR, 0, 0)
	if err != nil {
		return nil, err
	}
	s = m.newSegment(name, path, f, data)
	initHeader(data, p, l)
	s.bind()
	if p.zeroInit {
		clear(s.buf)
	}
	atomic.StoreUint32(&s.h.State, uint32(stateLive))

	// Publishing is a hard link so a name is never observed half built and
	// an existing segment is never clobbered.
	if err = os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			err = fmt.Errorf("%w: %s", ErrAlreadyExists, name)
		}
		return s, err
	}
	s.info, err = os.Stat(path)
	if err != nil {
		return s, err
	}
	return s, nil
}

func (m *Manager) createAnonymous(name string, p *createParams) (*Segment, error) {
	l := computeLayout(p.geometry, p.keywordCapacity, p.bankSize)
	data, err := mmap.MapRegion(nil, l.totalSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, err
	}
	s := m.newSegment(name, "", nil, data)
	initHeader(data, p, l)
	s.bind()
	atomic.StoreUint32(&s.h.State, uint32(stateLive))
	return s, nil
}

func (m *Manager) openShared(name string) (*Segment, error) {
	path := m.Path(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, path)
	}
	size := int(info.Size())
	if size < headerSize {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s holds %d bytes", ErrFormatMismatch, name, size)
	}
	data, err := mmap.MapRegion(f, size, mmap.RDWR, 0, 0)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	s := m.newSegment(name, path, f, data)
	s.info = info
	s.h = headerAt(data)
	if err = s.h.validate(size); err != nil {
		s.unmap()
		return nil, err
	}
	if segmentState(atomic.LoadUint32(&s.h.State)) != stateLive {
		s.unmap()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	s.bind()
	return s, nil
}

func (m *Manager) newSegment(name, path string, f *os.File, data mmap.MMap) *Segment {
	m.stats.ActiveMaps.Incr()
	m.stats.ActiveMappedMemory.Add(int64(len(data)))
	return &Segment{
		m:    m,
		name: name,
		path: path,
		f:    f,
		data: data,
		h:    headerAt(data),
		refs: 1,
	}
}

// bind slices the regions that follow the header.
func (s *Segment) bind() {
	h := s.h
	s.geometry = h.geometry()
	s.symcode = int(h.Symcode)
	s.shared = h.Flags&flagShared != 0
	s.instance = h.Instance
	if h.BankSize > 0 {
		s.bank = unsafe.Slice((*semSlot)(unsafe.Pointer(&s.data[headerSize])), int(h.BankSize))
	}
	l := computeLayout(s.geometry, int(h.KeywordCap), int(h.BankSize))
	if h.KeywordCap > 0 {
		s.keywords = unsafe.Slice((*keywordRecord)(unsafe.Pointer(&s.data[l.keywordOffset])), int(h.KeywordCap))
	}
	s.buf = s.data[l.dataOffset:l.totalSize:l.totalSize]
}

// enter pins the mapping for the duration of an operation. It reports false
// once the segment is closed; callers that get true must call leave.
func (s *Segment) enter() bool {
	s.mapMu.RLock()
	if s.closed.Load() {
		s.mapMu.RUnlock()
		return false
	}
	return true
}

func (s *Segment) leave() { s.mapMu.RUnlock() }

func (s *Segment) Name() string     { return s.name }
func (s *Segment) Path() string     { return s.path }
func (s *Segment) Symcode() int     { return s.symcode }
func (s *Segment) Shared() bool     { return s.shared }
func (s *Segment) Instance() uint64 { return s.instance }

func (s *Segment) Geometry() Geometry {
	return Geometry{DType: s.geometry.DType, Shape: cloneShape(s.geometry.Shape)}
}

// Counter is the number of frames written since creation. It is 0 once
// the segment is closed.
func (s *Segment) Counter() uint64 {
	if !s.enter() {
		return 0
	}
	defer s.leave()
	return atomic.LoadUint64(&s.h.Counter)
}

// WriteFrame copies a raw frame into the buffer and then bumps the write
// counter. It does not notify readers; see PostAll.
func (s *Segment) WriteFrame(f Frame) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.leave()
	if f.Format != Raw {
		return fmt.Errorf("%w: segment writes take raw frames", ErrInvalidArgument)
	}
	if f.DType != s.geometry.DType {
		return fmt.Errorf("%w: frame is %s, segment %s is %s", ErrTypeMismatch, f.DType, s.name, s.geometry.DType)
	}
	if !sameShape(f.Shape, s.geometry.Shape) {
		return fmt.Errorf("%w: frame is %v, segment %s is %v", ErrShapeMismatch, f.Shape, s.name, s.geometry.Shape)
	}
	if len(f.Data) != len(s.buf) {
		return fmt.Errorf("%w: frame holds %d bytes, segment %s holds %d", ErrShapeMismatch, len(f.Data), s.name, len(s.buf))
	}
	if s.isGone() {
		return fmt.Errorf("%w: %s", ErrSegmentGone, s.name)
	}
	sw := timex.NewStopWatch()
	s.writeMu.Lock()
	atomic.StoreUint32(&s.h.Writing, 1)
	copy(s.buf, f.Data)
	atomic.StoreInt64(&s.h.WriteTime, timex.UnixNano())
	atomic.AddUint64(&s.h.Counter, 1)
	atomic.StoreUint32(&s.h.Writing, 0)
	s.writeMu.Unlock()
	s.m.stats.Writes.Incr()
	s.m.stats.WritesDur.Since(&sw)
	return nil
}

// ReadFrame returns a copy of the buffer without synchronizing with
// writers. The counter is sampled before the copy, so the data is at least
// as new as the counter says and may be torn by a concurrent write.
func (s *Segment) ReadFrame() (Frame, error) {
	if !s.enter() {
		return Frame{}, ErrClosed
	}
	defer s.leave()
	sw := timex.NewStopWatch()
	counter := atomic.LoadUint64(&s.h.Counter)
	data := make([]byte, len(s.buf))
	copy(data, s.buf)
	s.m.stats.Reads.Incr()
	s.m.stats.ReadsDur.Since(&sw)
	return Frame{
		DType:   s.geometry.DType,
		Shape:   cloneShape(s.geometry.Shape),
		Format:  Raw,
		Counter: counter,
		Data:    data,
	}, nil
}

// Metadata is a snapshot of a segment header.
type Metadata struct {
	Name            string
	Path            string
	DType           DType
	Shape           []int
	Symcode         int
	Location        int
	Shared          bool
	KeywordCapacity int
	BankSize        int
	SemaphoreCap    int
	OwnerPID        int
	Created         time.Time
	Instance        uint64
	Counter         uint64
	LastWrite       time.Time
	Writing         bool
	Size            int
}

// Metadata is a snapshot of the header. A closed segment reports only what
// this process cached when it was mapped.
func (s *Segment) Metadata() Metadata {
	if !s.enter() {
		return Metadata{
			Name:    s.name,
			Path:    s.path,
			DType:   s.geometry.DType,
			Shape:   cloneShape(s.geometry.Shape),
			Symcode: s.symcode,
			Shared:  s.shared,
		}
	}
	defer s.leave()
	h := s.h
	md := Metadata{
		Name:            s.name,
		Path:            s.path,
		DType:           s.geometry.DType,
		Shape:           cloneShape(s.geometry.Shape),
		Symcode:         int(h.Symcode),
		Location:        int(h.Location),
		Shared:          h.Flags&flagShared != 0,
		KeywordCapacity: int(h.KeywordCap),
		BankSize:        int(h.BankSize),
		SemaphoreCap:    int(h.SemCap),
		OwnerPID:        int(h.OwnerPID),
		Created:         time.Unix(0, h.CreateTime),
		Instance:        h.Instance,
		Counter:         atomic.LoadUint64(&h.Counter),
		Writing:         atomic.LoadUint32(&h.Writing) != 0,
		Size:            len(s.data),
	}
	if wt := atomic.LoadInt64(&h.WriteTime); wt > 0 {
		md.LastWrite = time.Unix(0, wt)
	}
	return md
}

// isGone reports whether the segment was destroyed or its name now points
// at a different file. The filesystem is consulted at most once per
// config.WaitSlice. Callers hold the mapping.
func (s *Segment) isGone() bool {
	if s.gone.Load() {
		return true
	}
	if segmentState(atomic.LoadUint32(&s.h.State)) == stateDestroyed {
		s.gone.Store(true)
		return true
	}
	if s.path == "" || s.info == nil {
		return false
	}
	now := timex.NanoTime()
	s.statMu.Lock()
	defer s.statMu.Unlock()
	if now-s.statAt < int64(waitSlice()) {
		return false
	}
	s.statAt = now
	info, err := os.Stat(s.path)
	if err != nil || !os.SameFile(info, s.info) {
		s.gone.Store(true)
		return true
	}
	return false
}

// markDestroyed flags the header and wakes every parked reader.
func (s *Segment) markDestroyed() {
	if !s.enter() {
		return
	}
	defer s.leave()
	atomic.StoreUint32(&s.h.State, uint32(stateDestroyed))
	s.gone.Store(true)
	for i := range s.bank {
		_, _ = futex.Wake(&s.bank[i].Count, math.MaxInt32)
	}
}

// Destroy marks the segment destroyed, wakes waiters in every process,
// removes its name and unmaps it.
func (s *Segment) Destroy() error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.markDestroyed()
	s.m.stats.Destroys.Incr()
	s.m.log.Debug().Str("name", s.name).Msg("segment destroyed")
	if s.path == "" {
		// other handles in this process may still hold the mapping
		s.m.forgetLocal(s)
		return s.m.releaseLocal(s)
	}
	var err error
	if e := os.Remove(s.path); e != nil && !errors.Is(e, os.ErrNotExist) {
		err = e
	}
	s.unmap()
	return err
}

// Close unmaps the segment. The named segment stays available to others.
func (s *Segment) Close() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if s.path == "" {
		return s.m.releaseLocal(s)
	}
	s.unmap()
	return nil
}

// unmap refuses new operations, wakes this segment's parked waiters so they
// observe the close, then waits for operations in flight to leave the
// mapping before releasing it.
func (s *Segment) unmap() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	for i := range s.bank {
		_, _ = futex.Wake(&s.bank[i].Count, math.MaxInt32)
	}
	s.mapMu.Lock()
	defer s.mapMu.Unlock()
	data := s.data
	if len(data) > 0 {
		if err := data.Unmap(); err != nil {
			s.m.stats.UnmapErrors.Incr()
		}
		s.m.stats.ActiveMaps.Decr()
		s.m.stats.ActiveMappedMemory.Add(-int64(len(data)))
	}
	if s.f != nil {
		_ = s.f.Close()
	}
}
