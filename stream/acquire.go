package stream

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	logger "github.com/moontrade/log"

	"github.com/moontrade/imstream/pkg/timex"
	"github.com/moontrade/imstream/pkg/util"
)

type AcqState int32

const (
	AcqIdle      AcqState = 0
	AcqWaiting   AcqState = 1
	AcqCapturing AcqState = 2
	AcqDone      AcqState = 3
	AcqCancelled AcqState = 4
)

func (s AcqState) String() string {
	switch s {
	case AcqIdle:
		return "idle"
	case AcqWaiting:
		return "waiting"
	case AcqCapturing:
		return "capturing"
	case AcqDone:
		return "done"
	case AcqCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("AcqState(%d)", int32(s))
}

func (s *AcqState) load() AcqState   { return AcqState(atomic.LoadInt32((*int32)(s))) }
func (s *AcqState) store(v AcqState) { atomic.StoreInt32((*int32)(s), int32(v)) }

// RecvOptions control MultiRecv.
type RecvOptions struct {
	Format Format
	// MonitorCount logs a counter summary when the batch ends.
	MonitorCount bool
	// OnCapture runs after frame i was stored. Panics are recovered.
	OnCapture func(i int, counter uint64)
}

// Batch holds the frames captured by one acquisition, stacked in Data.
type Batch struct {
	DType      DType
	FrameShape []int
	Format     Format
	Requested  int
	Captured   int
	Data       []byte
	Counters   []uint64
	// Baseline is the write counter when the acquisition started.
	Baseline   uint64
	Missed     uint64
	Duplicates int
	Resets     int
	State      AcqState
	Elapsed    time.Duration
}

func (b *Batch) frameBytes() int {
	n := b.DType.Size()
	for _, s := range b.FrameShape {
		n *= s
	}
	return n
}

// Shape is the batch shape, captured frames first.
func (b *Batch) Shape() []int {
	return append([]int{b.Captured}, b.FrameShape...)
}

// Frame returns frame i. The data aliases the batch buffer.
func (b *Batch) Frame(i int) Frame {
	fb := b.frameBytes()
	return Frame{
		DType:   b.DType,
		Shape:   cloneShape(b.FrameShape),
		Format:  b.Format,
		Counter: b.Counters[i],
		Data:    b.Data[i*fb : (i+1)*fb : (i+1)*fb],
	}
}

// Expected is the number of writes that happened between the baseline and
// the last captured frame.
func (b *Batch) Expected() uint64 {
	if b.Captured == 0 {
		return 0
	}
	last := b.Counters[b.Captured-1]
	if last < b.Baseline {
		return 0
	}
	return last - b.Baseline
}

// Acquisition captures n consecutive frames from one handle.
//
// Idle -> Waiting -> Capturing -> (Waiting | Done | Cancelled)
type Acquisition struct {
	h        *Handle
	n        int
	opts     RecvOptions
	state    AcqState
	batch    *Batch
	last     uint64
	started  atomic.Bool
	captured atomic.Int64
}

var testHookBaselineTaken func()

func (h *Handle) NewAcquisition(n int, opts RecvOptions) (*Acquisition, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: batch of %d frames", ErrInvalidArgument, n)
	}
	if h.closed.Load() {
		return nil, ErrClosed
	}
	return &Acquisition{h: h, n: n, opts: opts}, nil
}

// State and Captured may be polled while Run is in progress. Waiting is
// only entered once the slot was flushed and the baseline taken.
func (a *Acquisition) State() AcqState { return a.state.load() }

// Captured is the number of frames stored so far.
func (a *Acquisition) Captured() int {
	return int(a.captured.Load())
}

// Run captures until n frames are stored or ctx is done. Cancellation is
// not an error: the partial batch is returned with State AcqCancelled.
// Any other failure returns the partial batch and the error.
func (a *Acquisition) Run(ctx context.Context) (*Batch, error) {
	if !a.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: acquisition already %s", ErrInvalidArgument, a.state.load())
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		h   = a.h
		seg = h.seg
		sw  = timex.NewStopWatch()
	)
	slot, err := h.Slot()
	if err != nil {
		a.state.store(AcqDone)
		return &Batch{DType: h.geometry.DType, Requested: a.n, State: AcqDone}, err
	}
	// a frame written between baseline and flush counts as missed
	baseline := seg.Counter()
	if testHookBaselineTaken != nil {
		testHookBaselineTaken()
	}
	seg.Flush(slot)

	frameShape := h.geometry.Shape
	if a.opts.Format == Logical {
		frameShape = h.geometry.LogicalShape(h.symcode)
	}
	b := &Batch{
		DType:      h.geometry.DType,
		FrameShape: cloneShape(frameShape),
		Format:     a.opts.Format,
		Requested:  a.n,
		Counters:   make([]uint64, a.n),
		Baseline:   baseline,
	}
	fb := b.frameBytes()
	b.Data = make([]byte, a.n*fb)
	a.batch = b
	a.last = b.Baseline

	for b.Captured < a.n {
		a.state.store(AcqWaiting)
		err = seg.Wait(ctx, slot, Forever)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				a.state.store(AcqCancelled)
				return a.finish(sw), nil
			}
			a.state.store(AcqDone)
			return a.finish(sw), err
		}

		a.state.store(AcqCapturing)
		f, err := h.GetData(ctx, ReadOptions{Wait: NoWait, Format: a.opts.Format})
		if err != nil {
			a.state.store(AcqDone)
			return a.finish(sw), err
		}
		i := b.Captured
		copy(b.Data[i*fb:(i+1)*fb], f.Data)
		b.Counters[i] = f.Counter
		a.account(f.Counter)
		b.Captured = i + 1
		a.captured.Store(int64(b.Captured))
		a.notify(i, f.Counter)
	}
	a.state.store(AcqDone)
	return a.finish(sw), nil
}

// account diffs a captured counter against the previous one.
func (a *Acquisition) account(counter uint64) {
	b := a.batch
	switch {
	case counter < a.last:
		b.Resets++
	case counter == a.last:
		b.Duplicates++
	case counter-a.last > 1:
		b.Missed += counter - a.last - 1
	}
	a.last = counter
}

func (a *Acquisition) notify(i int, counter uint64) {
	fn := a.opts.OnCapture
	if fn == nil {
		return
	}
	defer func() {
		if e := recover(); e != nil {
			logger.WarnErr(util.PanicToError(e), "Acquisition.OnCapture panic")
		}
	}()
	fn(i, counter)
}

func (a *Acquisition) finish(sw timex.StopWatch) *Batch {
	b := a.batch
	b.State = a.state.load()
	b.Elapsed = sw.ElapsedDur()
	fb := b.frameBytes()
	b.Data = b.Data[:b.Captured*fb]
	b.Counters = b.Counters[:b.Captured]
	if a.opts.MonitorCount {
		log := a.h.m.log
		ev := log.Info()
		if b.Missed > 0 || b.Resets > 0 || b.Duplicates > 0 {
			ev = log.Warn()
		}
		ev.Str("name", a.h.name).
			Str("state", b.State.String()).
			Int("requested", b.Requested).
			Int("observed", b.Captured).
			Uint64("expected", b.Expected()).
			Uint64("missed", b.Missed).
			Int("duplicates", b.Duplicates).
			Int("resets", b.Resets).
			Dur("elapsed", b.Elapsed).
			Msg("acquisition summary")
	}
	return b
}

// MultiRecv captures n frames in a row. See Acquisition.
func (h *Handle) MultiRecv(ctx context.Context, n int, opts RecvOptions) (*Batch, error) {
	a, err := h.NewAcquisition(n, opts)
	if err != nil {
		return nil, err
	}
	return a.Run(ctx)
}
