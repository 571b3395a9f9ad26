package stream

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// waitCaptured blocks until a is parked waiting for frame i.
func waitCaptured(t *testing.T, a *Acquisition, i int) bool {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if a.State() == AcqWaiting && a.Captured() == i {
			return true
		}
		if s := a.State(); s == AcqDone || s == AcqCancelled {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	t.Errorf("acquisition never reached frame %d: state %s captured %d", i, a.State(), a.Captured())
	return false
}

func frameOf(t *testing.T, g Geometry, seed int) Frame {
	values := make([]uint16, g.Elements())
	for i := range values {
		values[i] = uint16(seed*100 + i)
	}
	f, err := NewFrame(Raw, g.Shape, values)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestMultiRecv(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: UInt16, Shape: []int{4, 3}}
	w := mustCreate(t, m, "multi", g, DefaultOptions())
	r := mustAttach(t, m, "multi")

	// stale posts from before the acquisition are flushed
	_ = w.SetData(frameOf(t, g, 99))

	const n = 20
	a, err := r.NewAcquisition(n, RecvOptions{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			if !waitCaptured(t, a, i) {
				return
			}
			if err := w.SetData(frameOf(t, g, i)); err != nil {
				t.Error(err)
				return
			}
		}
	}()
	b, err := a.Run(bg)
	if err != nil {
		t.Fatal(err)
	}
	if b.State != AcqDone || b.Captured != n || b.Missed != 0 || b.Duplicates != 0 || b.Resets != 0 {
		t.Fatalf("batch state=%s captured=%d missed=%d dup=%d resets=%d", b.State, b.Captured, b.Missed, b.Duplicates, b.Resets)
	}
	if b.Baseline != 1 || b.Expected() != n {
		t.Fatalf("baseline %d expected %d", b.Baseline, b.Expected())
	}
	if s := b.Shape(); len(s) != 3 || s[0] != n || s[1] != 4 || s[2] != 3 {
		t.Fatalf("batch shape %v", s)
	}
	if len(b.Data) != n*g.Bytes() {
		t.Fatalf("batch holds %d bytes", len(b.Data))
	}
	for i := 0; i < n; i++ {
		f := b.Frame(i)
		if f.Counter != uint64(i+2) {
			t.Fatalf("frame %d counter %d", i, f.Counter)
		}
		values, _ := Values[uint16](f)
		if values[0] != uint16(i*100) || values[11] != uint16(i*100+11) {
			t.Fatalf("frame %d values %v", i, values)
		}
	}
	if _, err = a.Run(bg); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument on second run, got %v", err)
	}
}

func TestMultiRecvAccounting(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: UInt16, Shape: []int{8}}
	w := mustCreate(t, m, "acct", g, DefaultOptions())
	r := mustAttach(t, m, "acct")
	seg := w.Segment()

	a, err := r.NewAcquisition(4, RecvOptions{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		steps := []func(){
			func() { _ = w.SetData(frameOf(t, g, 0)) },
			// post without a new write
			func() { seg.PostAll() },
			// two frames land between posts
			func() {
				_ = seg.WriteFrame(frameOf(t, g, 1))
				_ = seg.WriteFrame(frameOf(t, g, 2))
				_ = w.SetData(frameOf(t, g, 3))
			},
			// writer restarted from zero
			func() {
				atomic.StoreUint64(&seg.h.Counter, 0)
				_ = w.SetData(frameOf(t, g, 4))
			},
		}
		for i, step := range steps {
			if !waitCaptured(t, a, i) {
				return
			}
			step()
		}
	}()
	b, err := a.Run(bg)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{1, 1, 4, 1}
	for i, c := range want {
		if b.Counters[i] != c {
			t.Fatalf("counters %v, want %v", b.Counters, want)
		}
	}
	if b.Missed != 2 || b.Duplicates != 1 || b.Resets != 1 {
		t.Fatalf("missed=%d dup=%d resets=%d", b.Missed, b.Duplicates, b.Resets)
	}
}

func TestMultiRecvBaselineBeforeFlush(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: UInt16, Shape: []int{4}}
	w := mustCreate(t, m, "window", g, DefaultOptions())
	r := mustAttach(t, m, "window")

	// a frame lands after the baseline is taken but before the slot is flushed
	testHookBaselineTaken = func() {
		if err := w.SetData(frameOf(t, g, 1)); err != nil {
			t.Error(err)
		}
	}
	defer func() { testHookBaselineTaken = nil }()

	a, err := r.NewAcquisition(1, RecvOptions{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		if waitCaptured(t, a, 0) {
			_ = w.SetData(frameOf(t, g, 2))
		}
	}()
	b, err := a.Run(bg)
	if err != nil {
		t.Fatal(err)
	}
	if b.Baseline != 0 || b.Counters[0] != 2 {
		t.Fatalf("baseline %d counters %v", b.Baseline, b.Counters)
	}
	if b.Missed != 1 || b.Duplicates != 0 {
		t.Fatalf("missed=%d dup=%d, want 1 missed", b.Missed, b.Duplicates)
	}
}

func TestMultiRecvCancel(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: UInt16, Shape: []int{2, 2}}
	w := mustCreate(t, m, "partial", g, DefaultOptions())
	r := mustAttach(t, m, "partial")

	ctx, cancel := context.WithCancel(bg)
	defer cancel()
	a, err := r.NewAcquisition(10, RecvOptions{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if !waitCaptured(t, a, i) {
				return
			}
			_ = w.SetData(frameOf(t, g, i))
		}
		if waitCaptured(t, a, 3) {
			cancel()
		}
	}()
	b, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("cancel is not an error: %v", err)
	}
	if b.State != AcqCancelled || b.Captured != 3 || len(b.Counters) != 3 {
		t.Fatalf("state=%s captured=%d counters=%v", b.State, b.Captured, b.Counters)
	}
	if len(b.Data) != 3*g.Bytes() {
		t.Fatalf("partial batch holds %d bytes", len(b.Data))
	}
}

func TestMultiRecvSegmentGone(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: UInt16, Shape: []int{2}}
	w := mustCreate(t, m, "vanish", g, DefaultOptions())
	r := mustAttach(t, m, "vanish")

	a, err := r.NewAcquisition(5, RecvOptions{})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		for i := 0; i < 2; i++ {
			if !waitCaptured(t, a, i) {
				return
			}
			_ = w.SetData(frameOf(t, g, i))
		}
		if waitCaptured(t, a, 2) {
			_ = m.Remove("vanish")
		}
	}()
	b, err := a.Run(bg)
	if !errors.Is(err, ErrSegmentGone) {
		t.Fatalf("expected ErrSegmentGone, got %v", err)
	}
	if b == nil || b.Captured != 2 || b.State != AcqDone {
		t.Fatalf("batch %+v", b)
	}
}

func TestMultiRecvCallbacks(t *testing.T) {
	var buf bytes.Buffer
	log := zerolog.New(&buf)
	m, err := NewManager(t.TempDir(), ManagerOptions{Logger: &log})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	g := Geometry{DType: UInt16, Shape: []int{2, 2}}
	w := mustCreate(t, m, "cb", g, DefaultOptions())
	r := mustAttach(t, m, "cb")

	var seen []uint64
	a, err := r.NewAcquisition(3, RecvOptions{
		Format:       Logical,
		MonitorCount: true,
		OnCapture: func(i int, counter uint64) {
			seen = append(seen, counter)
			if i == 0 {
				panic("callback failure")
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	defer func() { <-done }()
	go func() {
		defer close(done)
		for i := 0; i < 3; i++ {
			if !waitCaptured(t, a, i) {
				return
			}
			_ = w.SetData(frameOf(t, g, i))
		}
	}()
	b, err := a.Run(bg)
	if err != nil {
		t.Fatal(err)
	}
	if len(seen) != 3 || b.Captured != 3 {
		t.Fatalf("seen %v captured %d", seen, b.Captured)
	}
	if b.Format != Logical || b.Frame(0).Format != Logical {
		t.Fatal("batch not logical")
	}
	out := buf.String()
	if !strings.Contains(out, "acquisition summary") || !strings.Contains(out, `"observed":3`) {
		t.Fatalf("summary not logged: %s", out)
	}
}

func TestMultiRecvInvalid(t *testing.T) {
	m := newTestManager(t)
	h := mustCreate(t, m, "inv", Geometry{DType: UInt8, Shape: []int{2}}, DefaultOptions())
	if _, err := h.MultiRecv(bg, 0, RecvOptions{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	_ = h.Close()
	if _, err := h.MultiRecv(bg, 1, RecvOptions{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
