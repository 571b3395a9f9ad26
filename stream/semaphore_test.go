package stream

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"
)

func TestPostAndWait(t *testing.T) {
	m := newTestManager(t)
	h := mustCreate(t, m, "sem", Geometry{DType: UInt8, Shape: []int{16}}, DefaultOptions())
	slot, err := h.Slot()
	if err != nil {
		t.Fatal(err)
	}
	if h.Segment().SlotOwner(slot) != os.Getpid() {
		t.Fatal("slot not owned by this process")
	}
	if dropped := h.Segment().PostAll(); dropped != 0 {
		t.Fatalf("dropped %d", dropped)
	}
	if h.Pending() != 1 {
		t.Fatalf("pending %d", h.Pending())
	}
	if err = h.Wait(bg, NoWait); err != nil {
		t.Fatal(err)
	}
	if err = h.Wait(bg, NoWait); !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestSemaphoreCap(t *testing.T) {
	m := newTestManager(t)
	h := mustCreate(t, m, "cap", Geometry{DType: UInt8, Shape: []int{16}}, DefaultOptions())
	seg := h.Segment()
	for i := 0; i < 10; i++ {
		if dropped := seg.PostAll(); dropped != 0 {
			t.Fatalf("post %d dropped %d", i, dropped)
		}
	}
	for i := 0; i < 5; i++ {
		if dropped := seg.PostAll(); dropped != 10 {
			t.Fatalf("post past cap dropped %d, want 10", dropped)
		}
	}
	if p := seg.Pending(0); p != 10 {
		t.Fatalf("pending %d, want 10", p)
	}
	if d := m.Stats().SemaphoreDrops.Load(); d != 50 {
		t.Fatalf("drops %d, want 50", d)
	}
	if n := seg.Flush(0); n != 10 {
		t.Fatalf("flushed %d", n)
	}
	if seg.Pending(0) != 0 {
		t.Fatal("flush left posts")
	}
}

func TestWaitTimeout(t *testing.T) {
	m := newTestManager(t)
	h := mustCreate(t, m, "timeout", Geometry{DType: UInt8, Shape: []int{16}}, DefaultOptions())
	start := time.Now()
	err := h.Wait(bg, 50*time.Millisecond)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("returned after %s", time.Since(start))
	}
	f, err := h.GetData(bg, ReadOptions{Wait: 30 * time.Millisecond})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if f.Data != nil {
		t.Fatal("timed out read returned data")
	}
}

func TestWaitCancel(t *testing.T) {
	m := newTestManager(t)
	h := mustCreate(t, m, "cancel", Geometry{DType: UInt8, Shape: []int{16}}, DefaultOptions())
	ctx, cancel := context.WithCancel(bg)
	time.AfterFunc(30*time.Millisecond, cancel)
	if err := h.Wait(ctx, Forever); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWaitWakesOnWrite(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: Float32, Shape: []int{4}}
	w := mustCreate(t, m, "wake", g, DefaultOptions())
	r := mustAttach(t, m, "wake")
	if _, err := r.Slot(); err != nil {
		t.Fatal(err)
	}

	var (
		wg  sync.WaitGroup
		got Frame
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		got, err = r.GetData(bg, ReadOptions{Wait: Forever})
	}()
	time.Sleep(20 * time.Millisecond)
	f, _ := NewFrame(Raw, g.Shape, []float32{1, 2, 3, 4})
	if e := w.SetData(f); e != nil {
		t.Fatal(e)
	}
	wg.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if got.Counter != 1 || r.LastCounter() != 1 {
		t.Fatalf("counter %d last %d", got.Counter, r.LastCounter())
	}
}

func TestWaitSegmentGone(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: UInt8, Shape: []int{8}}
	mustCreate(t, m, "gone", g, DefaultOptions())
	r := mustAttach(t, m, "gone")

	errc := make(chan error, 1)
	go func() {
		_, err := r.GetData(bg, ReadOptions{Wait: Forever})
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := m.Remove("gone"); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrSegmentGone) {
			t.Fatalf("expected ErrSegmentGone, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader still blocked after removal")
	}
	if m.Exists("gone") {
		t.Fatal("segment file still present")
	}
}

func TestWaitSegmentUnlinked(t *testing.T) {
	m := newTestManager(t)
	mustCreate(t, m, "unlinked", Geometry{DType: UInt8, Shape: []int{8}}, DefaultOptions())
	r := mustAttach(t, m, "unlinked")
	// removed behind the library's back
	if err := os.Remove(m.Path("unlinked")); err != nil {
		t.Fatal(err)
	}
	err := r.Wait(bg, 2*time.Second)
	if !errors.Is(err, ErrSegmentGone) {
		t.Fatalf("expected ErrSegmentGone, got %v", err)
	}
}

func TestBankExhausted(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{BankSize: 2})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	mustCreate(t, m, "bank", Geometry{DType: UInt8, Shape: []int{8}}, DefaultOptions())
	a := mustAttach(t, m, "bank")
	b := mustAttach(t, m, "bank")
	c := mustAttach(t, m, "bank")
	if _, err = a.Slot(); err != nil {
		t.Fatal(err)
	}
	if _, err = b.Slot(); err != nil {
		t.Fatal(err)
	}
	if _, err = c.Slot(); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if err = c.Wait(bg, NoWait); !errors.Is(err, ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	_ = a.Close()
	if _, err = c.Slot(); err != nil {
		t.Fatal(err)
	}
}

func TestReclaimDeadSlot(t *testing.T) {
	m, err := NewManager(t.TempDir(), ManagerOptions{BankSize: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	h := mustCreate(t, m, "reclaim", Geometry{DType: UInt8, Shape: []int{8}}, DefaultOptions())
	// a pid that cannot be running
	h.Segment().bank[0].Owner = 1<<22 + 12345
	slot, err := h.Slot()
	if err != nil {
		t.Fatal(err)
	}
	if slot != 0 || h.Segment().SlotOwner(0) != os.Getpid() {
		t.Fatalf("slot %d owner %d", slot, h.Segment().SlotOwner(0))
	}
}

func TestReadFlush(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: UInt8, Shape: []int{8}}
	w := mustCreate(t, m, "flush", g, DefaultOptions())
	r := mustAttach(t, m, "flush")
	if _, err := r.Slot(); err != nil {
		t.Fatal(err)
	}
	f, _ := NewFrame(Raw, g.Shape, ramp[uint8](8))
	_ = w.SetData(f)
	_ = w.SetData(f)
	if r.Pending() != 2 {
		t.Fatalf("pending %d", r.Pending())
	}
	_, err := r.GetData(bg, ReadOptions{Wait: 30 * time.Millisecond, Flush: true})
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut after flush, got %v", err)
	}
}

func TestCloseDuringWrites(t *testing.T) {
	m := newTestManager(t)
	g := Geometry{DType: Int16, Shape: []int{64, 64}}
	w := mustCreate(t, m, "closing", g, DefaultOptions())
	r := mustAttach(t, m, "closing")
	if _, err := r.Slot(); err != nil {
		t.Fatal(err)
	}
	f, _ := NewFrame(Raw, g.Shape, ramp[int16](g.Elements()))

	done := make(chan error, 1)
	go func() {
		for {
			if err := w.SetData(f); err != nil {
				done <- err
				return
			}
		}
	}()
	if _, err := r.GetData(bg, ReadOptions{Wait: Forever}); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer still running after close")
	}

	// the segment outlives the closed handle
	got, err := r.GetData(bg, ReadOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Counter == 0 {
		t.Fatal("no frame survived the close")
	}
}

func TestCloseWakesWait(t *testing.T) {
	m := newTestManager(t)
	h := mustCreate(t, m, "wake", Geometry{DType: UInt8, Shape: []int{16}}, DefaultOptions())
	slot, err := h.Slot()
	if err != nil {
		t.Fatal(err)
	}
	seg := h.Segment()
	done := make(chan error, 1)
	go func() { done <- seg.Wait(bg, slot, Forever) }()
	time.Sleep(30 * time.Millisecond)
	if err = h.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case err = <-done:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait not released by close")
	}
	if seg.Counter() != 0 || seg.Pending(slot) != 0 || seg.PostAll() != 0 {
		t.Fatal("closed segment still reads its mapping")
	}
	if _, err = seg.ReadFrame(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func BenchmarkPostWait(b *testing.B) {
	m := newTestManager(b)
	h := mustCreate(b, m, "bench", Geometry{DType: UInt8, Shape: []int{8}}, DefaultOptions())
	slot, err := h.Slot()
	if err != nil {
		b.Fatal(err)
	}
	seg := h.Segment()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		seg.PostAll()
		if err = seg.Wait(bg, slot, NoWait); err != nil {
			b.Fatal(err)
		}
	}
}
