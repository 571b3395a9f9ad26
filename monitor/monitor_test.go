package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/moontrade/imstream/stream"
)

func newStream(t *testing.T, m *stream.Manager, name string) *stream.Handle {
	g := stream.Geometry{DType: stream.Float32, Shape: []int{8}}
	h, err := m.AttachOrCreate(name, &g, stream.DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestMonitor(t *testing.T) {
	m, err := stream.NewManager(t.TempDir(), stream.ManagerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	w := newStream(t, m, "cam")
	frame, _ := stream.NewFrame(stream.Raw, []int{8}, make([]float32, 8))

	samples := make(chan Sample, 64)
	mon, err := New(m, Options{
		Interval: 50 * time.Millisecond,
		OnSample: func(s Sample) {
			select {
			case samples <- s:
			default:
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mon.Close()

	if err = mon.Watch("cam"); err != nil {
		t.Fatal(err)
	}
	if err = mon.Watch("cam"); !errors.Is(err, stream.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	if err = mon.Watch("missing"); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				_ = w.SetData(frame)
			}
		}
	}()

	var busy Sample
	deadline := time.After(5 * time.Second)
	for busy.Frames == 0 {
		select {
		case busy = <-samples:
		case <-deadline:
			t.Fatal("no sample with frames")
		}
	}
	close(stop)
	if busy.Name != "cam" || busy.FPS <= 0 || busy.Posts == 0 || busy.MeanInterval <= 0 {
		t.Fatalf("sample %+v", busy)
	}
	if snap := mon.Snapshot(); len(snap) != 1 || snap[0].Name != "cam" {
		t.Fatalf("snapshot %+v", snap)
	}

	if err = m.Remove("cam"); err != nil {
		t.Fatal(err)
	}
	for {
		select {
		case s := <-samples:
			if s.Err == nil {
				continue
			}
			if !errors.Is(s.Err, stream.ErrSegmentGone) {
				t.Fatalf("final sample error %v", s.Err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("watcher did not stop")
		}
		break
	}
	for i := 0; len(mon.Watching()) != 0; i++ {
		if i > 500 {
			t.Fatal("watcher not removed")
		}
		time.Sleep(time.Millisecond)
	}
	if mon.Stats().Stopped.Load() != 1 {
		t.Fatalf("stopped %d", mon.Stats().Stopped.Load())
	}
}

func TestMonitorUnwatchAndClose(t *testing.T) {
	m, err := stream.NewManager(t.TempDir(), stream.ManagerOptions{})
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	newStream(t, m, "a")
	newStream(t, m, "b")
	newStream(t, m, "c")

	mon, err := New(m, Options{Interval: 10 * time.Millisecond, Workers: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err = mon.Watch("a"); err != nil {
		t.Fatal(err)
	}
	if err = mon.Watch("b.im.shm"); err != nil {
		t.Fatal(err)
	}
	if err = mon.Watch("c"); !errors.Is(err, stream.ErrResourceExhausted) {
		t.Fatalf("expected ErrResourceExhausted, got %v", err)
	}
	if w := mon.Watching(); len(w) != 2 || w[0] != "a" || w[1] != "b" {
		t.Fatalf("watching %v", w)
	}
	if err = mon.Unwatch("a"); err != nil {
		t.Fatal(err)
	}
	if err = mon.Unwatch("zzz"); !errors.Is(err, stream.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err = mon.Close(); err != nil {
		t.Fatal(err)
	}
	if len(mon.Watching()) != 0 {
		t.Fatalf("watching %v after close", mon.Watching())
	}
	if err = mon.Watch("a"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
