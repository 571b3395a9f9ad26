package futex

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestWaitValueChanged(t *testing.T) {
	var word uint32 = 1
	if err := Wait(&word, 0, time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestWaitTimeout(t *testing.T) {
	var word uint32
	begin := time.Now()
	for {
		err := Wait(&word, 0, 5*time.Millisecond)
		if err == ErrTimeout {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if time.Since(begin) > time.Second {
			t.Fatal("never timed out")
		}
	}
}

func TestWake(t *testing.T) {
	var word uint32
	done := make(chan struct{})
	go func() {
		defer close(done)
		for atomic.LoadUint32(&word) == 0 {
			_ = Wait(&word, 0, 50*time.Millisecond)
		}
	}()
	time.Sleep(5 * time.Millisecond)
	atomic.StoreUint32(&word, 1)
	_, _ = Wake(&word, 1)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}
