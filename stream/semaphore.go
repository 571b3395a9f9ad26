package stream

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/moontrade/imstream/config"
	"github.com/moontrade/imstream/pkg/futex"
	"github.com/moontrade/imstream/pkg/timex"
)

const (
	// NoWait makes a wait a non-blocking poll.
	NoWait = time.Duration(0)
	// Forever makes a wait block until signaled, cancelled or the segment
	// goes away.
	Forever = time.Duration(-1)
)

func waitSlice() time.Duration {
	if config.WaitSlice <= 0 {
		return 20 * time.Millisecond
	}
	return config.WaitSlice
}

// PostAll adds one to every semaphore in the bank and wakes their waiters.
// A semaphore already at the cap keeps its count and the post is dropped.
// It returns the number of dropped posts.
func (s *Segment) PostAll() int {
	if !s.enter() {
		return 0
	}
	defer s.leave()
	var (
		limit   = atomic.LoadUint32(&s.h.SemCap)
		dropped int
	)
	for i := range s.bank {
		word := &s.bank[i].Count
		for {
			c := atomic.LoadUint32(word)
			if c >= limit {
				dropped++
				break
			}
			if atomic.CompareAndSwapUint32(word, c, c+1) {
				_, _ = futex.Wake(word, 1)
				break
			}
		}
	}
	s.m.stats.Posts.Incr()
	if dropped > 0 {
		s.m.stats.SemaphoreDrops.Add(int64(dropped))
	}
	return dropped
}

// slot resolves index within the bank. Callers hold the mapping.
func (s *Segment) slot(index int) (*semSlot, error) {
	if index < 0 || index >= len(s.bank) {
		return nil, fmt.Errorf("%w: semaphore %d of %d", ErrInvalidArgument, index, len(s.bank))
	}
	return &s.bank[index], nil
}

func tryDecrement(word *uint32) bool {
	for {
		c := atomic.LoadUint32(word)
		if c == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(word, c, c-1) {
			return true
		}
	}
}

// Wait consumes one post from semaphore index. A timeout of NoWait polls,
// Forever blocks until signaled and any positive duration returns
// ErrTimedOut once elapsed. The wait parks in bounded slices so a done ctx
// or a destroyed segment is noticed within config.WaitSlice. Closing the
// segment from another goroutine wakes the wait with ErrClosed.
func (s *Segment) Wait(ctx context.Context, index int, timeout time.Duration) error {
	if !s.enter() {
		return ErrClosed
	}
	defer s.leave()
	slot, err := s.slot(index)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var (
		word     = &slot.Count
		sw       = timex.NewStopWatch()
		deadline int64
	)
	if timeout > 0 {
		deadline = timex.NanoTime() + int64(timeout)
	}
	defer func() {
		s.m.stats.Waits.Incr()
		s.m.stats.WaitsDur.Since(&sw)
	}()
	for {
		if s.closed.Load() {
			return ErrClosed
		}
		if tryDecrement(word) {
			return nil
		}
		if s.isGone() {
			return fmt.Errorf("%w: %s", ErrSegmentGone, s.name)
		}
		if timeout == NoWait {
			s.m.stats.WaitTimeouts.Incr()
			return ErrTimedOut
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		park := waitSlice()
		if timeout > 0 {
			remaining := time.Duration(deadline - timex.NanoTime())
			if remaining <= 0 {
				s.m.stats.WaitTimeouts.Incr()
				return ErrTimedOut
			}
			if remaining < park {
				park = remaining
			}
		}
		_ = futex.Wait(word, 0, park)
	}
}

// TryWait consumes one post if available.
func (s *Segment) TryWait(index int) bool {
	if !s.enter() {
		return false
	}
	defer s.leave()
	slot, err := s.slot(index)
	if err != nil {
		return false
	}
	return tryDecrement(&slot.Count)
}

// Flush drops every pending post of semaphore index and returns how many
// were dropped.
func (s *Segment) Flush(index int) int {
	if !s.enter() {
		return 0
	}
	defer s.leave()
	slot, err := s.slot(index)
	if err != nil {
		return 0
	}
	return int(atomic.SwapUint32(&slot.Count, 0))
}

// Pending is the number of posts semaphore index has not consumed.
func (s *Segment) Pending(index int) int {
	if !s.enter() {
		return 0
	}
	defer s.leave()
	slot, err := s.slot(index)
	if err != nil {
		return 0
	}
	return int(atomic.LoadUint32(&slot.Count))
}

// AssignSlot claims an unused semaphore for a reader. Slots whose owning
// process has exited are reclaimed when the bank is otherwise full.
func (s *Segment) AssignSlot() (int, error) {
	if !s.enter() {
		return -1, ErrClosed
	}
	defer s.leave()
	pid := int32(os.Getpid())
	for i := range s.bank {
		if atomic.CompareAndSwapInt32(&s.bank[i].Owner, 0, pid) {
			return i, nil
		}
	}
	for i := range s.bank {
		owner := atomic.LoadInt32(&s.bank[i].Owner)
		if owner == pid || processAlive(int(owner)) {
			continue
		}
		if atomic.CompareAndSwapInt32(&s.bank[i].Owner, owner, pid) {
			s.m.log.Debug().Str("name", s.name).Int("slot", i).Int32("pid", owner).Msg("reclaimed semaphore of exited process")
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: all %d semaphores of %s are assigned", ErrResourceExhausted, len(s.bank), s.name)
}

// ReleaseSlot gives a semaphore back to the bank.
func (s *Segment) ReleaseSlot(index int) {
	if !s.enter() {
		return
	}
	defer s.leave()
	slot, err := s.slot(index)
	if err != nil {
		return
	}
	atomic.StoreInt32(&slot.Owner, 0)
}

// SlotOwner returns the pid holding semaphore index, or 0.
func (s *Segment) SlotOwner(index int) int {
	if !s.enter() {
		return 0
	}
	defer s.leave()
	slot, err := s.slot(index)
	if err != nil {
		return 0
	}
	return int(atomic.LoadInt32(&slot.Owner))
}
